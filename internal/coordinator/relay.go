package coordinator

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/model"
)

// CodeAllocationExceeded is returned by bandwidth reports once a grid has
// used its purchased relay allocation.
const CodeAllocationExceeded = "allocation_exceeded"

// PurchaseRequest buys relay allocation for a grid.
type PurchaseRequest struct {
	GridID string `json:"grid_id"`
	GB     int    `json:"gb"`
	Months int    `json:"months"`
}

// BandwidthAck is the coordinator's answer to a bandwidth report.
type BandwidthAck struct {
	UsedBytes      int64 `json:"used_bytes"`
	RemainingBytes int64 `json:"remaining_bytes"`
}

func gridQuery(gridID string) url.Values {
	if gridID == "" {
		return nil
	}
	return url.Values{"grid_id": {gridID}}
}

func (c *Client) StartTrial(ctx context.Context, gridID string) (*model.RelaySubscription, error) {
	var sub model.RelaySubscription
	if err := c.do(ctx, call{method: http.MethodPost, path: "/relay/trial", in: map[string]string{"grid_id": gridID}, out: &sub}); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Credentials fetches a short-lived tunnel credential.
func (c *Client) Credentials(ctx context.Context, gridID string) (*model.TunnelCredential, error) {
	var cred model.TunnelCredential
	if err := c.do(ctx, call{method: http.MethodGet, path: "/relay/credentials", query: gridQuery(gridID), out: &cred}); err != nil {
		return nil, err
	}
	if cred.Token == "" {
		return nil, apperr.E(apperr.Invalid, "coordinator.relay_credentials", "coordinator returned no credential")
	}
	return &cred, nil
}

func (c *Client) Subscription(ctx context.Context, gridID string) (*model.RelaySubscription, error) {
	var sub model.RelaySubscription
	if err := c.do(ctx, call{method: http.MethodGet, path: "/relay/subscription", query: gridQuery(gridID), out: &sub}); err != nil {
		return nil, err
	}
	return &sub, nil
}

// ReportBandwidth posts a usage delta. Once the allocation is used up the
// error carries CodeAllocationExceeded.
func (c *Client) ReportBandwidth(ctx context.Context, r model.BandwidthReport) (*BandwidthAck, error) {
	if r.BytesSent < 0 || r.BytesReceived < 0 {
		return nil, apperr.E(apperr.Invalid, "coordinator.report_bandwidth", "negative byte count")
	}
	var ack BandwidthAck
	if err := c.do(ctx, call{method: http.MethodPost, path: "/relay/bandwidth", in: r, out: &ack}); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) Purchase(ctx context.Context, req PurchaseRequest) (*model.RelaySubscription, error) {
	if req.GB <= 0 || req.Months <= 0 {
		return nil, apperr.E(apperr.Invalid, "coordinator.relay_purchase", "gb and months must be positive")
	}
	var sub model.RelaySubscription
	if err := c.do(ctx, call{method: http.MethodPost, path: "/relay/purchase", in: req, out: &sub}); err != nil {
		return nil, err
	}
	return &sub, nil
}

// RelayServers lists candidate tunnel servers.
func (c *Client) RelayServers(ctx context.Context) ([]model.RelayServer, error) {
	var servers []model.RelayServer
	if err := c.do(ctx, call{method: http.MethodGet, path: "/relay/servers", out: &servers}); err != nil {
		return nil, err
	}
	return servers, nil
}

func (c *Client) ListTunnels(ctx context.Context) ([]model.Tunnel, error) {
	var tunnels []model.Tunnel
	if err := c.do(ctx, call{method: http.MethodGet, path: "/tunnels", out: &tunnels}); err != nil {
		return nil, err
	}
	return tunnels, nil
}

func (c *Client) CreateTunnel(ctx context.Context, spec model.TunnelSpec) (*model.Tunnel, error) {
	if !spec.Protocol.Valid() {
		return nil, apperr.E(apperr.Invalid, "coordinator.create_tunnel", "unknown protocol %q", spec.Protocol)
	}
	if spec.LocalPort <= 0 || spec.LocalPort > 65535 {
		return nil, apperr.E(apperr.Invalid, "coordinator.create_tunnel", "bad local port %d", spec.LocalPort)
	}
	var t model.Tunnel
	if err := c.do(ctx, call{method: http.MethodPost, path: "/tunnels", in: spec, out: &t}); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) DeleteTunnel(ctx context.Context, id string) error {
	return c.do(ctx, call{method: http.MethodDelete, path: "/tunnels", query: url.Values{"id": {id}}})
}

// SubdomainAvailable asks whether a tunnel subdomain is free.
func (c *Client) SubdomainAvailable(ctx context.Context, subdomain string) (bool, error) {
	var resp struct {
		Available bool `json:"available"`
	}
	if err := c.do(ctx, call{method: http.MethodGet, path: path("/tunnels/check/%s", subdomain), out: &resp}); err != nil {
		return false, err
	}
	return resp.Available, nil
}
