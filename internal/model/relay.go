package model

import "time"

// TunnelProtocol is the exposure type of a declared tunnel.
type TunnelProtocol string

const (
	TunnelHTTP  TunnelProtocol = "http"
	TunnelHTTPS TunnelProtocol = "https"
	TunnelTCP   TunnelProtocol = "tcp"
)

// Valid reports whether p is http, https or tcp.
func (p TunnelProtocol) Valid() bool {
	return p == TunnelHTTP || p == TunnelHTTPS || p == TunnelTCP
}

// TunnelSpec declares one local port to route through the relay sidecar.
type TunnelSpec struct {
	ID         string         `json:"id" yaml:"id"`
	Subdomain  string         `json:"subdomain,omitempty" yaml:"subdomain,omitempty"`
	LocalPort  int            `json:"local_port" yaml:"local_port"`
	RemotePort int            `json:"remote_port,omitempty" yaml:"remote_port,omitempty"`
	Protocol   TunnelProtocol `json:"protocol" yaml:"protocol"`
	GridID     string         `json:"grid_id,omitempty" yaml:"grid_id,omitempty"`
}

// RelayServer is a candidate tunnel server.
type RelayServer struct {
	ID     string `json:"id"`
	Region string `json:"region,omitempty"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// TunnelCredential is the short-lived credential for the relay sidecar.
type TunnelCredential struct {
	Token      string        `json:"token"`
	User       string        `json:"user"`
	TTLSeconds int           `json:"ttl_seconds"`
	Servers    []RelayServer `json:"servers,omitempty"`
	TURNURLs   []string      `json:"turn_urls,omitempty"`
	IssuedAt   time.Time     `json:"issued_at,omitempty"`
}

// RelaySubscription is a grid's purchased relay allocation.
type RelaySubscription struct {
	GridID       string    `json:"grid_id,omitempty"`
	Tier         string    `json:"tier,omitempty"`
	AllocationGB int       `json:"allocation_gb"`
	Months       int       `json:"months"`
	UsedBytes    int64     `json:"used_bytes"`
	ExpiresAt    time.Time `json:"expires_at"`
	Trial        bool      `json:"trial,omitempty"`
}

// RemainingBytes returns the unused part of the allocation, never negative.
func (s *RelaySubscription) RemainingBytes() int64 {
	left := int64(s.AllocationGB)*(1<<30) - s.UsedBytes
	if left < 0 {
		return 0
	}
	return left
}

// BandwidthReport is the body of POST /relay/bandwidth.
type BandwidthReport struct {
	GridID        string `json:"grid_id,omitempty"`
	BytesSent     int64  `json:"bytes_sent"`
	BytesReceived int64  `json:"bytes_received"`
}

// Tunnel is the coordinator's record of a reserved tunnel.
type Tunnel struct {
	ID        string         `json:"id"`
	Subdomain string         `json:"subdomain"`
	LocalPort int            `json:"local_port"`
	Protocol  TunnelProtocol `json:"protocol"`
	URL       string         `json:"url,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}
