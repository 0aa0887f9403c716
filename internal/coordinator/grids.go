package coordinator

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gridlink/gridlink/internal/accesscode"
	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/model"
)

// CreateGridRequest is the body of POST /grids.
type CreateGridRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	RelayPolicy model.RelayPolicy `json:"relay_policy,omitempty"`
}

// InviteRequest names the invitee by user id or username.
type InviteRequest struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
}

func (c *Client) ListGrids(ctx context.Context) ([]model.Grid, error) {
	var grids []model.Grid
	if err := c.do(ctx, call{method: http.MethodGet, path: "/grids", out: &grids}); err != nil {
		return nil, err
	}
	return grids, nil
}

func (c *Client) CreateGrid(ctx context.Context, req CreateGridRequest) (*model.Grid, error) {
	if err := required("coordinator.create_grid", "name", req.Name); err != nil {
		return nil, err
	}
	if req.RelayPolicy != "" && !req.RelayPolicy.Valid() {
		return nil, apperr.E(apperr.Invalid, "coordinator.create_grid", "unknown relay policy %q", req.RelayPolicy)
	}
	var g model.Grid
	if err := c.do(ctx, call{method: http.MethodPost, path: "/grids", in: req, out: &g}); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) GetGrid(ctx context.Context, gridID string) (*model.Grid, error) {
	var g model.Grid
	if err := c.do(ctx, call{method: http.MethodGet, path: path("/grids/%s", gridID), out: &g}); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) Invite(ctx context.Context, gridID string, req InviteRequest) (*model.Invitation, error) {
	if req.UserID == "" && req.Username == "" {
		return nil, apperr.E(apperr.Invalid, "coordinator.invite", "user_id or username is required")
	}
	var inv model.Invitation
	if err := c.do(ctx, call{method: http.MethodPost, path: path("/grids/%s/invite", gridID), in: req, out: &inv}); err != nil {
		return nil, err
	}
	return &inv, nil
}

// JoinGrid joins a grid with an invite code. The code is normalized first.
func (c *Client) JoinGrid(ctx context.Context, code string) (*model.Grid, error) {
	if !accesscode.Valid(code) {
		return nil, apperr.E(apperr.Invalid, "coordinator.join_grid", "malformed code %q", code)
	}
	var g model.Grid
	in := map[string]string{"code": accesscode.Normalize(code)}
	if err := c.do(ctx, call{method: http.MethodPost, path: "/grids/join", in: in, out: &g}); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) AcceptInvite(ctx context.Context, gridID string) (*model.Grid, error) {
	var g model.Grid
	if err := c.do(ctx, call{method: http.MethodPost, path: path("/grids/%s/accept", gridID), out: &g, idempotent: true}); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) DeclineInvite(ctx context.Context, gridID string) error {
	return c.do(ctx, call{method: http.MethodPost, path: path("/grids/%s/decline", gridID), idempotent: true})
}

func (c *Client) UpdateSettings(ctx context.Context, gridID string, s model.GridSettings) (*model.Grid, error) {
	if s.RelayPolicy != "" && !s.RelayPolicy.Valid() {
		return nil, apperr.E(apperr.Invalid, "coordinator.update_settings", "unknown relay policy %q", s.RelayPolicy)
	}
	var g model.Grid
	if err := c.do(ctx, call{method: http.MethodPut, path: path("/grids/%s/settings", gridID), in: s, out: &g}); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) Audit(ctx context.Context, gridID string, limit int) ([]model.AuditEntry, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var entries []model.AuditEntry
	if err := c.do(ctx, call{method: http.MethodGet, path: path("/grids/%s/audit", gridID), query: q, out: &entries}); err != nil {
		return nil, err
	}
	return entries, nil
}

// ClaimHost points the grid's session host at this node's process. The
// coordinator answers 409 when another node holds it.
func (c *Client) ClaimHost(ctx context.Context, gridID, processID string) error {
	return c.do(ctx, call{method: http.MethodPut, path: path("/grids/%s/host", gridID), in: map[string]string{"process_id": processID}})
}

// ReleaseHost clears the session-host pointer if this node holds it.
func (c *Client) ReleaseHost(ctx context.Context, gridID string) error {
	return c.do(ctx, call{method: http.MethodDelete, path: path("/grids/%s/host", gridID)})
}
