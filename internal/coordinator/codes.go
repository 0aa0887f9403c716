package coordinator

import (
	"context"
	"net/http"

	"github.com/gridlink/gridlink/internal/accesscode"
	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/model"
)

// CodeUsageExhausted is the error code returned when a code is used past its limit.
const CodeUsageExhausted = "usage_exhausted"

// CreateCodeRequest is the body of POST /grids/{id}/codes.
type CreateCodeRequest struct {
	ResourceType     model.CodeResourceType `json:"resource_type"`
	ResourceID       string                 `json:"resource_id"`
	UsageLimit       int                    `json:"usage_limit,omitempty"`
	ExpiresInMinutes int                    `json:"expires_in_minutes,omitempty"`
	Permissions      model.CodePermissions  `json:"permissions"`
}

// UseCodeResult is returned by a successful code use.
type UseCodeResult struct {
	Code         model.AccessCode       `json:"code"`
	GridID       string                 `json:"grid_id"`
	ResourceType model.CodeResourceType `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Permissions  model.CodePermissions  `json:"permissions"`
}

func (c *Client) CreateCode(ctx context.Context, gridID string, req CreateCodeRequest) (*model.AccessCode, error) {
	const op = "coordinator.create_code"
	switch req.ResourceType {
	case model.CodeGrid:
	case model.CodeProcess, model.CodeTerminal, model.CodeChannel:
		if err := required(op, "resource_id", req.ResourceID); err != nil {
			return nil, err
		}
	default:
		return nil, apperr.E(apperr.Invalid, op, "unknown resource type %q", req.ResourceType)
	}
	if req.UsageLimit < 0 || req.ExpiresInMinutes < 0 {
		return nil, apperr.E(apperr.Invalid, op, "usage limit and expiry must not be negative")
	}
	var code model.AccessCode
	if err := c.do(ctx, call{method: http.MethodPost, path: path("/grids/%s/codes", gridID), in: req, out: &code}); err != nil {
		return nil, err
	}
	code.Code = accesscode.Format(code.Code)
	return &code, nil
}

func (c *Client) ListCodes(ctx context.Context, gridID string) ([]model.AccessCode, error) {
	var codes []model.AccessCode
	if err := c.do(ctx, call{method: http.MethodGet, path: path("/grids/%s/codes", gridID), out: &codes}); err != nil {
		return nil, err
	}
	for i := range codes {
		codes[i].Code = accesscode.Format(codes[i].Code)
	}
	return codes, nil
}

func (c *Client) GetCode(ctx context.Context, gridID, codeID string) (*model.AccessCode, error) {
	var code model.AccessCode
	if err := c.do(ctx, call{method: http.MethodGet, path: path("/grids/%s/codes/%s", gridID, codeID), out: &code}); err != nil {
		return nil, err
	}
	code.Code = accesscode.Format(code.Code)
	return &code, nil
}

func (c *Client) RevokeCode(ctx context.Context, gridID, codeID string) error {
	return c.do(ctx, call{method: http.MethodDelete, path: path("/grids/%s/codes/%s", gridID, codeID)})
}

// UseCode redeems a code. Input is normalized, so "abc-1234" and "ABC1234"
// are the same code. An exhausted code fails with Invalid and code
// CodeUsageExhausted.
func (c *Client) UseCode(ctx context.Context, gridID, code string) (*UseCodeResult, error) {
	if !accesscode.Valid(code) {
		return nil, apperr.E(apperr.Invalid, "coordinator.use_code", "malformed code %q", code)
	}
	var res UseCodeResult
	in := map[string]string{"code": accesscode.Normalize(code)}
	if err := c.do(ctx, call{method: http.MethodPost, path: path("/grids/%s/codes/use", gridID), in: in, out: &res}); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) CodeHistory(ctx context.Context, gridID, codeID string) ([]model.CodeUsage, error) {
	var uses []model.CodeUsage
	if err := c.do(ctx, call{method: http.MethodGet, path: path("/grids/%s/codes/%s/history", gridID, codeID), out: &uses}); err != nil {
		return nil, err
	}
	return uses, nil
}
