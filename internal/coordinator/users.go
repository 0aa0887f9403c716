package coordinator

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/auth"
	"github.com/gridlink/gridlink/internal/model"
)

// Account types accepted by IssueToken.
const (
	AccountGuest         = "guest"
	AccountAuthenticated = "authenticated"
)

// IssueTokenRequest is the body of POST /auth/token.
type IssueTokenRequest struct {
	UserHandle  string `json:"user_handle"`
	DisplayName string `json:"display_name"`
	AccountType string `json:"account_type"`
}

// TokenResponse is returned by token issue and promote.
type TokenResponse struct {
	Token     string      `json:"token"`
	UserID    string      `json:"user_id"`
	ExpiresIn int         `json:"expires_in"`
	User      *model.User `json:"user,omitempty"`
}

// PromoteRequest exchanges an identity-provider token for a persistent one.
// GuestToken, when set, lets the coordinator keep the guest's user id.
type PromoteRequest struct {
	AccessToken string `json:"access_token"`
	GuestToken  string `json:"guest_token,omitempty"`
}

var usernameRe = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)

// ValidUsername reports whether name is 3-32 of [a-z0-9_].
func ValidUsername(name string) bool { return usernameRe.MatchString(name) }

// IssueToken asks the coordinator for a new token. It does not store it.
func (c *Client) IssueToken(ctx context.Context, req IssueTokenRequest) (*TokenResponse, error) {
	const op = "coordinator.issue_token"
	if err := required(op, "user_handle", req.UserHandle, "display_name", req.DisplayName); err != nil {
		return nil, err
	}
	if req.AccountType != AccountGuest && req.AccountType != AccountAuthenticated {
		return nil, apperr.E(apperr.Invalid, op, "account_type must be guest or authenticated")
	}
	var resp TokenResponse
	if err := c.do(ctx, call{method: http.MethodPost, path: "/auth/token", in: req, out: &resp, public: true}); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, apperr.E(apperr.Invalid, op, "coordinator returned no token")
	}
	return &resp, nil
}

// Login issues a token and makes it current.
func (c *Client) Login(ctx context.Context, req IssueTokenRequest) (*auth.Token, error) {
	resp, err := c.IssueToken(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.tokens.Set(resp.Token)
}

// Promote exchanges an identity-provider token for a persistent-authenticated
// token and makes it current. The current guest token, if any, is sent along
// so the user id is preserved.
func (c *Client) Promote(ctx context.Context, idpToken string) (*auth.Token, error) {
	const op = "coordinator.promote"
	if err := required(op, "access_token", idpToken); err != nil {
		return nil, err
	}
	req := PromoteRequest{AccessToken: idpToken}
	if guest, err := c.tokens.Bearer(); err == nil {
		req.GuestToken = guest
	}
	var resp TokenResponse
	if err := c.do(ctx, call{method: http.MethodPost, path: "/auth/promote", in: req, out: &resp, public: true}); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, apperr.E(apperr.Invalid, op, "coordinator returned no token")
	}
	return c.tokens.Set(resp.Token)
}

// Me returns the current user.
func (c *Client) Me(ctx context.Context) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, call{method: http.MethodGet, path: "/users/me", out: &u}); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetUsername changes the current user's username.
func (c *Client) SetUsername(ctx context.Context, name string) (*model.User, error) {
	if !ValidUsername(name) {
		return nil, apperr.E(apperr.Invalid, "coordinator.set_username", "username must be 3-32 characters of a-z, 0-9 and _")
	}
	var u model.User
	err := c.do(ctx, call{method: http.MethodPut, path: "/users/me/username", in: map[string]string{"username": name}, out: &u})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetDisplayName changes the current user's display name.
func (c *Client) SetDisplayName(ctx context.Context, name string) (*model.User, error) {
	if err := required("coordinator.set_display_name", "display_name", name); err != nil {
		return nil, err
	}
	var u model.User
	err := c.do(ctx, call{method: http.MethodPut, path: "/users/me/display_name", in: map[string]string{"display_name": name}, out: &u})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UsernameAvailable reports whether name is free.
func (c *Client) UsernameAvailable(ctx context.Context, name string) (bool, error) {
	if !ValidUsername(name) {
		return false, apperr.E(apperr.Invalid, "coordinator.username_availability", "invalid username %q", name)
	}
	var resp struct {
		Available bool `json:"available"`
	}
	if err := c.do(ctx, call{method: http.MethodGet, path: path("/users/username/%s/availability", name), out: &resp}); err != nil {
		return false, err
	}
	return resp.Available, nil
}

// SearchUsers finds users by name prefix.
func (c *Client) SearchUsers(ctx context.Context, q string, limit int) ([]model.User, error) {
	if err := required("coordinator.search_users", "q", q); err != nil {
		return nil, err
	}
	query := url.Values{"q": {q}}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var users []model.User
	if err := c.do(ctx, call{method: http.MethodGet, path: "/users/search", query: query, out: &users}); err != nil {
		return nil, err
	}
	return users, nil
}
