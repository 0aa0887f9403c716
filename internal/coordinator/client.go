// Package coordinator is the HTTP client for the coordinator API.
//
// Every call goes through one request path that attaches the bearer token,
// bounds the request to RequestTimeout, maps HTTP failures onto apperr kinds
// and retries transport failures and 5xx responses a bounded number of times.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/auth"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/supervise"
)

const (
	// RequestTimeout bounds each HTTP attempt.
	RequestTimeout = 30 * time.Second
	// TypingInterval is the minimum spacing of typing notifications per channel.
	TypingInterval = 3 * time.Second

	apiPrefix    = "/api/v1"
	maxBodyBytes = 4 << 20
)

// DefaultRetry is the budget for transport failures and 5xx responses.
var DefaultRetry = supervise.Policy{Attempts: 3, Base: 250 * time.Millisecond, Max: 2 * time.Second}

// Tokens is the slice of the token store the client needs. *auth.TokenStore
// implements it.
type Tokens interface {
	Bearer() (string, error)
	Set(raw string) (*auth.Token, error)
	Clear()
}

// Client talks to the coordinator.
type Client struct {
	base   string
	http   *http.Client
	tokens Tokens
	retry  supervise.Policy
	logger *slog.Logger

	typingMu sync.Mutex
	typing   map[string]*rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithRetry replaces DefaultRetry.
func WithRetry(p supervise.Policy) Option { return func(c *Client) { c.retry = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = logger.For(l, "coordinator") }
}

// New creates a client for baseURL.
func New(baseURL string, tokens Tokens, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: RequestTimeout},
		tokens: tokens,
		retry:  DefaultRetry,
		logger: logger.For(nil, "coordinator"),
		typing: make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the coordinator base URL.
func (c *Client) BaseURL() string { return c.base }

// errorBody is the coordinator's error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type call struct {
	method string
	path   string
	query  url.Values
	in     any
	out    any
	public bool // no bearer token
	// idempotent marks a POST that is safe to repeat.
	idempotent bool
}

func (c *Client) do(ctx context.Context, cl call) error {
	var body []byte
	if cl.in != nil {
		var err error
		if body, err = json.Marshal(cl.in); err != nil {
			return fmt.Errorf("encode %s %s: %w", cl.method, cl.path, err)
		}
	}
	retryable := apperr.Retryable
	if !cl.idempotent && !idempotentMethod(cl.method) {
		// The server may have applied the request before the failure was
		// seen, so only retry when it never left this host.
		retryable = notSent
	}
	return supervise.Retry(ctx, c.retry, retryable, func(ctx context.Context) error {
		err := c.once(ctx, cl, body)
		if err != nil && apperr.Retryable(err) {
			c.logger.Debug("coordinator request failed", "method", cl.method, "path", cl.path, "error", err)
		}
		return err
	})
}

func idempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// notSent reports a transport failure from before the request was written:
// the connection was never established.
func notSent(err error) bool {
	var op *net.OpError
	return apperr.Retryable(err) && errors.As(err, &op) && op.Op == "dial"
}

func (c *Client) once(ctx context.Context, cl call, body []byte) error {
	op := cl.method + " " + cl.path
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	u := c.base + apiPrefix + cl.path
	if len(cl.query) > 0 {
		u += "?" + cl.query.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, u, rd)
	if err != nil {
		return apperr.Wrap(apperr.Invalid, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !cl.public {
		bearer, err := c.tokens.Bearer()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, context.Canceled) {
			return cause
		}
		return apperr.Wrap(apperr.Unreachable, op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return apperr.Wrap(apperr.Unreachable, op, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if cl.out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, cl.out); err != nil {
			return fmt.Errorf("decode %s: %w", op, err)
		}
		return nil
	}
	return c.statusError(op, resp.StatusCode, data)
}

// statusError maps a non-2xx response onto an error kind. A 401 also clears
// the stored token, since the coordinator no longer accepts it.
func (c *Client) statusError(op string, status int, data []byte) error {
	var eb errorBody
	_ = json.Unmarshal(data, &eb)
	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	code := eb.Code
	if code == "" && eb.Error != "" && !strings.Contains(eb.Error, " ") {
		code = eb.Error
	}

	var kind apperr.Kind
	switch {
	case status == http.StatusUnauthorized:
		kind = apperr.NotAuthenticated
		if c.tokens != nil {
			c.tokens.Clear()
		}
	case status == http.StatusForbidden:
		kind = apperr.Forbidden
	case status == http.StatusNotFound:
		kind = apperr.NotFound
	case status == http.StatusConflict:
		kind = apperr.Conflict
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		kind = apperr.Unreachable
	default:
		kind = apperr.Invalid
	}
	return &apperr.Error{Kind: kind, Op: op, Code: code, Msg: fmt.Sprintf("HTTP %d: %s", status, msg)}
}

func path(format string, args ...string) string {
	escaped := make([]any, len(args))
	for i, a := range args {
		escaped[i] = url.PathEscape(a)
	}
	return fmt.Sprintf(format, escaped...)
}

func required(op string, fields ...string) error {
	for i := 0; i < len(fields); i += 2 {
		if strings.TrimSpace(fields[i+1]) == "" {
			return apperr.E(apperr.Invalid, op, "%s is required", fields[i])
		}
	}
	return nil
}
