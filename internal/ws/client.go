package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/supervise"
)

// ErrAuthRejected is returned by Run when the coordinator refuses the bus
// handshake with 401.
var ErrAuthRejected = errors.New("coordinator rejected bus authentication (401)")

const (
	pingInterval      = 30 * time.Second
	writeTimeout      = 10 * time.Second
	readLimit         = 512 * 1024
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// State is the connection state reported to OnState.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// HandlerFunc receives one decoded event. Handlers run on the read loop in
// frame order, so they must not block.
type HandlerFunc func(ctx context.Context, ev Event)

// TokenSource returns the bearer token for the handshake.
type TokenSource func() (string, error)

// Client is the long-lived event-bus connection to the coordinator.
type Client struct {
	url    string
	token  TokenSource
	logger *slog.Logger
	dialer *http.Client
	delay  time.Duration

	smu      sync.Mutex
	stateFns []func(State, error)

	hmu      sync.RWMutex
	handlers map[string][]HandlerFunc
	all      []HandlerFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	grids   []string
	resume  string
	lastSeq int64
	state   State
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithHTTPClient sets the client used for the handshake.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.dialer = h } }

// WithReconnectDelay sets the first reconnect delay.
func WithReconnectDelay(d time.Duration) Option { return func(c *Client) { c.delay = d } }

func NewClient(busURL string, token TokenSource, opts ...Option) *Client {
	c := &Client{
		url:      busURL,
		token:    token,
		delay:    minReconnectDelay,
		handlers: make(map[string][]HandlerFunc),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = logger.For(c.logger, "bus")
	return c
}

// Handle registers fn for one frame type.
func (c *Client) Handle(typ string, fn HandlerFunc) {
	c.hmu.Lock()
	c.handlers[typ] = append(c.handlers[typ], fn)
	c.hmu.Unlock()
}

// HandleAll registers fn for every event.
func (c *Client) HandleAll(fn HandlerFunc) {
	c.hmu.Lock()
	c.all = append(c.all, fn)
	c.hmu.Unlock()
}

// OnState registers fn to be called once per connected/disconnected
// transition.
func (c *Client) OnState(fn func(State, error)) {
	c.smu.Lock()
	c.stateFns = append(c.stateFns, fn)
	c.smu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetGrids replaces the subscribed grid set and, when connected, sends the
// new subscription right away.
func (c *Client) SetGrids(ctx context.Context, gridIDs []string) error {
	ids := slices.Clone(gridIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	c.mu.Lock()
	c.grids = ids
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.Send(ctx, TypeSubscribe, SubscribePayload{GridIDs: ids})
}

// Grids returns the subscribed grid set.
func (c *Client) Grids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.grids)
}

// Run connects and serves until ctx ends, reconnecting with jittered
// exponential backoff capped at 30s. It returns ErrAuthRejected if the
// coordinator refuses the token.
func (c *Client) Run(ctx context.Context) error {
	b := supervise.NewBackoff(c.delay, maxReconnectDelay).WithJitter(0.3)
	err := supervise.Restart(ctx, "bus", b, c.logger, c.connectAndServe)
	c.transition(StateDisconnected, err)
	if errors.Is(err, ErrAuthRejected) {
		return ErrAuthRejected
	}
	return err
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("bus url: %w", err)
	}
	c.mu.Lock()
	resume, seq := c.resume, c.lastSeq
	c.mu.Unlock()
	if resume != "" {
		q := u.Query()
		q.Set("resume", resume)
		q.Set("last_seq", strconv.FormatInt(seq, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) connectAndServe(ctx context.Context, ready func()) error {
	token, err := c.token()
	if err != nil {
		return fmt.Errorf("%w: %w", supervise.ErrStop, err)
	}
	target, err := c.dialURL()
	if err != nil {
		return fmt.Errorf("%w: %w", supervise.ErrStop, err)
	}
	opts := &websocket.DialOptions{HTTPClient: c.dialer, HTTPHeader: http.Header{}}
	opts.HTTPHeader.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %w", supervise.ErrStop, ErrAuthRejected)
		}
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	grids := slices.Clone(c.grids)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.Send(ctx, TypeSubscribe, SubscribePayload{GridIDs: grids}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.transition(StateDisconnected, err)
			return fmt.Errorf("read: %w", err)
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("bad frame", "error", err)
			continue
		}
		if !c.advance(f.Seq) {
			continue
		}
		ev, err := Decode(f)
		if err != nil {
			c.logger.Debug("dropping frame", "type", f.Type, "error", err)
			continue
		}
		switch ev := ev.(type) {
		case SessionReady:
			c.ready(ev)
			ready()
			c.transition(StateConnected, nil)
		case ErrorNotice:
			c.logger.Warn("coordinator error", "code", ev.Code, "message", ev.Message)
		}
		c.dispatch(ctx, ev)
	}
}

// advance records seq and reports whether the frame is new. Frames at or
// below the last seen seq are redeliveries after a resume.
func (c *Client) advance(seq int64) bool {
	if seq == 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq <= c.lastSeq {
		return false
	}
	c.lastSeq = seq
	return true
}

func (c *Client) ready(ev SessionReady) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ev.Resumed && ev.ResumeHandle != c.resume {
		c.lastSeq = 0
	}
	c.resume = ev.ResumeHandle
	c.logger.Info("bus session ready", "session", ev.SessionID, "resumed", ev.Resumed)
}

func (c *Client) dispatch(ctx context.Context, ev Event) {
	c.hmu.RLock()
	hs := slices.Clone(c.handlers[ev.Kind()])
	all := slices.Clone(c.all)
	c.hmu.RUnlock()
	for _, h := range hs {
		h(ctx, ev)
	}
	for _, h := range all {
		h(ctx, ev)
	}
}

func (c *Client) transition(to State, err error) {
	c.mu.Lock()
	if c.state == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	if to == StateDisconnected {
		c.logger.Info("bus disconnected", "error", err)
	}
	c.smu.Lock()
	fns := slices.Clone(c.stateFns)
	c.smu.Unlock()
	for _, fn := range fns {
		fn(to, err)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// Send writes one frame. It fails with TransportClosed when the bus is not
// connected.
func (c *Client) Send(ctx context.Context, typ string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return apperr.E(apperr.TransportClosed, "ws.send", "bus not connected")
	}
	f, err := Encode(typ, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return apperr.Wrap(apperr.TransportClosed, "ws.send", err)
	}
	return nil
}
