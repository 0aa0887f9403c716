package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/probe"
)

// host is a placeholder; every request goes to the socket.
const host = "gridd"

type Client struct {
	socketPath string
	http       *http.Client
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, http.StatusOK, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Resources(ctx context.Context, gridID string) ([]model.SharedResource, error) {
	p := "/resources"
	if gridID != "" {
		p += "?grid_id=" + url.QueryEscape(gridID)
	}
	var res []model.SharedResource
	if err := c.do(ctx, http.MethodGet, p, nil, http.StatusOK, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Run(ctx context.Context, req RunRequest) (*model.SharedResource, error) {
	var res model.SharedResource
	if err := c.do(ctx, http.MethodPost, "/processes", req, http.StatusCreated, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/resources/"+url.PathEscape(id), nil, http.StatusOK, nil)
}

func (c *Client) OpenTerminal(ctx context.Context, req TerminalRequest) (*model.SharedResource, error) {
	var res model.SharedResource
	if err := c.do(ctx, http.MethodPost, "/terminals", req, http.StatusCreated, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Scan(ctx context.Context, scope string) ([]probe.Record, error) {
	p := "/scan"
	if scope != "" {
		p += "?scope=" + url.QueryEscape(scope)
	}
	var recs []probe.Record
	if err := c.do(ctx, http.MethodGet, p, nil, http.StatusOK, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *Client) Share(ctx context.Context, req ShareRequest) (*model.SharedResource, error) {
	var res model.SharedResource
	if err := c.do(ctx, http.MethodPost, "/share", req, http.StatusCreated, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Tabs(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/tabs", nil, http.StatusOK, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Attach opens the terminal stream. Binary messages carry output one way and
// keystrokes the other; send a Resize as a text message.
func (c *Client) Attach(ctx context.Context, terminalID string) (*websocket.Conn, error) {
	u := "ws://" + host + "/terminals/" + url.PathEscape(terminalID) + "/attach"
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		if resp != nil && resp.Body != nil {
			if serr := checkStatus(resp, http.StatusSwitchingProtocols); serr != nil {
				return nil, serr
			}
		}
		return nil, fmt.Errorf("attach %s: %w", terminalID, err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// Connect opens a resource on another member's node through the daemon. The
// returned socket carries the resource's bytes as binary messages both ways.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (*websocket.Conn, *model.SharedResource, error) {
	q := url.Values{}
	q.Set("grid_id", req.GridID)
	q.Set("resource_id", req.ResourceID)
	if req.Rows > 0 && req.Cols > 0 {
		q.Set("rows", strconv.Itoa(req.Rows))
		q.Set("cols", strconv.Itoa(req.Cols))
	}
	u := "ws://" + host + "/peers/" + url.PathEscape(req.PeerID) + "/connect?" + q.Encode()
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		if resp != nil && resp.Body != nil {
			if serr := checkStatus(resp, http.StatusSwitchingProtocols); serr != nil {
				return nil, nil, serr
			}
		}
		return nil, nil, fmt.Errorf("connect %s: %w", req.ResourceID, err)
	}
	conn.SetReadLimit(1 << 20)
	typ, data, err := conn.Read(ctx)
	if err != nil {
		conn.CloseNow()
		return nil, nil, fmt.Errorf("connect %s: %w", req.ResourceID, err)
	}
	var res model.SharedResource
	if typ != websocket.MessageText || json.Unmarshal(data, &res) != nil {
		conn.CloseNow()
		return nil, nil, fmt.Errorf("connect %s: unexpected first message", req.ResourceID)
	}
	return conn, &res, nil
}

// SendResize tells an attached session the local window size.
func SendResize(ctx context.Context, conn *websocket.Conn, rows, cols int) error {
	data, err := json.Marshal(Resize{Rows: rows, Cols: cols})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// HTTP helpers

func (c *Client) do(ctx context.Context, method, path string, in any, expected int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+host+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.Unreachable, "control", fmt.Errorf("daemon not running? %w", err))
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, expected); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus rebuilds the daemon's classified error so callers can branch
// on apperr kinds across the socket.
func checkStatus(resp *http.Response, expected int) error {
	if resp.StatusCode == expected {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
		return &apperr.Error{Kind: apperr.ParseKind(eb.Kind), Op: "control", Code: eb.Code, Msg: eb.Error}
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
}
