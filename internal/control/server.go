// Package control is the local API between the grid CLI and the gridd daemon:
// JSON over HTTP on a unix socket, plus a websocket for terminal attach.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/discovery"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/nat"
	"github.com/gridlink/gridlink/internal/peer"
	"github.com/gridlink/gridlink/internal/probe"
	"github.com/gridlink/gridlink/internal/process"
	"github.com/gridlink/gridlink/internal/relay"
	"github.com/gridlink/gridlink/internal/terminal"
)

// SocketName is the control socket inside the state directory.
const SocketName = "gridd.sock"

const attachBuffer = 256

// Status summarizes the daemon for `grid status`.
type Status struct {
	UserID      string       `json:"user_id,omitempty"`
	Bus         string       `json:"bus"`
	Grids       []string     `json:"grids"`
	NAT         *nat.Result  `json:"nat,omitempty"`
	Relay       relay.Status `json:"relay"`
	RelayServer string       `json:"relay_server,omitempty"`
	Peers       []peer.Info  `json:"peers"`
	Resources   int          `json:"resources"`
	StartedAt   time.Time    `json:"started_at"`
}

// RunRequest spawns a shared child process.
type RunRequest struct {
	GridID string         `json:"grid_id"`
	Config process.Config `json:"config"`
	// Host makes the child the grid's session host.
	Host bool `json:"host,omitempty"`
}

// TerminalRequest opens a shared PTY session.
type TerminalRequest struct {
	GridID string `json:"grid_id"`
	Name   string `json:"name,omitempty"`
	Shell  string `json:"shell,omitempty"`
	Dir    string `json:"cwd,omitempty"`
	Rows   int    `json:"rows,omitempty"`
	Cols   int    `json:"cols,omitempty"`
}

// ShareRequest adopts a discovered listener into a grid.
type ShareRequest struct {
	GridID string `json:"grid_id"`
	Port   int    `json:"port"`
}

// ConnectRequest opens a resource another grid member shares.
type ConnectRequest struct {
	GridID     string `json:"grid_id"`
	PeerID     string `json:"peer_id"`
	ResourceID string `json:"resource_id"`
	Rows       int    `json:"rows,omitempty"`
	Cols       int    `json:"cols,omitempty"`
}

// Resize is the one text message accepted on an attach socket. Binary
// messages are keyboard input.
type Resize struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Node is the daemon surface the control API serves.
type Node interface {
	Status(ctx context.Context) Status
	Resources(gridID string) []model.SharedResource
	Run(ctx context.Context, req RunRequest) (model.SharedResource, error)
	Stop(ctx context.Context, id string) error
	OpenTerminal(ctx context.Context, req TerminalRequest) (model.SharedResource, error)
	Scan(ctx context.Context, scope discovery.Scope) ([]probe.Record, error)
	Share(ctx context.Context, req ShareRequest) (model.SharedResource, error)
	Tabs() ([]byte, error)
	Connect(ctx context.Context, req ConnectRequest) (net.Conn, model.SharedResource, error)
}

// Terminals is the PTY surface used by attach. *terminal.Manager implements it.
type Terminals interface {
	Subscribe(id string, buf int) (<-chan terminal.Record, []terminal.Record, func(), error)
	Write(ctx context.Context, id string, data []byte) error
	Resize(id string, rows, cols int) error
}

type Server struct {
	node       Node
	terms      Terminals
	socketPath string
	logger     *slog.Logger
}

func NewServer(node Node, terms Terminals, socketPath string, l *slog.Logger) *Server {
	return &Server{node: node, terms: terms, socketPath: socketPath, logger: logger.For(l, "control")}
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up stale socket.
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	srv := &http.Server{Handler: s.Handler(), BaseContext: func(net.Listener) context.Context { return ctx }}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.socketPath)
		return err
	}
}

// Handler returns the route table, for tests and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /resources", s.handleResources)
	mux.HandleFunc("POST /processes", s.handleRun)
	mux.HandleFunc("DELETE /resources/{id}", s.handleStop)
	mux.HandleFunc("POST /terminals", s.handleOpenTerminal)
	mux.HandleFunc("GET /terminals/{id}/attach", s.handleAttach)
	mux.HandleFunc("GET /scan", s.handleScan)
	mux.HandleFunc("POST /share", s.handleShare)
	mux.HandleFunc("GET /tabs", s.handleTabs)
	mux.HandleFunc("GET /peers/{peer}/connect", s.handleConnect)
	return mux
}

// Handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status(r.Context()))
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	res := s.node.Resources(r.URL.Query().Get("grid_id"))
	if res == nil {
		res = []model.SharedResource{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !decode(w, r, &req) {
		return
	}
	if req.GridID == "" {
		writeError(w, apperr.E(apperr.Invalid, "control.run", "grid_id is required"))
		return
	}
	res, err := s.node.Run(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Stop(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOpenTerminal(w http.ResponseWriter, r *http.Request) {
	var req TerminalRequest
	if !decode(w, r, &req) {
		return
	}
	if req.GridID == "" {
		writeError(w, apperr.E(apperr.Invalid, "control.open_terminal", "grid_id is required"))
		return
	}
	res, err := s.node.OpenTerminal(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	scope := discovery.Scope{Kind: discovery.Localhost}
	if q := r.URL.Query().Get("scope"); q != "" {
		var err error
		if scope, err = discovery.ParseScope(q); err != nil {
			writeError(w, err)
			return
		}
	}
	recs, err := s.node.Scan(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []probe.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	var req ShareRequest
	if !decode(w, r, &req) {
		return
	}
	if req.GridID == "" || req.Port <= 0 || req.Port > 65535 {
		writeError(w, apperr.E(apperr.Invalid, "control.share", "grid_id and a valid port are required"))
		return
	}
	res, err := s.node.Share(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleTabs(w http.ResponseWriter, r *http.Request) {
	data, err := s.node.Tabs()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleAttach streams a PTY session over a websocket. The scrollback
// snapshot goes first so a late joiner sees the screen, then live output.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	live, snapshot, cancel, err := s.terms.Subscribe(id, attachBuffer)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("attach upgrade failed", "terminal", id, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	go s.attachInput(ctx, stop, conn, id)

	for _, rec := range snapshot {
		if rec.Kind != terminal.KindInput {
			if err := conn.Write(ctx, websocket.MessageBinary, rec.Data); err != nil {
				return
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case rec, ok := <-live:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			if rec.Kind == terminal.KindInput {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageBinary, rec.Data); err != nil {
				return
			}
		}
	}
}

// handleConnect relays a peer stream over a websocket. The first message is
// the opened resource as JSON text; after that binary messages carry the
// stream both ways. Failures before the upgrade are plain HTTP errors.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ConnectRequest{GridID: q.Get("grid_id"), PeerID: r.PathValue("peer"), ResourceID: q.Get("resource_id")}
	req.Rows, _ = strconv.Atoi(q.Get("rows"))
	req.Cols, _ = strconv.Atoi(q.Get("cols"))
	if req.GridID == "" || req.ResourceID == "" {
		writeError(w, apperr.E(apperr.Invalid, "control.connect", "grid_id and resource_id are required"))
		return
	}
	stream, res, err := s.node.Connect(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	defer stream.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("connect upgrade failed", "peer", req.PeerID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	context.AfterFunc(ctx, func() { stream.Close() })

	head, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, head); err != nil {
		return
	}
	go func() {
		defer stop()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}
			if _, err := stream.Write(data); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, 32<<10)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if werr := conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "stream ended")
			return
		}
	}
}

func (s *Server) attachInput(ctx context.Context, stop context.CancelFunc, conn *websocket.Conn, id string) {
	defer stop()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if err := s.terms.Write(ctx, id, data); err != nil {
				s.logger.Debug("attach write failed", "terminal", id, "error", err)
				return
			}
		case websocket.MessageText:
			var rs Resize
			if json.Unmarshal(data, &rs) == nil && rs.Rows > 0 && rs.Cols > 0 {
				if err := s.terms.Resize(id, rs.Rows, rs.Cols); err != nil {
					s.logger.Debug("attach resize failed", "terminal", id, "error", err)
				}
			}
		}
	}
}

// Helpers

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  string `json:"code,omitempty"`
}

var kindStatus = map[apperr.Kind]int{
	apperr.NotAuthenticated:    http.StatusUnauthorized,
	apperr.Forbidden:           http.StatusForbidden,
	apperr.NotFound:            http.StatusNotFound,
	apperr.Invalid:             http.StatusBadRequest,
	apperr.Conflict:            http.StatusConflict,
	apperr.TransportClosed:     http.StatusServiceUnavailable,
	apperr.Unreachable:         http.StatusBadGateway,
	apperr.Timeout:             http.StatusGatewayTimeout,
	apperr.PlatformUnavailable: http.StatusNotImplemented,
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, apperr.E(apperr.Invalid, "control.decode", "invalid JSON: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := errorBody{Error: err.Error()}
	if kind != apperr.Unknown {
		body.Kind = kind.String()
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body.Code = ae.Code
	}
	writeJSON(w, status, body)
}
