// Package bridge carries one shared resource over a peer stream.
//
// The dialing side writes a JSON request line naming the resource. The owner
// answers with a JSON response line, and from then on the stream is the
// resource's raw bytes: terminal or process output towards the dialer,
// keystrokes or stdin back. An adopted TCP service is spliced to its port.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/peer"
	"github.com/gridlink/gridlink/internal/process"
	"github.com/gridlink/gridlink/internal/terminal"
)

const (
	headerTimeout   = 10 * time.Second
	maxHeader       = 4 << 10
	subscribeBuffer = 256
	lingerTimeout   = 2 * time.Second
	// exitGrace bounds the wait for a child's exit event once it is done.
	exitGrace = time.Second
)

// Request opens a resource. Rows and Cols size a terminal before the
// scrollback is replayed.
type Request struct {
	ResourceID string `json:"resource_id"`
	Rows       int    `json:"rows,omitempty"`
	Cols       int    `json:"cols,omitempty"`
}

// Response accepts or refuses a Request.
type Response struct {
	Error    string                `json:"error,omitempty"`
	Kind     string                `json:"kind,omitempty"`
	Code     string                `json:"code,omitempty"`
	Resource *model.SharedResource `json:"resource,omitempty"`
}

// Resources looks up what this node shares. *registry.Registry implements it.
type Resources interface {
	Get(id string) (model.SharedResource, error)
}

// Terminals is the PTY surface. *terminal.Manager implements it.
type Terminals interface {
	Subscribe(id string, buf int) (<-chan terminal.Record, []terminal.Record, func(), error)
	Write(ctx context.Context, id string, data []byte) error
	Resize(id string, rows, cols int) error
}

// Processes is the child-process surface. *process.Supervisor implements it.
type Processes interface {
	Subscribe(buf int) (<-chan process.Event, func())
	SendInput(id string, data []byte) error
	Done(id string) (<-chan struct{}, error)
}

// Server answers peer streams on the owning node.
type Server struct {
	res    Resources
	terms  Terminals
	procs  Processes
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
	logger *slog.Logger
}

type Option func(*Server)

// WithDialer replaces the dialer used to reach adopted services.
func WithDialer(fn func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(s *Server) { s.dial = fn }
}

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = logger.For(l, "bridge") } }

func NewServer(res Resources, terms Terminals, procs Processes, opts ...Option) *Server {
	var d net.Dialer
	s := &Server{
		res:    res,
		terms:  terms,
		procs:  procs,
		dial:   d.DialContext,
		logger: logger.For(slog.Default(), "bridge"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// session is an opened resource: out copies its output to the peer until the
// resource ends, in feeds the peer's bytes to it.
type session struct {
	out func(ctx context.Context, w io.Writer) error
	in  func(ctx context.Context, r io.Reader) error
	// halfClose keeps output flowing after the peer stops sending.
	halfClose bool
	close     func()
}

// Serve handles one stream a peer opened to us and closes it when done.
func (s *Server) Serve(ctx context.Context, key peer.Key, conn net.Conn) {
	defer conn.Close()
	l := s.logger.With("grid", key.GridID, "peer", key.PeerID)

	br := bufio.NewReaderSize(conn, maxHeader)
	timer := time.AfterFunc(headerTimeout, func() { conn.Close() })
	req, err := readRequest(br)
	if !timer.Stop() {
		l.Debug("bridge request timed out")
		return
	}
	if err != nil {
		l.Debug("bridge request rejected", "error", err)
		refuse(conn, br, err)
		return
	}

	res, sess, err := s.open(key, req)
	if err != nil {
		l.Info("bridge refused", "resource", req.ResourceID, "error", err)
		refuse(conn, br, err)
		return
	}
	var once sync.Once
	closeSess := func() { once.Do(sess.close) }
	defer closeSess()
	if err := writeLine(conn, Response{Resource: &res}); err != nil {
		return
	}

	l.Info("peer attached", "resource", res.ID, "kind", res.Kind)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
		closeSess()
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := sess.out(ctx, conn); err != nil && ctx.Err() == nil {
			l.Debug("bridge output ended", "resource", res.ID, "error", err)
		}
	}()
	err = sess.in(ctx, br)
	if err != nil && ctx.Err() == nil {
		l.Debug("bridge input ended", "resource", res.ID, "error", err)
	}
	if err != nil || !sess.halfClose {
		cancel()
	}
	wg.Wait()
	l.Info("peer detached", "resource", res.ID)
}

func (s *Server) open(key peer.Key, req Request) (model.SharedResource, *session, error) {
	const op = "bridge.open"
	res, err := s.res.Get(req.ResourceID)
	if err != nil {
		return res, nil, err
	}
	// Resources of other grids do not exist as far as this peer can tell.
	if res.GridID != key.GridID {
		return res, nil, apperr.E(apperr.NotFound, op, "no resource %s", req.ResourceID)
	}
	if res.State.Terminal() {
		return res, nil, apperr.E(apperr.TransportClosed, op, "resource %s has ended", res.ID)
	}
	var sess *session
	switch res.Kind {
	case model.ResourcePTY:
		sess, err = s.openTerminal(res, req)
	case model.ResourceSpawned:
		sess, err = s.openProcess(res)
	case model.ResourceAdopted:
		sess, err = s.openService(res)
	default:
		err = apperr.E(apperr.Invalid, op, "resource kind %q cannot be opened", res.Kind)
	}
	return res, sess, err
}

func (s *Server) openTerminal(res model.SharedResource, req Request) (*session, error) {
	if req.Rows > 0 && req.Cols > 0 {
		if err := s.terms.Resize(res.ID, req.Rows, req.Cols); err != nil {
			s.logger.Debug("initial resize failed", "terminal", res.ID, "error", err)
		}
	}
	live, snapshot, unsub, err := s.terms.Subscribe(res.ID, subscribeBuffer)
	if err != nil {
		return nil, err
	}
	return &session{
		out: func(ctx context.Context, w io.Writer) error {
			for _, rec := range snapshot {
				if rec.Kind == terminal.KindInput {
					continue
				}
				if _, err := w.Write(rec.Data); err != nil {
					return err
				}
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case rec, ok := <-live:
					if !ok {
						return nil
					}
					if rec.Kind == terminal.KindInput {
						continue
					}
					if _, err := w.Write(rec.Data); err != nil {
						return err
					}
				}
			}
		},
		in: func(ctx context.Context, r io.Reader) error {
			return copyChunks(r, func(p []byte) error { return s.terms.Write(ctx, res.ID, p) })
		},
		close: unsub,
	}, nil
}

func (s *Server) openProcess(res model.SharedResource) (*session, error) {
	// Subscribe before checking liveness so the exit event cannot slip
	// between the two.
	events, unsub := s.procs.Subscribe(subscribeBuffer)
	done, err := s.procs.Done(res.ID)
	if err != nil {
		unsub()
		return nil, err
	}
	select {
	case <-done:
		unsub()
		return nil, apperr.E(apperr.TransportClosed, "bridge.open", "process %s has exited", res.ID)
	default:
	}
	return &session{
		out: func(ctx context.Context, w io.Writer) error {
			var grace <-chan time.Time
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-done:
					done = nil
					grace = time.After(exitGrace)
				case <-grace:
					return nil
				case ev := <-events:
					switch e := ev.(type) {
					case process.Output:
						if e.ID != res.ID {
							continue
						}
						if _, err := w.Write(e.Data); err != nil {
							return err
						}
					case process.Exited:
						if e.ID == res.ID {
							return nil
						}
					}
				}
			}
		},
		in: func(_ context.Context, r io.Reader) error {
			return copyChunks(r, func(p []byte) error { return s.procs.SendInput(res.ID, p) })
		},
		close: unsub,
	}, nil
}

func (s *Server) openService(res model.SharedResource) (*session, error) {
	const op = "bridge.open"
	if res.Adopted == nil || res.Adopted.Port <= 0 {
		return nil, apperr.E(apperr.Invalid, op, "resource %s has no port", res.ID)
	}
	if res.Adopted.Protocol != "" && res.Adopted.Protocol != "tcp" {
		return nil, apperr.E(apperr.Invalid, op, "only tcp services can be opened, %s is %s", res.ID, res.Adopted.Protocol)
	}
	ctx, cancel := context.WithTimeout(context.Background(), headerTimeout)
	defer cancel()
	target, err := s.dial(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(res.Adopted.Port)))
	if err != nil {
		return nil, apperr.Wrap(apperr.Unreachable, op, err)
	}
	return &session{
		out: func(_ context.Context, w io.Writer) error {
			_, err := io.Copy(w, target)
			return err
		},
		in: func(_ context.Context, r io.Reader) error {
			_, err := io.Copy(target, r)
			if cw, ok := target.(interface{ CloseWrite() error }); ok {
				cw.CloseWrite()
			}
			return err
		},
		halfClose: true,
		close:     func() { target.Close() },
	}, nil
}

// copyChunks hands every read to fn until r ends. EOF is a clean end.
func copyChunks(r io.Reader, fn func([]byte) error) error {
	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := fn(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Open sends req over a fresh stream and waits for the owner's answer. The
// returned conn carries the resource's bytes; a refusal comes back as the
// owner's classified error.
func Open(ctx context.Context, conn net.Conn, req Request) (net.Conn, model.SharedResource, error) {
	const op = "bridge.connect"
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := writeLine(conn, req); err != nil {
		return nil, model.SharedResource{}, apperr.Wrap(apperr.TransportClosed, op, err)
	}
	br := bufio.NewReaderSize(conn, maxHeader)
	line, err := br.ReadSlice('\n')
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.SharedResource{}, ctx.Err()
		}
		return nil, model.SharedResource{}, apperr.Wrap(apperr.TransportClosed, op, err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, model.SharedResource{}, apperr.E(apperr.Invalid, op, "bad response: %v", err)
	}
	if resp.Error != "" || resp.Resource == nil {
		return nil, model.SharedResource{}, &apperr.Error{Kind: apperr.ParseKind(resp.Kind), Op: op, Code: resp.Code, Msg: resp.Error}
	}
	return &bufferedConn{Conn: conn, r: br}, *resp.Resource, nil
}

func readRequest(br *bufio.Reader) (Request, error) {
	const op = "bridge.request"
	var req Request
	line, err := br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return req, apperr.E(apperr.Invalid, op, "request line too long")
	}
	if err != nil {
		return req, apperr.Wrap(apperr.TransportClosed, op, err)
	}
	if err := json.Unmarshal(line, &req); err != nil {
		return req, apperr.E(apperr.Invalid, op, "bad request: %v", err)
	}
	if req.ResourceID == "" {
		return req, apperr.E(apperr.Invalid, op, "resource_id is required")
	}
	return req, nil
}

// refuse answers with err and lingers until the dialer hangs up, so closing
// our side cannot overtake the answer.
func refuse(conn net.Conn, r io.Reader, err error) {
	if writeLine(conn, failure(err)) != nil {
		return
	}
	timer := time.AfterFunc(lingerTimeout, func() { conn.Close() })
	defer timer.Stop()
	io.Copy(io.Discard, r)
}

func failure(err error) Response {
	resp := Response{Error: err.Error()}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		resp.Kind = ae.Kind.String()
		resp.Code = ae.Code
	}
	return resp
}

func writeLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// bufferedConn reads through the reader that consumed the header, so bytes
// that arrived with it are not lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
