// Package terminal runs interactive shells on pseudoterminals and multiplexes
// their output to any number of subscribers.
package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/supervise"
)

const (
	DefaultRows = 24
	DefaultCols = 80

	// SweepInterval is how often Run looks for dead and idle sessions.
	SweepInterval = time.Hour

	killGrace  = 3 * time.Second
	inputQueue = 256
)

// Limits bound scrollback and idle lifetime.
type Limits struct {
	ScrollbackLines int
	ScrollbackBytes int
	IdleTimeout     time.Duration
}

// DefaultLimits match the client config defaults.
var DefaultLimits = Limits{ScrollbackLines: 10000, ScrollbackBytes: 4 << 20, IdleTimeout: 24 * time.Hour}

// Options describe a new session.
type Options struct {
	GridID string
	Name   string
	Shell  string // override shell detection
	Dir    string
	Env    map[string]string
	Rows   int
	Cols   int
}

// Info is a snapshot of a session.
type Info struct {
	ID        string              `json:"id"`
	GridID    string              `json:"grid_id"`
	Name      string              `json:"name"`
	PID       int                 `json:"pid"`
	State     model.ResourceState `json:"status"`
	Detail    model.PTYDetail     `json:"pty"`
	StartedAt time.Time           `json:"started_at"`
	ExitCode  *int                `json:"exit_code,omitempty"`
}

type session struct {
	id        string
	gridID    string
	name      string
	shell     Shell
	dir       string
	cmd       *exec.Cmd
	ptmx      *os.File
	scroll    *Scrollback
	input     chan []byte
	done      chan struct{}
	startedAt time.Time

	mu       sync.Mutex
	rows     int
	cols     int
	state    model.ResourceState
	exitCode *int
	subs     map[int]chan Record
	nextSub  int
	viewers  map[string]struct{}
	idleFrom time.Time // zero while someone is viewing
}

// Manager owns every PTY session.
type Manager struct {
	logger *slog.Logger
	limits Limits
	now    func() time.Time
	onExit func(Info)
	rcDir  string
	rcOnce sync.Once
	rcErr  error

	mu       sync.Mutex
	sessions map[string]*session
	workers  sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithExitHook is called once for every session that ends.
func WithExitHook(fn func(Info)) Option { return func(m *Manager) { m.onExit = fn } }

// WithRCDir sets where shell startup files are written. Empty leaves the
// user's own startup files in charge of the prompt.
func WithRCDir(dir string) Option { return func(m *Manager) { m.rcDir = dir } }

// NewManager creates a manager.
func NewManager(l *slog.Logger, limits Limits, opts ...Option) *Manager {
	if limits.ScrollbackLines == 0 && limits.ScrollbackBytes == 0 {
		limits.ScrollbackLines, limits.ScrollbackBytes = DefaultLimits.ScrollbackLines, DefaultLimits.ScrollbackBytes
	}
	if limits.IdleTimeout <= 0 {
		limits.IdleTimeout = DefaultLimits.IdleTimeout
	}
	m := &Manager{
		logger:   logger.For(l, "terminal"),
		limits:   limits,
		now:      time.Now,
		rcDir:    filepath.Join(os.TempDir(), fmt.Sprintf("gridlink-rc-%d", os.Getuid())),
		sessions: make(map[string]*session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create opens a pseudoterminal and starts a shell on it.
func (m *Manager) Create(ctx context.Context, opts Options) (Info, error) {
	sh, err := DetectShell(opts.Shell)
	if err != nil {
		return Info{}, err
	}
	if m.rcDir != "" {
		m.rcOnce.Do(func() { m.rcErr = writeRC(m.rcDir) })
		if m.rcErr != nil {
			m.logger.Warn("shell startup files unavailable, prompt may be overridden", "error", m.rcErr)
		} else {
			sh = sh.withRC(m.rcDir)
		}
	}
	if opts.Dir != "" {
		if fi, err := os.Stat(opts.Dir); err != nil || !fi.IsDir() {
			return Info{}, apperr.E(apperr.Invalid, "terminal.create", "cwd %q is not a directory", opts.Dir)
		}
	}
	rows, cols := opts.Rows, opts.Cols
	if rows <= 0 || cols <= 0 {
		rows, cols = DefaultRows, DefaultCols
	}

	cmd := exec.Command(sh.Path, sh.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), sh.Env...)
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return Info{}, fmt.Errorf("start pty: %w", err)
	}

	name := opts.Name
	if name == "" {
		name = sh.Kind
	}
	now := m.now()
	s := &session{
		id:        uuid.NewString(),
		gridID:    opts.GridID,
		name:      name,
		shell:     sh,
		dir:       opts.Dir,
		cmd:       cmd,
		ptmx:      ptmx,
		scroll:    NewScrollback(m.limits.ScrollbackLines, m.limits.ScrollbackBytes),
		input:     make(chan []byte, inputQueue),
		done:      make(chan struct{}),
		startedAt: now,
		rows:      rows,
		cols:      cols,
		state:     model.StateRunning,
		subs:      make(map[int]chan Record),
		viewers:   make(map[string]struct{}),
		idleFrom:  now,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.workers.Add(3)
	go m.pump(s)
	go m.writeInput(s)
	go m.wait(s)

	m.logger.Info("terminal started", "id", s.id, "grid", s.gridID, "shell", sh.Path, "pid", cmd.Process.Pid)
	return s.info(), nil
}

// pump copies PTY output into scrollback and out to subscribers. A slow
// subscriber misses chunks rather than stalling the shell.
func (m *Manager) pump(s *session) {
	defer m.workers.Done()
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.publish(Record{At: m.now(), Data: data, Kind: KindOutput})
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) writeInput(s *session) {
	defer m.workers.Done()
	for {
		select {
		case data := <-s.input:
			if _, err := s.ptmx.Write(data); err != nil {
				m.logger.Warn("pty write failed, closing session", "id", s.id, "error", err)
				m.teardown(s)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (m *Manager) wait(s *session) {
	defer m.workers.Done()
	err := s.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	s.ptmx.Close()

	s.mu.Lock()
	s.exitCode = &code
	if s.state == model.StateStopping {
		s.state = model.StateStopped
	} else {
		s.state = model.StateExited
	}
	s.mu.Unlock()

	s.publish(Record{At: m.now(), Data: fmt.Appendf(nil, "\r\n[process exited with code %d]\r\n", code), Kind: KindSystem})
	m.logger.Info("terminal exited", "id", s.id, "code", code)
	if m.onExit != nil {
		m.onExit(s.info())
	}
	s.closeSubs()
	close(s.done)
}

// teardown kills the shell; wait finishes the bookkeeping.
func (m *Manager) teardown(s *session) {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = model.StateStopping
	}
	s.mu.Unlock()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

func (m *Manager) get(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.E(apperr.NotFound, "terminal", "no session %s", id)
	}
	return s, nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (Info, error) {
	s, err := m.get(id)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// List returns all sessions of a grid, oldest first. An empty grid id lists all.
func (m *Manager) List(gridID string) []Info {
	m.mu.Lock()
	var out []Info
	for _, s := range m.sessions {
		if gridID == "" || s.gridID == gridID {
			out = append(out, s.info())
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Write queues keyboard input for the shell.
func (m *Manager) Write(ctx context.Context, id string, data []byte) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), data...)
	select {
	case s.input <- buf:
		s.scroll.Add(Record{At: m.now(), Data: buf, Kind: KindInput})
		return nil
	case <-s.done:
		return apperr.E(apperr.TransportClosed, "terminal.write", "session %s has ended", id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resize changes the window size.
func (m *Manager) Resize(id string, rows, cols int) error {
	if rows <= 0 || cols <= 0 || rows > 0xffff || cols > 0xffff {
		return apperr.E(apperr.Invalid, "terminal.resize", "bad size %dx%d", rows, cols)
	}
	s, err := m.get(id)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return apperr.E(apperr.TransportClosed, "terminal.resize", "session %s has ended", id)
	default:
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	s.mu.Unlock()
	return nil
}

// Subscribe returns a live record stream plus the scrollback at the moment of
// subscribing. The stream is closed when the session ends or cancel is called.
func (m *Manager) Subscribe(id string, buf int) (<-chan Record, []Record, func(), error) {
	s, err := m.get(id)
	if err != nil {
		return nil, nil, nil, err
	}
	if buf <= 0 {
		buf = 256
	}
	ch := make(chan Record, buf)
	s.mu.Lock()
	snapshot := s.scroll.Snapshot()
	if s.subs == nil {
		s.mu.Unlock()
		close(ch)
		return ch, snapshot, func() {}, nil
	}
	subID := s.nextSub
	s.nextSub++
	s.subs[subID] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if c, ok := s.subs[subID]; ok {
			delete(s.subs, subID)
			close(c)
		}
		s.mu.Unlock()
	}
	return ch, snapshot, cancel, nil
}

// AddViewer records that userID is watching. Viewers never own the session.
func (m *Manager) AddViewer(id, userID string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.viewers[userID] = struct{}{}
	s.idleFrom = time.Time{}
	s.mu.Unlock()
	return nil
}

// RemoveViewer drops userID. The last viewer leaving starts the idle clock but
// does not end the session.
func (m *Manager) RemoveViewer(id, userID string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.viewers, userID)
	if len(s.viewers) == 0 && s.idleFrom.IsZero() {
		s.idleFrom = m.now()
	}
	s.mu.Unlock()
	return nil
}

// Kill terminates a session and removes it.
func (m *Manager) Kill(ctx context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = model.StateStopping
	}
	s.mu.Unlock()

	_, err = supervise.StopWithTimeout(ctx, s.done, killGrace,
		func() error { return s.cmd.Process.Signal(syscall.SIGHUP) },
		func() error { return s.cmd.Process.Kill() },
	)
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	if err != nil {
		return apperr.Wrap(apperr.Timeout, "terminal.kill", err)
	}
	return nil
}

// Sweep removes sessions that have exited and kills sessions nobody has
// viewed for the idle timeout. It returns the removed ids.
func (m *Manager) Sweep(ctx context.Context) []string {
	now := m.now()
	m.mu.Lock()
	var dead, idle []string
	for id, s := range m.sessions {
		s.mu.Lock()
		switch {
		case s.state.Terminal():
			dead = append(dead, id)
		case !s.idleFrom.IsZero() && now.Sub(s.idleFrom) >= m.limits.IdleTimeout:
			idle = append(idle, id)
		}
		s.mu.Unlock()
	}
	for _, id := range dead {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.logger.Info("closing idle terminal", "id", id)
		if err := m.Kill(ctx, id); err != nil {
			m.logger.Warn("kill idle terminal", "id", id, "error", err)
		}
	}
	return append(dead, idle...)
}

// Run sweeps every SweepInterval until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Sweep(ctx)
		}
	}
}

// Close kills every session and waits for their goroutines.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Kill(ctx, id)
	}
	m.workers.Wait()
	return nil
}

func (s *session) publish(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scroll.Add(rec)
	for _, ch := range s.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

func (s *session) closeSubs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subs = nil
}

func (s *session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	viewers := make([]string, 0, len(s.viewers))
	for v := range s.viewers {
		viewers = append(viewers, v)
	}
	sort.Strings(viewers)
	info := Info{
		ID:     s.id,
		GridID: s.gridID,
		Name:   s.name,
		State:  s.state,
		Detail: model.PTYDetail{
			Shell:   s.shell.Kind,
			Dir:     s.dir,
			Rows:    s.rows,
			Cols:    s.cols,
			Viewers: viewers,
		},
		StartedAt: s.startedAt,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		info.PID = s.cmd.Process.Pid
	}
	if s.exitCode != nil {
		c := *s.exitCode
		info.ExitCode = &c
	}
	return info
}
