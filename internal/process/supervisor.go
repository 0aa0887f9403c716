// Package process spawns, observes and terminates local child processes.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/supervise"
)

const (
	// RemoveAfter is how long a finished child stays listed.
	RemoveAfter = 5 * time.Second
	// StopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	StopTimeout = 5 * time.Second
)

// HostClaimer claims the grid's session-host pointer at the coordinator.
type HostClaimer interface {
	ClaimHost(ctx context.Context, gridID, processID string) error
	ReleaseHost(ctx context.Context, gridID string) error
}

// Info is a snapshot of a supervised child.
type Info struct {
	ID        string              `json:"id"`
	GridID    string              `json:"grid_id"`
	Name      string              `json:"name"`
	PID       int                 `json:"pid,omitempty"`
	State     model.ResourceState `json:"status"`
	Config    Config              `json:"config"`
	StartedAt time.Time           `json:"started_at"`
	ExitCode  *int                `json:"exit_code,omitempty"`
	Host      bool                `json:"host,omitempty"`
}

type proc struct {
	id        string
	cfg       Config
	cmd       *exec.Cmd
	pid       int
	state     model.ResourceState
	startedAt time.Time
	exitCode  *int
	host      bool
	stopping  bool
	input     *inputQueue
	done      chan struct{}
	removal   *time.Timer
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Supervisor owns every local child. All state sits behind one mutex that is
// never held across I/O.
type Supervisor struct {
	logger      *slog.Logger
	claimer     HostClaimer
	removeAfter time.Duration
	stopTimeout time.Duration

	mu     sync.Mutex
	procs  map[string]*proc
	hosts  map[string]string // grid id -> process id
	subs   map[int]*subscriber
	nextID int
	closed bool

	workers sync.WaitGroup

	// spawnHook runs just before a child is spawned. Tests use it to race
	// Stop against start.
	spawnHook func(id string)
}

// errNoProcess is returned when a signal is requested before the child has a pid.
var errNoProcess = errors.New("process has no pid yet")

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithHostClaimer sets the coordinator hook used by StartGridProcess.
func WithHostClaimer(c HostClaimer) Option { return func(s *Supervisor) { s.claimer = c } }

// WithTimings overrides RemoveAfter and StopTimeout.
func WithTimings(removeAfter, stopTimeout time.Duration) Option {
	return func(s *Supervisor) { s.removeAfter, s.stopTimeout = removeAfter, stopTimeout }
}

// New creates a supervisor.
func New(l *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:      logger.For(l, "process"),
		removeAfter: RemoveAfter,
		stopTimeout: StopTimeout,
		procs:       make(map[string]*proc),
		hosts:       make(map[string]string),
		subs:        make(map[int]*subscriber),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe returns a stream of events. Output events are dropped when the
// receiver falls behind; lifecycle events are not. Call cancel when done.
func (s *Supervisor) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 256
	}
	sub := &subscriber{ch: make(chan Event, buf), done: make(chan struct{})}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(sub.done)
		})
	}
}

func (s *Supervisor) emit(ev Event) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	_, lossy := ev.(Output)
	for _, sub := range subs {
		if lossy {
			select {
			case sub.ch <- ev:
			default:
			}
			continue
		}
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
}

// Start validates cfg and spawns it. Reserved executables are recorded as
// running catalog entries without a child.
func (s *Supervisor) Start(ctx context.Context, cfg Config) (Info, error) {
	return s.start(ctx, uuid.NewString(), cfg, false)
}

// StartGridProcess starts cfg as the grid's session host. The host pointer is
// claimed before spawn and released if the spawn fails. A second local host
// for the same grid is rejected with Conflict.
func (s *Supervisor) StartGridProcess(ctx context.Context, cfg Config) (Info, error) {
	if cfg.GridID == "" {
		return Info{}, apperr.E(apperr.Invalid, "process.host", "grid id is required")
	}
	if err := cfg.Validate(); err != nil {
		return Info{}, err
	}
	id := uuid.NewString()

	s.mu.Lock()
	if holder, ok := s.hosts[cfg.GridID]; ok {
		s.mu.Unlock()
		return Info{}, apperr.E(apperr.Conflict, "process.host", "grid %s already hosted by %s", cfg.GridID, holder)
	}
	s.hosts[cfg.GridID] = id
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if s.hosts[cfg.GridID] == id {
			delete(s.hosts, cfg.GridID)
		}
		s.mu.Unlock()
	}

	if s.claimer != nil {
		if err := s.claimer.ClaimHost(ctx, cfg.GridID, id); err != nil {
			release()
			return Info{}, fmt.Errorf("claim host: %w", err)
		}
	}
	info, err := s.start(ctx, id, cfg, true)
	if err != nil {
		release()
		if s.claimer != nil {
			if rerr := s.claimer.ReleaseHost(context.WithoutCancel(ctx), cfg.GridID); rerr != nil {
				s.logger.Warn("release host after failed spawn", "grid", cfg.GridID, "error", rerr)
			}
		}
		return Info{}, err
	}
	return info, nil
}

func (s *Supervisor) start(_ context.Context, id string, cfg Config, host bool) (Info, error) {
	if err := cfg.Validate(); err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Info{}, apperr.E(apperr.TransportClosed, "process.start", "supervisor closed")
	}
	p := &proc{
		id:        id,
		cfg:       cfg,
		state:     model.StateStarting,
		startedAt: time.Now(),
		host:      host,
		input:     newInputQueue(),
		done:      make(chan struct{}),
	}
	s.procs[id] = p
	s.mu.Unlock()
	s.emit(StateChanged{GridID: cfg.GridID, ID: id, To: model.StateStarting})

	if Reserved(cfg.Executable) {
		p.input.close()
		close(p.done)
		s.transition(p, model.StateRunning)
		return s.info(p), nil
	}

	cmd := exec.Command(cfg.Executable, cfg.Args...)
	cmd.Env = cfg.environ()
	cmd.Dir = cfg.Dir
	setProcAttrs(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Info{}, s.failStart(p, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Info{}, s.failStart(p, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Info{}, s.failStart(p, err)
	}
	if s.spawnHook != nil {
		s.spawnHook(id)
	}
	if err := cmd.Start(); err != nil {
		return Info{}, s.failStart(p, err)
	}

	s.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	stopping := p.stopping
	s.mu.Unlock()
	if stopping {
		// Stop arrived while starting; it is waiting on p.done.
		if err := terminate(p.pid); err != nil {
			s.logger.Debug("terminate after stop during start", "id", id, "error", err)
		}
	}
	s.transition(p, model.StateRunning)
	s.logger.Info("process started", "id", id, "grid", cfg.GridID, "exe", cfg.Executable, "pid", p.pid)

	var readers sync.WaitGroup
	readers.Add(2)
	s.workers.Add(4)
	go s.writeInput(p, stdin)
	go s.readLines(p, Stdout, stdout, &readers)
	go s.readLines(p, Stderr, stderr, &readers)
	go s.wait(p, &readers)

	return s.info(p), nil
}

func (s *Supervisor) failStart(p *proc, err error) error {
	p.input.close()
	s.transition(p, model.StateFailed)
	close(p.done)
	s.scheduleRemoval(p)
	s.emit(Exited{GridID: p.cfg.GridID, ID: p.id, Code: -1, State: model.StateFailed})
	return fmt.Errorf("spawn %s: %w", p.cfg.Executable, err)
}

// writeInput drains the input queue into stdin, one write per item.
func (s *Supervisor) writeInput(p *proc, w io.WriteCloser) {
	defer s.workers.Done()
	defer w.Close()
	for {
		data, ok := p.input.pop()
		if !ok {
			return
		}
		if _, err := w.Write(data); err != nil {
			s.logger.Debug("stdin write failed", "id", p.id, "error", err)
			p.input.close()
			return
		}
	}
}

// readLines emits one Output per line. A read error ends this reader only.
func (s *Supervisor) readLines(p *proc, stream Stream, r io.Reader, wg *sync.WaitGroup) {
	defer s.workers.Done()
	defer wg.Done()
	br := bufio.NewReaderSize(r, 32*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			s.emit(Output{GridID: p.cfg.GridID, ID: p.id, Stream: stream, Data: line})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("output reader ended", "id", p.id, "stream", stream, "error", err)
			}
			return
		}
	}
}

func (s *Supervisor) wait(p *proc, readers *sync.WaitGroup) {
	defer s.workers.Done()
	readers.Wait()
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.input.close()

	s.mu.Lock()
	p.exitCode = &code
	stopping := p.stopping
	s.mu.Unlock()

	final := model.StateExited
	switch {
	case stopping:
		final = model.StateStopped
	case code != 0:
		final = model.StateFailed
	}
	s.transition(p, final)
	close(p.done)
	s.logger.Info("process exited", "id", p.id, "code", code, "state", final)
	s.emit(Exited{GridID: p.cfg.GridID, ID: p.id, Code: code, State: final})
	if p.host {
		s.releaseHost(p)
	}
	s.scheduleRemoval(p)
}

func (s *Supervisor) releaseHost(p *proc) {
	s.mu.Lock()
	if s.hosts[p.cfg.GridID] == p.id {
		delete(s.hosts, p.cfg.GridID)
	}
	s.mu.Unlock()
	if s.claimer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.claimer.ReleaseHost(ctx, p.cfg.GridID); err != nil {
		s.logger.Warn("release host", "grid", p.cfg.GridID, "error", err)
	}
}

func (s *Supervisor) scheduleRemoval(p *proc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	p.removal = time.AfterFunc(s.removeAfter, func() { s.remove(p.id) })
}

func (s *Supervisor) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[id]; ok {
		if p.removal != nil {
			p.removal.Stop()
		}
		delete(s.procs, id)
	}
}

// transition moves p forward and emits the change. Backward moves are ignored.
func (s *Supervisor) transition(p *proc, to model.ResourceState) bool {
	s.mu.Lock()
	from := p.state
	if !from.CanAdvance(to) {
		s.mu.Unlock()
		return false
	}
	p.state = to
	s.mu.Unlock()
	s.emit(StateChanged{GridID: p.cfg.GridID, ID: p.id, From: from, To: to})
	return true
}

// SendInput queues data for the child's stdin. It fails once the writer has
// been torn down.
func (s *Supervisor) SendInput(id string, data []byte) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return apperr.E(apperr.NotFound, "process.input", "no process %s", id)
	}
	if !p.input.push(data) {
		return apperr.E(apperr.TransportClosed, "process.input", "stdin of %s is closed", id)
	}
	return nil
}

// Stop terminates a child: SIGTERM to its process group, SIGKILL after the
// stop timeout. The final state is stopped and the entry is removed.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return apperr.E(apperr.NotFound, "process.stop", "no process %s", id)
	}
	if p.state.Terminal() {
		s.mu.Unlock()
		s.remove(id)
		return nil
	}
	p.stopping = true
	s.mu.Unlock()

	s.transition(p, model.StateStopping)
	p.input.close()

	if Reserved(p.cfg.Executable) {
		s.transition(p, model.StateStopped)
		s.emit(Exited{GridID: p.cfg.GridID, ID: p.id, State: model.StateStopped})
		s.remove(id)
		return nil
	}

	// A child still starting has no pid; start signals it once spawned.
	graceful, err := supervise.StopWithTimeout(ctx, p.done, s.stopTimeout,
		func() error { return terminate(s.pidOf(p)) },
		func() error { return kill(s.pidOf(p)) },
	)
	if err != nil {
		return apperr.Wrap(apperr.Timeout, "process.stop", err)
	}
	if !graceful {
		s.logger.Warn("process ignored SIGTERM, killed", "id", id, "pid", s.pidOf(p))
	}
	s.remove(id)
	return nil
}

func (s *Supervisor) pidOf(p *proc) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.pid
}

// Get returns a snapshot of one child.
func (s *Supervisor) Get(id string) (Info, error) {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return Info{}, apperr.E(apperr.NotFound, "process.get", "no process %s", id)
	}
	return s.info(p), nil
}

// List returns every child, oldest first. An empty grid id lists all grids.
func (s *Supervisor) List(gridID string) []Info {
	s.mu.Lock()
	procs := make([]*proc, 0, len(s.procs))
	for _, p := range s.procs {
		if gridID == "" || p.cfg.GridID == gridID {
			procs = append(procs, p)
		}
	}
	s.mu.Unlock()
	out := make([]Info, len(procs))
	for i, p := range procs {
		out[i] = s.info(p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Done returns a channel closed when the child has finished.
func (s *Supervisor) Done(id string) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return nil, apperr.E(apperr.NotFound, "process.done", "no process %s", id)
	}
	return p.done, nil
}

// Close stops every child and refuses new ones.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.procs))
	for id, p := range s.procs {
		ids = append(ids, id)
		if p.removal != nil {
			p.removal.Stop()
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	s.workers.Wait()
	return errors.Join(errs...)
}

func (s *Supervisor) info(p *proc) Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:        p.id,
		GridID:    p.cfg.GridID,
		Name:      p.cfg.displayName(),
		PID:       p.pid,
		State:     p.state,
		Config:    p.cfg,
		StartedAt: p.startedAt,
		Host:      p.host,
	}
	if p.exitCode != nil {
		c := *p.exitCode
		info.ExitCode = &c
	}
	return info
}
