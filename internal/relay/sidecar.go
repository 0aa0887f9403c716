package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/supervise"
)

const (
	// StartWindow is how long a fresh sidecar must stay up to count as started.
	StartWindow = 500 * time.Millisecond
	reloadPause = time.Second
	stopGrace   = 3 * time.Second
)

// ErrFailedStart means the sidecar exited inside the start window.
var ErrFailedStart = errors.New("sidecar exited during startup")

// Status is a point-in-time view of the sidecar.
type Status struct {
	Connected     bool  `json:"connected"`
	TunnelsActive int   `json:"tunnels_active"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// Sidecar supervises the outbound tunnel client. The binary is invoked as
// `<binary> -c <config>`.
type Sidecar struct {
	binary string
	config string
	logger *slog.Logger
	now    func() time.Time
	window time.Duration
	pause  time.Duration

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	started  time.Time
	tunnels  int
	stopping bool
	exits    chan error
	// prestart runs before a supervised restart.
	prestart func(ctx context.Context) error
}

type SidecarOption func(*Sidecar)

// WithStartWindow overrides StartWindow.
func WithStartWindow(d time.Duration) SidecarOption { return func(s *Sidecar) { s.window = d } }

// WithReloadPause sets the sleep between stop and start on reload.
func WithReloadPause(d time.Duration) SidecarOption { return func(s *Sidecar) { s.pause = d } }

func WithSidecarLogger(l *slog.Logger) SidecarOption { return func(s *Sidecar) { s.logger = l } }

func NewSidecar(binary, configPath string, opts ...SidecarOption) *Sidecar {
	s := &Sidecar{
		binary: binary,
		config: configPath,
		now:    time.Now,
		window: StartWindow,
		pause:  reloadPause,
		exits:  make(chan error, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = logger.For(s.logger, "relay-sidecar")
	return s
}

// ConfigPath is where Configure writes the sidecar config.
func (s *Sidecar) ConfigPath() string { return s.config }

// Configure writes the config the next start will use.
func (s *Sidecar) Configure(c Common, tunnels []model.TunnelSpec) error {
	if err := WriteConfig(s.config, c, tunnels); err != nil {
		return err
	}
	s.mu.Lock()
	s.tunnels = len(tunnels)
	s.mu.Unlock()
	return nil
}

// Start spawns the sidecar if it is not running. It fails with
// ErrFailedStart when the child exits within the start window.
func (s *Sidecar) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return nil
	}
	if s.binary == "" {
		s.mu.Unlock()
		return apperr.E(apperr.PlatformUnavailable, "relay.sidecar", "no sidecar binary configured")
	}
	cmd := exec.Command(s.binary, "-c", s.config)
	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return apperr.Wrap(apperr.PlatformUnavailable, "relay.sidecar", fmt.Errorf("start %s: %w", s.binary, err))
	}
	done := make(chan struct{})
	s.cmd, s.done, s.stopping = cmd, done, false
	s.started = s.now()
	s.mu.Unlock()

	var pipes sync.WaitGroup
	for _, r := range []io.Reader{stdout, stderr} {
		pipes.Add(1)
		go func() {
			defer pipes.Done()
			sc := bufio.NewScanner(r)
			for sc.Scan() {
				s.logger.Debug("sidecar", "line", sc.Text())
			}
		}()
	}
	var exitErr error
	go func() {
		pipes.Wait()
		exitErr = cmd.Wait()
		s.mu.Lock()
		unexpected := !s.stopping
		if s.cmd == cmd {
			s.cmd = nil
		}
		s.mu.Unlock()
		close(done)
		if unexpected {
			select {
			case s.exits <- exitErr:
			default:
			}
		}
	}()

	t := time.NewTimer(s.window)
	defer t.Stop()
	select {
	case <-done:
		// Drain the unexpected-exit notice this start produced.
		select {
		case <-s.exits:
		default:
		}
		return fmt.Errorf("%w: %v", ErrFailedStart, exitErr)
	case <-t.C:
	case <-ctx.Done():
		s.Stop(context.Background())
		return ctx.Err()
	}
	s.logger.Info("sidecar started", "pid", cmd.Process.Pid, "config", s.config)
	return nil
}

// Stop terminates the sidecar, escalating to kill after a grace period.
func (s *Sidecar) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.stopping = true
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	graceful, err := supervise.StopWithTimeout(ctx, done, stopGrace,
		func() error { return cmd.Process.Signal(syscall.SIGTERM) },
		func() error { return cmd.Process.Kill() })
	if err != nil {
		return fmt.Errorf("stop sidecar: %w", err)
	}
	if !graceful {
		s.logger.Warn("sidecar killed after grace period")
	}
	return nil
}

// Reload restarts the sidecar so it picks up a new config.
func (s *Sidecar) Reload(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	if !supervise.Sleep(ctx, s.pause) {
		return ctx.Err()
	}
	return s.Start(ctx)
}

// Status reports whether the sidecar is up, how many tunnels its config
// declares and how long it has been running.
func (s *Sidecar) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return Status{}
	}
	return Status{
		Connected:     true,
		TunnelsActive: s.tunnels,
		UptimeSeconds: int64(s.now().Sub(s.started) / time.Second),
	}
}

// Supervise restarts the sidecar after unexpected exits until ctx ends, then
// stops it.
func (s *Sidecar) Supervise(ctx context.Context) error {
	b := supervise.NewBackoff(time.Second, time.Minute).WithJitter(0.2)
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*stopGrace)
			defer cancel()
			s.Stop(stopCtx)
			return ctx.Err()
		case err := <-s.exits:
			delay := b.Next()
			s.logger.Warn("sidecar exited, restarting", "error", err, "delay", delay)
			if !supervise.Sleep(ctx, delay) {
				continue
			}
			if s.prestart != nil {
				if err := s.prestart(ctx); err != nil {
					s.logger.Error("sidecar restart failed", "error", err)
					select {
					case s.exits <- err:
					default:
					}
					continue
				}
			}
			if err := s.Start(ctx); err != nil {
				s.logger.Error("sidecar restart failed", "error", err)
				select {
				case s.exits <- err:
				default:
				}
				continue
			}
			b.Reset()
		}
	}
}
