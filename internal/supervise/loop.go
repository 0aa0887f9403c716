package supervise

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrStop returned from a Task ends the restart loop without a retry.
var ErrStop = errors.New("supervise: stop")

// Task is one run of a supervised worker. It calls ready once it is healthy
// (connected, spawned); that resets the backoff. It returns when the run ends.
type Task func(ctx context.Context, ready func()) error

// Restart runs task until ctx ends or the task returns an error wrapping
// ErrStop. Between runs it waits b.Next(). It returns ctx.Err() or the stop error.
func Restart(ctx context.Context, name string, b *Backoff, logger *slog.Logger, task Task) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		err := task(ctx, b.Reset)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrStop) {
			return err
		}
		delay := b.Next()
		logger.Info("worker ended, restarting", "worker", name, "error", err, "delay", delay.Round(time.Millisecond))
		if !Sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

// Status is a snapshot of a supervised worker.
type Status struct {
	Name     string    `json:"name"`
	Running  bool      `json:"running"`
	Since    time.Time `json:"since,omitempty"`
	Restarts int       `json:"restarts"`
	LastErr  string    `json:"last_error,omitempty"`
}

// Stopper is anything the application root shuts down on exit.
type Stopper interface {
	Stop(ctx context.Context) error
}

// StopWithTimeout asks a worker to stop via term, waits up to grace for done,
// then calls kill and waits for done again until ctx ends. It reports whether
// term alone was enough.
func StopWithTimeout(ctx context.Context, done <-chan struct{}, grace time.Duration, term, kill func() error) (graceful bool, err error) {
	if term != nil {
		if err := term(); err != nil {
			select {
			case <-done:
				return true, nil
			default:
			}
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		return true, nil
	case <-t.C:
	case <-ctx.Done():
	}
	if kill != nil {
		kill()
	}
	select {
	case <-done:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
