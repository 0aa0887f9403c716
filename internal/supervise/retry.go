package supervise

import (
	"context"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts int           // total tries including the first; <1 means 1
	Base     time.Duration // first delay
	Max      time.Duration // delay cap
}

// Retry runs fn until it succeeds, returns an error retryable rejects, the
// attempt budget is spent, or ctx ends. The last error is returned.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := NewBackoff(p.Base, p.Max).WithJitter(0.2)
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 || (retryable != nil && !retryable(err)) {
			return err
		}
		if !Sleep(ctx, b.Next()) {
			return ctx.Err()
		}
	}
	return err
}

// Sleep waits for d or ctx. It reports false if ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
