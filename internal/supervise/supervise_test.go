package supervise

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBackoff(t *testing.T) {
	bo := NewBackoff(time.Second, 30*time.Second)

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // stays capped
	}

	for i, want := range expected {
		got := bo.Next()
		if got != want {
			t.Errorf("attempt %d: got %v, want %v", i, got, want)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	bo := NewBackoff(time.Second, 60*time.Second)
	bo.Next() // 1s
	bo.Next() // 2s
	bo.Next() // 4s
	bo.Reset()

	got := bo.Next()
	if got != time.Second {
		t.Errorf("after reset: got %v, want %v", got, time.Second)
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	bo := NewBackoff(time.Second, 30*time.Second).WithJitter(0.5)
	for i := 0; i < 50; i++ {
		bo.Reset()
		for j := 0; j < 8; j++ {
			d := bo.Next()
			if d > 30*time.Second || d < 500*time.Millisecond {
				t.Fatalf("jittered delay %v out of range", d)
			}
		}
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	var calls int
	fatal := errors.New("fatal")
	err := Retry(context.Background(), Policy{Attempts: 5, Base: time.Millisecond, Max: time.Millisecond},
		func(err error) bool { return err != fatal },
		func(context.Context) error {
			calls++
			return fatal
		})
	if err != fatal {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryBudget(t *testing.T) {
	var calls int
	transient := errors.New("transient")
	err := Retry(context.Background(), Policy{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}, nil,
		func(context.Context) error {
			calls++
			return transient
		})
	if err != transient {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetrySucceedsEventually(t *testing.T) {
	var calls int
	err := Retry(context.Background(), Policy{Attempts: 3, Base: time.Millisecond, Max: time.Millisecond}, nil,
		func(context.Context) error {
			calls++
			if calls < 2 {
				return errors.New("again")
			}
			return nil
		})
	if err != nil || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRestartLoopUntilStop(t *testing.T) {
	var runs atomic.Int32
	b := NewBackoff(time.Millisecond, 2*time.Millisecond)
	err := Restart(context.Background(), "test", b, nil, func(ctx context.Context, ready func()) error {
		if runs.Add(1) == 3 {
			return ErrStop
		}
		ready()
		return errors.New("dropped")
	})
	if !errors.Is(err, ErrStop) {
		t.Fatalf("err = %v", err)
	}
	if runs.Load() != 3 {
		t.Errorf("runs = %d", runs.Load())
	}
}

func TestRestartHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBackoff(time.Hour, time.Hour)
	done := make(chan error, 1)
	go func() {
		done <- Restart(ctx, "test", b, nil, func(ctx context.Context, ready func()) error {
			return errors.New("fail")
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("restart loop ignored cancellation")
	}
}

func TestStopWithTimeoutEscalates(t *testing.T) {
	done := make(chan struct{})
	var killed atomic.Bool
	graceful, err := StopWithTimeout(context.Background(), done, 20*time.Millisecond,
		func() error { return nil },
		func() error {
			killed.Store(true)
			close(done)
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if graceful || !killed.Load() {
		t.Errorf("graceful=%v killed=%v", graceful, killed.Load())
	}
}

func TestStopWithTimeoutGraceful(t *testing.T) {
	done := make(chan struct{})
	graceful, err := StopWithTimeout(context.Background(), done, time.Second,
		func() error { close(done); return nil },
		func() error { t.Error("kill should not be called"); return nil })
	if err != nil || !graceful {
		t.Fatalf("graceful=%v err=%v", graceful, err)
	}
}
