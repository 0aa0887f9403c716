//go:build !windows

package terminal

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct{ ns atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.ns.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.ns.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithRCDir(t.TempDir())}, opts...)
	m := NewManager(logger.Discard(), Limits{ScrollbackLines: 1000, ScrollbackBytes: 1 << 20, IdleTimeout: 24 * time.Hour}, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m
}

// readUntil drains ch until the accumulated output contains want.
func readUntil(t *testing.T, ch <-chan Record, want string) string {
	t.Helper()
	var sb strings.Builder
	timeout := time.After(10 * time.Second)
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed before %q; got %q", want, sb.String())
			}
			sb.Write(rec.Data)
			if strings.Contains(sb.String(), want) {
				return sb.String()
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q; got %q", want, sb.String())
		}
	}
}

func TestSessionEchoAndExit(t *testing.T) {
	var exited atomic.Int32
	m := newTestManager(t, WithExitHook(func(Info) { exited.Add(1) }))
	ctx := context.Background()

	info, err := m.Create(ctx, Options{GridID: "g1", Shell: "sh"})
	require.NoError(t, err)
	require.Equal(t, model.StateRunning, info.State)
	require.Equal(t, DefaultRows, info.Detail.Rows)
	require.Equal(t, DefaultCols, info.Detail.Cols)

	ch, _, cancel, err := m.Subscribe(info.ID, 0)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, m.Write(ctx, info.ID, []byte("echo gridlink-$((20+22))\n")))
	readUntil(t, ch, "gridlink-42")

	require.NoError(t, m.Write(ctx, info.ID, []byte("exit 7\n")))
	for range ch {
	}

	got, err := m.Get(info.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateExited, got.State)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 7, *got.ExitCode)
	require.Equal(t, int32(1), exited.Load())

	err = m.Write(ctx, info.ID, []byte("echo late\n"))
	require.ErrorIs(t, err, apperr.ErrTransportClosed)

	// A late subscriber still sees the scrollback, ending with the exit notice.
	late, snapshot, lateCancel, err := m.Subscribe(info.ID, 0)
	require.NoError(t, err)
	defer lateCancel()
	_, open := <-late
	require.False(t, open)
	require.NotEmpty(t, snapshot)
	last := snapshot[len(snapshot)-1]
	require.Equal(t, KindSystem, last.Kind)
	require.Contains(t, string(last.Data), "code 7")

	removed := m.Sweep(ctx)
	require.Equal(t, []string{info.ID}, removed)
	_, err = m.Get(info.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestResize(t *testing.T) {
	m := newTestManager(t)
	info, err := m.Create(context.Background(), Options{Shell: "sh", Rows: 30, Cols: 100})
	require.NoError(t, err)
	require.Equal(t, 30, info.Detail.Rows)

	require.NoError(t, m.Resize(info.ID, 50, 132))
	got, err := m.Get(info.ID)
	require.NoError(t, err)
	require.Equal(t, 50, got.Detail.Rows)
	require.Equal(t, 132, got.Detail.Cols)

	require.ErrorIs(t, m.Resize(info.ID, 0, 80), apperr.ErrInvalid)
	require.ErrorIs(t, m.Resize("missing", 24, 80), apperr.ErrNotFound)
}

func TestIdleSweep(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, WithClock(clock.Now))
	ctx := context.Background()

	watched, err := m.Create(ctx, Options{Shell: "sh"})
	require.NoError(t, err)
	idle, err := m.Create(ctx, Options{Shell: "sh"})
	require.NoError(t, err)

	require.NoError(t, m.AddViewer(watched.ID, "alice"))
	require.NoError(t, m.AddViewer(idle.ID, "bob"))
	require.NoError(t, m.RemoveViewer(idle.ID, "bob"))

	got, err := m.Get(watched.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, got.Detail.Viewers)

	clock.Advance(23 * time.Hour)
	require.Empty(t, m.Sweep(ctx), "nothing idle yet")

	clock.Advance(2 * time.Hour)
	require.Equal(t, []string{idle.ID}, m.Sweep(ctx))
	_, err = m.Get(idle.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	got, err = m.Get(watched.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateRunning, got.State, "viewed session survives")
}

func TestKill(t *testing.T) {
	m := newTestManager(t)
	info, err := m.Create(context.Background(), Options{Shell: "sh"})
	require.NoError(t, err)
	require.NoError(t, m.Kill(context.Background(), info.ID))
	require.Empty(t, m.List(""))
	require.ErrorIs(t, m.Kill(context.Background(), info.ID), apperr.ErrNotFound)
}

func TestCreateRejectsBadDir(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), Options{Shell: "sh", Dir: "/does/not/exist"})
	require.ErrorIs(t, err, apperr.ErrInvalid)
}
