//go:build !windows

package relay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// issuingCoord hands out a new token on every call, stamped with the clock.
type issuingCoord struct {
	clock *fakeClock
	ttl   int

	mu     sync.Mutex
	issued int
}

func (c *issuingCoord) Credentials(context.Context, string) (*model.TunnelCredential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued++
	return &model.TunnelCredential{
		Token:      fmt.Sprintf("tok-%d", c.issued),
		TTLSeconds: c.ttl,
		IssuedAt:   c.clock.Now(),
	}, nil
}

func (c *issuingCoord) RelayServers(context.Context) ([]model.RelayServer, error) {
	return servers("fra"), nil
}

func (c *issuingCoord) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.issued
}

func configToken(t *testing.T, path string) string {
	t.Helper()
	f, err := ini.Load(path)
	require.NoError(t, err)
	return f.Section("common").Key("token").String()
}

var webTunnel = model.TunnelSpec{ID: "web", Subdomain: "brave-otter-1234", LocalPort: 8080, Protocol: model.TunnelHTTP}

var fraOnly = map[string]time.Duration{"fra": 5 * time.Millisecond}

// tokenLog is a sidecar that appends the token it was started with to log.
// With die set, the first run crashes after the start window.
func tokenLog(t *testing.T, log string, die bool) *Sidecar {
	body := `grep '^token' "$2" >> ` + log + "\n"
	if die {
		body += `if [ $(wc -l < ` + log + `) -lt 2 ]; then sleep 0.3; exit 1; fi` + "\n"
	}
	return newSidecar(t, body+`exec sleep 30`)
}

func readLog(path string) []string {
	b, _ := os.ReadFile(path)
	if len(b) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func TestApplyRenewsExpiredCredential(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	coord := &issuingCoord{clock: clock, ttl: 60}
	s := newSidecar(t, `exec sleep 30`)
	tun := NewTunnels(coord, s, "g1", "", fixedLatency(fraOnly), logger.Discard(), WithTunnelsClock(clock.Now))
	ctx := context.Background()
	defer tun.Down(ctx)

	require.NoError(t, tun.Up(ctx, []model.TunnelSpec{webTunnel}))
	assert.Equal(t, "tok-1", configToken(t, s.ConfigPath()))

	// Same tunnels, fresh credential: nothing to do.
	clock.Advance(30 * time.Second)
	require.NoError(t, tun.Apply(ctx, []model.TunnelSpec{webTunnel}))
	assert.Equal(t, 1, coord.count())

	clock.Advance(2 * time.Minute)
	require.NoError(t, tun.Apply(ctx, []model.TunnelSpec{webTunnel}))
	assert.Equal(t, 2, coord.count())
	assert.Equal(t, "tok-2", configToken(t, s.ConfigPath()))
	assert.True(t, tun.Status().Connected)
}

func TestUpRenewsPrewarmedCredentialThatExpired(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	coord := &issuingCoord{clock: clock, ttl: 60}
	s := newSidecar(t, `exec sleep 30`)
	tun := NewTunnels(coord, s, "g1", "", fixedLatency(fraOnly), logger.Discard(), WithTunnelsClock(clock.Now))
	ctx := context.Background()
	defer tun.Down(ctx)

	_, err := tun.Prewarm(ctx)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	require.NoError(t, tun.Up(ctx, []model.TunnelSpec{webTunnel}))
	assert.Equal(t, "tok-2", configToken(t, s.ConfigPath()))
}

func TestSupervisedRestartUsesFreshCredential(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	coord := &issuingCoord{clock: clock, ttl: 60}
	log := filepath.Join(t.TempDir(), "tokens")
	s := tokenLog(t, log, true)
	tun := NewTunnels(coord, s, "g1", "", fixedLatency(fraOnly), logger.Discard(), WithTunnelsClock(clock.Now))
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, tun.Up(ctx, []model.TunnelSpec{webTunnel}))
	clock.Advance(time.Hour)

	done := make(chan error, 1)
	go func() { done <- s.Supervise(ctx) }()
	require.Eventually(t, func() bool { return len(readLog(log)) >= 2 }, 5*time.Second, 20*time.Millisecond)
	lines := readLog(log)
	assert.Contains(t, lines[0], "tok-1")
	assert.Contains(t, lines[1], "tok-2", "restart reused the expired token")

	cancel()
	<-done
	assert.False(t, tun.Status().Connected)
}

func TestRunRotatesCredentialBeforeExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	coord := &issuingCoord{clock: clock, ttl: 60}
	log := filepath.Join(t.TempDir(), "tokens")
	s := tokenLog(t, log, false)
	tun := NewTunnels(coord, s, "g1", "", fixedLatency(fraOnly), logger.Discard(), WithTunnelsClock(clock.Now))
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, tun.Up(ctx, []model.TunnelSpec{webTunnel}))
	// Past the renewal point but not yet expired.
	clock.Advance(50 * time.Second)

	done := make(chan error, 1)
	go func() { done <- tun.Run(ctx) }()
	require.Eventually(t, func() bool { return len(readLog(log)) >= 2 }, 5*time.Second, 20*time.Millisecond)
	lines := readLog(log)
	assert.Contains(t, lines[1], "tok-2")
	assert.Equal(t, 2, coord.count())
	require.Eventually(t, func() bool { return tun.Status().Connected }, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
	assert.False(t, tun.Status().Connected)
}

func TestRenewTime(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	tests := []struct {
		ttl  int
		want time.Time
	}{
		{0, time.Time{}},
		{10, issued.Add(8 * time.Second)},
		{3600, issued.Add(time.Hour - renewMargin)},
	}
	for _, tt := range tests {
		tun := &Tunnels{cred: &model.TunnelCredential{TTLSeconds: tt.ttl, IssuedAt: issued}}
		assert.Equal(t, tt.want, tun.renewAtLocked(), "ttl %d", tt.ttl)
	}

	// Without an issue time the fetch time counts.
	tun := &Tunnels{cred: &model.TunnelCredential{TTLSeconds: 100}, fetchedAt: issued}
	assert.Equal(t, issued.Add(80*time.Second), tun.renewAtLocked())
}
