//go:build !windows

package relay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
)

// script writes an executable shell script standing in for the sidecar.
func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sidecar.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func newSidecar(t *testing.T, body string) *Sidecar {
	cfg := filepath.Join(t.TempDir(), "sidecar.ini")
	return NewSidecar(script(t, body), cfg,
		WithStartWindow(100*time.Millisecond),
		WithReloadPause(10*time.Millisecond),
		WithSidecarLogger(logger.Discard()))
}

func TestSidecarLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newSidecar(t, `exec sleep 30`)
	require.NoError(t, s.Configure(testCommon, []model.TunnelSpec{
		{ID: "web", Subdomain: "brave-otter-1234", LocalPort: 8080, Protocol: model.TunnelHTTP},
	}))
	assert.Equal(t, Status{}, s.Status())

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	st := s.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, 1, st.TunnelsActive)

	require.NoError(t, s.Reload(ctx))
	assert.True(t, s.Status().Connected)

	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Status().Connected)
}

func TestSidecarFailedStart(t *testing.T) {
	s := newSidecar(t, `echo "bad config $2" >&2; exit 3`)
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrFailedStart)
	assert.False(t, s.Status().Connected)
}

func TestSidecarReceivesConfigPath(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args")
	s := newSidecar(t, `echo "$1 $2" > `+out+`; exec sleep 30`)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "-c "+s.ConfigPath()+"\n", string(got))
}

func TestSidecarSuperviseRestarts(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "runs")
	// Stays up past the start window, then dies once; the second run stays.
	s := newSidecar(t, `echo run >> `+marker+`
if [ $(wc -l < `+marker+`) -lt 2 ]; then sleep 0.3; exit 1; fi
exec sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	done := make(chan error, 1)
	go func() { done <- s.Supervise(ctx) }()
	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(marker)
		return len(b) >= 8 && s.Status().Connected
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
	assert.False(t, s.Status().Connected)
}

type fakeCoord struct {
	servers []model.RelayServer
}

func (f fakeCoord) Credentials(context.Context, string) (*model.TunnelCredential, error) {
	return &model.TunnelCredential{Token: "tok", User: "u1", TTLSeconds: 60}, nil
}

func (f fakeCoord) RelayServers(context.Context) ([]model.RelayServer, error) {
	return f.servers, nil
}

func TestTunnelsUpAndApply(t *testing.T) {
	s := newSidecar(t, `exec sleep 30`)
	coord := fakeCoord{servers: servers("fra", "iad")}
	tun := NewTunnels(coord, s, "g1", "", fixedLatency(map[string]time.Duration{"fra": 5 * time.Millisecond, "iad": 50 * time.Millisecond}), logger.Discard())
	ctx := context.Background()
	defer tun.Down(ctx)

	web := model.TunnelSpec{ID: "web", Subdomain: "brave-otter-1234", LocalPort: 8080, Protocol: model.TunnelHTTP}
	require.NoError(t, tun.Up(ctx, []model.TunnelSpec{web}))
	choice, ok := tun.Server()
	require.True(t, ok)
	assert.Equal(t, "fra", choice.Server.ID)
	assert.Equal(t, 1, tun.Status().TunnelsActive)

	n, err := ReadTunnelCount(s.ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ssh := model.TunnelSpec{ID: "ssh", LocalPort: 22, RemotePort: 2222, Protocol: model.TunnelTCP}
	require.NoError(t, tun.Apply(ctx, []model.TunnelSpec{web, ssh}))
	assert.Equal(t, 2, tun.Status().TunnelsActive)
	assert.True(t, tun.Status().Connected)
	n, err = ReadTunnelCount(s.ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
