//go:build !windows

package daemon

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/auth"
	"github.com/gridlink/gridlink/internal/config"
	"github.com/gridlink/gridlink/internal/control"
	"github.com/gridlink/gridlink/internal/coordinator"
	"github.com/gridlink/gridlink/internal/coordinator/coordinatortest"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/peer"
	"github.com/gridlink/gridlink/internal/process"
	"github.com/gridlink/gridlink/internal/registry"
	"github.com/gridlink/gridlink/internal/store"
	"github.com/gridlink/gridlink/internal/tabs"
)

func newDaemon(t *testing.T, srv *coordinatortest.Server) *Daemon {
	return newNode(t, srv, "node_a", nil)
}

// newNode builds a daemon signed in as handle. With a hub, peers negotiate
// over loopback through it instead of the event bus.
func newNode(t *testing.T, srv *coordinatortest.Server, handle string, hub *peer.Hub) *Daemon {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tokens := auth.NewTokenStore(srv.Parser(), db, logger.Discard())
	_, err = tokens.Set(srv.Token(t, handle, coordinator.AccountGuest))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Coordinator.URL = srv.URL
	o := Options{Dir: t.TempDir(), Config: cfg, Store: db, Tokens: tokens, Logger: logger.Discard()}
	if hub != nil {
		cfg.Peer.DefaultPolicy = model.PolicyP2POnly
		o.Signaler = hub
		o.PeerOptions = []peer.Option{peer.WithLoopback(), peer.WithTimeout(10 * time.Second)}
	}
	d, err := New(o)
	require.NoError(t, err)
	if hub != nil {
		hub.Join(d.peers)
	}
	return d
}

func TestNewRequiresLogin(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	_, err = New(Options{
		Dir:    t.TempDir(),
		Config: config.Default(),
		Store:  db,
		Tokens: auth.NewTokenStore(nil, db, logger.Discard()),
		Logger: logger.Discard(),
	})
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestBusURL(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{"https://api.gridlink.dev", "wss://api.gridlink.dev/api/v1/ws", true},
		{"http://127.0.0.1:8080/", "ws://127.0.0.1:8080/api/v1/ws", true},
		{"ftp://x", "", false},
	}
	for _, tt := range tests {
		got, err := BusURL(tt.in)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

type staticProcs []model.SharedProcess

func (s staticProcs) ListProcesses(context.Context, string) ([]model.SharedProcess, error) {
	return s, nil
}

func TestRelayResolver(t *testing.T) {
	procs := staticProcs{
		{OwnerID: "u2", Status: model.StateStopped, Port: 7000},
		{OwnerID: "u3", Status: model.StateRunning, Port: 7001},
		{OwnerID: "u2", Status: model.StateRunning, Port: 7002},
	}
	host := func() (string, bool) { return "relay.example", true }
	resolve := relayResolver(procs, host)
	ctx := context.Background()

	addr, err := resolve(ctx, peer.Key{GridID: "g1", PeerID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, "relay.example:7002", addr)

	_, err = resolve(ctx, peer.Key{GridID: "g1", PeerID: "u9"})
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	none := relayResolver(procs, func() (string, bool) { return "", false })
	_, err = none(ctx, peer.Key{GridID: "g1", PeerID: "u2"})
	assert.Equal(t, apperr.Unreachable, apperr.KindOf(err))
}

func TestPolicyFallsBackToConfig(t *testing.T) {
	srv := coordinatortest.New(t)
	d := newDaemon(t, srv)
	d.cfg.Peer.DefaultPolicy = model.PolicyRelayOnly
	d.grids["g1"] = model.Grid{ID: "g1", RelayPolicy: model.PolicyP2POnly}
	d.grids["g2"] = model.Grid{ID: "g2"}

	assert.Equal(t, model.PolicyP2POnly, d.policy("g1"))
	assert.Equal(t, model.PolicyRelayOnly, d.policy("g2"))
	assert.Equal(t, model.PolicyRelayOnly, d.policy("unknown"))
}

func TestRunListStop(t *testing.T) {
	srv := coordinatortest.New(t)
	d := newDaemon(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.followRegistry(ctx)

	g, err := d.coord.CreateGrid(ctx, coordinator.CreateGridRequest{Name: "lab"})
	require.NoError(t, err)

	res, err := d.Run(ctx, control.RunRequest{GridID: g.ID, Config: process.Config{Executable: "sleep", Args: []string{"30"}}})
	require.NoError(t, err)
	assert.Equal(t, model.ResourceSpawned, res.Kind)
	assert.Equal(t, d.self, res.OwnerID)

	listed := d.Resources(g.ID)
	require.Len(t, listed, 1)
	assert.Equal(t, res.ID, listed[0].ID)

	remote, err := d.coord.ListProcesses(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, remote, 1)
	assert.Equal(t, res.ID, remote[0].ProcessID)

	_, ok := d.tabs.Find(tabs.ProcessKey(g.ID, res.ID))
	assert.True(t, ok, "running a process opens its tab")

	st := d.Status(ctx)
	assert.Equal(t, 1, st.Resources)
	assert.Equal(t, "disconnected", st.Bus)

	require.NoError(t, d.Stop(ctx, res.ID))
	assert.Empty(t, d.Resources(g.ID))
	require.Eventually(t, func() bool {
		_, ok := d.tabs.Find(tabs.ProcessKey(g.ID, res.ID))
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	remote, err = d.coord.ListProcesses(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, remote, 1)
	assert.Equal(t, model.StateStopped, remote[0].Status)

	err = d.Stop(ctx, res.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	require.NoError(t, d.Close())
}

func TestRunRejectsBadExecutable(t *testing.T) {
	srv := coordinatortest.New(t)
	d := newDaemon(t, srv)
	ctx := context.Background()

	_, err := d.Run(ctx, control.RunRequest{GridID: "g1", Config: process.Config{Executable: "definitely-not-a-binary-xyz"}})
	assert.Equal(t, apperr.Invalid, apperr.KindOf(err))
	assert.Empty(t, d.Resources(""))
}

func TestTabsSurviveRestart(t *testing.T) {
	srv := coordinatortest.New(t)
	d := newDaemon(t, srv)
	_, _, err := d.tabs.Create(tabs.Spec{Kind: tabs.KindGridDashboard, Key: tabs.GridKey("g1"), Title: "lab"})
	require.NoError(t, err)
	d.saveTabs()

	d2 := &Daemon{dir: d.dir, logger: logger.Discard(), tabs: tabs.New()}
	d2.restoreTabs()
	_, ok := d2.tabs.Find(tabs.GridKey("g1"))
	assert.True(t, ok)
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, ignoreCanceled(context.Canceled))
	assert.NoError(t, ignoreCanceled(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, ignoreCanceled(boom), boom)
}

func TestConnectBridgesPeerToProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates real ICE over loopback")
	}
	srv := coordinatortest.New(t)
	hub := peer.NewHub()
	owner := newNode(t, srv, "node_a", hub)
	viewer := newNode(t, srv, "node_b", hub)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, err := owner.coord.CreateGrid(ctx, coordinator.CreateGridRequest{Name: "lab"})
	require.NoError(t, err)
	res, err := owner.Run(ctx, control.RunRequest{GridID: g.ID, Config: process.Config{Executable: "cat"}})
	require.NoError(t, err)

	_, _, err = viewer.Connect(ctx, control.ConnectRequest{GridID: g.ID, PeerID: owner.self, ResourceID: "missing"})
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err), "%v", err)
	require.Eventually(t, func() bool {
		info, ok := owner.peers.Get(peer.Key{GridID: g.ID, PeerID: viewer.self})
		return !ok || info.State != peer.Connected
	}, 5*time.Second, 20*time.Millisecond, "a refused stream ends the session")

	stream, got, err := viewer.Connect(ctx, control.ConnectRequest{GridID: g.ID, PeerID: owner.self, ResourceID: res.ID})
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)
	assert.Equal(t, owner.self, got.OwnerID)

	_, _, err = viewer.Connect(ctx, control.ConnectRequest{GridID: g.ID, PeerID: owner.self, ResourceID: res.ID})
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	const line = "over the grid\n"
	_, err = stream.Write([]byte(line))
	require.NoError(t, err)
	echoed := make(chan string, 1)
	go func() {
		buf := make([]byte, len(line))
		io.ReadFull(stream, buf)
		echoed <- string(buf)
	}()
	select {
	case s := <-echoed:
		assert.Equal(t, line, s)
	case <-time.After(10 * time.Second):
		t.Fatal("no echo from the remote process")
	}

	require.NoError(t, stream.Close())
	require.NoError(t, viewer.Close())
	require.NoError(t, owner.Close())
}

// orderMirror notes, at the moment a resource is reported stopped, whether
// its child had already exited.
type orderMirror struct {
	registry.Mirror
	mu       sync.Mutex
	done     <-chan struct{}
	exited   bool
	reported bool
}

func (m *orderMirror) UpdateProcessStatus(ctx context.Context, gridID, id string, status model.ResourceState) error {
	m.mu.Lock()
	if m.done != nil && status == model.StateStopped {
		m.reported = true
		select {
		case <-m.done:
			m.exited = true
		default:
		}
	}
	m.mu.Unlock()
	return m.Mirror.UpdateProcessStatus(ctx, gridID, id, status)
}

func TestCloseStopsChildrenBeforeUnregistering(t *testing.T) {
	srv := coordinatortest.New(t)
	d := newDaemon(t, srv)
	mirror := &orderMirror{Mirror: d.coord}
	d.reg = registry.New(mirror, logger.Discard())
	ctx := context.Background()

	g, err := d.coord.CreateGrid(ctx, coordinator.CreateGridRequest{Name: "lab"})
	require.NoError(t, err)
	res, err := d.Run(ctx, control.RunRequest{GridID: g.ID, Config: process.Config{Executable: "sleep", Args: []string{"30"}}})
	require.NoError(t, err)
	done, err := d.procs.Done(res.ID)
	require.NoError(t, err)
	mirror.mu.Lock()
	mirror.done = done
	mirror.mu.Unlock()

	require.NoError(t, d.Close())
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.True(t, mirror.reported, "resource reported stopped on Close")
	assert.True(t, mirror.exited, "child still running when the coordinator was told it stopped")
	assert.Empty(t, d.Resources(g.ID))
}
