package peer

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
)

// pipeRelay hands out one end of a net.Pipe per dial and keeps the other.
type pipeRelay struct {
	mu    sync.Mutex
	far   []net.Conn
	dials int
}

func (r *pipeRelay) DialPeer(context.Context, Key) (net.Conn, error) {
	near, far := net.Pipe()
	r.mu.Lock()
	r.far = append(r.far, far)
	r.dials++
	r.mu.Unlock()
	return near, nil
}

func (r *pipeRelay) farEnd(t *testing.T) net.Conn {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.far)
	return r.far[len(r.far)-1]
}

// blackhole accepts every signal and delivers none.
type blackhole struct{ sent atomic.Int32 }

func (b *blackhole) SendSignal(context.Context, Signal) error {
	b.sent.Add(1)
	return nil
}

func policy(p model.RelayPolicy) Option {
	return WithPolicy(func(string) model.RelayPolicy { return p })
}

func TestRelayOnlyNeverNegotiates(t *testing.T) {
	sig := &blackhole{}
	relay := &pipeRelay{}
	m := NewManager("a", sig, policy(model.PolicyRelayOnly), WithRelay(relay), WithLogger(logger.Discard()))

	conn, err := m.Dial(context.Background(), "g1", "b")
	require.NoError(t, err)
	defer conn.Close()
	assert.Zero(t, sig.sent.Load(), "relay-only must not signal")

	info, ok := m.Get(Key{"g1", "b"})
	require.True(t, ok)
	assert.Equal(t, RouteRelay, info.Route)
	assert.Equal(t, Connected, info.State)

	go conn.Write([]byte("hello"))
	buf := make([]byte, 5)
	_, err = io.ReadFull(relay.farEnd(t), buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestP2PFirstFallsBackOnTimeout(t *testing.T) {
	relay := &pipeRelay{}
	m := NewManager("a", &blackhole{}, policy(model.PolicyP2PFirst), WithRelay(relay),
		WithTimeout(50*time.Millisecond), WithLogger(logger.Discard()))
	notices, cancel := m.Subscribe(16)
	defer cancel()

	conn, err := m.Dial(context.Background(), "g1", "b")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 1, relay.dials)

	var sawFailed, sawRoute bool
	for !sawRoute {
		select {
		case n := <-notices:
			switch n := n.(type) {
			case StateChanged:
				if n.From == Inviting && n.To == Failed {
					sawFailed = true
				}
			case RouteChanged:
				assert.Equal(t, RouteP2P, n.From)
				assert.Equal(t, RouteRelay, n.To)
				sawRoute = true
			}
		case <-time.After(time.Second):
			t.Fatal("no route change notice")
		}
	}
	assert.True(t, sawFailed, "timeout from inviting must fail the session")
}

func TestP2POnlyStaysFailed(t *testing.T) {
	relay := &pipeRelay{}
	m := NewManager("a", &blackhole{}, policy(model.PolicyP2POnly), WithRelay(relay),
		WithTimeout(30*time.Millisecond), WithLogger(logger.Discard()))

	_, err := m.Dial(context.Background(), "g1", "b")
	assert.Equal(t, apperr.Unreachable, apperr.KindOf(err))
	assert.Zero(t, relay.dials)
	info, _ := m.Get(Key{"g1", "b"})
	assert.Equal(t, Failed, info.State)
}

func TestBusDisconnectFailsNegotiations(t *testing.T) {
	m := NewManager("a", &blackhole{}, policy(model.PolicyP2POnly), WithLogger(logger.Discard()))
	errc := make(chan error, 1)
	go func() {
		_, err := m.Dial(context.Background(), "g1", "b")
		errc <- err
	}()
	require.Eventually(t, func() bool {
		info, ok := m.Get(Key{"g1", "b"})
		return ok && info.State == Inviting
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	m.BusDisconnected()
	select {
	case err := <-errc:
		assert.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("dial still waiting after bus disconnect")
	}
}

func TestInviteFailureFailsSession(t *testing.T) {
	hub := NewHub()
	m := NewManager("a", hub, policy(model.PolicyP2POnly), WithLogger(logger.Discard()))
	hub.Join(m)
	_, err := m.Dial(context.Background(), "g1", "nobody")
	assert.Error(t, err)
	info, _ := m.Get(Key{"g1", "nobody"})
	assert.Equal(t, Failed, info.State)
}

func TestCloseRejectsPendingSends(t *testing.T) {
	relay := &pipeRelay{}
	m := NewManager("a", &blackhole{}, policy(model.PolicyRelayOnly), WithRelay(relay), WithLogger(logger.Discard()))
	key := Key{"g1", "b"}
	_, err := m.Dial(context.Background(), key.GridID, key.PeerID)
	require.NoError(t, err)

	// Nobody reads the far end, so the first write blocks and the rest queue.
	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() { errs <- m.Send(context.Background(), key, []byte("x")) }()
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Close(key))

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.Equal(t, apperr.TransportClosed, apperr.KindOf(err), "%v", err)
		case <-time.After(time.Second):
			t.Fatal("send not rejected after close")
		}
	}
	assert.Equal(t, apperr.TransportClosed, apperr.KindOf(m.Send(context.Background(), key, []byte("late"))))
	info, _ := m.Get(key)
	assert.Equal(t, Disconnected, info.State)
}

func TestSendPreservesOrder(t *testing.T) {
	relay := &pipeRelay{}
	m := NewManager("a", &blackhole{}, policy(model.PolicyRelayOnly), WithRelay(relay), WithLogger(logger.Discard()))
	key := Key{"g1", "b"}
	_, err := m.Dial(context.Background(), key.GridID, key.PeerID)
	require.NoError(t, err)
	far := relay.farEnd(t)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 100)
		io.ReadFull(far, buf)
		got <- buf
	}()
	for i := 0; i < 100; i++ {
		require.NoError(t, m.Send(context.Background(), key, []byte{byte(i)}))
	}
	buf := <-got
	for i, b := range buf {
		require.Equal(t, byte(i), b)
	}
	m.CloseAll()
}

func TestRelayOnlyDeclinesInvites(t *testing.T) {
	hub := NewHub()
	a := NewManager("a", hub, policy(model.PolicyP2POnly), WithLogger(logger.Discard()))
	b := NewManager("b", hub, policy(model.PolicyRelayOnly), WithLogger(logger.Discard()))
	hub.Join(a)
	hub.Join(b)

	_, err := a.Dial(context.Background(), "g1", "b")
	assert.Error(t, err)
	info, _ := a.Get(Key{"g1", "b"})
	assert.Equal(t, Disconnected, info.State, "the peer's leave ends the session")
	_, ok := b.Get(Key{"g1", "a"})
	assert.False(t, ok)
}

func TestLoopbackDataChannel(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates real ICE over loopback")
	}
	hub := NewHub()
	opts := []Option{policy(model.PolicyP2POnly), WithLoopback(), WithTimeout(10 * time.Second), WithLogger(logger.Discard())}
	a := NewManager("a", hub, opts...)
	b := NewManager("b", hub, opts...)
	hub.Join(a)
	hub.Join(b)
	defer a.CloseAll()
	defer b.CloseAll()

	b.OnConn(func(_ Key, c net.Conn) {
		io.Copy(c, c)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	conn, err := a.Dial(ctx, "g1", "b")
	require.NoError(t, err)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	info, _ := a.Get(Key{"g1", "b"})
	assert.Equal(t, RouteP2P, info.Route)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		info, _ := b.Get(Key{"g1", "a"})
		return info.State == Disconnected
	}, 5*time.Second, 20*time.Millisecond)
}
