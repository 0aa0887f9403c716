package peer

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
)

const (
	// NegotiationTimeout bounds the time from invite to an open channel.
	NegotiationTimeout = 20 * time.Second
	// signalTimeout bounds one signaling send.
	signalTimeout = 10 * time.Second
	sendQueue     = 64
)

// Key identifies a peer session.
type Key struct {
	GridID string `json:"grid_id"`
	PeerID string `json:"peer_id"`
}

// Route is the path a session's bytes take.
type Route string

const (
	RouteP2P   Route = "p2p"
	RouteRelay Route = "relay"
)

// RelayRoute opens a stream to a peer through the relay tunnel.
type RelayRoute interface {
	DialPeer(ctx context.Context, key Key) (net.Conn, error)
}

// Notice is published to subscribers. The set is closed: StateChanged and
// RouteChanged.
type Notice interface{ isNotice() }

// StateChanged reports a session transition.
type StateChanged struct {
	Key      Key
	From, To State
}

// RouteChanged reports that a session's traffic moved between routes.
type RouteChanged struct {
	Key      Key
	From, To Route
	Reason   string
}

func (StateChanged) isNotice() {}
func (RouteChanged) isNotice() {}

// Info is a snapshot of one session.
type Info struct {
	Key   Key   `json:"key"`
	State State `json:"state"`
	Route Route `json:"route"`
}

type sendReq struct {
	data []byte
	done chan error
}

// Session is one (grid, peer) connection. Its fields are guarded by the
// manager's mutex.
type Session struct {
	key     Key
	state   State
	route   Route
	offerer bool
	pc      *webrtc.PeerConnection
	under   net.Conn
	timer   *time.Timer
	public  *sessionConn

	sendq      chan sendReq
	closed     chan struct{}
	closeOnce  sync.Once
	settled    chan struct{}
	settleOnce sync.Once
}

func (s *Session) settle()   { s.settleOnce.Do(func() { close(s.settled) }) }
func (s *Session) shutdown() { s.closeOnce.Do(func() { close(s.closed) }) }

// Manager owns every peer session of this node.
type Manager struct {
	self     string
	signaler Signaler
	relay    RelayRoute
	policy   func(gridID string) model.RelayPolicy
	ice      []webrtc.ICEServer
	timeout  time.Duration
	loopback bool
	api      *webrtc.API
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[Key]*Session
	onConn   func(Key, net.Conn)
	subs     map[int]chan Notice
	nextSub  int
}

// Option configures a Manager.
type Option func(*Manager)

// WithRelay sets the relay fallback.
func WithRelay(r RelayRoute) Option { return func(m *Manager) { m.relay = r } }

// WithPolicy sets the per-grid transport ladder. The default is p2p-first.
func WithPolicy(fn func(gridID string) model.RelayPolicy) Option {
	return func(m *Manager) { m.policy = fn }
}

// WithICEServers sets STUN/TURN servers.
func WithICEServers(servers []webrtc.ICEServer) Option { return func(m *Manager) { m.ice = servers } }

// WithTimeout replaces NegotiationTimeout.
func WithTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

// WithLoopback lets ICE use loopback candidates, for peers on one host.
func WithLoopback() Option { return func(m *Manager) { m.loopback = true } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = logger.For(l, "peer") } }

// NewManager builds a manager for the local node self.
func NewManager(self string, sig Signaler, opts ...Option) *Manager {
	m := &Manager{
		self:     self,
		signaler: sig,
		policy:   func(string) model.RelayPolicy { return model.PolicyP2PFirst },
		timeout:  NegotiationTimeout,
		logger:   logger.For(nil, "peer"),
		sessions: make(map[Key]*Session),
		subs:     make(map[int]chan Notice),
	}
	for _, o := range opts {
		o(m)
	}
	var se webrtc.SettingEngine
	se.DetachDataChannels()
	if m.loopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}
	m.api = webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return m
}

// ID returns the local node id.
func (m *Manager) ID() string { return m.self }

// OnConn registers the handler for sessions the peer opened to us.
func (m *Manager) OnConn(fn func(Key, net.Conn)) {
	m.mu.Lock()
	m.onConn = fn
	m.mu.Unlock()
}

// Subscribe returns notices. Slow subscribers miss notices.
func (m *Manager) Subscribe(buf int) (<-chan Notice, func()) {
	ch := make(chan Notice, buf)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) notify(n Notice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

func (m *Manager) policyFor(gridID string) model.RelayPolicy {
	return m.policy(gridID).OrDefault()
}

// sessionLocked returns the live session for key, replacing a finished one.
func (m *Manager) sessionLocked(key Key) (*Session, bool) {
	if s, ok := m.sessions[key]; ok && !s.state.Terminal() {
		return s, false
	}
	s := &Session{
		key:     key,
		route:   RouteP2P,
		sendq:   make(chan sendReq, sendQueue),
		closed:  make(chan struct{}),
		settled: make(chan struct{}),
	}
	s.public = &sessionConn{m: m, s: s}
	m.sessions[key] = s
	return s, true
}

// Dial returns an ordered stream to the peer, negotiating a data channel or
// using the relay according to the grid's policy.
func (m *Manager) Dial(ctx context.Context, gridID, peerID string) (net.Conn, error) {
	const op = "peer.dial"
	if gridID == "" || peerID == "" {
		return nil, apperr.E(apperr.Invalid, op, "grid and peer are required")
	}
	key := Key{GridID: gridID, PeerID: peerID}
	policy := m.policyFor(gridID)
	if policy == model.PolicyRelayOnly {
		return m.dialRelay(ctx, key)
	}

	m.mu.Lock()
	s, created := m.sessionLocked(key)
	m.mu.Unlock()
	if created {
		m.apply(s, InDial)
	}

	select {
	case <-s.settled:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	state, conn := s.state, s.public
	m.mu.Unlock()
	switch {
	case state == Connected:
		return conn, nil
	case state == Failed && policy == model.PolicyP2PFirst:
		m.notify(RouteChanged{Key: key, From: RouteP2P, To: RouteRelay, Reason: "peer negotiation failed"})
		m.logger.Info("falling back to relay", "grid", gridID, "peer", peerID)
		return m.dialRelay(ctx, key)
	case state == Failed:
		return nil, apperr.E(apperr.Unreachable, op, "peer %s unreachable and grid is p2p-only", peerID)
	default:
		return nil, apperr.E(apperr.TransportClosed, op, "session with %s closed during negotiation", peerID)
	}
}

// dialRelay installs a connected relay-routed session for key.
func (m *Manager) dialRelay(ctx context.Context, key Key) (net.Conn, error) {
	if m.relay == nil {
		return nil, apperr.E(apperr.Unreachable, "peer.relay", "no relay route configured")
	}
	conn, err := m.relay.DialPeer(ctx, key)
	if err != nil {
		return nil, err
	}
	s := &Session{
		key:     key,
		state:   Connected,
		route:   RouteRelay,
		under:   conn,
		sendq:   make(chan sendReq, sendQueue),
		closed:  make(chan struct{}),
		settled: make(chan struct{}),
	}
	s.public = &sessionConn{m: m, s: s}
	s.settle()
	m.mu.Lock()
	old := m.sessions[key]
	m.sessions[key] = s
	m.mu.Unlock()
	if old != nil && !old.state.Terminal() {
		m.apply(old, InClose)
	}
	go m.writeLoop(s, conn)
	m.notify(StateChanged{Key: key, From: Idle, To: Connected})
	return s.public, nil
}

// apply runs one input through the state machine and performs its effects
// outside the lock.
func (m *Manager) apply(s *Session, in Input) {
	m.mu.Lock()
	from := s.state
	to, effects := Transition(from, in)
	s.state = to
	m.mu.Unlock()

	if to != from {
		m.logger.Debug("peer state", "grid", s.key.GridID, "peer", s.key.PeerID, "from", from, "to", to, "input", in)
		if to == Connected || to.Terminal() {
			s.settle()
		}
		m.notify(StateChanged{Key: s.key, From: from, To: to})
	}
	for _, e := range effects {
		m.perform(s, e)
	}
}

func (m *Manager) perform(s *Session, e Effect) {
	switch e {
	case ArmTimer:
		m.mu.Lock()
		s.timer = time.AfterFunc(m.timeout, func() { m.apply(s, InTimeout) })
		m.mu.Unlock()
	case StopTimer:
		m.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		m.mu.Unlock()
	case SendInvite:
		if err := m.signal(s, Signal{Type: SignalInvite}); err != nil {
			m.logger.Warn("invite failed", "peer", s.key.PeerID, "error", err)
			m.apply(s, InFail)
		}
	case SendAccept:
		if err := m.prepareAnswerer(s); err != nil {
			m.logger.Warn("prepare answer failed", "peer", s.key.PeerID, "error", err)
			m.apply(s, InFail)
			return
		}
		if err := m.signal(s, Signal{Type: SignalAccept}); err != nil {
			m.logger.Warn("accept failed", "peer", s.key.PeerID, "error", err)
			m.apply(s, InFail)
		}
	case SendLeave:
		if err := m.signal(s, Signal{Type: SignalLeave}); err != nil {
			m.logger.Debug("leave not delivered", "peer", s.key.PeerID, "error", err)
		}
	case Negotiate:
		go m.offer(s)
	case Opened:
		m.mu.Lock()
		under := s.under
		handler := m.onConn
		offerer := s.offerer
		m.mu.Unlock()
		go m.writeLoop(s, under)
		if !offerer && handler != nil {
			go handler(s.key, s.public)
		}
	case Teardown:
		m.teardown(s)
	}
}

func (m *Manager) teardown(s *Session) {
	m.mu.Lock()
	pc, under := s.pc, s.under
	s.pc, s.under = nil, nil
	if s.timer != nil {
		s.timer.Stop()
	}
	m.mu.Unlock()
	s.shutdown()
	if under != nil {
		under.Close()
	}
	if pc != nil {
		pc.Close()
	}
}

func (m *Manager) signal(s *Session, sig Signal) error {
	sig.GridID = s.key.GridID
	sig.From = m.self
	sig.To = s.key.PeerID
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	return m.signaler.SendSignal(ctx, sig)
}

// HandleSignal applies a signal received from the bus.
func (m *Manager) HandleSignal(ctx context.Context, sig Signal) {
	if sig.To != "" && sig.To != m.self {
		return
	}
	key := Key{GridID: sig.GridID, PeerID: sig.From}
	switch sig.Type {
	case SignalInvite:
		if m.policyFor(key.GridID) == model.PolicyRelayOnly {
			_ = m.signaler.SendSignal(ctx, Signal{Type: SignalLeave, GridID: key.GridID, From: m.self, To: key.PeerID})
			return
		}
		m.mu.Lock()
		s, created := m.sessionLocked(key)
		state := s.state
		m.mu.Unlock()
		switch {
		case created:
			m.apply(s, InInvited)
		case state == Inviting && m.self < key.PeerID:
			// Both dialed; the lower id answers.
			m.apply(s, InInvited)
		}
	case SignalAccept:
		if s := m.live(key); s != nil {
			m.mu.Lock()
			s.offerer = s.state == Inviting
			m.mu.Unlock()
			m.apply(s, InAccepted)
		}
	case SignalSDP:
		s := m.live(key)
		if s == nil {
			return
		}
		switch sig.Kind {
		case "offer":
			go m.answer(s, sig.SDP)
		case "answer":
			m.acceptAnswer(s, sig.SDP)
		}
	case SignalLeave:
		if s := m.live(key); s != nil {
			m.apply(s, InLeave)
		}
	}
}

func (m *Manager) live(key Key) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok || s.state.Terminal() {
		return nil
	}
	return s
}

// BusDisconnected fails every negotiation in flight, since its signals can
// no longer arrive.
func (m *Manager) BusDisconnected() {
	m.mu.Lock()
	var pending []*Session
	for _, s := range m.sessions {
		if s.state == Inviting || s.state == Connecting {
			pending = append(pending, s)
		}
	}
	m.mu.Unlock()
	for _, s := range pending {
		m.apply(s, InFail)
	}
}

// Send writes data to the peer in order with every other write on the session.
func (m *Manager) Send(ctx context.Context, key Key, data []byte) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return apperr.E(apperr.NotFound, "peer.send", "no session with %s", key.PeerID)
	}
	return m.send(ctx, s, data)
}

func (m *Manager) send(ctx context.Context, s *Session, data []byte) error {
	closed := apperr.E(apperr.TransportClosed, "peer.send", "session with %s is closed", s.key.PeerID)
	select {
	case <-s.closed:
		return closed
	default:
	}
	req := sendReq{data: append([]byte(nil), data...), done: make(chan error, 1)}
	select {
	case s.sendq <- req:
	case <-s.closed:
		return closed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-s.closed:
		return closed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) writeLoop(s *Session, w net.Conn) {
	for {
		select {
		case req := <-s.sendq:
			_, err := w.Write(req.data)
			if err != nil {
				err = apperr.Wrap(apperr.TransportClosed, "peer.send", err)
			}
			req.done <- err
			if err != nil {
				m.apply(s, InFail)
			}
		case <-s.closed:
			for {
				select {
				case req := <-s.sendq:
					req.done <- apperr.E(apperr.TransportClosed, "peer.send", "session with %s is closed", s.key.PeerID)
				default:
					return
				}
			}
		}
	}
}

// Close ends the session with the peer.
func (m *Manager) Close(key Key) error {
	s := m.live(key)
	if s == nil {
		return apperr.E(apperr.NotFound, "peer.close", "no live session with %s", key.PeerID)
	}
	m.apply(s, InClose)
	return nil
}

// CloseAll ends every live session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	var live []*Session
	for _, s := range m.sessions {
		if !s.state.Terminal() {
			live = append(live, s)
		}
	}
	m.mu.Unlock()
	for _, s := range live {
		m.apply(s, InClose)
	}
}

// Get returns the session for key.
func (m *Manager) Get(key Key) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return Info{}, false
	}
	return Info{Key: s.key, State: s.state, Route: s.route}, true
}

// List returns every known session.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Info{Key: s.key, State: s.state, Route: s.route})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.GridID != out[j].Key.GridID {
			return out[i].Key.GridID < out[j].Key.GridID
		}
		return out[i].Key.PeerID < out[j].Key.PeerID
	})
	return out
}
