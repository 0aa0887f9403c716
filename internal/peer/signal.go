package peer

import (
	"context"
	"sync"

	"github.com/gridlink/gridlink/internal/apperr"
)

// SignalType names a signaling payload.
type SignalType string

const (
	SignalInvite SignalType = "invite"
	SignalAccept SignalType = "accept"
	SignalSDP    SignalType = "signal"
	SignalLeave  SignalType = "leave"
)

// Signal is one signaling payload. Every payload carries the grid so several
// grids can share one bus.
type Signal struct {
	Type   SignalType `json:"type"`
	GridID string     `json:"grid_id"`
	From   string     `json:"from"`
	To     string     `json:"to"`
	Kind   string     `json:"kind,omitempty"` // "offer" | "answer" for SignalSDP
	SDP    string     `json:"sdp,omitempty"`
}

// Signaler delivers signals to a peer.
type Signaler interface {
	SendSignal(ctx context.Context, sig Signal) error
}

// SignalerFunc adapts a function to Signaler.
type SignalerFunc func(ctx context.Context, sig Signal) error

func (f SignalerFunc) SendSignal(ctx context.Context, sig Signal) error { return f(ctx, sig) }

// Hub is an in-memory signaling bus connecting managers in one process.
type Hub struct {
	mu    sync.Mutex
	peers map[string]*Manager
	down  bool
}

func NewHub() *Hub { return &Hub{peers: make(map[string]*Manager)} }

// Join attaches m to the hub under its own id.
func (h *Hub) Join(m *Manager) {
	h.mu.Lock()
	h.peers[m.self] = m
	h.mu.Unlock()
}

// SetDown makes every send fail, as if the bus were disconnected.
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	h.down = down
	h.mu.Unlock()
}

// SendSignal delivers sig to its recipient synchronously, so signals between
// two managers arrive in send order.
func (h *Hub) SendSignal(_ context.Context, sig Signal) error {
	h.mu.Lock()
	to, ok := h.peers[sig.To]
	down := h.down
	h.mu.Unlock()
	if down {
		return apperr.E(apperr.TransportClosed, "peer.hub", "bus is down")
	}
	if !ok {
		return apperr.E(apperr.NotFound, "peer.hub", "no peer %s", sig.To)
	}
	to.HandleSignal(context.Background(), sig)
	return nil
}
