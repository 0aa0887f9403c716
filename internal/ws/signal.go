package ws

import (
	"context"

	"github.com/gridlink/gridlink/internal/peer"
)

// Signaler sends peer signaling payloads over the bus.
type Signaler struct{ C *Client }

func (s Signaler) SendSignal(ctx context.Context, sig peer.Signal) error {
	return s.C.Send(ctx, signalFrameType(sig.Type), sig)
}

// RouteSignals feeds inbound signaling frames addressed to m into it and fails
// m's in-flight negotiations when the bus drops.
func RouteSignals(c *Client, m *peer.Manager) {
	h := func(ctx context.Context, ev Event) {
		p, ok := ev.(PeerSignal)
		if !ok || p.To != m.ID() {
			return
		}
		m.HandleSignal(ctx, p.Signal)
	}
	for _, t := range []string{TypePeerInvite, TypePeerAccept, TypePeerSignal, TypePeerLeave} {
		c.Handle(t, h)
	}
	c.OnState(func(s State, _ error) {
		if s == StateDisconnected {
			m.BusDisconnected()
		}
	})
}
