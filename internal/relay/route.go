package relay

import (
	"context"
	"net"
	"time"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/coordinator"
	"github.com/gridlink/gridlink/internal/peer"
)

const dialTimeout = 10 * time.Second

// Resolver returns the relay address a peer is reachable at.
type Resolver func(ctx context.Context, key peer.Key) (string, error)

// Route reaches peers through the relay when direct negotiation fails. It
// satisfies peer.RelayRoute.
type Route struct {
	resolve Resolver
	meter   *Meter
	dialer  net.Dialer
}

func NewRoute(resolve Resolver, meter *Meter) *Route {
	return &Route{resolve: resolve, meter: meter, dialer: net.Dialer{Timeout: dialTimeout}}
}

func (r *Route) DialPeer(ctx context.Context, key peer.Key) (net.Conn, error) {
	const op = "relay.dial_peer"
	if r.meter != nil && !r.meter.Available(key.GridID) {
		return nil, &apperr.Error{Kind: apperr.TransportClosed, Op: op, Code: coordinator.CodeAllocationExceeded, Msg: "relay allocation exhausted"}
	}
	addr, err := r.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	conn, err := r.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unreachable, op, err)
	}
	if r.meter == nil {
		return conn, nil
	}
	return r.meter.Wrap(key.GridID, conn), nil
}
