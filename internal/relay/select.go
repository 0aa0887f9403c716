package relay

import (
	"context"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/model"
)

// ProbeTimeout bounds each server's latency probe.
const ProbeTimeout = 3 * time.Second

// Prober measures the connect latency to one server.
type Prober func(ctx context.Context, s model.RelayServer) (time.Duration, error)

// TCPProbe times a TCP connect to the server.
func TCPProbe(ctx context.Context, s model.RelayServer) (time.Duration, error) {
	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	conn.Close()
	return elapsed, nil
}

// Choice is the outcome of server selection.
type Choice struct {
	Server  model.RelayServer
	Latency time.Duration
}

// SelectServer probes every candidate in parallel, each under ProbeTimeout,
// and returns the one with the lowest latency. Unreachable candidates are
// skipped; if none answers the error is Unreachable.
func SelectServer(ctx context.Context, servers []model.RelayServer, probe Prober) (Choice, error) {
	const op = "relay.select_server"
	if len(servers) == 0 {
		return Choice{}, apperr.E(apperr.NotFound, op, "no relay servers")
	}
	if probe == nil {
		probe = TCPProbe
	}
	latencies := make([]time.Duration, len(servers))
	ok := make([]bool, len(servers))
	var g errgroup.Group
	for i, s := range servers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
			defer cancel()
			d, err := probe(pctx, s)
			if err != nil || pctx.Err() != nil {
				return nil
			}
			latencies[i], ok[i] = d, true
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return Choice{}, err
	}

	best := -1
	for i := range servers {
		if ok[i] && (best < 0 || latencies[i] < latencies[best]) {
			best = i
		}
	}
	if best < 0 {
		return Choice{}, apperr.E(apperr.Unreachable, op, "none of %d relay servers answered", len(servers))
	}
	return Choice{Server: servers[best], Latency: latencies[best]}, nil
}
