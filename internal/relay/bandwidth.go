package relay

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/coordinator"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/store"
)

// PendingStore persists traffic that has not been reported yet.
type PendingStore interface {
	AddBandwidth(gridID string, sent, received int64) error
	PendingBandwidth() ([]store.PendingBandwidth, error)
	AckBandwidth(p store.PendingBandwidth) error
}

// BandwidthSink is where usage deltas are reported.
type BandwidthSink interface {
	ReportBandwidth(ctx context.Context, r model.BandwidthReport) (*coordinator.BandwidthAck, error)
}

type counts struct {
	sent, received atomic.Int64
}

// Meter counts relayed bytes per grid and remembers which grids have run out
// of allocation.
type Meter struct {
	store  PendingStore
	sink   BandwidthSink
	logger *slog.Logger

	mu       sync.Mutex
	counters map[string]*counts
	exceeded map[string]bool
}

func NewMeter(st PendingStore, sink BandwidthSink, l *slog.Logger) *Meter {
	return &Meter{
		store:    st,
		sink:     sink,
		logger:   logger.For(l, "relay-bandwidth"),
		counters: make(map[string]*counts),
		exceeded: make(map[string]bool),
	}
}

func (m *Meter) counter(gridID string) *counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[gridID]
	if !ok {
		c = &counts{}
		m.counters[gridID] = c
	}
	return c
}

// Add records traffic for a grid.
func (m *Meter) Add(gridID string, sent, received int64) {
	c := m.counter(gridID)
	c.sent.Add(sent)
	c.received.Add(received)
}

// Available reports whether the grid may still send through the relay.
func (m *Meter) Available(gridID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.exceeded[gridID]
}

// Restore marks a grid available again, after a purchase.
func (m *Meter) Restore(gridID string) {
	m.mu.Lock()
	delete(m.exceeded, gridID)
	m.mu.Unlock()
}

// Flush moves in-memory counters into the pending store.
func (m *Meter) Flush() error {
	m.mu.Lock()
	snap := make(map[string][2]int64, len(m.counters))
	for grid, c := range m.counters {
		snap[grid] = [2]int64{c.sent.Swap(0), c.received.Swap(0)}
	}
	m.mu.Unlock()

	var firstErr error
	for grid, v := range snap {
		if err := m.store.AddBandwidth(grid, v[0], v[1]); err != nil {
			// Put it back for the next flush.
			m.Add(grid, v[0], v[1])
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Report flushes and posts every pending delta. A grid whose allocation is
// used up is marked unavailable and its delta dropped, since the coordinator
// will not debit it.
func (m *Meter) Report(ctx context.Context) error {
	if err := m.Flush(); err != nil {
		return err
	}
	pending, err := m.store.PendingBandwidth()
	if err != nil {
		return err
	}
	for _, p := range pending {
		ack, err := m.sink.ReportBandwidth(ctx, model.BandwidthReport{
			GridID:        p.GridID,
			BytesSent:     p.BytesSent,
			BytesReceived: p.BytesReceived,
		})
		switch {
		case apperr.CodeOf(err) == coordinator.CodeAllocationExceeded:
			m.mu.Lock()
			m.exceeded[p.GridID] = true
			m.mu.Unlock()
			m.logger.Warn("relay allocation exhausted", "grid", p.GridID)
		case err != nil:
			return err
		default:
			m.logger.Debug("bandwidth reported", "grid", p.GridID,
				"delta", humanize.Bytes(uint64(p.BytesSent+p.BytesReceived)),
				"remaining", humanize.Bytes(uint64(ack.RemainingBytes)))
		}
		if err := m.store.AckBandwidth(p); err != nil {
			return err
		}
	}
	return nil
}

// Run reports every interval until ctx ends, with a final report on the way out.
func (m *Meter) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.Report(final); err != nil {
				m.Flush()
			}
			cancel()
			return
		case <-t.C:
			if err := m.Report(ctx); err != nil {
				m.logger.Warn("bandwidth report failed", "error", err)
			}
		}
	}
}

// Wrap counts traffic on conn against gridID. Writes fail once the grid's
// allocation is used up.
func (m *Meter) Wrap(gridID string, conn net.Conn) net.Conn {
	return &meteredConn{Conn: conn, m: m, grid: gridID, c: m.counter(gridID)}
}

type meteredConn struct {
	net.Conn
	m    *Meter
	grid string
	c    *counts
}

func (mc *meteredConn) Read(p []byte) (int, error) {
	n, err := mc.Conn.Read(p)
	mc.c.received.Add(int64(n))
	return n, err
}

func (mc *meteredConn) Write(p []byte) (int, error) {
	if !mc.m.Available(mc.grid) {
		return 0, &apperr.Error{Kind: apperr.TransportClosed, Op: "relay.write", Code: coordinator.CodeAllocationExceeded, Msg: "relay allocation exhausted"}
	}
	n, err := mc.Conn.Write(p)
	mc.c.sent.Add(int64(n))
	return n, err
}
