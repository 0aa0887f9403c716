package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/config"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/peer"
	"github.com/gridlink/gridlink/internal/relay"
	"github.com/gridlink/gridlink/internal/supervise"
	"github.com/gridlink/gridlink/internal/tabs"
	"github.com/gridlink/gridlink/internal/ws"
)

// BusURL derives the event-bus endpoint from the coordinator base URL.
func BusURL(coordinatorURL string) (string, error) {
	u, err := url.Parse(coordinatorURL)
	if err != nil {
		return "", fmt.Errorf("coordinator url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("coordinator url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"
	return u.String(), nil
}

type processLister interface {
	ListProcesses(ctx context.Context, gridID string) ([]model.SharedProcess, error)
}

// relayResolver finds the relay address of a peer: the tcp forward of the
// peer's running shared process, on the relay server this node selected.
func relayResolver(procs processLister, host func() (string, bool)) relay.Resolver {
	return func(ctx context.Context, key peer.Key) (string, error) {
		const op = "daemon.resolve_relay"
		h, ok := host()
		if !ok {
			return "", apperr.E(apperr.Unreachable, op, "no relay server selected")
		}
		sps, err := procs.ListProcesses(ctx, key.GridID)
		if err != nil {
			return "", err
		}
		for _, sp := range sps {
			if sp.OwnerID == key.PeerID && sp.Status == model.StateRunning && sp.Port > 0 {
				return net.JoinHostPort(h, strconv.Itoa(sp.Port)), nil
			}
		}
		return "", apperr.E(apperr.NotFound, op, "peer %s exposes nothing on grid %s", key.PeerID, key.GridID)
	}
}

func (d *Daemon) relayHost() (string, bool) {
	if d.tunnels == nil {
		return "", false
	}
	c, ok := d.tunnels.Server()
	if !ok {
		return "", false
	}
	return c.Server.Host, true
}

// policy is the transport ladder for a grid: its own setting when the
// coordinator sent one, the configured default otherwise.
func (d *Daemon) policy(gridID string) model.RelayPolicy {
	d.mu.Lock()
	g, ok := d.grids[gridID]
	d.mu.Unlock()
	if ok && g.RelayPolicy != "" {
		return g.RelayPolicy.OrDefault()
	}
	return d.cfg.Peer.DefaultPolicy.OrDefault()
}

// syncGrids loads the user's grids and subscribes the bus to them.
func (d *Daemon) syncGrids(ctx context.Context) {
	policy := supervise.Policy{Attempts: 5, Base: time.Second, Max: 30 * time.Second}
	var grids []model.Grid
	err := supervise.Retry(ctx, policy, apperr.Retryable, func(ctx context.Context) error {
		var err error
		grids, err = d.coord.ListGrids(ctx)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("grid list unavailable", "error", err)
		}
		return
	}
	ids := make([]string, 0, len(grids))
	d.mu.Lock()
	clear(d.grids)
	for _, g := range grids {
		d.grids[g.ID] = g
		ids = append(ids, g.ID)
	}
	d.mu.Unlock()
	if err := d.bus.SetGrids(ctx, ids); err != nil {
		d.logger.Debug("subscribe deferred until connected", "error", err)
	}
	d.logger.Info("grids loaded", "count", len(ids))
}

// routeEvents registers the bus handlers that touch local state. Signaling
// is routed separately by ws.RouteSignals.
func (d *Daemon) routeEvents() {
	d.bus.Handle(ws.TypeMemberJoined, func(ctx context.Context, ev ws.Event) {
		if m, ok := ev.(ws.MemberJoined); ok && m.UserID == d.self {
			go d.syncGrids(ctx)
		}
	})
	d.bus.Handle(ws.TypeMemberLeft, func(ctx context.Context, ev ws.Event) {
		m, ok := ev.(ws.MemberLeft)
		if !ok || m.UserID != d.self {
			return
		}
		// Removed from a grid: its tabs and shared resources go with it.
		n := d.tabs.CloseByGrid(m.GridID)
		d.logger.Info("left grid", "grid", m.GridID, "tabs_closed", n)
		go func() {
			for _, res := range d.reg.ListByGrid(m.GridID) {
				if err := d.Stop(ctx, res.ID); err != nil {
					d.logger.Warn("stop after leaving grid", "id", res.ID, "error", err)
				}
			}
			d.syncGrids(ctx)
		}()
	})
	d.bus.Handle(ws.TypeHostChanged, func(_ context.Context, ev ws.Event) {
		if h, ok := ev.(ws.HostChanged); ok {
			d.logger.Info("session host changed", "grid", h.GridID, "process", h.ProcessID, "user", h.UserID)
		}
	})
	d.bus.Handle(ws.TypeMessageCreated, d.dedup.Messages(func(_ context.Context, ev ws.Event) {
		m, ok := ev.(ws.MessageCreated)
		if !ok || m.Message.AuthorID == d.self {
			return
		}
		t, found := d.tabs.Find(tabs.TextChannelKey(m.GridID, m.Message.ChannelID))
		if found && !t.Active {
			d.tabs.SetNotify(t.ID, true)
		}
	}))
	d.bus.HandleAll(func(_ context.Context, ev ws.Event) {
		d.logger.Debug("bus event", "type", ev.Kind(), "grid", ev.Grid())
	})
}

func (d *Daemon) restoreTabs() {
	data, err := os.ReadFile(filepath.Join(d.dir, tabsFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("read tab state", "error", err)
		}
		return
	}
	if err := d.tabs.Restore(data); err != nil {
		d.logger.Warn("discarding saved tab state", "error", err)
	}
}

func (d *Daemon) saveTabs() {
	data, err := d.tabs.Snapshot()
	if err != nil {
		d.logger.Warn("snapshot tabs", "error", err)
		return
	}
	path := filepath.Join(d.dir, tabsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		d.logger.Warn("save tab state", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		d.logger.Warn("save tab state", "error", err)
	}
}

// relayGrid is the grid the sidecar's credentials are issued for: the first
// declared tunnel that names one.
func relayGrid(tunnels []model.TunnelSpec) string {
	for _, t := range tunnels {
		if t.GridID != "" {
			return t.GridID
		}
	}
	return ""
}

func relayUser(cfg *config.Config, self string) string {
	if cfg.Relay.User != "" {
		return cfg.Relay.User
	}
	return self
}
