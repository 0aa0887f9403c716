package daemon

import (
	"context"
	"net"

	"github.com/gridlink/gridlink/internal/analytics"
	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/bridge"
	"github.com/gridlink/gridlink/internal/control"
	"github.com/gridlink/gridlink/internal/discovery"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/peer"
	"github.com/gridlink/gridlink/internal/probe"
	"github.com/gridlink/gridlink/internal/registry"
	"github.com/gridlink/gridlink/internal/tabs"
	"github.com/gridlink/gridlink/internal/terminal"
	"github.com/gridlink/gridlink/internal/ws"
)

var _ control.Node = (*Daemon)(nil)

func (d *Daemon) Status(context.Context) control.Status {
	st := control.Status{
		UserID:    d.self,
		Bus:       "disconnected",
		Grids:     d.bus.Grids(),
		Peers:     d.peers.List(),
		Resources: len(d.reg.ListByGrid("")),
		StartedAt: d.startedAt,
	}
	if d.bus.State() == ws.StateConnected {
		st.Bus = "connected"
	}
	d.mu.Lock()
	st.NAT = d.natRes
	d.mu.Unlock()
	if d.tunnels != nil {
		st.Relay = d.tunnels.Status()
		if c, ok := d.tunnels.Server(); ok {
			st.RelayServer = c.Server.Host
		}
	}
	return st
}

func (d *Daemon) Resources(gridID string) []model.SharedResource {
	return d.reg.ListByGrid(gridID)
}

// Run spawns a child and shares it. If the coordinator will not take the
// registration the child is stopped again, so nothing runs unlisted.
func (d *Daemon) Run(ctx context.Context, req control.RunRequest) (model.SharedResource, error) {
	cfg := req.Config
	cfg.GridID = req.GridID
	start := d.procs.Start
	if req.Host {
		start = d.procs.StartGridProcess
	}
	info, err := start(ctx, cfg)
	if err != nil {
		return model.SharedResource{}, err
	}
	res, err := d.reg.Register(ctx, registry.FromProcess(info, d.self))
	if err != nil {
		if serr := d.procs.Stop(context.WithoutCancel(ctx), info.ID); serr != nil {
			d.logger.Warn("stop after failed registration", "id", info.ID, "error", serr)
		}
		return model.SharedResource{}, err
	}
	d.openTab(tabs.KindProcess, tabs.ProcessKey(res.GridID, res.ID), res.Name)
	analytics.Track("process_shared", map[string]any{"kind": string(res.Kind)})
	return res, nil
}

// Stop ends a shared resource by kind and unregisters it.
func (d *Daemon) Stop(ctx context.Context, id string) error {
	res, err := d.reg.Get(id)
	if err != nil {
		return err
	}
	switch res.Kind {
	case model.ResourceSpawned:
		err = d.procs.Stop(ctx, id)
	case model.ResourcePTY:
		err = d.terms.Kill(ctx, id)
	}
	if err != nil && apperr.KindOf(err) != apperr.NotFound {
		return err
	}
	return d.reg.Unregister(ctx, id)
}

func (d *Daemon) OpenTerminal(ctx context.Context, req control.TerminalRequest) (model.SharedResource, error) {
	shell := req.Shell
	if shell == "" {
		shell = d.cfg.Terminal.Shell
	}
	info, err := d.terms.Create(ctx, terminal.Options{
		GridID: req.GridID,
		Name:   req.Name,
		Shell:  shell,
		Dir:    req.Dir,
		Rows:   req.Rows,
		Cols:   req.Cols,
	})
	if err != nil {
		return model.SharedResource{}, err
	}
	res, err := d.reg.Register(ctx, registry.FromTerminal(info, d.self))
	if err != nil {
		if kerr := d.terms.Kill(context.WithoutCancel(ctx), info.ID); kerr != nil {
			d.logger.Warn("kill after failed registration", "id", info.ID, "error", kerr)
		}
		return model.SharedResource{}, err
	}
	d.openTab(tabs.KindTerminal, tabs.TerminalKey(res.ID), res.Name)
	return res, nil
}

func (d *Daemon) Scan(ctx context.Context, scope discovery.Scope) ([]probe.Record, error) {
	return d.disc.Scan(ctx, scope)
}

// Share adopts whatever is listening on req.Port. The lookup bypasses the
// scan cache so a just-started server is found.
func (d *Daemon) Share(ctx context.Context, req control.ShareRequest) (model.SharedResource, error) {
	rec, err := d.disc.LookupPort(ctx, req.Port)
	if err != nil {
		return model.SharedResource{}, err
	}
	res, err := d.reg.Adopt(ctx, req.GridID, d.self, *rec)
	if err != nil {
		return model.SharedResource{}, err
	}
	d.openTab(tabs.KindProcess, tabs.ProcessKey(res.GridID, res.ID), res.Name)
	return res, nil
}

// Connect opens a resource another member shares. A peer pair carries one
// stream, so a second connect while one is open is refused.
func (d *Daemon) Connect(ctx context.Context, req control.ConnectRequest) (net.Conn, model.SharedResource, error) {
	const op = "daemon.connect"
	if req.PeerID == d.self {
		return nil, model.SharedResource{}, apperr.E(apperr.Invalid, op, "resource %s is local; use attach", req.ResourceID)
	}
	if info, ok := d.peers.Get(peer.Key{GridID: req.GridID, PeerID: req.PeerID}); ok && info.State == peer.Connected {
		return nil, model.SharedResource{}, apperr.E(apperr.Conflict, op, "a stream with %s is already open", req.PeerID)
	}
	conn, err := d.peers.Dial(ctx, req.GridID, req.PeerID)
	if err != nil {
		return nil, model.SharedResource{}, err
	}
	stream, res, err := bridge.Open(ctx, conn, bridge.Request{ResourceID: req.ResourceID, Rows: req.Rows, Cols: req.Cols})
	if err != nil {
		conn.Close()
		return nil, model.SharedResource{}, err
	}
	analytics.Track("resource_connected", map[string]any{"kind": string(res.Kind)})
	return stream, res, nil
}

func (d *Daemon) Tabs() ([]byte, error) { return d.tabs.Snapshot() }

func (d *Daemon) openTab(kind tabs.Kind, key tabs.Key, title string) {
	if _, _, err := d.tabs.Create(tabs.Spec{Kind: kind, Key: key, Title: title}); err != nil {
		d.logger.Warn("open tab failed", "key", key.String(), "error", err)
	}
}

// followRegistry keeps tabs in step with the catalog: a resource that is
// gone or finished loses its tab.
func (d *Daemon) followRegistry(ctx context.Context) {
	events, cancel := d.reg.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != registry.EventUnregistered && !(ev.Type == registry.EventStatus && ev.Resource.State.Terminal()) {
				continue
			}
			d.closeResourceTab(ev.Resource)
		}
	}
}

func (d *Daemon) closeResourceTab(res model.SharedResource) {
	if res.Kind == model.ResourcePTY {
		if t, ok := d.tabs.Find(tabs.TerminalKey(res.ID)); ok {
			if err := d.tabs.Close(t.ID); err != nil {
				d.logger.Debug("close terminal tab", "id", res.ID, "error", err)
			}
		}
		return
	}
	d.tabs.CloseByProcess(res.ID)
}
