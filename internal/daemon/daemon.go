// Package daemon is the application root. It owns every long-lived
// component and wires them together; nothing below it holds a global.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/gridlink/gridlink/internal/analytics"
	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/auth"
	"github.com/gridlink/gridlink/internal/bridge"
	"github.com/gridlink/gridlink/internal/config"
	"github.com/gridlink/gridlink/internal/control"
	"github.com/gridlink/gridlink/internal/coordinator"
	"github.com/gridlink/gridlink/internal/discovery"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/nat"
	"github.com/gridlink/gridlink/internal/peer"
	"github.com/gridlink/gridlink/internal/probe"
	"github.com/gridlink/gridlink/internal/process"
	"github.com/gridlink/gridlink/internal/registry"
	"github.com/gridlink/gridlink/internal/relay"
	"github.com/gridlink/gridlink/internal/store"
	"github.com/gridlink/gridlink/internal/supervise"
	"github.com/gridlink/gridlink/internal/tabs"
	"github.com/gridlink/gridlink/internal/terminal"
	"github.com/gridlink/gridlink/internal/ws"
)

const (
	tabsFile     = "tabs.json"
	sidecarFile  = "relay/sidecar.ini"
	dedupWindow  = 1024
	closeTimeout = 10 * time.Second
)

// ErrNotLoggedIn is returned when the daemon starts without a stored token.
var ErrNotLoggedIn = errors.New("not logged in; run `grid login` first")

// Options are the inputs New cannot build itself.
type Options struct {
	Dir    string
	Config *config.Config
	Store  *store.Store
	Tokens *auth.TokenStore
	// Optional overrides, for tests.
	HTTPClient *http.Client
	Prober     discovery.Prober
	Logger     *slog.Logger
	// Signaler replaces the event bus for peer signaling; PeerOptions are
	// appended to the peer manager's.
	Signaler    peer.Signaler
	PeerOptions []peer.Option
}

// Daemon is one running node.
type Daemon struct {
	dir    string
	cfg    *config.Config
	logger *slog.Logger
	self   string

	store   *store.Store
	tokens  *auth.TokenStore
	coord   *coordinator.Client
	reg     *registry.Registry
	procs   *process.Supervisor
	terms   *terminal.Manager
	disc    *discovery.Cache
	peers   *peer.Manager
	bridge  *bridge.Server
	bus     *ws.Client
	meter   *relay.Meter
	sidecar *relay.Sidecar
	tunnels *relay.Tunnels
	tabs    *tabs.Manager
	dedup   *ws.Dedup

	startedAt time.Time
	// base outlives Serve so bridged streams end in Close, not before it.
	base     context.Context
	stopBase context.CancelFunc

	mu       sync.Mutex
	grids    map[string]model.Grid
	natRes   *nat.Result
	relayUp  bool
	declared []model.TunnelSpec
}

// New builds every component. Nothing runs until Serve.
func New(o Options) (*Daemon, error) {
	if o.Config == nil || o.Store == nil || o.Tokens == nil {
		return nil, fmt.Errorf("daemon: config, store and tokens are required")
	}
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	tok, err := o.Tokens.Get()
	if err != nil {
		return nil, ErrNotLoggedIn
	}

	base, stopBase := context.WithCancel(context.Background())
	d := &Daemon{
		base:      base,
		stopBase:  stopBase,
		dir:       o.Dir,
		cfg:       o.Config,
		logger:    logger.For(l, "daemon"),
		self:      tok.UserID,
		store:     o.Store,
		tokens:    o.Tokens,
		tabs:      tabs.New(tabs.WithLogger(l)),
		dedup:     ws.NewDedup(dedupWindow),
		startedAt: time.Now(),
		grids:     make(map[string]model.Grid),
		declared:  o.Config.Relay.Tunnels,
	}

	copts := []coordinator.Option{coordinator.WithLogger(l)}
	if o.HTTPClient != nil {
		copts = append(copts, coordinator.WithHTTPClient(o.HTTPClient))
	}
	d.coord = coordinator.New(o.Config.Coordinator.URL, o.Tokens, copts...)

	d.reg = registry.New(d.coord, l)
	d.procs = process.New(l, process.WithHostClaimer(d.coord))
	d.terms = terminal.NewManager(l, terminal.Limits{
		ScrollbackLines: o.Config.Terminal.ScrollbackLines,
		ScrollbackBytes: o.Config.Terminal.ScrollbackBytes,
		IdleTimeout:     time.Duration(o.Config.Terminal.AutoCleanupInactiveHours) * time.Hour,
	}, terminal.WithExitHook(func(info terminal.Info) {
		// The hook fires from the session's wait goroutine; mirror with a
		// bounded context of its own.
		ctx, cancel := context.WithTimeout(context.Background(), coordinator.RequestTimeout)
		defer cancel()
		d.reg.TerminalExited(ctx)(info)
	}), terminal.WithRCDir(filepath.Join(o.Dir, "shell")))

	prober := o.Prober
	if prober == nil {
		prober = probe.Default()
	}
	d.disc = discovery.New(prober,
		discovery.WithDocker(&discovery.DockerCLI{Run: probe.ExecRunner}),
		discovery.WithLogger(l))

	d.meter = relay.NewMeter(o.Store, d.coord, l)
	if o.Config.Relay.SidecarPath != "" {
		d.sidecar = relay.NewSidecar(o.Config.Relay.SidecarPath, filepath.Join(o.Dir, sidecarFile), relay.WithSidecarLogger(l))
		d.tunnels = relay.NewTunnels(d.coord, d.sidecar, relayGrid(o.Config.Relay.Tunnels), relayUser(o.Config, d.self), relay.TCPProbe, l)
	}

	busURL, err := BusURL(o.Config.Coordinator.URL)
	if err != nil {
		return nil, err
	}
	bopts := []ws.Option{ws.WithLogger(l)}
	if o.HTTPClient != nil {
		bopts = append(bopts, ws.WithHTTPClient(o.HTTPClient))
	}
	d.bus = ws.NewClient(busURL, o.Tokens.Bearer, bopts...)

	var ice []webrtc.ICEServer
	if len(o.Config.Peer.STUNServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: o.Config.Peer.STUNServers}}
	}
	var sig peer.Signaler = ws.Signaler{C: d.bus}
	if o.Signaler != nil {
		sig = o.Signaler
	}
	popts := append([]peer.Option{
		peer.WithRelay(relay.NewRoute(relayResolver(d.coord, d.relayHost), d.meter)),
		peer.WithPolicy(d.policy),
		peer.WithICEServers(ice),
		peer.WithLogger(l),
	}, o.PeerOptions...)
	d.peers = peer.NewManager(d.self, sig, popts...)
	ws.RouteSignals(d.bus, d.peers)

	d.bridge = bridge.NewServer(d.reg, d.terms, d.procs, bridge.WithLogger(l))
	d.peers.OnConn(func(k peer.Key, c net.Conn) { d.bridge.Serve(d.base, k, c) })
	d.routeEvents()

	d.restoreTabs()
	return d, nil
}

// Serve runs the node until ctx ends or a component fails.
func (d *Daemon) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := control.NewServer(d, d.terms, filepath.Join(d.dir, control.SocketName), d.logger)
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	g.Go(func() error {
		err := d.bus.Run(ctx)
		if errors.Is(err, ws.ErrAuthRejected) {
			return fmt.Errorf("event bus: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		events, cancel := d.procs.Subscribe(64)
		defer cancel()
		d.reg.FollowProcesses(ctx, events)
		return nil
	})
	g.Go(func() error { return ignoreCanceled(d.reg.RunHeartbeats(ctx, registry.HeartbeatInterval)) })
	g.Go(func() error { return ignoreCanceled(d.terms.Run(ctx)) })
	g.Go(func() error { d.followRegistry(ctx); return nil })
	g.Go(func() error { d.meter.Run(ctx, d.cfg.ReportEvery()); return nil })
	g.Go(func() error {
		if err := config.Watch(ctx, d.dir, d.logger, d.reload); err != nil {
			d.logger.Warn("config watch unavailable", "error", err)
		}
		return nil
	})
	g.Go(func() error { d.syncGrids(ctx); return nil })
	g.Go(func() error { d.probeNAT(ctx); return nil })
	if d.tunnels != nil && len(d.declared) > 0 {
		g.Go(func() error { return d.runTunnels(ctx) })
	}

	analytics.Track("daemon_started", map[string]any{"relay": d.tunnels != nil})
	d.logger.Info("gridd started", "dir", d.dir, "user", d.self)
	return g.Wait()
}

// Close stops children and sessions, saves tab state and flushes
// bandwidth and analytics. It runs after Serve returns.
func (d *Daemon) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	d.stopBase()
	d.peers.CloseAll()
	// Children go first so nothing is still running once the coordinator
	// stops listing it.
	var errs []error
	errs = append(errs, d.procs.Close(ctx), d.terms.Close(ctx))
	for _, res := range d.reg.ListByGrid("") {
		if err := d.reg.Unregister(ctx, res.ID); err != nil {
			d.logger.Warn("unregister on shutdown failed", "id", res.ID, "error", err)
		}
	}
	if d.sidecar != nil {
		errs = append(errs, d.sidecar.Stop(ctx))
	}
	if err := d.meter.Report(ctx); err != nil {
		d.logger.Warn("final bandwidth report failed", "error", err)
	}
	d.saveTabs()
	if err := analytics.Flush(ctx); err != nil {
		d.logger.Debug("analytics flush failed", "error", err)
	}
	return errors.Join(errs...)
}

// Run is the gridd entry point: it opens local state, serves until SIGINT or
// SIGTERM, then shuts down.
func Run(dir string, cfg *config.Config) error {
	if err := config.EnsureDir(dir); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	logFile := cfg.Logging.File
	if logFile == "" {
		logFile = filepath.Join(dir, "logs", "gridd.log")
	}
	if err := logger.Init(cfg.Logging.Level, logFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	s, err := store.Open(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	parser, err := auth.NewParser(cfg.Coordinator.VerifyKey)
	if err != nil {
		return fmt.Errorf("token verify key: %w", err)
	}
	tokens := auth.NewTokenStore(parser, s, logger.Log)
	if err := tokens.Restore(); err != nil {
		return fmt.Errorf("restore token: %w", err)
	}

	d, err := New(Options{Dir: dir, Config: cfg, Store: s, Tokens: tokens, Logger: logger.Log})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Serve(ctx) }()

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
		cancel()
		<-errCh
	case err := <-errCh:
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("daemon error: %w", err)
		}
	}
	if err := d.Close(); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	return runErr
}

// reload applies a changed client.yaml. Only the declared tunnel set is
// live-reloadable; everything else needs a restart.
func (d *Daemon) reload(cfg *config.Config) {
	d.mu.Lock()
	d.declared = cfg.Relay.Tunnels
	up := d.relayUp
	d.mu.Unlock()
	if d.tunnels == nil || !up {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), coordinator.RequestTimeout)
	defer cancel()
	if err := d.tunnels.Apply(ctx, cfg.Relay.Tunnels); err != nil {
		d.logger.Warn("tunnel reload failed", "error", err)
		return
	}
	d.logger.Info("tunnels reloaded", "count", len(cfg.Relay.Tunnels))
}

// runTunnels brings the declared tunnels up once a credential and server are
// available, then keeps the sidecar alive.
func (d *Daemon) runTunnels(ctx context.Context) error {
	err := supervise.Retry(ctx, supervise.Policy{Attempts: 5, Base: 2 * time.Second, Max: 30 * time.Second}, apperr.Retryable, func(ctx context.Context) error {
		d.mu.Lock()
		declared := d.declared
		d.mu.Unlock()
		return d.tunnels.Up(ctx, declared)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		// Relay is a fallback path; the node keeps running without it.
		d.logger.Error("relay tunnels unavailable", "error", err)
		return nil
	}
	d.mu.Lock()
	d.relayUp = true
	d.mu.Unlock()
	return ignoreCanceled(d.tunnels.Run(ctx))
}

// probeNAT runs the single startup probe. A verdict that makes relay likely
// pre-warms server selection so a fallback does not pay for it.
func (d *Daemon) probeNAT(ctx context.Context) {
	res, err := nat.Probe(ctx, d.cfg.Peer.STUNServers)
	if err != nil {
		d.logger.Warn("nat probe failed", "error", err)
		return
	}
	d.mu.Lock()
	d.natRes = &res
	d.mu.Unlock()
	d.logger.Info("nat probe", "verdict", res.Verdict, "p2p_likely", res.P2PLikely, "confidence", res.Confidence)
	analytics.Track("nat_probe", map[string]any{"verdict": string(res.Verdict), "relay_needed": res.RelayNeeded})

	if !res.RelayNeeded || d.tunnels == nil || d.cfg.Peer.DefaultPolicy == model.PolicyP2POnly {
		return
	}
	d.logger.Info("relay likely needed; pre-warming tunnel server")
	if choice, err := d.tunnels.Prewarm(ctx); err != nil {
		d.logger.Warn("relay pre-warm failed", "error", err)
	} else {
		d.logger.Info("relay server selected", "server", choice.Server.ID, "latency", choice.Latency)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
