package relay

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/supervise"
)

const (
	// renewMargin is how long before expiry a credential is renewed. Short
	// credentials renew at four fifths of their lifetime instead.
	renewMargin = 30 * time.Second
	renewRetry  = 10 * time.Second
)

// Coordinator is the part of the coordinator client the tunnel needs.
type Coordinator interface {
	Credentials(ctx context.Context, gridID string) (*model.TunnelCredential, error)
	RelayServers(ctx context.Context) ([]model.RelayServer, error)
}

// Tunnels drives the sidecar: credentials, server choice, config, process.
type Tunnels struct {
	coord   Coordinator
	sidecar *Sidecar
	probe   Prober
	gridID  string
	user    string
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	choice    *Choice
	cred      *model.TunnelCredential
	fetchedAt time.Time
	tunnels   []model.TunnelSpec
}

type TunnelsOption func(*Tunnels)

// WithTunnelsClock replaces time.Now for credential expiry.
func WithTunnelsClock(now func() time.Time) TunnelsOption {
	return func(t *Tunnels) { t.now = now }
}

func NewTunnels(coord Coordinator, sidecar *Sidecar, gridID, user string, probe Prober, l *slog.Logger, opts ...TunnelsOption) *Tunnels {
	t := &Tunnels{
		coord:   coord,
		sidecar: sidecar,
		probe:   probe,
		gridID:  gridID,
		user:    user,
		logger:  logger.For(l, "relay"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	// A restart after a crash must not come back with an expired token.
	sidecar.prestart = t.refresh
	return t
}

// Prewarm fetches credentials and picks a server without starting the
// sidecar, so a later Up is fast.
func (t *Tunnels) Prewarm(ctx context.Context) (Choice, error) {
	cred, err := t.coord.Credentials(ctx, t.gridID)
	if err != nil {
		return Choice{}, err
	}
	servers, err := t.coord.RelayServers(ctx)
	if err != nil || len(servers) == 0 {
		if len(cred.Servers) == 0 {
			if err == nil {
				err = apperr.E(apperr.NotFound, "relay.prewarm", "coordinator offered no relay servers")
			}
			return Choice{}, err
		}
		servers = cred.Servers
	}
	choice, err := SelectServer(ctx, servers, t.probe)
	if err != nil {
		return Choice{}, err
	}
	t.mu.Lock()
	t.cred, t.fetchedAt, t.choice = cred, t.now(), &choice
	t.mu.Unlock()
	t.logger.Info("relay server selected", "server", choice.Server.ID, "latency", choice.Latency)
	return choice, nil
}

// Up configures and starts the sidecar for tunnels.
func (t *Tunnels) Up(ctx context.Context, tunnels []model.TunnelSpec) error {
	t.mu.Lock()
	ready := t.choice != nil
	t.mu.Unlock()
	if !ready {
		if _, err := t.Prewarm(ctx); err != nil {
			return err
		}
	}
	if err := t.configure(ctx, tunnels); err != nil {
		return err
	}
	return t.sidecar.Start(ctx)
}

// Apply rewrites the config for a new tunnel set and reloads a running sidecar.
func (t *Tunnels) Apply(ctx context.Context, tunnels []model.TunnelSpec) error {
	t.mu.Lock()
	same := t.choice != nil && !t.staleLocked() && slices.Equal(t.tunnels, tunnels)
	t.mu.Unlock()
	if same {
		return nil
	}
	if !t.sidecar.Status().Connected {
		return t.Up(ctx, tunnels)
	}
	if err := t.configure(ctx, tunnels); err != nil {
		return err
	}
	t.logger.Info("reloading relay sidecar", "tunnels", len(tunnels))
	return t.sidecar.Reload(ctx)
}

// configure writes the sidecar config, renewing the credential first if it
// is about to expire.
func (t *Tunnels) configure(ctx context.Context, tunnels []model.TunnelSpec) error {
	t.mu.Lock()
	stale := t.staleLocked()
	t.mu.Unlock()
	if stale {
		if err := t.renew(ctx); err != nil {
			return err
		}
	}
	t.mu.Lock()
	choice, cred := t.choice, t.cred
	t.mu.Unlock()
	if err := t.sidecar.Configure(CommonFor(choice.Server, *cred, t.user), tunnels); err != nil {
		return err
	}
	t.mu.Lock()
	t.tunnels = slices.Clone(tunnels)
	t.mu.Unlock()
	return nil
}

func (t *Tunnels) renew(ctx context.Context) error {
	cred, err := t.coord.Credentials(ctx, t.gridID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.cred, t.fetchedAt = cred, t.now()
	t.mu.Unlock()
	t.logger.Info("relay credential renewed", "ttl_seconds", cred.TTLSeconds)
	return nil
}

// renewAtLocked is when the credential should be replaced. The zero time
// means it does not expire.
func (t *Tunnels) renewAtLocked() time.Time {
	if t.cred == nil || t.cred.TTLSeconds <= 0 {
		return time.Time{}
	}
	issued := t.cred.IssuedAt
	if issued.IsZero() {
		issued = t.fetchedAt
	}
	ttl := time.Duration(t.cred.TTLSeconds) * time.Second
	margin := min(renewMargin, ttl/5)
	return issued.Add(ttl - margin)
}

func (t *Tunnels) staleLocked() bool {
	if t.cred == nil {
		return true
	}
	at := t.renewAtLocked()
	return !at.IsZero() && !t.now().Before(at)
}

// refresh rewrites the config with a new credential if the current one is
// due for renewal. It does not touch a running sidecar.
func (t *Tunnels) refresh(ctx context.Context) error {
	t.mu.Lock()
	stale := t.choice != nil && t.staleLocked()
	tunnels := t.tunnels
	t.mu.Unlock()
	if !stale {
		return nil
	}
	return t.configure(ctx, tunnels)
}

// Run keeps the sidecar alive and its credential current: shortly before
// the credential expires the config is rewritten and the sidecar reloaded.
func (t *Tunnels) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.sidecar.Supervise(ctx) })
	g.Go(func() error {
		t.renewLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (t *Tunnels) renewLoop(ctx context.Context) {
	for {
		t.mu.Lock()
		at := t.renewAtLocked()
		t.mu.Unlock()
		if at.IsZero() {
			<-ctx.Done()
			return
		}
		if !supervise.Sleep(ctx, at.Sub(t.now())) {
			return
		}
		if err := t.rotate(ctx); err != nil {
			t.logger.Warn("relay credential renewal failed", "error", err)
			if !supervise.Sleep(ctx, renewRetry) {
				return
			}
		}
	}
}

func (t *Tunnels) rotate(ctx context.Context) error {
	if err := t.refresh(ctx); err != nil {
		return err
	}
	if !t.sidecar.Status().Connected {
		return nil
	}
	t.logger.Info("reloading relay sidecar with renewed credential")
	return t.sidecar.Reload(ctx)
}

func (t *Tunnels) Down(ctx context.Context) error { return t.sidecar.Stop(ctx) }

func (t *Tunnels) Status() Status { return t.sidecar.Status() }

// Server returns the selected relay server, if one has been chosen.
func (t *Tunnels) Server() (Choice, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.choice == nil {
		return Choice{}, false
	}
	return *t.choice, true
}
