// Package discovery memoizes probe results for a short time per scan scope.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/probe"
)

// DefaultTTL is how long a scan result is served from cache.
const DefaultTTL = 5 * time.Second

// ScopeKind selects what a scan covers.
type ScopeKind string

const (
	Localhost ScopeKind = "localhost"
	Network   ScopeKind = "network"
	Docker    ScopeKind = "docker"
	CustomIP  ScopeKind = "custom-ip"
)

// Scope is the cache key. IP is set only for CustomIP.
type Scope struct {
	Kind ScopeKind
	IP   string
}

func (s Scope) String() string {
	if s.Kind == CustomIP {
		return string(s.Kind) + ":" + s.IP
	}
	return string(s.Kind)
}

// ParseScope parses "localhost", "network", "docker" or an IP address.
func ParseScope(s string) (Scope, error) {
	switch ScopeKind(s) {
	case "", Localhost:
		return Scope{Kind: Localhost}, nil
	case Network:
		return Scope{Kind: Network}, nil
	case Docker:
		return Scope{Kind: Docker}, nil
	}
	addr, ok := probe.NormalizeAddress(s)
	if !ok {
		return Scope{}, apperr.E(apperr.Invalid, "discovery.scope", "unknown scope %q", s)
	}
	return Scope{Kind: CustomIP, IP: addr}, nil
}

// Prober is the slice of probe.Prober the cache uses.
type Prober interface {
	Scan(ctx context.Context) ([]probe.Record, error)
	LookupPort(ctx context.Context, port int) (*probe.Record, error)
}

// ContainerLister lists published container ports.
type ContainerLister interface {
	Containers(ctx context.Context) ([]probe.Record, error)
}

type entry struct {
	records []probe.Record
	at      time.Time
}

// Cache wraps a prober with a per-scope TTL. Concurrent misses on one scope
// share a single probe run.
type Cache struct {
	prober Prober
	docker ContainerLister
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[Scope]entry
	group   singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option { return func(c *Cache) { c.ttl = d } }

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithDocker sets the lister used for the docker scope.
func WithDocker(l ContainerLister) Option { return func(c *Cache) { c.docker = l } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// New builds a cache in front of p.
func New(p Prober, opts ...Option) *Cache {
	c := &Cache{
		prober:  p,
		docker:  &DockerCLI{Run: probe.ExecRunner},
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  slog.Default(),
		entries: make(map[Scope]entry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Scan returns the records visible in scope, from cache when fresh.
func (c *Cache) Scan(ctx context.Context, scope Scope) ([]probe.Record, error) {
	c.mu.Lock()
	e, ok := c.entries[scope]
	c.mu.Unlock()
	if ok && c.now().Sub(e.at) < c.ttl {
		return cloneRecords(e.records), nil
	}

	v, err, _ := c.group.Do(scope.String(), func() (any, error) {
		recs, err := c.scan(ctx, scope)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[scope] = entry{records: recs, at: c.now()}
		c.mu.Unlock()
		c.logger.Debug("discovery scan", "scope", scope.String(), "records", len(recs))
		return recs, nil
	})
	if err != nil {
		return nil, err
	}
	// Callers own what they get back; the cached copy stays untouched.
	return cloneRecords(v.([]probe.Record)), nil
}

func cloneRecords(recs []probe.Record) []probe.Record {
	out := slices.Clone(recs)
	for i := range out {
		out[i].Ports = slices.Clone(out[i].Ports)
		out[i].Args = slices.Clone(out[i].Args)
	}
	return out
}

// LookupPort always asks the prober; point lookups are never cached.
func (c *Cache) LookupPort(ctx context.Context, port int) (*probe.Record, error) {
	return c.prober.LookupPort(ctx, port)
}

// Invalidate drops every cached scope.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

func (c *Cache) scan(ctx context.Context, scope Scope) ([]probe.Record, error) {
	if scope.Kind == Docker {
		if c.docker == nil {
			return nil, apperr.E(apperr.PlatformUnavailable, "discovery.docker", "no container runtime")
		}
		return c.docker.Containers(ctx)
	}
	all, err := c.prober.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	out := make([]probe.Record, 0, len(all))
	for _, r := range all {
		if visible(r, scope) {
			out = append(out, r)
		}
	}
	return out, nil
}

// visible reports whether any of a record's binds is reachable in scope.
func visible(r probe.Record, scope Scope) bool {
	for _, p := range r.Ports {
		switch scope.Kind {
		case Localhost:
			if p.Address == "127.0.0.1" || p.Address == "0.0.0.0" {
				return true
			}
		case Network:
			if p.Address != "127.0.0.1" {
				return true
			}
		case CustomIP:
			if p.Address == scope.IP || p.Address == "0.0.0.0" {
				return true
			}
		}
	}
	return false
}
