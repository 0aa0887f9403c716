// Package registry is the local catalog of resources shared to grids. It is
// the only component that writes resource lifecycle to the coordinator.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/coordinator"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/supervise"
)

const (
	// HeartbeatInterval spaces heartbeats of running resources.
	HeartbeatInterval = 30 * time.Second
	// MirrorRetryDelay is the pause before the single mirror retry.
	MirrorRetryDelay = 500 * time.Millisecond
	// RemoveAfter is how long a finished resource stays listed.
	RemoveAfter = 30 * time.Second
)

// Mirror is the coordinator side of the catalog. *coordinator.Client
// implements it.
type Mirror interface {
	RegisterProcess(ctx context.Context, gridID string, req coordinator.RegisterProcessRequest) (*model.SharedProcess, error)
	UpdateProcessStatus(ctx context.Context, gridID, processID string, status model.ResourceState) error
}

// EventType names a catalog mutation.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventStatus       EventType = "status_changed"
	EventHeartbeat    EventType = "heartbeat"
	EventUnregistered EventType = "unregistered"
)

// Event is emitted after every mutation.
type Event struct {
	Type     EventType
	Resource model.SharedResource
	From     model.ResourceState
}

// Registry holds the shared resources of this node.
type Registry struct {
	mirror Mirror
	logger *slog.Logger
	now    func() time.Time
	retry  supervise.Policy
	linger time.Duration

	mu        sync.Mutex
	resources map[string]*model.SharedResource
	pending   map[string]struct{}

	subMu sync.Mutex
	subs  map[int]chan Event
	next  int
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithRetryDelay replaces MirrorRetryDelay.
func WithRetryDelay(d time.Duration) Option {
	return func(r *Registry) { r.retry = supervise.Policy{Attempts: 2, Base: d, Max: d} }
}

// WithRemoveAfter replaces RemoveAfter. Zero keeps finished entries until
// they are unregistered.
func WithRemoveAfter(d time.Duration) Option { return func(r *Registry) { r.linger = d } }

// New builds a registry that mirrors to m.
func New(m Mirror, l *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		mirror:    m,
		logger:    logger.For(l, "registry"),
		now:       time.Now,
		retry:     supervise.Policy{Attempts: 2, Base: MirrorRetryDelay, Max: MirrorRetryDelay},
		linger:    RemoveAfter,
		resources: make(map[string]*model.SharedResource),
		pending:   make(map[string]struct{}),
		subs:      make(map[int]chan Event),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Subscribe returns a channel of catalog events. Slow subscribers miss
// events rather than block the registry.
func (r *Registry) Subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	r.subMu.Lock()
	id := r.next
	r.next++
	r.subs[id] = ch
	r.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) emit(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Debug("registry subscriber full, dropping event", "type", ev.Type, "id", ev.Resource.ID)
		}
	}
}

// mirrored runs fn, retrying once on failure.
func (r *Registry) mirrored(ctx context.Context, fn func(context.Context) error) error {
	return supervise.Retry(ctx, r.retry, func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}, fn)
}

// Register adds res to the catalog once the coordinator has acknowledged it.
// Registering an id that is already present returns the existing entry. If
// the mirror fails twice the entry is not kept.
func (r *Registry) Register(ctx context.Context, res model.SharedResource) (model.SharedResource, error) {
	const op = "registry.register"
	if err := validate(op, res); err != nil {
		return model.SharedResource{}, err
	}

	r.mu.Lock()
	if existing, ok := r.resources[res.ID]; ok {
		cp := *existing
		r.mu.Unlock()
		return cp, nil
	}
	if _, busy := r.pending[res.ID]; busy {
		r.mu.Unlock()
		return model.SharedResource{}, apperr.E(apperr.Conflict, op, "registration of %s already in flight", res.ID)
	}
	r.pending[res.ID] = struct{}{}
	r.mu.Unlock()

	now := r.now()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	if res.State == "" {
		res.State = model.StateRunning
	}
	res.LastHeartbeat = now

	err := r.mirrored(ctx, func(ctx context.Context) error {
		_, err := r.mirror.RegisterProcess(ctx, res.GridID, coordinator.RegisterProcessRequest{
			ProcessID: res.ID,
			Name:      res.Name,
			Kind:      res.Kind,
			Status:    res.State,
			Port:      port(res),
		})
		return err
	})

	r.mu.Lock()
	delete(r.pending, res.ID)
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("register not acknowledged", "id", res.ID, "grid", res.GridID, "error", err)
		return model.SharedResource{}, fmt.Errorf("register %s: %w", res.ID, err)
	}
	stored := res
	r.resources[res.ID] = &stored
	r.mu.Unlock()

	r.logger.Info("resource shared", "id", res.ID, "grid", res.GridID, "kind", res.Kind, "name", res.Name)
	r.emit(Event{Type: EventRegistered, Resource: res})
	return res, nil
}

// UpdateStatus moves a resource forward in its lifecycle and mirrors the new
// state. Backward transitions are rejected; repeating the current state is a
// no-op. A mirror failure is reported but the local state stands.
func (r *Registry) UpdateStatus(ctx context.Context, id string, state model.ResourceState) error {
	const op = "registry.update_status"
	r.mu.Lock()
	res, ok := r.resources[id]
	if !ok {
		r.mu.Unlock()
		return apperr.E(apperr.NotFound, op, "no shared resource %s", id)
	}
	from := res.State
	if from == state {
		r.mu.Unlock()
		return nil
	}
	if !from.CanAdvance(state) {
		r.mu.Unlock()
		return apperr.E(apperr.Invalid, op, "cannot move %s from %s to %s", id, from, state)
	}
	res.State = state
	res.LastHeartbeat = r.now()
	snap := *res
	if state.Terminal() {
		r.removeLater(id, res)
	}
	r.mu.Unlock()

	r.emit(Event{Type: EventStatus, Resource: snap, From: from})
	err := r.mirrored(ctx, func(ctx context.Context) error {
		return r.mirror.UpdateProcessStatus(ctx, snap.GridID, id, state)
	})
	if err != nil {
		r.logger.Warn("status mirror failed", "id", id, "status", state, "error", err)
		return fmt.Errorf("mirror status of %s: %w", id, err)
	}
	return nil
}

// Heartbeat refreshes a resource's liveness at the coordinator.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	r.mu.Lock()
	res, ok := r.resources[id]
	if !ok {
		r.mu.Unlock()
		return apperr.E(apperr.NotFound, "registry.heartbeat", "no shared resource %s", id)
	}
	res.LastHeartbeat = r.now()
	snap := *res
	r.mu.Unlock()

	if err := r.mirror.UpdateProcessStatus(ctx, snap.GridID, id, snap.State); err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	r.emit(Event{Type: EventHeartbeat, Resource: snap})
	return nil
}

// Unregister removes a resource. The coordinator has no delete for shared
// processes, so a resource that is still live is reported as stopped.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	res, ok := r.resources[id]
	if !ok {
		r.mu.Unlock()
		return apperr.E(apperr.NotFound, "registry.unregister", "no shared resource %s", id)
	}
	delete(r.resources, id)
	snap := *res
	r.mu.Unlock()

	r.emit(Event{Type: EventUnregistered, Resource: snap, From: snap.State})
	if snap.State.Terminal() {
		return nil
	}
	err := r.mirrored(ctx, func(ctx context.Context) error {
		return r.mirror.UpdateProcessStatus(ctx, snap.GridID, id, model.StateStopped)
	})
	if err != nil {
		return fmt.Errorf("unregister %s: %w", id, err)
	}
	return nil
}

// removeLater drops a finished entry once it has lingered. An entry that was
// unregistered and registered again in the meantime is left alone.
func (r *Registry) removeLater(id string, res *model.SharedResource) {
	if r.linger <= 0 {
		return
	}
	time.AfterFunc(r.linger, func() {
		r.mu.Lock()
		if r.resources[id] != res {
			r.mu.Unlock()
			return
		}
		delete(r.resources, id)
		snap := *res
		r.mu.Unlock()
		r.logger.Debug("finished resource removed", "id", id, "status", snap.State)
		r.emit(Event{Type: EventUnregistered, Resource: snap, From: snap.State})
	})
}

// Get returns a copy of one entry.
func (r *Registry) Get(id string) (model.SharedResource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.resources[id]
	if !ok {
		return model.SharedResource{}, apperr.E(apperr.NotFound, "registry.get", "no shared resource %s", id)
	}
	return *res, nil
}

// ListByGrid returns the grid's resources oldest first. An empty gridID
// lists everything.
func (r *Registry) ListByGrid(gridID string) []model.SharedResource {
	r.mu.Lock()
	out := make([]model.SharedResource, 0, len(r.resources))
	for _, res := range r.resources {
		if gridID == "" || res.GridID == gridID {
			out = append(out, *res)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// RunHeartbeats heartbeats every running resource each interval until ctx ends.
func (r *Registry) RunHeartbeats(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.heartbeatAll(ctx)
		}
	}
}

func (r *Registry) heartbeatAll(ctx context.Context) {
	var ids []string
	r.mu.Lock()
	for id, res := range r.resources {
		if res.State == model.StateRunning {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	for _, id := range ids {
		if err := r.Heartbeat(ctx, id); err != nil && apperr.KindOf(err) != apperr.NotFound {
			r.logger.Warn("heartbeat failed", "id", id, "error", err)
		}
	}
}

func validate(op string, res model.SharedResource) error {
	if res.ID == "" || res.GridID == "" {
		return apperr.E(apperr.Invalid, op, "id and grid id are required")
	}
	switch res.Kind {
	case model.ResourceSpawned, model.ResourcePTY, model.ResourceAdopted:
	default:
		return apperr.E(apperr.Invalid, op, "unknown resource kind %q", res.Kind)
	}
	if res.State != "" && res.State.Terminal() {
		return apperr.E(apperr.Invalid, op, "cannot register a resource in state %s", res.State)
	}
	return nil
}

func port(res model.SharedResource) int {
	if res.Adopted != nil {
		return res.Adopted.Port
	}
	return 0
}
