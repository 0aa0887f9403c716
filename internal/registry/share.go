package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/probe"
	"github.com/gridlink/gridlink/internal/process"
	"github.com/gridlink/gridlink/internal/terminal"
)

// FromProcess describes a supervised child as a shared resource.
func FromProcess(info process.Info, ownerID string) model.SharedResource {
	return model.SharedResource{
		ID:        info.ID,
		GridID:    info.GridID,
		OwnerID:   ownerID,
		Kind:      model.ResourceSpawned,
		Name:      info.Name,
		State:     info.State,
		CreatedAt: info.StartedAt,
		Spawned: &model.SpawnedDetail{
			Executable: info.Config.Executable,
			Args:       info.Config.Args,
			Env:        info.Config.Env,
			Dir:        info.Config.Dir,
			PID:        info.PID,
		},
	}
}

// FromTerminal describes a PTY session as a shared resource.
func FromTerminal(info terminal.Info, ownerID string) model.SharedResource {
	detail := info.Detail
	return model.SharedResource{
		ID:        info.ID,
		GridID:    info.GridID,
		OwnerID:   ownerID,
		Kind:      model.ResourcePTY,
		Name:      info.Name,
		State:     info.State,
		CreatedAt: info.StartedAt,
		PTY:       &detail,
	}
}

// AdoptedID is the stable local id of a discovered process, so adopting the
// same listener twice is idempotent.
func AdoptedID(rec probe.Record) string {
	return fmt.Sprintf("adopted-%d-%d", rec.PID, rec.PrimaryPort)
}

// FromDiscovered describes a probed listener this node exposes but does not own.
func FromDiscovered(gridID, ownerID string, rec probe.Record) model.SharedResource {
	name := rec.Name
	if name == "" {
		if svc, ok := probe.WellKnownService(rec.PrimaryPort); ok {
			name = svc
		} else {
			name = fmt.Sprintf("port %d", rec.PrimaryPort)
		}
	}
	return model.SharedResource{
		ID:      AdoptedID(rec),
		GridID:  gridID,
		OwnerID: ownerID,
		Kind:    model.ResourceAdopted,
		Name:    name,
		State:   model.StateRunning,
		Adopted: &model.AdoptedDetail{
			PID:      rec.PID,
			Port:     rec.PrimaryPort,
			Protocol: strings.ToLower(string(rec.Protocol)),
			Name:     name,
		},
	}
}

// Adopt registers a discovered listener under gridID.
func (r *Registry) Adopt(ctx context.Context, gridID, ownerID string, rec probe.Record) (model.SharedResource, error) {
	if rec.PrimaryPort == 0 {
		return model.SharedResource{}, apperr.E(apperr.Invalid, "registry.adopt", "record has no port")
	}
	return r.Register(ctx, FromDiscovered(gridID, ownerID, rec))
}

// FollowProcesses mirrors supervisor lifecycle events for registered children
// until events closes or ctx ends. Children that were never shared are
// ignored.
func (r *Registry) FollowProcesses(ctx context.Context, events <-chan process.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var state model.ResourceState
			switch e := ev.(type) {
			case process.StateChanged:
				if e.To == model.StateStarting {
					continue
				}
				state = e.To
			case process.Exited:
				state = e.State
			default:
				continue
			}
			r.observe(ctx, ev.ProcessID(), state)
		}
	}
}

// TerminalExited records the end of a shared PTY session. It has the shape of
// a terminal.Manager exit hook.
func (r *Registry) TerminalExited(ctx context.Context) func(terminal.Info) {
	return func(info terminal.Info) {
		r.observe(ctx, info.ID, info.State)
	}
}

func (r *Registry) observe(ctx context.Context, id string, state model.ResourceState) {
	if _, err := r.Get(id); err != nil {
		return
	}
	if err := r.UpdateStatus(ctx, id, state); err != nil && apperr.KindOf(err) != apperr.Invalid {
		r.logger.Warn("lifecycle mirror failed", "id", id, "status", state, "error", err)
	}
}
