package model

import "time"

// ResourceKind distinguishes the three shared-resource variants.
type ResourceKind string

const (
	ResourceSpawned ResourceKind = "process"
	ResourcePTY     ResourceKind = "terminal"
	ResourceAdopted ResourceKind = "discovered"
)

// ResourceState is the lifecycle state of a shared resource.
type ResourceState string

const (
	StateStarting ResourceState = "starting"
	StateRunning  ResourceState = "running"
	StateStopping ResourceState = "stopping"
	StateStopped  ResourceState = "stopped"
	StateExited   ResourceState = "exited"
	StateFailed   ResourceState = "failed"
)

var stateRank = map[ResourceState]int{
	StateStarting: 0,
	StateRunning:  1,
	StateStopping: 2,
	StateStopped:  3,
	StateExited:   3,
	StateFailed:   3,
}

// Terminal reports whether s is one of the end states.
func (s ResourceState) Terminal() bool {
	return s == StateStopped || s == StateExited || s == StateFailed
}

// CanAdvance reports whether a resource in state s may move to next. Lifecycle
// transitions only move forward, and a terminal state is final.
func (s ResourceState) CanAdvance(next ResourceState) bool {
	if s.Terminal() {
		return false
	}
	from, ok1 := stateRank[s]
	to, ok2 := stateRank[next]
	if !ok1 || !ok2 {
		return false
	}
	if next == StateFailed || next == StateExited {
		return true
	}
	return to > from
}

// SpawnedDetail describes a child process started by the supervisor.
type SpawnedDetail struct {
	Executable string            `json:"executable"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Dir        string            `json:"cwd,omitempty"`
	PID        int               `json:"pid,omitempty"`
}

// PTYDetail describes a pseudoterminal session.
type PTYDetail struct {
	Shell   string   `json:"shell"`
	Dir     string   `json:"cwd,omitempty"`
	Rows    int      `json:"rows"`
	Cols    int      `json:"cols"`
	Viewers []string `json:"viewers,omitempty"`
}

// AdoptedDetail describes a discovered process that this node exposes but does
// not own.
type AdoptedDetail struct {
	PID      int    `json:"pid,omitempty"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Name     string `json:"name"`
}

// SharedResource is the local catalog entry exposed to a grid.
type SharedResource struct {
	ID            string         `json:"id"`
	GridID        string         `json:"grid_id"`
	OwnerID       string         `json:"owner_id"`
	Kind          ResourceKind   `json:"resource_type"`
	Name          string         `json:"name"`
	State         ResourceState  `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Spawned       *SpawnedDetail `json:"spawned,omitempty"`
	PTY           *PTYDetail     `json:"pty,omitempty"`
	Adopted       *AdoptedDetail `json:"adopted,omitempty"`
}

// SharedProcess is the coordinator's record of a registered resource.
type SharedProcess struct {
	ID            string        `json:"id"`
	GridID        string        `json:"grid_id"`
	OwnerID       string        `json:"owner_id"`
	ProcessID     string        `json:"process_id"`
	Name          string        `json:"name"`
	Kind          ResourceKind  `json:"resource_type"`
	Status        ResourceState `json:"status"`
	Port          int           `json:"port,omitempty"`
	LastHeartbeat time.Time     `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time     `json:"created_at,omitempty"`
}
