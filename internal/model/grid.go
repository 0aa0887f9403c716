// Package model holds the data types shared between the coordinator client,
// the event bus and the local supervisors.
package model

import "time"

// Role is a member's role within a grid.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// RelayPolicy is the per-grid transport ladder.
type RelayPolicy string

const (
	PolicyP2POnly   RelayPolicy = "p2p-only"
	PolicyP2PFirst  RelayPolicy = "p2p-first"
	PolicyRelayOnly RelayPolicy = "relay-only"
)

// Valid reports whether p is one of the three known policies.
func (p RelayPolicy) Valid() bool {
	switch p {
	case PolicyP2POnly, PolicyP2PFirst, PolicyRelayOnly:
		return true
	}
	return false
}

// OrDefault returns p, or p2p-first when p is empty or unknown.
func (p RelayPolicy) OrDefault() RelayPolicy {
	if p.Valid() {
		return p
	}
	return PolicyP2PFirst
}

// Permissions is the grid's permission matrix. Each field lists the roles
// allowed to perform the action.
type Permissions struct {
	Invite         []Role `json:"invite,omitempty"`
	Kick           []Role `json:"kick,omitempty"`
	CreateProcess  []Role `json:"create_process,omitempty"`
	ViewProcess    []Role `json:"view_process,omitempty"`
	ConnectProcess []Role `json:"connect_process,omitempty"`
	ReadLogs       []Role `json:"read_logs,omitempty"`
	SendCommands   []Role `json:"send_commands,omitempty"`
	ModifySettings []Role `json:"modify_settings,omitempty"`
	Audit          []Role `json:"audit,omitempty"`
}

// Allows reports whether role appears in the given action list. Owners are
// always allowed.
func Allows(roles []Role, role Role) bool {
	if role == RoleOwner {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Member is one user in a grid.
type Member struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        Role      `json:"role"`
	JoinedAt    time.Time `json:"joined_at,omitempty"`
	Online      bool      `json:"online,omitempty"`
}

// Grid is a persistent collaborative group.
type Grid struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	OwnerID     string      `json:"owner_id"`
	Members     []Member    `json:"members,omitempty"`
	Permissions Permissions `json:"permissions"`
	SessionHost string      `json:"session_host,omitempty"`
	RelayPolicy RelayPolicy `json:"relay_policy,omitempty"`
	CreatedAt   time.Time   `json:"created_at,omitempty"`
}

// Member returns the member entry for userID.
func (g *Grid) Member(userID string) (Member, bool) {
	for _, m := range g.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// GridSettings is the body of PUT /grids/{id}/settings.
type GridSettings struct {
	Name        string       `json:"name,omitempty"`
	Description string       `json:"description,omitempty"`
	Permissions *Permissions `json:"permissions,omitempty"`
	RelayPolicy RelayPolicy  `json:"relay_policy,omitempty"`
}

// Invitation is a pending grid invite.
type Invitation struct {
	ID        string    `json:"id"`
	GridID    string    `json:"grid_id"`
	GridName  string    `json:"grid_name,omitempty"`
	InviterID string    `json:"inviter_id"`
	InviteeID string    `json:"invitee_id,omitempty"`
	Code      string    `json:"code,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// AuditEntry is one row of a grid's audit log.
type AuditEntry struct {
	ID        string         `json:"id"`
	GridID    string         `json:"grid_id"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Target    string         `json:"target,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// User is the coordinator's view of an account.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	IsAnonymous bool      `json:"is_anonymous"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
}
