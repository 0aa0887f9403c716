package model

import "time"

// CodeResourceType is the resource an access code grants.
type CodeResourceType string

const (
	CodeGrid     CodeResourceType = "grid"
	CodeProcess  CodeResourceType = "process"
	CodeTerminal CodeResourceType = "terminal"
	CodeChannel  CodeResourceType = "channel"
)

// CodePermissions is the capability subset embedded in an access code.
type CodePermissions struct {
	View       bool `json:"view"`
	Connect    bool `json:"connect"`
	SendInput  bool `json:"send_input"`
	ReadLogs   bool `json:"read_logs"`
	Administer bool `json:"administer"`
}

// AccessCode is a short human-shareable handle to one resource.
type AccessCode struct {
	ID           string           `json:"id"`
	Code         string           `json:"code"`
	GridID       string           `json:"grid_id"`
	ResourceType CodeResourceType `json:"resource_type"`
	ResourceID   string           `json:"resource_id"`
	CreatedBy    string           `json:"created_by,omitempty"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
	UseCount     int              `json:"usage_count"`
	UsageLimit   int              `json:"usage_limit,omitempty"`
	Permissions  CodePermissions  `json:"permissions"`
	Revoked      bool             `json:"revoked,omitempty"`
	CreatedAt    time.Time        `json:"created_at,omitempty"`
}

// Exhausted reports whether the code has reached its usage limit. A zero limit
// means unlimited.
func (c *AccessCode) Exhausted() bool {
	return c.UsageLimit > 0 && c.UseCount >= c.UsageLimit
}

// Expired reports whether the code is past its expiry at now.
func (c *AccessCode) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// CodeUsage is one row of a code's usage history.
type CodeUsage struct {
	CodeID string    `json:"code_id"`
	UserID string    `json:"user_id"`
	UsedAt time.Time `json:"used_at"`
}
