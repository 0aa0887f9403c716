package model

import (
	"testing"
	"time"
)

func TestResourceStateForwardOnly(t *testing.T) {
	tests := []struct {
		from, to ResourceState
		want     bool
	}{
		{StateStarting, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateRunning, StateExited, true},
		{StateStarting, StateFailed, true},
		{StateRunning, StateStarting, false},
		{StateStopping, StateRunning, false},
		{StateStopped, StateRunning, false},
		{StateExited, StateFailed, false},
		{StateFailed, StateStopped, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanAdvance(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRelayPolicyDefault(t *testing.T) {
	if RelayPolicy("").OrDefault() != PolicyP2PFirst {
		t.Error("empty policy should default to p2p-first")
	}
	if PolicyRelayOnly.OrDefault() != PolicyRelayOnly {
		t.Error("valid policy should be kept")
	}
}

func TestAccessCodeLimits(t *testing.T) {
	c := AccessCode{UsageLimit: 1}
	if c.Exhausted() {
		t.Fatal("fresh code exhausted")
	}
	c.UseCount = 1
	if !c.Exhausted() {
		t.Fatal("code at limit should be exhausted")
	}
	unlimited := AccessCode{UseCount: 100}
	if unlimited.Exhausted() {
		t.Fatal("zero limit means unlimited")
	}

	now := time.Now()
	past := now.Add(-time.Minute)
	c.ExpiresAt = &past
	if !c.Expired(now) {
		t.Fatal("expected expired")
	}
}

func TestPermissionsOwnerAlwaysAllowed(t *testing.T) {
	if !Allows(nil, RoleOwner) {
		t.Error("owner must always be allowed")
	}
	if Allows([]Role{RoleAdmin}, RoleMember) {
		t.Error("member not in list must be denied")
	}
	if !Allows([]Role{RoleAdmin, RoleMember}, RoleMember) {
		t.Error("member in list must be allowed")
	}
}

func TestRemainingBytes(t *testing.T) {
	s := RelaySubscription{AllocationGB: 1, UsedBytes: 1 << 29}
	if got := s.RemainingBytes(); got != 1<<29 {
		t.Errorf("remaining = %d", got)
	}
	s.UsedBytes = 2 << 30
	if s.RemainingBytes() != 0 {
		t.Error("remaining must not go negative")
	}
}
