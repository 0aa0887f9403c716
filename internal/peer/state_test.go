package peer

import (
	"slices"
	"testing"
)

func TestTransitionHappyPath(t *testing.T) {
	s := Idle
	steps := []struct {
		in   Input
		want State
	}{
		{InDial, Inviting},
		{InAccepted, Connecting},
		{InOpen, Connected},
		{InClose, Disconnected},
	}
	for _, st := range steps {
		s, _ = Transition(s, st.in)
		if s != st.want {
			t.Fatalf("after %s: state %s, want %s", st.in, s, st.want)
		}
	}
}

func TestConnectedCloseIsDisconnected(t *testing.T) {
	for _, in := range []Input{InClose, InLeave} {
		got, effects := Transition(Connected, in)
		if got != Disconnected {
			t.Errorf("%s from connected: %s", in, got)
		}
		if !slices.Contains(effects, Teardown) {
			t.Errorf("%s from connected must tear down", in)
		}
	}
	if got, _ := Transition(Connected, InTimeout); got != Connected {
		t.Errorf("timer is stopped once connected; got %s", got)
	}
}

func TestConnectingTimeoutFails(t *testing.T) {
	got, effects := Transition(Connecting, InTimeout)
	if got != Failed {
		t.Fatalf("timeout from connecting: %s", got)
	}
	if !slices.Contains(effects, SendLeave) || !slices.Contains(effects, Teardown) {
		t.Errorf("effects = %v", effects)
	}
	if got, _ := Transition(Inviting, InTimeout); got != Failed {
		t.Errorf("timeout from inviting: %s", got)
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	for _, s := range []State{Disconnected, Failed} {
		for in := InDial; in <= InTimeout; in++ {
			got, effects := Transition(s, in)
			if got != s || len(effects) != 0 {
				t.Errorf("%s + %s = %s %v", s, in, got, effects)
			}
		}
	}
}

func TestResponderPath(t *testing.T) {
	s, effects := Transition(Idle, InInvited)
	if s != Connecting || !slices.Equal(effects, []Effect{ArmTimer, SendAccept}) {
		t.Fatalf("invited: %s %v", s, effects)
	}
	s, effects = Transition(s, InOpen)
	if s != Connected || !slices.Contains(effects, Opened) {
		t.Fatalf("open: %s %v", s, effects)
	}
}

func TestOnlyChannelOpenConnects(t *testing.T) {
	for s := Idle; s <= Failed; s++ {
		for in := InDial; in <= InTimeout; in++ {
			got, _ := Transition(s, in)
			if got == Connected && s != Connected && in != InOpen {
				t.Errorf("%s + %s reached connected", s, in)
			}
		}
	}
}
