// Package peer runs one connection state machine per (grid, peer) and
// carries ordered bytes over a WebRTC data channel, falling back to the
// relay tunnel when the grid's policy allows it.
package peer

import "fmt"

// State is the lifecycle of a peer session.
type State int

const (
	Idle State = iota
	Inviting
	Connecting
	Connected
	Disconnected
	Failed
)

var stateNames = [...]string{"idle", "inviting", "connecting", "connected", "disconnected", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Disconnected || s == Failed }

// Input drives the state machine.
type Input int

const (
	InDial     Input = iota // local side invites the peer
	InInvited               // the peer invited us and we accept
	InAccepted              // the peer accepted our invite
	InOpen                  // the data channel opened
	InClose                 // local close
	InLeave                 // the peer left or the channel closed under us
	InFail                  // signaling error or ICE failure
	InTimeout               // negotiation deadline passed
)

var inputNames = [...]string{"dial", "invited", "accepted", "open", "close", "leave", "fail", "timeout"}

func (in Input) String() string {
	if int(in) < len(inputNames) {
		return inputNames[in]
	}
	return fmt.Sprintf("input(%d)", int(in))
}

// Effect is a side effect the manager performs after a transition.
type Effect int

const (
	SendInvite Effect = iota
	SendAccept
	SendLeave
	Negotiate // create the offer as initiator
	ArmTimer
	StopTimer
	Opened // start the writer on the new channel
	Teardown
)

var effectNames = [...]string{"send_invite", "send_accept", "send_leave", "negotiate", "arm_timer", "stop_timer", "opened", "teardown"}

func (e Effect) String() string {
	if int(e) < len(effectNames) {
		return effectNames[e]
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// Transition is the pure state function. Terminal states absorb every input.
func Transition(s State, in Input) (State, []Effect) {
	switch s {
	case Idle:
		switch in {
		case InDial:
			return Inviting, []Effect{ArmTimer, SendInvite}
		case InInvited:
			return Connecting, []Effect{ArmTimer, SendAccept}
		case InClose, InLeave:
			return Disconnected, nil
		case InFail, InTimeout:
			return Failed, nil
		}
	case Inviting:
		switch in {
		case InAccepted:
			return Connecting, []Effect{Negotiate}
		case InInvited:
			// Both sides dialed; the manager only feeds this to the side that
			// yields and becomes the answerer.
			return Connecting, []Effect{SendAccept}
		case InClose:
			return Disconnected, []Effect{StopTimer, SendLeave, Teardown}
		case InLeave:
			return Disconnected, []Effect{StopTimer, Teardown}
		case InFail, InTimeout:
			return Failed, []Effect{StopTimer, SendLeave, Teardown}
		}
	case Connecting:
		switch in {
		case InOpen:
			return Connected, []Effect{StopTimer, Opened}
		case InClose:
			return Disconnected, []Effect{StopTimer, SendLeave, Teardown}
		case InLeave:
			return Disconnected, []Effect{StopTimer, Teardown}
		case InFail, InTimeout:
			return Failed, []Effect{StopTimer, SendLeave, Teardown}
		}
	case Connected:
		switch in {
		case InClose:
			return Disconnected, []Effect{SendLeave, Teardown}
		case InLeave:
			return Disconnected, []Effect{Teardown}
		case InFail:
			return Failed, []Effect{SendLeave, Teardown}
		}
	}
	return s, nil
}
