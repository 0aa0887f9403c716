package ws

import (
	"encoding/json"
	"fmt"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/peer"
)

// Frame types on the event bus.
const (
	// Coordinator → client (control)
	TypeSessionReady = "session.ready"
	TypeError        = "error"

	// Client → coordinator
	TypeSubscribe = "subscribe"

	// Presence
	TypeMemberJoined = "grid.member_joined"
	TypeMemberLeft   = "grid.member_left"
	TypeUserOnline   = "user.online"
	TypeUserOffline  = "user.offline"

	// Signaling (both directions)
	TypePeerInvite = "peer.invite"
	TypePeerAccept = "peer.accept"
	TypePeerSignal = "peer.signal"
	TypePeerLeave  = "peer.leave"

	// Messaging
	TypeMessageCreated  = "message.created"
	TypeMessageEdited   = "message.edited"
	TypeMessageDeleted  = "message.deleted"
	TypeReactionAdded   = "reaction.added"
	TypeReactionRemoved = "reaction.removed"
	TypeTyping          = "typing"

	// Resources
	TypeCodeGenerated = "code.generated"
	TypeCodeUsed      = "code.used"
	TypeCodeRevoked   = "code.revoked"
	TypeProcessStatus = "process.status"

	// Session host
	TypeHostChanged = "grid.host_changed"
)

// Frame is the wire envelope. Seq is assigned by the coordinator and is
// monotonic per bus session; outbound frames leave it zero.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// Event is a decoded inbound frame. The set of implementations is closed.
type Event interface {
	Kind() string
	// Grid is the grid the event is scoped to, or "" for user-level events.
	Grid() string
	sealed()
}

// Scope carries the grid id of grid-scoped payloads.
type Scope struct {
	GridID string `json:"grid_id,omitempty"`
}

func (s Scope) Grid() string { return s.GridID }
func (Scope) sealed()        {}

// SessionReady opens (or resumes) a bus session.
type SessionReady struct {
	Scope
	SessionID    string `json:"session_id"`
	ResumeHandle string `json:"resume_handle"`
	Resumed      bool   `json:"resumed"`
}

// ErrorNotice is a coordinator-side error reported over the bus.
type ErrorNotice struct {
	Scope
	Code    string `json:"code"`
	Message string `json:"message"`
}

type MemberJoined struct {
	Scope
	UserID   string     `json:"user_id"`
	Username string     `json:"username,omitempty"`
	Role     model.Role `json:"role,omitempty"`
}

type MemberLeft struct {
	Scope
	UserID string `json:"user_id"`
}

type UserOnline struct {
	Scope
	UserID string `json:"user_id"`
}

type UserOffline struct {
	Scope
	UserID string `json:"user_id"`
}

// PeerSignal is one of the four signaling frames; Signal.Type tells which.
type PeerSignal struct {
	peer.Signal
}

func (p PeerSignal) Grid() string { return p.GridID }
func (PeerSignal) sealed()        {}

type MessageCreated struct {
	Scope
	Message model.Message `json:"message"`
}

type MessageEdited struct {
	Scope
	Message model.Message `json:"message"`
}

type MessageDeleted struct {
	Scope
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

type ReactionAdded struct {
	Scope
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
}

type ReactionRemoved struct {
	Scope
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
}

type Typing struct {
	Scope
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

type CodeGenerated struct {
	Scope
	Code model.AccessCode `json:"code"`
}

type CodeUsed struct {
	Scope
	CodeID string `json:"code_id"`
	UserID string `json:"user_id"`
}

type CodeRevoked struct {
	Scope
	CodeID string `json:"code_id"`
}

type ProcessStatus struct {
	Scope
	ProcessID string              `json:"process_id"`
	Status    model.ResourceState `json:"status"`
}

// HostChanged announces the grid's authoritative session host.
type HostChanged struct {
	Scope
	ProcessID string `json:"process_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

func (SessionReady) Kind() string    { return TypeSessionReady }
func (ErrorNotice) Kind() string     { return TypeError }
func (MemberJoined) Kind() string    { return TypeMemberJoined }
func (MemberLeft) Kind() string      { return TypeMemberLeft }
func (UserOnline) Kind() string      { return TypeUserOnline }
func (UserOffline) Kind() string     { return TypeUserOffline }
func (p PeerSignal) Kind() string    { return signalFrameType(p.Type) }
func (MessageCreated) Kind() string  { return TypeMessageCreated }
func (MessageEdited) Kind() string   { return TypeMessageEdited }
func (MessageDeleted) Kind() string  { return TypeMessageDeleted }
func (ReactionAdded) Kind() string   { return TypeReactionAdded }
func (ReactionRemoved) Kind() string { return TypeReactionRemoved }
func (Typing) Kind() string          { return TypeTyping }
func (CodeGenerated) Kind() string   { return TypeCodeGenerated }
func (CodeUsed) Kind() string        { return TypeCodeUsed }
func (CodeRevoked) Kind() string     { return TypeCodeRevoked }
func (ProcessStatus) Kind() string   { return TypeProcessStatus }
func (HostChanged) Kind() string     { return TypeHostChanged }

// SubscribePayload is sent after every connect with the client's grid set.
type SubscribePayload struct {
	GridIDs []string `json:"grid_ids"`
}

func as[T Event](raw json.RawMessage) (Event, error) {
	var v T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func signalAs(t peer.SignalType) func(json.RawMessage) (Event, error) {
	return func(raw json.RawMessage) (Event, error) {
		var p PeerSignal
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
		}
		p.Type = t
		return p, nil
	}
}

var decoders = map[string]func(json.RawMessage) (Event, error){
	TypeSessionReady:    as[SessionReady],
	TypeError:           as[ErrorNotice],
	TypeMemberJoined:    as[MemberJoined],
	TypeMemberLeft:      as[MemberLeft],
	TypeUserOnline:      as[UserOnline],
	TypeUserOffline:     as[UserOffline],
	TypePeerInvite:      signalAs(peer.SignalInvite),
	TypePeerAccept:      signalAs(peer.SignalAccept),
	TypePeerSignal:      signalAs(peer.SignalSDP),
	TypePeerLeave:       signalAs(peer.SignalLeave),
	TypeMessageCreated:  as[MessageCreated],
	TypeMessageEdited:   as[MessageEdited],
	TypeMessageDeleted:  as[MessageDeleted],
	TypeReactionAdded:   as[ReactionAdded],
	TypeReactionRemoved: as[ReactionRemoved],
	TypeTyping:          as[Typing],
	TypeCodeGenerated:   as[CodeGenerated],
	TypeCodeUsed:        as[CodeUsed],
	TypeCodeRevoked:     as[CodeRevoked],
	TypeProcessStatus:   as[ProcessStatus],
	TypeHostChanged:     as[HostChanged],
}

// Decode turns a frame into its typed event. Unknown types are Invalid.
func Decode(f Frame) (Event, error) {
	dec, ok := decoders[f.Type]
	if !ok {
		return nil, apperr.E(apperr.Invalid, "ws.decode", "unknown frame type %q", f.Type)
	}
	ev, err := dec(f.Payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.Invalid, "ws.decode", fmt.Errorf("%s: %w", f.Type, err))
	}
	return ev, nil
}

// Encode builds an outbound frame.
func Encode(typ string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Frame{Type: typ, Payload: raw}, nil
}

func signalFrameType(t peer.SignalType) string {
	return "peer." + string(t)
}
