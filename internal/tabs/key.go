// Package tabs is the window and tab model of the desktop client. Every tab
// has a content key; at most one tab exists per key across all windows.
package tabs

import "fmt"

// KeyKind is the identity class of a content key. Voice and media channel
// tabs share KeyMedia, so opening one focuses the other.
type KeyKind string

const (
	KeyTerminal KeyKind = "terminal"
	KeyText     KeyKind = "text"
	KeyMedia    KeyKind = "media"
	KeyProcess  KeyKind = "process"
	KeyDirect   KeyKind = "direct"
	KeyGrid     KeyKind = "grid"
	KeyWelcome  KeyKind = "welcome"
)

// Key is the comparable identity of a tab's content.
type Key struct {
	Kind   KeyKind `json:"kind"`
	GridID string  `json:"grid_id,omitempty"`
	ID     string  `json:"id,omitempty"`
}

func TerminalKey(sessionID string) Key { return Key{Kind: KeyTerminal, ID: sessionID} }

func TextChannelKey(gridID, channelID string) Key {
	return Key{Kind: KeyText, GridID: gridID, ID: channelID}
}

func MediaChannelKey(gridID, channelID string) Key {
	return Key{Kind: KeyMedia, GridID: gridID, ID: channelID}
}

// VoiceChannelKey equals MediaChannelKey for the same channel.
func VoiceChannelKey(gridID, channelID string) Key { return MediaChannelKey(gridID, channelID) }

func ProcessKey(gridID, processID string) Key {
	return Key{Kind: KeyProcess, GridID: gridID, ID: processID}
}

func DirectKey(conversationID string) Key { return Key{Kind: KeyDirect, ID: conversationID} }

func GridKey(gridID string) Key { return Key{Kind: KeyGrid, GridID: gridID} }

func WelcomeKey() Key { return Key{Kind: KeyWelcome} }

// Valid reports whether k carries the ids its kind needs.
func (k Key) Valid() bool {
	switch k.Kind {
	case KeyTerminal, KeyDirect:
		return k.ID != "" && k.GridID == ""
	case KeyText, KeyMedia, KeyProcess:
		return k.GridID != "" && k.ID != ""
	case KeyGrid:
		return k.GridID != "" && k.ID == ""
	case KeyWelcome:
		return k.GridID == "" && k.ID == ""
	}
	return false
}

func (k Key) MentionsGrid(gridID string) bool { return gridID != "" && k.GridID == gridID }

func (k Key) MentionsProcess(processID string) bool {
	return k.Kind == KeyProcess && k.ID == processID
}

func (k Key) MentionsChannel(channelID string) bool {
	return (k.Kind == KeyText || k.Kind == KeyMedia) && k.ID == channelID
}

func (k Key) String() string {
	switch {
	case k.GridID != "" && k.ID != "":
		return fmt.Sprintf("%s:%s/%s", k.Kind, k.GridID, k.ID)
	case k.GridID != "":
		return fmt.Sprintf("%s:%s", k.Kind, k.GridID)
	case k.ID != "":
		return fmt.Sprintf("%s:%s", k.Kind, k.ID)
	}
	return string(k.Kind)
}
