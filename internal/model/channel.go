package model

import "time"

// ChannelKind is the surface type of a channel.
type ChannelKind string

const (
	ChannelText  ChannelKind = "text"
	ChannelVoice ChannelKind = "voice"
	ChannelVideo ChannelKind = "video"
)

// Channel is a conversation surface inside a grid.
type Channel struct {
	ID           string      `json:"id"`
	GridID       string      `json:"grid_id"`
	Name         string      `json:"name"`
	Kind         ChannelKind `json:"channel_type"`
	Description  string      `json:"description,omitempty"`
	Participants []string    `json:"participants,omitempty"`
	CreatedAt    time.Time   `json:"created_at,omitempty"`
}

// Message is one entry of a text channel's append-only log.
type Message struct {
	ID        string     `json:"id"`
	ChannelID string     `json:"channel_id"`
	GridID    string     `json:"grid_id,omitempty"`
	AuthorID  string     `json:"author_id"`
	Content   string     `json:"content"`
	ReplyTo   string     `json:"reply_to,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}

// Reaction is an emoji reaction on a message.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"user_id"`
}
