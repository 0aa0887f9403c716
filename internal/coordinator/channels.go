package coordinator

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/model"
)

// CreateChannelRequest is the body of POST /grids/{id}/channels.
type CreateChannelRequest struct {
	Name        string            `json:"name"`
	Kind        model.ChannelKind `json:"channel_type"`
	Description string            `json:"description,omitempty"`
}

// MessageQuery pages a channel's message log.
type MessageQuery struct {
	Before string // message id
	Limit  int
}

func (c *Client) CreateChannel(ctx context.Context, gridID string, req CreateChannelRequest) (*model.Channel, error) {
	if err := required("coordinator.create_channel", "name", req.Name); err != nil {
		return nil, err
	}
	switch req.Kind {
	case model.ChannelText, model.ChannelVoice, model.ChannelVideo:
	default:
		return nil, apperr.E(apperr.Invalid, "coordinator.create_channel", "unknown channel type %q", req.Kind)
	}
	var ch model.Channel
	if err := c.do(ctx, call{method: http.MethodPost, path: path("/grids/%s/channels", gridID), in: req, out: &ch}); err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreateTextChannel uses the typed shortcut endpoint.
func (c *Client) CreateTextChannel(ctx context.Context, gridID, name string) (*model.Channel, error) {
	return c.createTyped(ctx, gridID, "text", name)
}

// CreateVoiceChannel uses the typed shortcut endpoint.
func (c *Client) CreateVoiceChannel(ctx context.Context, gridID, name string) (*model.Channel, error) {
	return c.createTyped(ctx, gridID, "voice", name)
}

func (c *Client) createTyped(ctx context.Context, gridID, kind, name string) (*model.Channel, error) {
	if err := required("coordinator.create_channel", "name", name); err != nil {
		return nil, err
	}
	var ch model.Channel
	err := c.do(ctx, call{method: http.MethodPost, path: path("/grids/%s/channels/%s", gridID, kind), in: map[string]string{"name": name}, out: &ch})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) ListChannels(ctx context.Context, gridID string) ([]model.Channel, error) {
	var chs []model.Channel
	if err := c.do(ctx, call{method: http.MethodGet, path: path("/grids/%s/channels", gridID), out: &chs}); err != nil {
		return nil, err
	}
	return chs, nil
}

func (c *Client) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	var ch model.Channel
	if err := c.do(ctx, call{method: http.MethodGet, path: path("/channels/%s", channelID), out: &ch}); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) JoinChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, call{method: http.MethodPost, path: path("/channels/%s/join", channelID), idempotent: true})
}

func (c *Client) LeaveChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, call{method: http.MethodPost, path: path("/channels/%s/leave", channelID), idempotent: true})
}

func (c *Client) SendMessage(ctx context.Context, channelID, content, replyTo string) (*model.Message, error) {
	if err := required("coordinator.send_message", "content", content); err != nil {
		return nil, err
	}
	in := map[string]string{"content": content}
	if replyTo != "" {
		in["reply_to"] = replyTo
	}
	var m model.Message
	if err := c.do(ctx, call{method: http.MethodPost, path: path("/channels/%s/messages", channelID), in: in, out: &m}); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) ListMessages(ctx context.Context, channelID string, q MessageQuery) ([]model.Message, error) {
	query := url.Values{}
	if q.Before != "" {
		query.Set("before", q.Before)
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	var msgs []model.Message
	if err := c.do(ctx, call{method: http.MethodGet, path: path("/channels/%s/messages", channelID), query: query, out: &msgs}); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) EditMessage(ctx context.Context, messageID, content string) (*model.Message, error) {
	if err := required("coordinator.edit_message", "content", content); err != nil {
		return nil, err
	}
	var m model.Message
	err := c.do(ctx, call{method: http.MethodPut, path: path("/messages/%s", messageID), in: map[string]string{"content": content}, out: &m})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, call{method: http.MethodDelete, path: path("/messages/%s", messageID)})
}

func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	if err := required("coordinator.add_reaction", "emoji", emoji); err != nil {
		return err
	}
	return c.do(ctx, call{method: http.MethodPost, path: path("/messages/%s/reactions", messageID), in: map[string]string{"emoji": emoji}})
}

func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	if err := required("coordinator.remove_reaction", "emoji", emoji); err != nil {
		return err
	}
	return c.do(ctx, call{method: http.MethodDelete, path: path("/messages/%s/reactions", messageID), query: url.Values{"emoji": {emoji}}})
}

// Typing notifies the channel that the user is typing. Calls closer than
// TypingInterval for the same channel are dropped locally; sent reports
// whether a request went out.
func (c *Client) Typing(ctx context.Context, channelID string) (sent bool, err error) {
	if !c.typingLimiter(channelID).Allow() {
		return false, nil
	}
	if err := c.do(ctx, call{method: http.MethodPost, path: path("/channels/%s/typing", channelID)}); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) typingLimiter(channelID string) *rate.Limiter {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	l, ok := c.typing[channelID]
	if !ok {
		l = rate.NewLimiter(rate.Every(TypingInterval), 1)
		c.typing[channelID] = l
	}
	return l
}

// typingAllowAt consults the limiter at an explicit time.
func (c *Client) typingAllowAt(channelID string, at time.Time) bool {
	return c.typingLimiter(channelID).AllowN(at, 1)
}
