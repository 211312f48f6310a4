package kick

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/john/chatmux/internal/message"
)

// Gateway event names
const (
	EventChatMessage        = `App\Events\ChatMessageEvent`
	EventMessageDeleted     = `App\Events\MessageDeletedEvent`
	EventUserBanned         = `App\Events\UserBannedEvent`
	EventChatroomClear      = `App\Events\ChatroomClearEvent`
	EventPing               = "pusher:ping"
	EventPong               = "pusher:pong"
	EventConnected          = "pusher:connection_established"
	EventError              = "pusher:error"
	EventSubscribe          = "pusher:subscribe"
	EventSubscribeSucceeded = "pusher_internal:subscription_succeeded"
)

// Envelope is one Pusher frame. Data is usually a JSON document encoded as
// a string, but pusher:* events sometimes send it as an object.
type Envelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses a gateway frame
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	err := sonic.Unmarshal(frame, &env)
	return env, err
}

// Payload returns Data with one level of string encoding removed
func (e Envelope) Payload() []byte {
	data := []byte(e.Data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := sonic.Unmarshal(data, &s); err == nil {
			return []byte(s)
		}
	}
	return data
}

type chatEvent struct {
	ID         string `json:"id"`
	ChatroomID int    `json:"chatroom_id"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	CreatedAt  string `json:"created_at"`
	Sender     struct {
		ID       int     `json:"id"`
		Username string  `json:"username"`
		Slug     string  `json:"slug"`
		Badges   []badge `json:"badges"`
		Identity struct {
			Color  string  `json:"color"`
			Badges []badge `json:"badges"`
		} `json:"identity"`
	} `json:"sender"`
	Metadata struct {
		OriginalMessage struct {
			ID string `json:"id"`
		} `json:"original_message"`
	} `json:"metadata"`
}

// badge accepts both {"type":"moderator","text":"Moderator"} and the
// older bare "moderator" shape
type badge struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (b *badge) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return sonic.Unmarshal(data, &b.Type)
	}
	type plain badge
	var p plain
	if err := sonic.Unmarshal(data, &p); err != nil {
		return err
	}
	*b = badge(p)
	return nil
}

// Normalize converts a chat event envelope into a ChatMessage. Every other
// event name yields false.
func Normalize(env Envelope, channel string) (message.ChatMessage, bool) {
	return normalizeAt(env, channel, time.Now())
}

func normalizeAt(env Envelope, channel string, now time.Time) (message.ChatMessage, bool) {
	if env.Event != EventChatMessage {
		return message.ChatMessage{}, false
	}
	var ev chatEvent
	if err := sonic.Unmarshal(env.Payload(), &ev); err != nil {
		return message.ChatMessage{}, false
	}
	if ev.Content == "" || ev.Sender.Username == "" {
		return message.ChatMessage{}, false
	}

	raw := map[string]string{
		message.RawUserID: strconv.Itoa(ev.Sender.ID),
	}
	if ev.ChatroomID != 0 {
		raw[message.RawRoomID] = strconv.Itoa(ev.ChatroomID)
	}
	if ev.Type != "" {
		raw["type"] = ev.Type
	}
	if id := ev.Metadata.OriginalMessage.ID; id != "" {
		raw[message.RawReplyParent] = id
	}

	username := ev.Sender.Slug
	if username == "" {
		username = strings.ToLower(ev.Sender.Username)
	}
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}

	return message.ChatMessage{
		ID:          id,
		Platform:    message.Kick,
		Channel:     strings.ToLower(channel),
		Username:    username,
		DisplayName: ev.Sender.Username,
		Message:     ev.Content,
		Timestamp:   parseTime(ev.CreatedAt, now),
		Badges:      badgeNames(ev.Sender.Identity.Badges, ev.Sender.Badges),
		Color:       ev.Sender.Identity.Color,
		Raw:         raw,
	}, true
}

func badgeNames(sets ...[]badge) []string {
	var out []string
	for _, set := range sets {
		for _, b := range set {
			name := strings.ToLower(strings.TrimSpace(b.Type))
			if name == "" {
				name = strings.ToLower(strings.TrimSpace(b.Text))
			}
			if name != "" {
				out = message.AddBadge(out, name)
			}
		}
	}
	return out
}

func parseTime(s string, now time.Time) time.Time {
	if s == "" {
		return now.UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05-0700", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return now.UTC()
}

// deletedEvent covers MessageDeletedEvent
type deletedEvent struct {
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
}

// bannedEvent covers UserBannedEvent
type bannedEvent struct {
	User struct {
		Username string `json:"username"`
		Slug     string `json:"slug"`
	} `json:"user"`
	Permanent bool   `json:"permanent"`
	ExpiresAt string `json:"expires_at"`
}
