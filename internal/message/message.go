package message

import (
	"strings"
	"time"
)

// Platform identifies the chat network a message came from
type Platform string

const (
	Twitch  Platform = "twitch"
	Kick    Platform = "kick"
	YouTube Platform = "youtube"
	TikTok  Platform = "tiktok"
)

// Valid reports whether p is one of the known platforms
func (p Platform) Valid() bool {
	switch p {
	case Twitch, Kick, YouTube, TikTok:
		return true
	}
	return false
}

// Raw attribute keys shared between adapters and the later pipeline stages
const (
	RawLocal       = "local"               // "true" on optimistic local echoes
	RawRoomID      = "room-id"             // platform room / broadcaster id used for emote catalogs
	RawEmotes      = "emotes"              // Twitch native emote ranges
	RawReplyParent = "reply-parent-msg-id" // message this one replies to
	RawMsgType     = "msg-id"              // USERNOTICE kind (sub, raid, ...)
	RawUserID      = "user-id"             // platform-specific user id
)

// ChatMessage represents a chat message from any platform (Twitch, Kick, etc.)
type ChatMessage struct {
	ID          string            `json:"id"`                // Platform-assigned or synthesized ID
	Platform    Platform          `json:"platform"`          // Platform name: "twitch", "kick", etc.
	Channel     string            `json:"channel"`           // Channel name or slug
	Username    string            `json:"username"`          // Login name
	DisplayName string            `json:"display_name"`      // User's display name
	Message     string            `json:"message"`           // Chat message content
	Timestamp   time.Time         `json:"timestamp"`         // When the platform says the message was sent
	Badges      []string          `json:"badges,omitempty"`  // Role tokens, in platform order
	Color       string            `json:"color,omitempty"`   // Optional name color hint
	Raw         map[string]string `json:"raw,omitempty"`     // Platform-specific attributes
}

// IsLocal reports whether the message is an optimistic echo of something we sent
func (m ChatMessage) IsLocal() bool {
	return m.Raw[RawLocal] == "true"
}

// Key returns the platform/channel key the message belongs to
func (m ChatMessage) Key() string {
	return Key(m.Platform, m.Channel)
}

// HasBadge reports whether the sender carries the given badge
func (m ChatMessage) HasBadge(badge string) bool {
	for _, b := range m.Badges {
		if b == badge {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no maps or slices with m
func (m ChatMessage) Clone() ChatMessage {
	out := m
	if m.Badges != nil {
		out.Badges = append([]string(nil), m.Badges...)
	}
	if m.Raw != nil {
		out.Raw = make(map[string]string, len(m.Raw))
		for k, v := range m.Raw {
			out.Raw[k] = v
		}
	}
	return out
}

// Key builds the identifier used for one open channel
func Key(p Platform, channel string) string {
	return string(p) + ":" + strings.ToLower(channel)
}

// AddBadge appends badge unless it is empty or already present
func AddBadge(badges []string, badge string) []string {
	if badge == "" {
		return badges
	}
	for _, b := range badges {
		if b == badge {
			return badges
		}
	}
	return append(badges, badge)
}
