package relay

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/john/chatmux/internal/message"
)

// sceneBadges maps numeric badge scenes to badge names
var sceneBadges = map[int]string{
	1: "moderator",
	4: "top_gifter",
	6: "gifter",
	7: "subscriber",
	8: "fan",
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// 1e11 seconds is year 5138; 1e11 milliseconds is 1973.
const epochMillisThreshold = 100_000_000_000

// Normalize maps a connector payload onto a ChatMessage
func Normalize(p Payload, platform message.Platform, channel string) (message.ChatMessage, bool) {
	return normalizeAt(p, platform, channel, time.Now())
}

func normalizeAt(p Payload, platform message.Platform, channel string, now time.Time) (message.ChatMessage, bool) {
	text := strings.TrimSpace(p.Comment)
	login := strings.TrimPrefix(strings.TrimSpace(p.UniqueID), "@")
	if text == "" || login == "" {
		return message.ChatMessage{}, false
	}

	raw := make(map[string]string, len(p.Extra)+1)
	for k, v := range p.Extra {
		raw[k] = v
	}
	if p.UserID != "" {
		raw[message.RawUserID] = p.UserID
	}

	display := strings.TrimSpace(p.Nickname)
	if display == "" {
		display = login
	}
	id := p.MsgID
	if id == "" {
		id = uuid.NewString()
	}

	return message.ChatMessage{
		ID:          id,
		Platform:    platform,
		Channel:     strings.ToLower(strings.TrimPrefix(channel, "@")),
		Username:    strings.ToLower(login),
		DisplayName: display,
		Message:     text,
		Timestamp:   FromEpoch(p.Timestamp, now),
		Badges:      badgeNames(p.Badges),
		Color:       p.Color,
		Raw:         raw,
	}, true
}

func badgeNames(descs []BadgeDescriptor) []string {
	names := lo.FilterMap(descs, func(d BadgeDescriptor, _ int) (string, bool) {
		if t := strings.ToLower(strings.TrimSpace(d.Type)); t != "" {
			return t, true
		}
		name, ok := sceneBadges[d.Scene]
		return name, ok
	})
	var out []string
	for _, n := range names {
		out = message.AddBadge(out, n)
	}
	return out
}

// FromEpoch converts an epoch timestamp in seconds or milliseconds. Zero
// and negative values map to now.
func FromEpoch(v int64, now time.Time) time.Time {
	switch {
	case v <= 0:
		return now.UTC()
	case v >= epochMillisThreshold:
		return time.UnixMilli(v).UTC()
	default:
		return time.Unix(v, 0).UTC()
	}
}
