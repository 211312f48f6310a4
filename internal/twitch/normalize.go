package twitch

import (
	"strconv"
	"strings"
	"time"

	"github.com/john/chatmux/internal/message"
)

// Normalize converts a parsed PRIVMSG or USERNOTICE into a ChatMessage.
// Every other command yields false.
func Normalize(l *Line) (message.ChatMessage, bool) {
	return normalizeAt(l, time.Now())
}

func normalizeAt(l *Line, now time.Time) (message.ChatMessage, bool) {
	if l == nil {
		return message.ChatMessage{}, false
	}

	text := l.Text()
	switch l.Command {
	case "PRIVMSG":
		if strings.HasPrefix(text, "\x01ACTION ") && strings.HasSuffix(text, "\x01") {
			text = strings.TrimSuffix(strings.TrimPrefix(text, "\x01ACTION "), "\x01")
		}
	case "USERNOTICE":
		if text == "" {
			text = l.Tags["system-msg"]
		}
	default:
		return message.ChatMessage{}, false
	}

	channel := l.Channel()
	if channel == "" {
		return message.ChatMessage{}, false
	}

	username := l.Tags["login"]
	if username == "" {
		username = l.Nick()
	}
	displayName := l.Tags["display-name"]
	if displayName == "" {
		displayName = username
	}

	id := l.Tags["id"]
	if id == "" {
		id = syntheticID(channel, username, now)
	}

	raw := make(map[string]string, len(l.Tags)+1)
	for k, v := range l.Tags {
		raw[k] = v
	}
	if l.Command == "USERNOTICE" {
		raw["command"] = "USERNOTICE"
	}

	return message.ChatMessage{
		ID:          id,
		Platform:    message.Twitch,
		Channel:     channel,
		Username:    username,
		DisplayName: displayName,
		Message:     text,
		Timestamp:   sentAt(l.Tags["tmi-sent-ts"], now),
		Badges:      parseBadges(l.Tags["badges"]),
		Color:       l.Tags["color"],
		Raw:         raw,
	}, true
}

// parseBadges turns "moderator/1,subscriber/12" into ["moderator", "subscriber"].
func parseBadges(tag string) []string {
	if tag == "" {
		return nil
	}
	var badges []string
	for _, part := range strings.Split(tag, ",") {
		name, _, _ := strings.Cut(part, "/")
		badges = message.AddBadge(badges, strings.TrimSpace(name))
	}
	return badges
}

func sentAt(tag string, fallback time.Time) time.Time {
	ms, err := strconv.ParseInt(tag, 10, 64)
	if err != nil || ms <= 0 {
		return fallback.UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func syntheticID(channel, user string, at time.Time) string {
	return "twitch-" + channel + "-" + user + "-" + strconv.FormatInt(at.UnixNano(), 36)
}
