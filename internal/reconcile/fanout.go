package reconcile

import (
	"strings"
	"time"

	"github.com/john/chatmux/internal/message"
)

const DefaultFanoutWindow = 800 * time.Millisecond

// Line is one displayed row of a merged view. Channels lists every channel
// the line's message was sent to, starting with the message's own.
type Line struct {
	Message  message.ChatMessage
	Channels []string

	last time.Time
}

// CollapseFanout groups consecutive local messages that carry the same
// platform, user, display name and text but target different channels, as
// long as each arrives within window of the previous one. Remote messages
// are never grouped.
func CollapseFanout(msgs []message.ChatMessage, window time.Duration) []Line {
	if window <= 0 {
		window = DefaultFanoutWindow
	}
	lines := make([]Line, 0, len(msgs))
	for _, m := range msgs {
		if n := len(lines); n > 0 && joins(&lines[n-1], m, window) {
			lines[n-1].Channels = append(lines[n-1].Channels, m.Channel)
			lines[n-1].last = m.Timestamp
			continue
		}
		lines = append(lines, Line{Message: m, Channels: []string{m.Channel}, last: m.Timestamp})
	}
	return lines
}

func joins(l *Line, m message.ChatMessage, window time.Duration) bool {
	head := l.Message
	if !head.IsLocal() || !m.IsLocal() {
		return false
	}
	if head.Platform != m.Platform || head.Username != m.Username ||
		head.DisplayName != m.DisplayName || head.Message != m.Message {
		return false
	}
	for _, c := range l.Channels {
		if strings.EqualFold(c, m.Channel) {
			return false
		}
	}
	gap := m.Timestamp.Sub(l.last)
	return gap >= 0 && gap <= window
}
