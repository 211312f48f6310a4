// Package reconcile post-processes the normalized stream: it replaces
// optimistic local echoes with their confirmed copies, groups fan-out sends
// for merged views, and suppresses remote repeats.
package reconcile

import (
	"strings"
	"sync"
	"time"

	"github.com/john/chatmux/internal/message"
)

// Clock returns the current time. A nil Clock means time.Now.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

const (
	DefaultHistorySize = 500
	DefaultEchoWindow  = 6 * time.Second
)

type entry struct {
	msg message.ChatMessage
	at  time.Time
}

// History is the bounded, ordered message list of one channel
type History struct {
	mu      sync.Mutex
	size    int
	window  time.Duration
	clock   Clock
	entries []entry
}

// NewHistory creates a History keeping at most size messages. Local echoes
// are matched against confirmations arriving within echoWindow.
func NewHistory(size int, echoWindow time.Duration, clock Clock) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	if echoWindow <= 0 {
		echoWindow = DefaultEchoWindow
	}
	return &History{size: size, window: echoWindow, clock: clock}
}

// Add stores msg. A remote message confirming a recent local echo replaces
// that echo in place and the echo's id is returned with replaced set. A
// message whose id is already stored replaces the stored copy.
func (h *History) Add(msg message.ChatMessage) (replacedID string, replaced bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.now()
	msg = msg.Clone()

	if msg.ID != "" {
		for i := len(h.entries) - 1; i >= 0; i-- {
			if h.entries[i].msg.ID == msg.ID {
				h.entries[i] = entry{msg: msg, at: now}
				return msg.ID, true
			}
		}
	}

	if !msg.IsLocal() {
		if i := h.findEcho(msg, now); i >= 0 {
			replacedID = h.entries[i].msg.ID
			h.entries[i] = entry{msg: msg, at: now}
			return replacedID, true
		}
	}

	h.entries = append(h.entries, entry{msg: msg, at: now})
	if over := len(h.entries) - h.size; over > 0 {
		h.entries = append(h.entries[:0], h.entries[over:]...)
	}
	return "", false
}

// findEcho searches newest to oldest for a local echo of msg
func (h *History) findEcho(msg message.ChatMessage, now time.Time) int {
	text := strings.TrimSpace(msg.Message)
	for i := len(h.entries) - 1; i >= 0; i-- {
		e := h.entries[i]
		if now.Sub(e.at) > h.window {
			return -1
		}
		if !e.msg.IsLocal() {
			continue
		}
		if e.msg.Platform == msg.Platform &&
			strings.EqualFold(e.msg.Channel, msg.Channel) &&
			strings.EqualFold(e.msg.Username, msg.Username) &&
			strings.TrimSpace(e.msg.Message) == text {
			return i
		}
	}
	return -1
}

// Remove deletes the message with id and reports whether it was stored
func (h *History) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.entries {
		if e.msg.ID == id {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveUser deletes every message from username and returns their ids
func (h *History) RemoveUser(username string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var removed []string
	kept := h.entries[:0]
	for _, e := range h.entries {
		if strings.EqualFold(e.msg.Username, username) {
			removed = append(removed, e.msg.ID)
			continue
		}
		kept = append(kept, e)
	}
	clear(h.entries[len(kept):])
	h.entries = kept
	return removed
}

// Clear empties the history
func (h *History) Clear() {
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
}

// Messages returns a snapshot, oldest first
func (h *History) Messages() []message.ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]message.ChatMessage, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.msg.Clone()
	}
	return out
}

// Len returns the number of stored messages
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
