package reconcile

import (
	"strings"
	"sync"
	"time"

	"github.com/john/chatmux/internal/message"
)

const DefaultDedupWindow = 8 * time.Second

// Suppressor drops remote messages repeating the same user, channel and
// text within a window of the first sighting. Local echoes always pass.
type Suppressor struct {
	mu        sync.Mutex
	window    time.Duration
	clock     Clock
	seen      map[string]time.Time
	lastSweep time.Time
}

// NewSuppressor creates a Suppressor. A window <= 0 disables suppression.
func NewSuppressor(window time.Duration, clock Clock) *Suppressor {
	return &Suppressor{
		window: window,
		clock:  clock,
		seen:   make(map[string]time.Time),
	}
}

// Allow reports whether msg should be kept
func (s *Suppressor) Allow(msg message.ChatMessage) bool {
	if s.window <= 0 || msg.IsLocal() {
		return true
	}
	key := dedupKey(msg)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.now()
	if now.Sub(s.lastSweep) > s.window {
		for k, at := range s.seen {
			if now.Sub(at) > s.window {
				delete(s.seen, k)
			}
		}
		s.lastSweep = now
	}

	if at, ok := s.seen[key]; ok && now.Sub(at) <= s.window {
		return false
	}
	s.seen[key] = now
	return true
}

// Len returns the number of tracked keys
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func dedupKey(msg message.ChatMessage) string {
	return msg.Key() + "\x00" + strings.ToLower(msg.Username) + "\x00" + strings.TrimSpace(msg.Message)
}
