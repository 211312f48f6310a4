package twitch

import (
	"sync"
	"time"
)

// DefaultJoinInterval keeps JOINs under Twitch's authenticated join limit
// (20 per 10 seconds) with some headroom.
const DefaultJoinInterval = 1200 * time.Millisecond

// JoinQueue serializes channel subscriptions for one connection: the first
// pending channel is joined immediately, the rest one per interval.
type JoinQueue struct {
	interval time.Duration
	join     func(channel string) error

	mu      sync.Mutex
	pending []string
	running bool
	stop    chan struct{}
}

// NewJoinQueue creates a queue that calls join for each pushed channel.
func NewJoinQueue(interval time.Duration, join func(channel string) error) *JoinQueue {
	if interval <= 0 {
		interval = DefaultJoinInterval
	}
	return &JoinQueue{
		interval: interval,
		join:     join,
		stop:     make(chan struct{}),
	}
}

// Push appends channels and starts draining if the queue was idle.
// Channels already pending are not queued twice.
func (q *JoinQueue) Push(channels ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, ch := range channels {
		if ch == "" || q.containsLocked(ch) {
			continue
		}
		q.pending = append(q.pending, ch)
	}
	if !q.running && len(q.pending) > 0 {
		q.running = true
		go q.drain(q.stop)
	}
}

// Len returns the number of channels still waiting.
func (q *JoinQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Reset drops everything pending and stops the drain loop.
func (q *JoinQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = nil
	if q.running {
		close(q.stop)
		q.stop = make(chan struct{})
		q.running = false
	}
}

func (q *JoinQueue) drain(stop <-chan struct{}) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		ch, ok := q.next(stop)
		if !ok {
			return
		}
		if err := q.join(ch); err != nil {
			// The connection is gone; whoever reconnects pushes again.
			q.Reset()
			return
		}

		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}

func (q *JoinQueue) next(stop <-chan struct{}) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-stop:
		return "", false
	default:
	}
	if len(q.pending) == 0 {
		q.running = false
		return "", false
	}
	ch := q.pending[0]
	q.pending = q.pending[1:]
	return ch, true
}

func (q *JoinQueue) containsLocked(ch string) bool {
	for _, p := range q.pending {
		if p == ch {
			return true
		}
	}
	return false
}
