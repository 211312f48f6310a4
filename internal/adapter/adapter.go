// Package adapter defines the contract every platform adapter implements and
// the shared connect/reconnect state machine they compose.
//
// An adapter owns exactly one transport (socket, poll loop or delegated
// connection) for one channel. Messages and status transitions are delivered
// on channels rather than callbacks so the host gets ordering and
// backpressure without registering handlers.
package adapter

import (
	"context"
	"time"

	"github.com/john/chatmux/internal/message"
)

// Adapter is implemented by every platform integration.
type Adapter interface {
	Platform() message.Platform
	Channel() string

	// Connect opens the transport. A second call while connecting or
	// connected is a no-op.
	Connect(ctx context.Context) error

	// Disconnect is idempotent. It cancels any pending reconnection and
	// forces the terminal disconnected status.
	Disconnect() error

	// SendMessage posts text to the channel. Failures never tear down the
	// connection.
	SendMessage(ctx context.Context, text string) error

	// Messages delivers normalized chat messages in arrival order.
	Messages() <-chan message.ChatMessage

	// Statuses delivers every status transition. Replay is not guaranteed;
	// hosts track the last known state themselves.
	Statuses() <-chan Status
}

// Moderator is implemented by adapters that can remove messages.
type Moderator interface {
	DeleteMessage(ctx context.Context, messageID string) error
}

// ModerationSource is implemented by adapters that report platform side
// moderation (deleted messages, timeouts, bans).
type ModerationSource interface {
	Moderations() <-chan Moderation
}

// Moderation describes a message or user removed by the platform.
type Moderation struct {
	Platform  message.Platform
	Channel   string
	MessageID string        // set when a single message was deleted
	Username  string        // set when a user was timed out or banned
	Duration  time.Duration // zero for permanent bans and single deletions
	ClearAll  bool          // the whole chat was cleared
	At        time.Time
}
