// Package relay adapts chat sources whose connection is owned by an
// external connector (a sidecar, a third-party client library) onto the
// common adapter contract. The adapter never opens sockets itself; it
// drives a Connector and maps its lifecycle events onto adapter.Lifecycle.
package relay

import (
	"context"
)

// EventKind classifies connector events
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventError
	EventChat
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventChat:
		return "chat"
	}
	return "unknown"
}

// Event is one notification from a connector. ConnID names the connection
// it belongs to; adapters drop events for connections they no longer own.
type Event struct {
	ConnID  string
	Kind    EventKind
	Err     error
	Payload Payload
}

// BadgeDescriptor is a connector-side badge. Type wins when set; otherwise
// Scene is mapped through the numeric scene table.
type BadgeDescriptor struct {
	Type  string `json:"type,omitempty"`
	Scene int    `json:"scene,omitempty"`
	Level int    `json:"level,omitempty"`
	Label string `json:"label,omitempty"`
}

// Payload is a chat event as connectors report it
type Payload struct {
	MsgID     string            `json:"msgId,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	UniqueID  string            `json:"uniqueId"` // login handle
	Nickname  string            `json:"nickname,omitempty"`
	Comment   string            `json:"comment"`
	Badges    []BadgeDescriptor `json:"badges,omitempty"`
	Timestamp int64             `json:"createTime,omitempty"` // epoch seconds or milliseconds
	Color     string            `json:"color,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Connector brokers connections the adapter does not own. The adapter
// picks the connection id so that events racing the Connect call can still
// be attributed.
type Connector interface {
	// Connect opens a connection to target under connID. It returns once
	// the connection attempt has been handed off; EventConnected or
	// EventError reports the outcome.
	Connect(ctx context.Context, connID, target string) error

	// Disconnect closes connID. No further events are expected for it.
	Disconnect(connID string) error

	// Send posts text on connID. Read-only connectors return
	// adapter.ErrUnsupported.
	Send(ctx context.Context, connID, text string) error

	// Events delivers events for every connection.
	Events() <-chan Event
}
