package kick

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	kickchat "github.com/johanvandegriff/kick-chat-wrapper"
	"github.com/sirupsen/logrus"

	"github.com/john/chatmux/internal/adapter"
	"github.com/john/chatmux/internal/message"
	"github.com/john/chatmux/internal/relay"
)

// RelayConnector mirrors Kick chat read-only through kick-chat-wrapper, for
// hosts that want Kick messages without running the Pusher adapter. Use it
// with relay.New and message.Kick.
type RelayConnector struct {
	resolver ChatroomResolver
	log      logrus.FieldLogger
	events   chan relay.Event

	mu    sync.Mutex
	conns map[string]*kickchat.Client
}

var _ relay.Connector = (*RelayConnector)(nil)

// NewRelayConnector creates a connector resolving slugs with resolver
func NewRelayConnector(resolver ChatroomResolver, log logrus.FieldLogger) *RelayConnector {
	if resolver == nil {
		resolver = NewHTTPResolver()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RelayConnector{
		resolver: resolver,
		log:      log,
		events:   make(chan relay.Event, 256),
		conns:    make(map[string]*kickchat.Client),
	}
}

func (r *RelayConnector) Events() <-chan relay.Event { return r.events }

// Connect resolves target (a channel slug), joins its chatroom and starts
// forwarding messages under connID
func (r *RelayConnector) Connect(ctx context.Context, connID, target string) error {
	room, err := r.resolver.ResolveChatroom(ctx, target)
	if err != nil {
		return &adapter.ConfigError{Op: "resolve kick chatroom " + target, Err: err}
	}

	client, err := kickchat.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create Kick client: %w", err)
	}
	if err := client.JoinChannelByID(room.ChatroomID); err != nil {
		client.Close()
		return fmt.Errorf("join chatroom %d: %w", room.ChatroomID, err)
	}

	r.mu.Lock()
	r.conns[connID] = client
	r.mu.Unlock()

	r.log.Infof("Joined Kick channel via relay: %s (chatroom %d)", room.Slug, room.ChatroomID)
	messages := client.ListenForMessages()

	go func() {
		r.events <- relay.Event{ConnID: connID, Kind: relay.EventConnected}
		for msg := range messages {
			if msg.ChatroomID != room.ChatroomID {
				continue
			}
			r.events <- relay.Event{ConnID: connID, Kind: relay.EventChat, Payload: payloadFrom(msg)}
		}
		if r.release(connID) {
			r.events <- relay.Event{ConnID: connID, Kind: relay.EventDisconnected, Err: errors.New("kick message channel closed")}
		}
	}()
	return nil
}

// Disconnect closes the client for connID
func (r *RelayConnector) Disconnect(connID string) error {
	r.mu.Lock()
	client, ok := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()
	if ok {
		client.Close()
	}
	return nil
}

// Send is not supported: kick-chat-wrapper only reads
func (r *RelayConnector) Send(context.Context, string, string) error {
	return adapter.ErrUnsupported
}

// release forgets connID, reporting whether it was still open
func (r *RelayConnector) release(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[connID]
	delete(r.conns, connID)
	return ok
}

// payloadFrom converts a kick-chat-wrapper message into a relay payload
func payloadFrom(msg kickchat.ChatMessage) relay.Payload {
	var ts int64
	if !msg.CreatedAt.IsZero() {
		ts = msg.CreatedAt.UnixMilli()
	}

	badges := make([]relay.BadgeDescriptor, 0, len(msg.Sender.Identity.Badges))
	for _, b := range msg.Sender.Identity.Badges {
		badges = append(badges, relay.BadgeDescriptor{Type: b.Type, Label: b.Text})
	}

	return relay.Payload{
		MsgID:     msg.ID,
		UserID:    strconv.Itoa(msg.Sender.ID),
		UniqueID:  msg.Sender.Username,
		Nickname:  msg.Sender.Username,
		Comment:   msg.Content,
		Badges:    badges,
		Timestamp: ts,
		Color:     msg.Sender.Identity.Color,
		Extra:     map[string]string{message.RawRoomID: strconv.Itoa(msg.ChatroomID)},
	}
}
