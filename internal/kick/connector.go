package kick

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/john/chatmux/internal/adapter"
	"github.com/john/chatmux/internal/message"
)

const (
	// DefaultGatewayURL is Kick's Pusher cluster endpoint
	DefaultGatewayURL = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.4.0&flash=false"

	// MaxMessageLength is the chat limit enforced by Kick
	MaxMessageLength = 500

	defaultHandshakeTimeout = 15 * time.Second
	defaultActivityTimeout  = 120 * time.Second
	writeTimeout            = 10 * time.Second
)

// Options configures a Kick connector
type Options struct {
	Channel string // channel slug

	// Resolver maps the slug to a chatroom id before subscribing
	Resolver ChatroomResolver

	// API sends and deletes messages. Nil or tokenless means read-only.
	API *APIClient

	URL              string
	HandshakeTimeout time.Duration
	Backoff          adapter.Backoff
	Dialer           *websocket.Dialer
	Log              logrus.FieldLogger
	OnStatus         func(adapter.Status)
}

// Connector manages the Kick chat connection for one channel
type Connector struct {
	opts        Options
	slug        string
	life        *adapter.Lifecycle
	log         logrus.FieldLogger
	moderations chan adapter.Moderation

	mu      sync.Mutex
	conn    *websocket.Conn
	room    Channel
	session adapter.Session

	writeMu sync.Mutex
}

var (
	_ adapter.Adapter          = (*Connector)(nil)
	_ adapter.Moderator        = (*Connector)(nil)
	_ adapter.ModerationSource = (*Connector)(nil)
)

// New creates a new Kick connector
func New(opts Options) *Connector {
	if opts.URL == "" {
		opts.URL = DefaultGatewayURL
	}
	if opts.Resolver == nil {
		opts.Resolver = NewHTTPResolver()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	c := &Connector{
		opts:        opts,
		slug:        strings.ToLower(strings.TrimSpace(opts.Channel)),
		log:         log,
		moderations: make(chan adapter.Moderation, 64),
	}
	c.life = adapter.NewLifecycle(adapter.LifecycleOptions{
		Backoff:  opts.Backoff,
		Log:      log,
		OnStatus: opts.OnStatus,
	})
	c.life.SetRedial(c.redial)
	return c
}

func (c *Connector) Platform() message.Platform { return message.Kick }
func (c *Connector) Channel() string { return c.slug }
func (c *Connector) Messages() <-chan message.ChatMessage { return c.life.Messages() }
func (c *Connector) Statuses() <-chan adapter.Status { return c.life.Statuses() }
func (c *Connector) Moderations() <-chan adapter.Moderation { return c.moderations }
func (c *Connector) Status() adapter.Status { return c.life.Status() }
func (c *Connector) SetAutoReconnect(enabled bool) { c.life.SetAutoReconnect(enabled) }

// Room returns the resolved chatroom, zero before the first successful
// resolution
func (c *Connector) Room() Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Connect resolves the chatroom id, opens the gateway and subscribes. It
// returns once the subscription is confirmed.
func (c *Connector) Connect(ctx context.Context) error {
	s, ok := c.life.Begin()
	if !ok {
		return nil
	}
	if err := c.resolve(ctx); err != nil {
		c.life.Failed(s, err)
		return err
	}
	if err := c.open(ctx, s); err != nil {
		c.life.Failed(s, err)
		return err
	}
	return nil
}

func (c *Connector) resolve(ctx context.Context) error {
	c.mu.Lock()
	resolved := c.room.ChatroomID != 0
	c.mu.Unlock()
	if resolved {
		return nil
	}

	c.log.Infof("Resolving Kick channel %s", c.slug)
	room, err := c.opts.Resolver.ResolveChatroom(ctx, c.slug)
	if err != nil {
		return &adapter.ConfigError{Op: "resolve kick chatroom " + c.slug, Err: err}
	}
	c.log.Infof("Resolved Kick channel: %s -> ID %d", room.Slug, room.ChatroomID)

	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
	return nil
}

// Disconnect closes the gateway and cancels any pending reconnection
func (c *Connector) Disconnect() error {
	c.life.Stop()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
		c.log.Infof("Disconnected from Kick chat")
	}
	return nil
}

// SendMessage posts text through the public API. The confirmed message
// arrives back over the gateway.
func (c *Connector) SendMessage(ctx context.Context, text string) error {
	return c.SendReply(ctx, "", text)
}

// SendReply posts text as a reply to parentID
func (c *Connector) SendReply(ctx context.Context, parentID, text string) error {
	text = strings.TrimSpace(text)
	if err := adapter.CheckSend(text, MaxMessageLength, c.opts.API.HasCredential(), c.Status() == adapter.Connected); err != nil {
		return err
	}
	if _, err := c.opts.API.SendChat(ctx, c.slug, text, parentID); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// DeleteMessage removes a message from the chatroom
func (c *Connector) DeleteMessage(ctx context.Context, messageID string) error {
	if !c.opts.API.HasCredential() {
		return adapter.ErrUnauthenticated
	}
	return c.opts.API.DeleteChat(ctx, messageID)
}

func (c *Connector) redial(s adapter.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	defer cancel()
	return c.open(ctx, s)
}

type subscribeData struct {
	Auth    string `json:"auth"`
	Channel string `json:"channel"`
}

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type establishedData struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

// open dials the gateway and waits for the chatroom subscription to be
// confirmed
func (c *Connector) open(ctx context.Context, s adapter.Session) error {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.session = s
	room := c.room
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	ready := make(chan error, 1)
	go c.readLoop(conn, s, room, ready)

	timer := time.NewTimer(c.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case err := <-ready:
		if err != nil {
			conn.Close()
			return err
		}
		c.log.Infof("Joined Kick chatroom %d", room.ChatroomID)
		return nil
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	case <-timer.C:
		conn.Close()
		return errors.New("timed out waiting for Kick subscription")
	}
}

func chatroomChannel(id int) string {
	return "chatrooms." + strconv.Itoa(id) + ".v2"
}

func (c *Connector) readLoop(conn *websocket.Conn, s adapter.Session, room Channel, ready chan<- error) {
	established := false
	signal := func(err error) {
		select {
		case ready <- err:
		default:
		}
	}
	done := make(chan struct{})
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !established {
				signal(fmt.Errorf("read: %w", err))
				return
			}
			c.connLost(conn, s, err)
			return
		}

		env, err := DecodeEnvelope(data)
		if err != nil {
			c.log.Debugf("dropping malformed frame: %v", err)
			continue
		}

		switch env.Event {
		case EventConnected:
			var info establishedData
			_ = sonic.Unmarshal(env.Payload(), &info)
			timeout := time.Duration(info.ActivityTimeout) * time.Second
			if timeout <= 0 {
				timeout = defaultActivityTimeout
			}
			go c.keepalive(conn, timeout, done)

			sub := frame{Event: EventSubscribe, Data: subscribeData{Channel: chatroomChannel(room.ChatroomID)}}
			if err := c.writeJSON(conn, sub); err != nil {
				signal(fmt.Errorf("subscribe: %w", err))
				return
			}

		case EventSubscribeSucceeded:
			if env.Channel != chatroomChannel(room.ChatroomID) {
				continue
			}
			if !c.life.Connected(s) {
				signal(errors.New("session superseded"))
				return
			}
			established = true
			signal(nil)

		case EventPing:
			if err := c.writeJSON(conn, frame{Event: EventPong, Data: struct{}{}}); err != nil {
				c.log.Warnf("pong failed: %v", err)
			}

		case EventError:
			c.log.Warnf("gateway error: %s", env.Payload())
			if !established {
				signal(fmt.Errorf("gateway error: %s", env.Payload()))
				return
			}

		case EventChatMessage:
			msg, ok := Normalize(env, c.slug)
			if !ok {
				continue
			}
			c.life.Emit(s, msg)

		case EventMessageDeleted, EventUserBanned, EventChatroomClear:
			if mod, ok := moderationFrom(env, c.slug, time.Now()); ok {
				select {
				case c.moderations <- mod:
				default:
					c.log.Warnf("moderation buffer full, dropped %s", env.Event)
				}
			}
		}
	}
}

// keepalive sends pusher:ping whenever the activity timeout elapses
func (c *Connector) keepalive(conn *websocket.Conn, every time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.writeJSON(conn, frame{Event: EventPing, Data: struct{}{}}); err != nil {
				return
			}
		}
	}
}

func (c *Connector) connLost(conn *websocket.Conn, s adapter.Session, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
	c.life.Dropped(s, err)
}

func (c *Connector) writeJSON(conn *websocket.Conn, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func moderationFrom(env Envelope, channel string, now time.Time) (adapter.Moderation, bool) {
	mod := adapter.Moderation{Platform: message.Kick, Channel: channel, At: now}
	switch env.Event {
	case EventMessageDeleted:
		var ev deletedEvent
		if err := sonic.Unmarshal(env.Payload(), &ev); err != nil || ev.Message.ID == "" {
			return mod, false
		}
		mod.MessageID = ev.Message.ID
	case EventUserBanned:
		var ev bannedEvent
		if err := sonic.Unmarshal(env.Payload(), &ev); err != nil {
			return mod, false
		}
		mod.Username = ev.User.Slug
		if mod.Username == "" {
			mod.Username = strings.ToLower(ev.User.Username)
		}
		if mod.Username == "" {
			return mod, false
		}
		if !ev.Permanent && ev.ExpiresAt != "" {
			if until := parseTime(ev.ExpiresAt, now); until.After(now) {
				mod.Duration = until.Sub(now)
			}
		}
	case EventChatroomClear:
		mod.ClearAll = true
	default:
		return mod, false
	}
	return mod, true
}
