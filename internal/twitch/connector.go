package twitch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	twitchirc "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/john/chatmux/internal/adapter"
	"github.com/john/chatmux/internal/message"
)

const (
	DefaultURL = "wss://irc-ws.chat.twitch.tv:443"

	// MaxMessageLength is the PRIVMSG limit enforced by Twitch.
	MaxMessageLength = 500

	defaultHandshakeTimeout = 15 * time.Second
	writeTimeout            = 10 * time.Second
	anonymousPass           = "SCHMOOPIIE"
)

var capabilities = "twitch.tv/tags twitch.tv/commands twitch.tv/membership"

// Options configures a Twitch connector.
type Options struct {
	Channel  string
	Username string // login name used for NICK
	OAuth    string // token with or without the "oauth:" prefix

	// Anonymous forces a read-only guest identity even if a token is set.
	Anonymous bool

	URL              string
	JoinInterval     time.Duration
	HandshakeTimeout time.Duration
	Backoff          adapter.Backoff
	Dialer           *websocket.Dialer
	Log              logrus.FieldLogger
	OnStatus         func(adapter.Status)
}

// Connector manages the Twitch chat connection for one channel
type Connector struct {
	opts        Options
	channel     string
	life        *adapter.Lifecycle
	log         logrus.FieldLogger
	queue       *JoinQueue
	moderations chan adapter.Moderation

	mu      sync.Mutex
	conn    *websocket.Conn
	session adapter.Session
	roomID  string

	writeMu sync.Mutex
}

var (
	_ adapter.Adapter          = (*Connector)(nil)
	_ adapter.ModerationSource = (*Connector)(nil)
)

// New creates a new Twitch connector
func New(opts Options) *Connector {
	if opts.URL == "" {
		opts.URL = DefaultURL
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
		channel:     strings.ToLower(strings.TrimPrefix(opts.Channel, "#")),
		log:         log,
		moderations: make(chan adapter.Moderation, 64),
	}
	c.life = adapter.NewLifecycle(adapter.LifecycleOptions{
		Backoff:  opts.Backoff,
		Log:      log,
		OnStatus: opts.OnStatus,
	})
	c.life.SetRedial(c.redial)
	c.queue = NewJoinQueue(opts.JoinInterval, c.join)
	return c
}

func (c *Connector) Platform() message.Platform { return message.Twitch }
func (c *Connector) Channel() string { return c.channel }
func (c *Connector) Messages() <-chan message.ChatMessage { return c.life.Messages() }
func (c *Connector) Statuses() <-chan adapter.Status { return c.life.Statuses() }
func (c *Connector) Moderations() <-chan adapter.Moderation { return c.moderations }
func (c *Connector) Status() adapter.Status { return c.life.Status() }
func (c *Connector) SetAutoReconnect(enabled bool) { c.life.SetAutoReconnect(enabled) }

// Connect opens the socket, authenticates and queues the channel join. It
// returns once Twitch has accepted the login.
func (c *Connector) Connect(ctx context.Context) error {
	s, ok := c.life.Begin()
	if !ok {
		return nil
	}
	if err := c.open(ctx, s); err != nil {
		c.life.Failed(s, err)
		return err
	}
	return nil
}

// Disconnect closes the socket and cancels any pending reconnection.
func (c *Connector) Disconnect() error {
	c.life.Stop()
	c.queue.Reset()

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
		c.log.Infof("Disconnected from Twitch IRC")
	}
	return nil
}

// SendMessage posts text to the channel and emits a local echo right away.
func (c *Connector) SendMessage(ctx context.Context, text string) error {
	return c.send(ctx, text, "")
}

// SendReply posts text as a threaded reply to parentID.
func (c *Connector) SendReply(ctx context.Context, parentID, text string) error {
	return c.send(ctx, text, parentID)
}

func (c *Connector) send(ctx context.Context, text, parentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	ready := conn != nil && c.life.Status() == adapter.Connected

	if err := adapter.CheckSend(text, MaxMessageLength, !c.anonymous(), ready); err != nil {
		return err
	}

	line := &Line{
		Command:     "PRIVMSG",
		Params:      []string{"#" + c.channel},
		Trailing:    text,
		HasTrailing: true,
	}
	if parentID != "" {
		line.Tags = map[string]string{message.RawReplyParent: parentID}
	}
	if err := c.write(conn, line.String()); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	c.life.EmitLocal(c.localEcho(text, parentID))
	return nil
}

func (c *Connector) localEcho(text, parentID string) message.ChatMessage {
	raw := map[string]string{message.RawLocal: "true"}
	if parentID != "" {
		raw[message.RawReplyParent] = parentID
	}
	c.mu.Lock()
	if c.roomID != "" {
		raw[message.RawRoomID] = c.roomID
	}
	c.mu.Unlock()

	return message.ChatMessage{
		ID:          "local-" + uuid.NewString(),
		Platform:    message.Twitch,
		Channel:     c.channel,
		Username:    strings.ToLower(c.opts.Username),
		DisplayName: c.opts.Username,
		Message:     text,
		Timestamp:   time.Now().UTC(),
		Raw:         raw,
	}
}

func (c *Connector) anonymous() bool {
	return c.opts.Anonymous || c.opts.OAuth == "" || c.opts.Username == ""
}

func (c *Connector) redial(s adapter.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	defer cancel()
	return c.open(ctx, s)
}

// open dials, sends the handshake and waits for RPL_WELCOME or a login
// failure.
func (c *Connector) open(ctx context.Context, s adapter.Session) error {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.session = s
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	ready := make(chan error, 1)
	go c.readLoop(conn, s, ready)

	pass, nick := anonymousPass, fmt.Sprintf("justinfan%d", 10000+rand.IntN(89999))
	if !c.anonymous() {
		pass = "oauth:" + strings.TrimPrefix(c.opts.OAuth, "oauth:")
		nick = strings.ToLower(c.opts.Username)
	}
	for _, line := range []string{"CAP REQ :" + capabilities, "PASS " + pass, "NICK " + nick} {
		if err := c.write(conn, line); err != nil {
			conn.Close()
			return fmt.Errorf("handshake: %w", err)
		}
	}

	timer := time.NewTimer(c.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case err := <-ready:
		if err != nil {
			conn.Close()
			return err
		}
		c.log.Infof("Connected to Twitch IRC as %s", nick)
		return nil
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	case <-timer.C:
		conn.Close()
		return errors.New("timed out waiting for Twitch welcome")
	}
}

func (c *Connector) readLoop(conn *websocket.Conn, s adapter.Session, ready chan<- error) {
	established := false
	signal := func(err error) {
		select {
		case ready <- err:
		default:
		}
	}

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

		for _, raw := range strings.Split(string(data), "\r\n") {
			line, ok := Parse(raw)
			if !ok {
				continue
			}
			switch err := c.handleLine(conn, s, line); {
			case errors.Is(err, errWelcome):
				established = true
				signal(nil)
			case err != nil:
				if !established {
					signal(err)
				}
				conn.Close()
			}
		}
	}
}

var errWelcome = errors.New("welcome")

func (c *Connector) handleLine(conn *websocket.Conn, s adapter.Session, line *Line) error {
	switch line.Command {
	case "PING":
		pong := &Line{Command: "PONG", Params: line.Params, Trailing: line.Trailing, HasTrailing: line.HasTrailing}
		return c.write(conn, pong.String())

	case "001":
		if !c.life.Connected(s) {
			return errors.New("session superseded")
		}
		c.queue.Push(c.channel)
		return errWelcome

	case "NOTICE":
		text := line.Text()
		if strings.Contains(text, "Login authentication failed") ||
			strings.Contains(text, "Login unsuccessful") ||
			strings.Contains(text, "Improperly formatted auth") {
			return adapter.Configf("twitch login", "%s", text)
		}
		c.log.Infof("NOTICE: %s", text)

	case "RECONNECT":
		return errors.New("server requested reconnect")

	case "ROOMSTATE":
		if id := line.Tags["room-id"]; id != "" {
			c.mu.Lock()
			c.roomID = id
			c.mu.Unlock()
		}

	case "JOIN":
		if strings.EqualFold(line.Nick(), c.opts.Username) || strings.HasPrefix(line.Nick(), "justinfan") {
			c.log.Infof("Joined channel: %s", line.Channel())
		}

	case "CLEARMSG", "CLEARCHAT":
		if mod, ok := moderationFrom(line.Raw, time.Now()); ok {
			select {
			case c.moderations <- mod:
			default:
				c.log.Warnf("moderation buffer full, dropped %s", line.Command)
			}
		}

	case "PRIVMSG", "USERNOTICE":
		msg, ok := Normalize(line)
		if !ok || msg.Channel != c.channel {
			return nil
		}
		c.life.Emit(s, msg)
	}
	return nil
}

func (c *Connector) connLost(conn *websocket.Conn, s adapter.Session, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.queue.Reset()
	conn.Close()
	c.life.Dropped(s, err)
}

func (c *Connector) join(channel string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return adapter.ErrNotReady
	}
	return c.write(conn, "JOIN #"+channel)
}

func (c *Connector) write(conn *websocket.Conn, line string) error {
	if conn == nil {
		return adapter.ErrNotReady
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
}

// moderationFrom decodes CLEARMSG and CLEARCHAT through go-twitch-irc's
// typed message parser.
func moderationFrom(raw string, now time.Time) (adapter.Moderation, bool) {
	switch m := twitchirc.ParseMessage(raw).(type) {
	case *twitchirc.ClearMessage:
		return adapter.Moderation{
			Platform:  message.Twitch,
			Channel:   strings.TrimPrefix(m.Channel, "#"),
			MessageID: m.TargetMsgID,
			Username:  m.Login,
			At:        now,
		}, true
	case *twitchirc.ClearChatMessage:
		at := m.Time
		if at.IsZero() {
			at = now
		}
		return adapter.Moderation{
			Platform: message.Twitch,
			Channel:  strings.TrimPrefix(m.Channel, "#"),
			Username: m.TargetUsername,
			Duration: time.Duration(m.BanDuration) * time.Second,
			ClearAll: m.TargetUsername == "",
			At:       at,
		}, true
	}
	return adapter.Moderation{}, false
}
