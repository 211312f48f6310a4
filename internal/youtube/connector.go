// Package youtube polls YouTube live chat through the Data API.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/john/chatmux/internal/adapter"
	"github.com/john/chatmux/internal/message"
)

const (
	// MaxMessageLength is the live chat limit enforced by YouTube
	MaxMessageLength = 200

	DefaultPollInterval = 5 * time.Second
	defaultCallTimeout  = 15 * time.Second
)

var errChatEnded = errors.New("live chat ended")

// Options configures a YouTube connector
type Options struct {
	// Channel is the live video id the chat belongs to
	Channel string

	// LiveChatID skips resolution from the video id when set
	LiveChatID string

	Transport Transport

	// Authenticated reports whether Transport carries an OAuth token.
	// API keys can read but not send.
	Authenticated bool

	PollInterval time.Duration
	CallTimeout  time.Duration
	Backoff      adapter.Backoff
	Log          logrus.FieldLogger
	OnStatus     func(adapter.Status)
}

// Connector polls one live chat
type Connector struct {
	opts        Options
	channel     string
	life        *adapter.Lifecycle
	log         logrus.FieldLogger
	moderations chan adapter.Moderation

	mu         sync.Mutex
	liveChatID string
	pageToken  string
	cancel     context.CancelFunc
}

var (
	_ adapter.Adapter          = (*Connector)(nil)
	_ adapter.Moderator        = (*Connector)(nil)
	_ adapter.ModerationSource = (*Connector)(nil)
)

// New creates a YouTube connector
func New(opts Options) *Connector {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Connector{
		opts:        opts,
		channel:     strings.TrimSpace(opts.Channel),
		log:         log,
		moderations: make(chan adapter.Moderation, 64),
		liveChatID:  opts.LiveChatID,
	}
	c.life = adapter.NewLifecycle(adapter.LifecycleOptions{
		Backoff:  opts.Backoff,
		Log:      log,
		OnStatus: opts.OnStatus,
	})
	c.life.SetRedial(c.redial)
	return c
}

func (c *Connector) Platform() message.Platform { return message.YouTube }
func (c *Connector) Channel() string { return c.channel }
func (c *Connector) Messages() <-chan message.ChatMessage { return c.life.Messages() }
func (c *Connector) Statuses() <-chan adapter.Status { return c.life.Statuses() }
func (c *Connector) Moderations() <-chan adapter.Moderation { return c.moderations }
func (c *Connector) Status() adapter.Status { return c.life.Status() }
func (c *Connector) SetAutoReconnect(enabled bool) { c.life.SetAutoReconnect(enabled) }

// LiveChatID returns the resolved live chat id
func (c *Connector) LiveChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveChatID
}

// Connect resolves the live chat, performs one poll and only then reports
// connected, so a bad video id or credential fails here
func (c *Connector) Connect(ctx context.Context) error {
	if c.opts.Transport == nil {
		return adapter.Configf("youtube connect", "no transport configured")
	}
	s, ok := c.life.Begin()
	if !ok {
		return nil
	}
	if err := c.start(ctx, s); err != nil {
		c.life.Failed(s, err)
		return err
	}
	return nil
}

// Disconnect stops polling and cancels any pending reconnection
func (c *Connector) Disconnect() error {
	c.life.Stop()
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.log.Infof("Stopped polling YouTube live chat")
	}
	return nil
}

// SendMessage inserts text into the live chat. The message shows up on the
// next poll.
func (c *Connector) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	chatID := c.LiveChatID()
	ready := chatID != "" && c.Status() == adapter.Connected
	if err := adapter.CheckSend(text, MaxMessageLength, c.opts.Authenticated, ready); err != nil {
		return err
	}
	if _, err := c.opts.Transport.InsertMessage(ctx, chatID, text); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// DeleteMessage removes a live chat message. Requires moderator rights.
func (c *Connector) DeleteMessage(ctx context.Context, messageID string) error {
	if !c.opts.Authenticated {
		return adapter.ErrUnauthenticated
	}
	if c.opts.Transport == nil {
		return adapter.ErrNotReady
	}
	return c.opts.Transport.DeleteMessage(ctx, messageID)
}

func (c *Connector) redial(s adapter.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
	defer cancel()
	return c.start(ctx, s)
}

// start resolves, polls once synchronously and launches the poll loop
func (c *Connector) start(ctx context.Context, s adapter.Session) error {
	chatID := c.LiveChatID()
	if chatID == "" {
		id, err := c.opts.Transport.ResolveLiveChatID(ctx, c.channel)
		if err != nil {
			return &adapter.ConfigError{Op: "resolve live chat " + c.channel, Err: err}
		}
		chatID = id
		c.log.Infof("Resolved YouTube live chat: %s -> %s", c.channel, chatID)
	}

	c.mu.Lock()
	c.liveChatID = chatID
	token := c.pageToken
	c.mu.Unlock()

	page, err := c.opts.Transport.ListMessages(ctx, chatID, token)
	if err != nil {
		return fmt.Errorf("initial poll: %w", err)
	}
	if !c.life.Connected(s) {
		return errors.New("session superseded")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()

	next := c.deliver(s, page)
	go c.pollLoop(loopCtx, s, chatID, next)
	return nil
}

// deliver emits a page and returns how long to wait before the next poll.
// A negative duration means the chat has ended.
func (c *Connector) deliver(s adapter.Session, page *Page) time.Duration {
	c.mu.Lock()
	if page.NextPageToken != "" {
		c.pageToken = page.NextPageToken
	}
	c.mu.Unlock()

	now := time.Now()
	for _, item := range page.Items {
		if mod, ok := moderationFrom(item, c.channel, now); ok {
			select {
			case c.moderations <- mod:
			default:
				c.log.Warnf("moderation buffer full, dropped %s", item.Snippet.Type)
			}
			continue
		}
		if msg, ok := Normalize(item, c.channel); ok {
			if !c.life.Emit(s, msg) {
				return -1
			}
		}
	}
	if page.OfflineAt != "" {
		return -1
	}
	return max(c.opts.PollInterval, page.PollInterval)
}

func (c *Connector) pollLoop(ctx context.Context, s adapter.Session, chatID string, wait time.Duration) {
	timer := time.NewTimer(max(wait, 0))
	defer timer.Stop()

	for {
		if wait < 0 {
			c.endOfChat(s)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !c.life.Current(s) {
			return
		}

		c.mu.Lock()
		token := c.pageToken
		c.mu.Unlock()

		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		page, err := c.opts.Transport.ListMessages(callCtx, chatID, token)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warnf("poll failed: %v", err)
			wait = c.opts.PollInterval
		} else {
			wait = c.deliver(s, page)
		}
		timer.Reset(max(wait, 0))
	}
}

// endOfChat forgets the live chat so a reconnect resolves the video again,
// which fails as a configuration error once the stream is over
func (c *Connector) endOfChat(s adapter.Session) {
	if !c.life.Current(s) {
		return
	}
	c.mu.Lock()
	if c.opts.LiveChatID == "" {
		c.liveChatID = ""
	}
	c.pageToken = ""
	c.mu.Unlock()
	c.log.Infof("YouTube live chat ended")
	c.life.Dropped(s, errChatEnded)
}
