package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/john/chatmux/internal/adapter"
	"github.com/john/chatmux/internal/message"
)

const (
	// DefaultMaxLength matches TikTok's comment limit
	DefaultMaxLength = 150

	defaultConnectTimeout = 20 * time.Second
)

// Options configures a relay adapter. Each adapter needs its own
// Connector: the adapter consumes every event the connector emits.
type Options struct {
	Platform  message.Platform
	Channel   string
	Target    string // what the connector connects to; defaults to Channel
	Connector Connector

	MaxLength      int
	ConnectTimeout time.Duration
	Backoff        adapter.Backoff
	Log            logrus.FieldLogger
	OnStatus       func(adapter.Status)
}

// Adapter drives a Connector through the shared lifecycle
type Adapter struct {
	opts     Options
	channel  string
	life     *adapter.Lifecycle
	log      logrus.FieldLogger

	mu          sync.Mutex
	quit        chan struct{} // non-nil while the event pump runs
	connID      string
	session     adapter.Session
	established bool
	ready       chan error
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates a relay adapter
func New(opts Options) *Adapter {
	if opts.Target == "" {
		opts.Target = opts.Channel
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &Adapter{
		opts:    opts,
		channel: strings.ToLower(strings.TrimPrefix(opts.Channel, "@")),
		log:     log,
	}
	a.life = adapter.NewLifecycle(adapter.LifecycleOptions{
		Backoff:  opts.Backoff,
		Log:      log,
		OnStatus: opts.OnStatus,
	})
	a.life.SetRedial(a.redial)
	return a
}

func (a *Adapter) Platform() message.Platform { return a.opts.Platform }
func (a *Adapter) Channel() string { return a.channel }
func (a *Adapter) Messages() <-chan message.ChatMessage { return a.life.Messages() }
func (a *Adapter) Statuses() <-chan adapter.Status { return a.life.Statuses() }
func (a *Adapter) Status() adapter.Status { return a.life.Status() }
func (a *Adapter) SetAutoReconnect(enabled bool) { a.life.SetAutoReconnect(enabled) }

// ConnID returns the connection id events are currently accepted for
func (a *Adapter) ConnID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connID
}

// Connect asks the connector for a connection and waits for it to report
// the outcome
func (a *Adapter) Connect(ctx context.Context) error {
	if a.opts.Connector == nil {
		return adapter.Configf("relay connect", "no connector for %s/%s", a.opts.Platform, a.channel)
	}
	s, ok := a.life.Begin()
	if !ok {
		return nil
	}
	a.mu.Lock()
	if a.quit == nil {
		a.quit = make(chan struct{})
		go a.pump(a.quit)
	}
	a.mu.Unlock()

	if err := a.open(ctx, s); err != nil {
		a.life.Failed(s, err)
		return err
	}
	return nil
}

// Disconnect releases the connection and cancels any pending reconnection
func (a *Adapter) Disconnect() error {
	a.life.Stop()

	a.mu.Lock()
	id := a.connID
	a.connID = ""
	a.established = false
	if a.quit != nil {
		close(a.quit)
		a.quit = nil
	}
	a.mu.Unlock()

	if id != "" {
		a.log.Infof("Disconnecting relay connection %s", id)
		if err := a.opts.Connector.Disconnect(id); err != nil {
			a.log.Warnf("relay disconnect: %v", err)
		}
	}
	return nil
}

// SendMessage posts text through the connector when it supports sending
func (a *Adapter) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	id := a.ConnID()
	if err := adapter.CheckSend(text, a.opts.MaxLength, true, id != "" && a.Status() == adapter.Connected); err != nil {
		return err
	}
	if err := a.opts.Connector.Send(ctx, id, text); err != nil {
		if errors.Is(err, adapter.ErrUnsupported) || errors.Is(err, adapter.ErrUnauthenticated) {
			return err
		}
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (a *Adapter) redial(s adapter.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.ConnectTimeout)
	defer cancel()
	return a.open(ctx, s)
}

func (a *Adapter) open(ctx context.Context, s adapter.Session) error {
	id := uuid.NewString()
	ready := make(chan error, 1)

	a.mu.Lock()
	old := a.connID
	a.connID = id
	a.session = s
	a.established = false
	a.ready = ready
	a.mu.Unlock()

	if old != "" {
		_ = a.opts.Connector.Disconnect(old)
	}

	fail := func(err error) error {
		a.mu.Lock()
		if a.connID == id {
			a.connID = ""
		}
		a.mu.Unlock()
		_ = a.opts.Connector.Disconnect(id)
		return err
	}

	if err := a.opts.Connector.Connect(ctx, id, a.opts.Target); err != nil {
		return fail(fmt.Errorf("relay connect %s: %w", a.opts.Target, err))
	}

	timer := time.NewTimer(a.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case err := <-ready:
		if err != nil {
			return fail(err)
		}
		a.log.Infof("Relay connected to %s (%s)", a.opts.Target, id)
		return nil
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-timer.C:
		return fail(errors.New("timed out waiting for relay connection"))
	}
}

// pump routes connector events for the current connection and drops the
// rest until quit is closed
func (a *Adapter) pump(quit <-chan struct{}) {
	events := a.opts.Connector.Events()
	for {
		var ev Event
		select {
		case <-quit:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev = e
		}

		a.mu.Lock()
		current := ev.ConnID != "" && ev.ConnID == a.connID
		s, ready, established := a.session, a.ready, a.established
		a.mu.Unlock()

		if !current {
			a.log.Debugf("dropping %s event for stale connection %s", ev.Kind, ev.ConnID)
			continue
		}

		switch ev.Kind {
		case EventConnected:
			if a.life.Connected(s) {
				a.mu.Lock()
				a.established = true
				a.mu.Unlock()
				signal(ready, nil)
			}

		case EventError, EventDisconnected:
			err := ev.Err
			if err == nil {
				err = errors.New("relay connection closed")
			}
			if !established {
				signal(ready, err)
				continue
			}
			a.mu.Lock()
			if a.connID == ev.ConnID {
				a.connID = ""
				a.established = false
			}
			a.mu.Unlock()
			a.life.Dropped(s, err)

		case EventChat:
			msg, ok := Normalize(ev.Payload, a.opts.Platform, a.channel)
			if !ok {
				continue
			}
			a.life.Emit(s, msg)
		}
	}
}

func signal(ready chan error, err error) {
	if ready == nil {
		return
	}
	select {
	case ready <- err:
	default:
	}
}
