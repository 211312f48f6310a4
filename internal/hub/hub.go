// Package hub coordinates the open channels: one adapter per
// platform/channel key, their reconciled histories, the shared emote
// catalog and status snapshots.
package hub

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/john/chatmux/internal/adapter"
	"github.com/john/chatmux/internal/emotes"
	"github.com/john/chatmux/internal/message"
	"github.com/john/chatmux/internal/metrics"
	"github.com/john/chatmux/internal/reconcile"
)

var ErrNotOpen = errors.New("channel is not open")

// Factory builds the adapter for one channel
type Factory interface {
	New(platform message.Platform, channel string) (adapter.Adapter, error)
}

// FactoryFunc adapts a function to Factory
type FactoryFunc func(platform message.Platform, channel string) (adapter.Adapter, error)

func (f FactoryFunc) New(platform message.Platform, channel string) (adapter.Adapter, error) {
	return f(platform, channel)
}

// Replier is implemented by adapters that can post threaded replies
type Replier interface {
	SendReply(ctx context.Context, parentID, text string) error
}

type UpdateKind int

const (
	UpdateMessage UpdateKind = iota
	UpdateStatus
	UpdateRemoved
)

// Update is one change the host should apply to its view
type Update struct {
	Kind     UpdateKind
	Platform message.Platform
	Channel  string

	// UpdateMessage. ReplacedID names the local echo Message replaces.
	Message    message.ChatMessage
	ReplacedID string

	// UpdateStatus
	Status adapter.Status

	// UpdateRemoved
	Removed []string
}

// ChannelStatus is a snapshot of one open channel
type ChannelStatus struct {
	Platform message.Platform `json:"platform"`
	Channel  string           `json:"channel"`
	Status   adapter.Status   `json:"status"`
	Messages int              `json:"messages"`
	Since    time.Time        `json:"since"`
}

type Options struct {
	Factory Factory
	Catalog *emotes.Catalog
	Metrics *metrics.Metrics
	Log     logrus.FieldLogger

	HistorySize int
	EchoWindow  time.Duration

	// DedupWindow defaults to reconcile.DefaultDedupWindow; negative
	// disables repeat suppression
	DedupWindow  time.Duration
	FanoutWindow time.Duration
	Clock        reconcile.Clock

	UpdateBuffer int
}

type channel struct {
	adapter adapter.Adapter
	history *reconcile.History
	done    chan struct{}

	mu     sync.Mutex
	status adapter.Status
	since  time.Time
	roomID string
}

type Hub struct {
	opts     Options
	log      logrus.FieldLogger
	suppress *reconcile.Suppressor
	updates  chan Update
	quit     chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool
}

func New(opts Options) *Hub {
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = 1024
	}
	if opts.FanoutWindow <= 0 {
		opts.FanoutWindow = reconcile.DefaultFanoutWindow
	}
	dedup := opts.DedupWindow
	if dedup == 0 {
		dedup = reconcile.DefaultDedupWindow
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		opts:     opts,
		log:      log,
		suppress: reconcile.NewSuppressor(dedup, opts.Clock),
		updates:  make(chan Update, opts.UpdateBuffer),
		quit:     make(chan struct{}),
		channels: make(map[string]*channel),
	}
}

// Updates delivers messages, removals and status changes of every channel
func (h *Hub) Updates() <-chan Update { return h.updates }

// Open creates and connects the adapter for platform/channel. Opening a
// channel that is already open is a no-op. A failed connect leaves the
// channel closed.
func (h *Hub) Open(ctx context.Context, platform message.Platform, name string) error {
	if !platform.Valid() {
		return fmt.Errorf("unknown platform %q", platform)
	}
	key := message.Key(platform, name)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New("hub is shut down")
	}
	if _, ok := h.channels[key]; ok {
		h.mu.Unlock()
		return nil
	}
	a, err := h.opts.Factory.New(platform, name)
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("create %s adapter: %w", key, err)
	}
	ch := &channel{
		adapter: a,
		history: reconcile.NewHistory(h.opts.HistorySize, h.opts.EchoWindow, h.opts.Clock),
		done:    make(chan struct{}),
		since:   h.now(),
	}
	h.channels[key] = ch
	h.wg.Add(1)
	h.mu.Unlock()

	go h.run(ch)
	h.invalidate()
	if h.opts.Catalog != nil {
		h.opts.Catalog.Prefetch("")
	}

	if err := a.Connect(ctx); err != nil {
		h.remove(key, ch)
		return fmt.Errorf("connect %s: %w", key, err)
	}
	h.log.Infof("Opened %s", key)
	return nil
}

// Close disconnects and forgets platform/channel
func (h *Hub) Close(platform message.Platform, name string) error {
	key := message.Key(platform, name)
	h.mu.Lock()
	ch, ok := h.channels[key]
	h.mu.Unlock()
	if !ok {
		return ErrNotOpen
	}
	err := h.remove(key, ch)
	h.log.Infof("Closed %s", key)
	return err
}

func (h *Hub) remove(key string, ch *channel) error {
	h.mu.Lock()
	if h.channels[key] != ch {
		h.mu.Unlock()
		return nil
	}
	delete(h.channels, key)
	h.mu.Unlock()

	close(ch.done)
	err := ch.adapter.Disconnect()
	h.opts.Metrics.Forget(string(ch.adapter.Platform()), ch.adapter.Channel())
	h.invalidate()
	return err
}

// Shutdown closes every channel and waits for their pumps to exit
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	open := make(map[string]*channel, len(h.channels))
	for k, ch := range h.channels {
		open[k] = ch
	}
	h.mu.Unlock()

	for key, ch := range open {
		if err := h.remove(key, ch); err != nil {
			h.log.Warnf("close %s: %v", key, err)
		}
	}
	close(h.quit)
	h.wg.Wait()
}

func (h *Hub) lookup(platform message.Platform, name string) (*channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[message.Key(platform, name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, message.Key(platform, name))
	}
	return ch, nil
}

// Send posts text to an open channel
func (h *Hub) Send(ctx context.Context, platform message.Platform, name, text string) error {
	ch, err := h.lookup(platform, name)
	if err != nil {
		return err
	}
	if err := ch.adapter.SendMessage(ctx, text); err != nil {
		h.opts.Metrics.SendFailed(string(platform), err)
		return err
	}
	return nil
}

// Reply posts text as a reply to parentID where the platform supports it
func (h *Hub) Reply(ctx context.Context, platform message.Platform, name, parentID, text string) error {
	ch, err := h.lookup(platform, name)
	if err != nil {
		return err
	}
	r, ok := ch.adapter.(Replier)
	if !ok {
		return adapter.ErrUnsupported
	}
	if err := r.SendReply(ctx, parentID, text); err != nil {
		h.opts.Metrics.SendFailed(string(platform), err)
		return err
	}
	return nil
}

// Delete removes a message on the platform and from the channel's history
func (h *Hub) Delete(ctx context.Context, platform message.Platform, name, messageID string) error {
	ch, err := h.lookup(platform, name)
	if err != nil {
		return err
	}
	m, ok := ch.adapter.(adapter.Moderator)
	if !ok {
		return adapter.ErrUnsupported
	}
	if err := m.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	if ch.history.Remove(messageID) {
		h.publish(ch, Update{Kind: UpdateRemoved, Platform: platform, Channel: ch.adapter.Channel(), Removed: []string{messageID}})
	}
	return nil
}

// SetAutoReconnect enables or suppresses reconnection for one channel
func (h *Hub) SetAutoReconnect(platform message.Platform, name string, enabled bool) error {
	ch, err := h.lookup(platform, name)
	if err != nil {
		return err
	}
	s, ok := ch.adapter.(interface{ SetAutoReconnect(bool) })
	if !ok {
		return adapter.ErrUnsupported
	}
	s.SetAutoReconnect(enabled)
	return nil
}

// Statuses returns a snapshot of every open channel, ordered by key
func (h *Hub) Statuses() []ChannelStatus {
	h.mu.Lock()
	chans := lo.Values(h.channels)
	h.mu.Unlock()

	out := lo.Map(chans, func(ch *channel, _ int) ChannelStatus {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ChannelStatus{
			Platform: ch.adapter.Platform(),
			Channel:  ch.adapter.Channel(),
			Status:   ch.status,
			Messages: ch.history.Len(),
			Since:    ch.since,
		}
	})
	slices.SortFunc(out, func(a, b ChannelStatus) int {
		return cmp.Compare(message.Key(a.Platform, a.Channel), message.Key(b.Platform, b.Channel))
	})
	return out
}

// History returns the retained messages of one channel, oldest first
func (h *Hub) History(platform message.Platform, name string) ([]message.ChatMessage, error) {
	ch, err := h.lookup(platform, name)
	if err != nil {
		return nil, err
	}
	return ch.history.Messages(), nil
}

// Merged returns every open channel's history as one timeline, with
// fan-out sends collapsed into single lines
func (h *Hub) Merged() []reconcile.Line {
	h.mu.Lock()
	chans := lo.Values(h.channels)
	h.mu.Unlock()

	all := lo.FlatMap(chans, func(ch *channel, _ int) []message.ChatMessage {
		return ch.history.Messages()
	})
	slices.SortStableFunc(all, func(a, b message.ChatMessage) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return reconcile.CollapseFanout(all, h.opts.FanoutWindow)
}

// Chunks tokenizes msg against the cached emote maps of its room
func (h *Hub) Chunks(msg message.ChatMessage) iter.Seq[emotes.Chunk] {
	var resolve emotes.Resolver
	if h.opts.Catalog != nil {
		resolve = h.opts.Catalog.Resolver(catalogRoom(msg))
	}
	return emotes.Render(msg, resolve)
}

// catalogRoom is the room id third-party catalogs are keyed by. Only
// Twitch room ids are known to 7TV and BTTV.
func catalogRoom(msg message.ChatMessage) string {
	if msg.Platform != message.Twitch {
		return ""
	}
	return msg.Raw[message.RawRoomID]
}

func (h *Hub) run(ch *channel) {
	defer h.wg.Done()
	a := ch.adapter
	var mods <-chan adapter.Moderation
	if src, ok := a.(adapter.ModerationSource); ok {
		mods = src.Moderations()
	}

	for {
		select {
		case <-ch.done:
			return
		case msg := <-a.Messages():
			h.handleMessage(ch, msg)
		case st := <-a.Statuses():
			h.handleStatus(ch, st)
		case mod := <-mods:
			h.handleModeration(ch, mod)
		}
	}
}

func (h *Hub) handleMessage(ch *channel, msg message.ChatMessage) {
	platform := string(msg.Platform)
	if !h.suppress.Allow(msg) {
		h.opts.Metrics.Suppressed(platform)
		return
	}
	replacedID, replaced := ch.history.Add(msg)
	if replaced && replacedID != msg.ID {
		h.opts.Metrics.Reconciled(platform)
	}
	h.opts.Metrics.Message(platform)

	if room := catalogRoom(msg); room != "" && h.opts.Catalog != nil {
		ch.mu.Lock()
		changed := ch.roomID != room
		ch.roomID = room
		ch.mu.Unlock()
		if changed {
			h.opts.Catalog.Prefetch(room)
		}
	}

	u := Update{Kind: UpdateMessage, Platform: msg.Platform, Channel: msg.Channel, Message: msg}
	if replaced {
		u.ReplacedID = replacedID
	}
	h.publish(ch, u)
}

func (h *Hub) handleStatus(ch *channel, st adapter.Status) {
	ch.mu.Lock()
	prev := ch.status
	ch.status = st
	ch.since = h.now()
	ch.mu.Unlock()

	a := ch.adapter
	h.opts.Metrics.Status(string(a.Platform()), a.Channel(), prev, st)
	h.publish(ch, Update{Kind: UpdateStatus, Platform: a.Platform(), Channel: a.Channel(), Status: st})
}

func (h *Hub) handleModeration(ch *channel, mod adapter.Moderation) {
	var removed []string
	var kind string
	switch {
	case mod.ClearAll:
		kind = "clear"
		removed = lo.Map(ch.history.Messages(), func(m message.ChatMessage, _ int) string { return m.ID })
		ch.history.Clear()
	case mod.MessageID != "":
		kind = "delete"
		if ch.history.Remove(mod.MessageID) {
			removed = []string{mod.MessageID}
		}
	case mod.Username != "":
		kind = "ban"
		if mod.Duration > 0 {
			kind = "timeout"
		}
		removed = ch.history.RemoveUser(mod.Username)
	default:
		return
	}
	h.opts.Metrics.Moderation(string(ch.adapter.Platform()), kind)
	if len(removed) == 0 {
		return
	}
	h.publish(ch, Update{Kind: UpdateRemoved, Platform: ch.adapter.Platform(), Channel: ch.adapter.Channel(), Removed: removed})
}

func (h *Hub) publish(ch *channel, u Update) {
	select {
	case h.updates <- u:
	case <-ch.done:
	case <-h.quit:
	}
}

func (h *Hub) invalidate() {
	if h.opts.Catalog == nil {
		return
	}
	h.mu.Lock()
	rooms := make([]string, 0, len(h.channels))
	for _, ch := range h.channels {
		ch.mu.Lock()
		if ch.roomID != "" {
			rooms = append(rooms, ch.roomID)
		}
		ch.mu.Unlock()
	}
	h.mu.Unlock()
	h.opts.Catalog.Invalidate(rooms)
}

func (h *Hub) now() time.Time {
	if h.opts.Clock != nil {
		return h.opts.Clock()
	}
	return time.Now()
}
