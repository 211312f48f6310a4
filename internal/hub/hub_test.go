package hub

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/john/chatmux/internal/adapter"
	"github.com/john/chatmux/internal/emotes"
	"github.com/john/chatmux/internal/logs"
	"github.com/john/chatmux/internal/message"
	"github.com/john/chatmux/internal/metrics"
)

type fakeAdapter struct {
	platform message.Platform
	channel  string

	messages    chan message.ChatMessage
	statuses    chan adapter.Status
	moderations chan adapter.Moderation

	connectErr error

	mu           sync.Mutex
	connects     int
	disconnected bool
	sent         []string
	replies      []string
	deleted      []string
}

func newFakeAdapter(p message.Platform, channel string) *fakeAdapter {
	return &fakeAdapter{
		platform:    p,
		channel:     channel,
		messages:    make(chan message.ChatMessage, 16),
		statuses:    make(chan adapter.Status, 16),
		moderations: make(chan adapter.Moderation, 16),
	}
}

func (f *fakeAdapter) Platform() message.Platform { return f.platform }
func (f *fakeAdapter) Channel() string { return f.channel }
func (f *fakeAdapter) Messages() <-chan message.ChatMessage { return f.messages }
func (f *fakeAdapter) Statuses() <-chan adapter.Status { return f.statuses }
func (f *fakeAdapter) Moderations() <-chan adapter.Moderation { return f.moderations }

func (f *fakeAdapter) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	f.statuses <- adapter.Connecting
	if f.connectErr != nil {
		f.statuses <- adapter.Errored
		return f.connectErr
	}
	f.statuses <- adapter.Connected
	return nil
}

func (f *fakeAdapter) Disconnect() error {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) SendMessage(_ context.Context, text string) error {
	if len(text) > 10 {
		return adapter.ErrMessageTooLong
	}
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	f.messages <- message.ChatMessage{
		ID:       "local-" + text,
		Platform: f.platform,
		Channel:  f.channel,
		Username: "me",
		Message:  text,
		Raw:      map[string]string{message.RawLocal: "true"},
	}
	return nil
}

func (f *fakeAdapter) SendReply(_ context.Context, parentID, text string) error {
	f.mu.Lock()
	f.replies = append(f.replies, parentID+":"+text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) DeleteMessage(_ context.Context, id string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	return nil
}

// readOnlyAdapter hides the optional interfaces of fakeAdapter
type readOnlyAdapter struct{ adapter.Adapter }

type fixture struct {
	hub      *Hub
	metrics  *metrics.Metrics
	mu       sync.Mutex
	adapters map[string]*fakeAdapter
	failNext error
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{adapters: make(map[string]*fakeAdapter), metrics: metrics.New()}
	f.hub = New(Options{
		Factory: FactoryFunc(func(p message.Platform, channel string) (adapter.Adapter, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			a := newFakeAdapter(p, channel)
			a.connectErr, f.failNext = f.failNext, nil
			f.adapters[message.Key(p, channel)] = a
			if p == message.TikTok {
				return readOnlyAdapter{a}, nil
			}
			return a, nil
		}),
		Metrics: f.metrics,
		Log:     logs.Discard(),
	})
	t.Cleanup(f.hub.Shutdown)
	return f
}

// counterValue sums every series of the named counter
func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, metric := range mf.GetMetric() {
			sum += metric.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func (f *fixture) adapter(p message.Platform, channel string) *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[message.Key(p, channel)]
}

func (f *fixture) next(t *testing.T, kind UpdateKind) Update {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u := <-f.hub.Updates():
			if u.Kind == kind {
				return u
			}
		case <-timeout:
			t.Fatalf("no update of kind %d", kind)
			return Update{}
		}
	}
}

func TestHub_OpenIsIdempotent(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	req.NoError(f.hub.Open(ctx, message.Twitch, "chan"))
	req.NoError(f.hub.Open(ctx, message.Twitch, "CHAN"))
	req.Equal(1, f.adapter(message.Twitch, "chan").connects)

	req.Eventually(func() bool {
		st := f.hub.Statuses()
		return len(st) == 1 && st[0].Status == adapter.Connected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHub_OpenRejectsUnknownPlatform(t *testing.T) {
	f := newFixture(t)
	require.Error(t, f.hub.Open(context.Background(), message.Platform("myspace"), "chan"))
}

func TestHub_FailedConnectLeavesChannelClosed(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	boom := adapter.Configf("kick", "chatroom not found")
	f.failNext = boom

	err := f.hub.Open(context.Background(), message.Kick, "nobody")
	req.ErrorIs(err, boom)
	req.True(adapter.IsConfigError(err))
	req.Empty(f.hub.Statuses())
	req.True(f.adapter(message.Kick, "nobody").disconnected)

	req.NoError(f.hub.Open(context.Background(), message.Kick, "nobody"))
}

func TestHub_EchoReplacedInHistory(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	req.NoError(f.hub.Open(context.Background(), message.Twitch, "chan"))

	req.NoError(f.hub.Send(context.Background(), message.Twitch, "chan", "hello"))
	u := f.next(t, UpdateMessage)
	req.True(u.Message.IsLocal())
	req.Empty(u.ReplacedID)

	f.adapter(message.Twitch, "chan").messages <- message.ChatMessage{
		ID: "srv-1", Platform: message.Twitch, Channel: "chan", Username: "me", Message: "hello",
	}
	u = f.next(t, UpdateMessage)
	req.Equal("srv-1", u.Message.ID)
	req.Equal("local-hello", u.ReplacedID)

	msgs, err := f.hub.History(message.Twitch, "chan")
	req.NoError(err)
	req.Len(msgs, 1)
	req.Equal("srv-1", msgs[0].ID)
	req.Equal(float64(1), counterValue(t, f.metrics, "chatmux_echoes_reconciled_total"))
}

func TestHub_SuppressesRemoteRepeats(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	req.NoError(f.hub.Open(context.Background(), message.Kick, "chan"))

	a := f.adapter(message.Kick, "chan")
	spam := message.ChatMessage{Platform: message.Kick, Channel: "chan", Username: "bot", Message: "buy followers"}
	spam.ID = "1"
	a.messages <- spam
	spam.ID = "2"
	a.messages <- spam
	a.messages <- message.ChatMessage{ID: "3", Platform: message.Kick, Channel: "chan", Username: "cat", Message: "hi"}

	req.Equal("1", f.next(t, UpdateMessage).Message.ID)
	req.Equal("3", f.next(t, UpdateMessage).Message.ID)
}

func TestHub_Moderation(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	req.NoError(f.hub.Open(context.Background(), message.Twitch, "chan"))
	a := f.adapter(message.Twitch, "chan")

	for _, m := range []message.ChatMessage{
		{ID: "1", Username: "troll", Message: "a"},
		{ID: "2", Username: "cat", Message: "b"},
		{ID: "3", Username: "troll", Message: "c"},
	} {
		m.Platform, m.Channel = message.Twitch, "chan"
		a.messages <- m
		f.next(t, UpdateMessage)
	}

	a.moderations <- adapter.Moderation{Platform: message.Twitch, Channel: "chan", MessageID: "2"}
	req.Equal([]string{"2"}, f.next(t, UpdateRemoved).Removed)

	a.moderations <- adapter.Moderation{Platform: message.Twitch, Channel: "chan", Username: "troll", Duration: time.Minute}
	req.Equal([]string{"1", "3"}, f.next(t, UpdateRemoved).Removed)

	msgs, err := f.hub.History(message.Twitch, "chan")
	req.NoError(err)
	req.Empty(msgs)
}

func TestHub_DeleteAndReply(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	req.NoError(f.hub.Open(ctx, message.Kick, "chan"))
	a := f.adapter(message.Kick, "chan")

	a.messages <- message.ChatMessage{ID: "m1", Platform: message.Kick, Channel: "chan", Username: "cat", Message: "x"}
	f.next(t, UpdateMessage)

	req.NoError(f.hub.Delete(ctx, message.Kick, "chan", "m1"))
	req.Equal([]string{"m1"}, f.next(t, UpdateRemoved).Removed)
	req.Equal([]string{"m1"}, a.deleted)

	req.NoError(f.hub.Reply(ctx, message.Kick, "chan", "m0", "agreed"))
	req.Equal([]string{"m0:agreed"}, a.replies)
}

func TestHub_UnsupportedOperations(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	req.NoError(f.hub.Open(ctx, message.TikTok, "host"))

	req.ErrorIs(f.hub.Delete(ctx, message.TikTok, "host", "x"), adapter.ErrUnsupported)
	req.ErrorIs(f.hub.Reply(ctx, message.TikTok, "host", "x", "y"), adapter.ErrUnsupported)
	req.ErrorIs(f.hub.Send(ctx, message.YouTube, "nope", "y"), ErrNotOpen)
}

func TestHub_SendFailureCounted(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	req.NoError(f.hub.Open(context.Background(), message.Twitch, "chan"))

	err := f.hub.Send(context.Background(), message.Twitch, "chan", "far too long for this")
	req.ErrorIs(err, adapter.ErrMessageTooLong)
	req.Equal(float64(1), counterValue(t, f.metrics, "chatmux_send_failures_total"))
}

func TestHub_CloseDisconnects(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	req.NoError(f.hub.Open(context.Background(), message.Twitch, "chan"))

	req.NoError(f.hub.Close(message.Twitch, "chan"))
	req.True(f.adapter(message.Twitch, "chan").disconnected)
	req.Empty(f.hub.Statuses())
	req.ErrorIs(f.hub.Close(message.Twitch, "chan"), ErrNotOpen)
}

func TestHub_MergedCollapsesFanout(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

	for i, name := range []string{"alpha", "beta"} {
		req.NoError(f.hub.Open(ctx, message.Twitch, name))
		f.adapter(message.Twitch, name).messages <- message.ChatMessage{
			ID: "local-" + name, Platform: message.Twitch, Channel: name, Username: "me",
			DisplayName: "Me", Message: "hello both", Timestamp: base.Add(time.Duration(i) * 200 * time.Millisecond),
			Raw: map[string]string{message.RawLocal: "true"},
		}
		f.next(t, UpdateMessage)
	}

	lines := f.hub.Merged()
	req.Len(lines, 1)
	req.Equal([]string{"alpha", "beta"}, lines[0].Channels)
}

func TestHub_ChunksUseCatalog(t *testing.T) {
	req := require.New(t)
	h := New(Options{Log: logs.Discard()})
	msg := message.ChatMessage{Platform: message.Twitch, Message: "Kappa hi", Raw: map[string]string{message.RawEmotes: "25:0-4"}}
	req.Equal([]emotes.Chunk{
		emotes.EmoteChunk("Kappa", emotes.TwitchEmoteURL("25")),
		emotes.TextChunk(" hi"),
	}, slices.Collect(h.Chunks(msg)))
}

func TestHub_ShutdownRejectsOpen(t *testing.T) {
	f := newFixture(t)
	f.hub.Shutdown()
	err := f.hub.Open(context.Background(), message.Twitch, "chan")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNotOpen))
}
