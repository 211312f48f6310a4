package kick

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/john/chatmux/internal/adapter"
	"github.com/john/chatmux/internal/logs"
)

type stubResolver struct {
	calls atomic.Int32
	room  Channel
	err   error
}

func (r *stubResolver) ResolveChatroom(context.Context, string) (Channel, error) {
	r.calls.Add(1)
	return r.room, r.err
}

// fakeGateway speaks just enough Pusher protocol 7 for the connector
type fakeGateway struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames chan string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{t: t, frames: make(chan string, 64)}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, conn)
		g.mu.Unlock()

		g.write(conn, `{"event":"pusher:connection_established","data":"{\"socket_id\":\"1.2\",\"activity_timeout\":120}"}`)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame := string(data)
			g.frames <- frame
			if strings.Contains(frame, `"pusher:subscribe"`) {
				g.write(conn, `{"event":"pusher_internal:subscription_succeeded","channel":"chatrooms.668.v2","data":"{}"}`)
			}
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) write(conn *websocket.Conn, frame string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (g *fakeGateway) push(frame string) {
	g.mu.Lock()
	conn := g.conns[len(g.conns)-1]
	g.mu.Unlock()
	g.write(conn, frame)
}

func (g *fakeGateway) dropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		c.Close()
	}
}

func (g *fakeGateway) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *fakeGateway) waitFrame(substr string) string {
	g.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-g.frames:
			if strings.Contains(f, substr) {
				return f
			}
		case <-timeout:
			g.t.Fatalf("no frame containing %q", substr)
			return ""
		}
	}
}

func newTestConnector(g *fakeGateway, res ChatroomResolver, api *APIClient) *Connector {
	return New(Options{
		Channel:          "Streamer",
		Resolver:         res,
		API:              api,
		URL:              g.url(),
		HandshakeTimeout: 2 * time.Second,
		Backoff:          adapter.Backoff{Base: 10 * time.Millisecond, Cap: 40 * time.Millisecond},
		Log:              logs.Discard(),
	})
}

func TestConnector_SubscribesAfterResolving(t *testing.T) {
	req := require.New(t)
	g := newFakeGateway(t)
	res := &stubResolver{room: Channel{Slug: "streamer", ChatroomID: 668, UserID: 7}}
	c := newTestConnector(g, res, nil)
	defer c.Disconnect()

	req.NoError(c.Connect(context.Background()))
	req.NoError(c.Connect(context.Background()))

	req.Contains(g.waitFrame("pusher:subscribe"), `"channel":"chatrooms.668.v2"`)
	req.Equal(adapter.Connected, c.Status())
	req.Equal(int32(1), res.calls.Load())
	req.Equal(1, g.connCount())
	req.Equal(668, c.Room().ChatroomID)
}

func TestConnector_ResolverFailureRejectsConnect(t *testing.T) {
	req := require.New(t)
	g := newFakeGateway(t)
	c := newTestConnector(g, &stubResolver{err: errors.New("cloudflare says no")}, nil)

	err := c.Connect(context.Background())
	req.Error(err)
	req.True(adapter.IsConfigError(err))
	req.Equal(adapter.Errored, c.Status())
	req.Equal(0, g.connCount(), "gateway is not dialed without a chatroom")

	time.Sleep(50 * time.Millisecond)
	req.Equal(0, g.connCount(), "configuration errors are not retried")
}

func TestConnector_PingPongAndMessages(t *testing.T) {
	req := require.New(t)
	g := newFakeGateway(t)
	c := newTestConnector(g, &stubResolver{room: Channel{Slug: "streamer", ChatroomID: 668}}, nil)
	defer c.Disconnect()

	req.NoError(c.Connect(context.Background()))

	g.push(`{"event":"pusher:ping","data":{}}`)
	req.Equal(`{"event":"pusher:pong","data":{}}`, g.waitFrame("pusher:pong"))

	g.push(`{"event":"App\\Events\\FollowersUpdated","channel":"chatrooms.668.v2","data":"{}"}`)
	g.push(chatFrame)

	select {
	case msg := <-c.Messages():
		req.Equal("9f1c", msg.ID)
		req.Equal("streamer", msg.Channel)
	case <-time.After(2 * time.Second):
		req.Fail("no message")
	}
}

func TestConnector_ForwardsModeration(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestConnector(g, &stubResolver{room: Channel{Slug: "streamer", ChatroomID: 668}}, nil)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	g.push(`{"event":"App\\Events\\MessageDeletedEvent","channel":"chatrooms.668.v2","data":"{\"message\":{\"id\":\"9f1c\"}}"}`)

	select {
	case mod := <-c.Moderations():
		require.Equal(t, "9f1c", mod.MessageID)
	case <-time.After(2 * time.Second):
		require.Fail(t, "no moderation event")
	}
}

func TestConnector_ReconnectsWithoutResolvingAgain(t *testing.T) {
	req := require.New(t)
	g := newFakeGateway(t)
	res := &stubResolver{room: Channel{Slug: "streamer", ChatroomID: 668}}
	c := newTestConnector(g, res, nil)
	defer c.Disconnect()

	req.NoError(c.Connect(context.Background()))
	g.dropAll()

	req.Eventually(func() bool {
		return g.connCount() == 2 && c.Status() == adapter.Connected
	}, 2*time.Second, 10*time.Millisecond)
	req.Equal(int32(1), res.calls.Load())
}

func TestConnector_SendGoesThroughAPI(t *testing.T) {
	req := require.New(t)
	g := newFakeGateway(t)

	var gotBody, gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/public/v1/channels":
			_, _ = io.WriteString(w, `{"data":[{"broadcaster_user_id":7,"slug":"streamer"}]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/public/v1/chat":
			b, _ := io.ReadAll(r.Body)
			gotBody = string(b)
			_, _ = io.WriteString(w, `{"data":{"is_sent":true,"message_id":"m1"},"message":"OK"}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/public/v1/chat/m1":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer api.Close()

	client := NewAPIClient(APIOptions{Token: "tok", APIURL: api.URL})
	c := newTestConnector(g, &stubResolver{room: Channel{Slug: "streamer", ChatroomID: 668}}, client)
	defer c.Disconnect()

	req.ErrorIs(c.SendMessage(context.Background(), "hi"), adapter.ErrNotReady)

	req.NoError(c.Connect(context.Background()))
	req.NoError(c.SendMessage(context.Background(), "hello kick"))
	req.JSONEq(`{"broadcaster_user_id":7,"content":"hello kick","type":"user"}`, gotBody)
	req.Equal("Bearer tok", gotAuth)

	req.ErrorIs(c.SendMessage(context.Background(), strings.Repeat("x", 501)), adapter.ErrMessageTooLong)
	req.NoError(c.DeleteMessage(context.Background(), "m1"))
}

func TestConnector_SendWithoutTokenIsUnauthenticated(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestConnector(g, &stubResolver{room: Channel{Slug: "streamer", ChatroomID: 668}}, nil)
	require.ErrorIs(t, c.SendMessage(context.Background(), "hi"), adapter.ErrUnauthenticated)
	require.ErrorIs(t, c.DeleteMessage(context.Background(), "m1"), adapter.ErrUnauthenticated)
}
