package emotes

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/john/chatmux/internal/logs"
)

type catalogServer struct {
	srv   *httptest.Server
	hits  sync.Map // path -> *atomic.Int32
	delay time.Duration
}

func newCatalogServer(t *testing.T) *catalogServer {
	cs := &catalogServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/emote-sets/global", func(w http.ResponseWriter, r *http.Request) {
		cs.hit(r)
		_, _ = io.WriteString(w, `{"emotes":[{"name":"EZ","data":{"host":{"url":"//cdn.7tv.app/emote/ez"}}},{"name":"Shared","data":{"host":{"url":"//cdn.7tv.app/emote/g"}}}]}`)
	})
	mux.HandleFunc("/v3/users/twitch/42", func(w http.ResponseWriter, r *http.Request) {
		cs.hit(r)
		time.Sleep(cs.delay)
		_, _ = io.WriteString(w, `{"emote_set":{"emotes":[{"name":"Shared","data":{"host":{"url":"//cdn.7tv.app/emote/c"}}},{"name":"Both","data":{"host":{"url":"//cdn.7tv.app/emote/both"}}}]}}`)
	})
	mux.HandleFunc("/3/cached/emotes/global", func(w http.ResponseWriter, r *http.Request) {
		cs.hit(r)
		_, _ = io.WriteString(w, `[{"id":"b1","code":"catJAM"}]`)
	})
	mux.HandleFunc("/3/cached/users/twitch/42", func(w http.ResponseWriter, r *http.Request) {
		cs.hit(r)
		_, _ = io.WriteString(w, `{"channelEmotes":[{"id":"b2","code":"Both"}],"sharedEmotes":[{"id":"b3","code":"monkaS"}]}`)
	})
	cs.srv = httptest.NewServer(mux)
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *catalogServer) hit(r *http.Request) {
	v, _ := cs.hits.LoadOrStore(r.URL.Path, new(atomic.Int32))
	v.(*atomic.Int32).Add(1)
}

func (cs *catalogServer) count(path string) int32 {
	v, ok := cs.hits.Load(path)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

func (cs *catalogServer) catalog() *Catalog {
	return NewCatalog(CatalogOptions{
		Client:     cs.srv.Client(),
		SevenTVURL: cs.srv.URL,
		BTTVURL:    cs.srv.URL,
		Log:        logs.Discard(),
	})
}

func TestCatalog_MergesProviders(t *testing.T) {
	req := require.New(t)
	cs := newCatalogServer(t)
	c := cs.catalog()
	ctx := context.Background()

	global := c.Global(ctx)
	req.Equal(Map{
		"EZ":     "https://cdn.7tv.app/emote/ez/1x.webp",
		"Shared": "https://cdn.7tv.app/emote/g/1x.webp",
		"catJAM": "https://cdn.betterttv.net/emote/b1/1x",
	}, global)

	channel := c.Channel(ctx, "42")
	req.Equal("https://cdn.7tv.app/emote/both/1x.webp", channel["Both"], "7TV wins over BTTV")
	req.Equal("https://cdn.betterttv.net/emote/b3/1x", channel["monkaS"])

	resolve := c.Resolver("42")
	u, ok := resolve("Shared")
	req.True(ok)
	req.Equal("https://cdn.7tv.app/emote/c/1x.webp", u, "channel map takes priority")
	u, ok = resolve("catJAM")
	req.True(ok)
	req.Equal("https://cdn.betterttv.net/emote/b1/1x", u)

	c.Global(ctx)
	c.Channel(ctx, "42")
	req.Equal(int32(1), cs.count("/v3/emote-sets/global"))
	req.Equal(int32(1), cs.count("/v3/users/twitch/42"))
}

func TestCatalog_ConcurrentFetchesAreDeduplicated(t *testing.T) {
	cs := newCatalogServer(t)
	cs.delay = 50 * time.Millisecond
	c := cs.catalog()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Channel(context.Background(), "42")
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), cs.count("/v3/users/twitch/42"))
}

func TestCatalog_PrefetchRunsOnce(t *testing.T) {
	cs := newCatalogServer(t)
	cs.delay = 30 * time.Millisecond
	c := cs.catalog()

	c.Prefetch("42")
	c.Prefetch("42")
	require.Eventually(t, func() bool { return c.Cached("42") }, 2*time.Second, 5*time.Millisecond)
	c.Prefetch("42")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), cs.count("/v3/users/twitch/42"))
}

func TestCatalog_FailureYieldsEmptyMap(t *testing.T) {
	req := require.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var failures atomic.Int32
	c := NewCatalog(CatalogOptions{
		Client:     srv.Client(),
		SevenTVURL: srv.URL,
		BTTVURL:    srv.URL,
		Log:        logs.Discard(),
		OnFetch: func(_ string, err error) {
			if err != nil {
				failures.Add(1)
			}
		},
	})

	req.Empty(c.Global(context.Background()))
	req.Empty(c.Channel(context.Background(), "42"))
	req.Equal(int32(4), failures.Load())

	text := "EZ catJAM hello"
	req.Equal([]Chunk{TextChunk(text)}, slices.Collect(Tokenize(text, c.Resolver("42"))))
}

func TestCatalog_Invalidate(t *testing.T) {
	req := require.New(t)
	cs := newCatalogServer(t)
	c := cs.catalog()

	c.Channel(context.Background(), "42")
	req.True(c.Cached("42"))

	c.Invalidate([]string{"42", "7"})
	req.True(c.Cached("42"))

	c.Invalidate(nil)
	req.False(c.Cached("42"))

	c.Channel(context.Background(), "42")
	req.Equal(int32(2), cs.count("/v3/users/twitch/42"))
}

func TestCatalog_InvalidateDuringFetchDropsResult(t *testing.T) {
	for _, tt := range []struct {
		name string
		open []string
		want bool
	}{
		{"closed", nil, false},
		{"still open", []string{"42"}, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cs := newCatalogServer(t)
			cs.delay = 100 * time.Millisecond
			c := cs.catalog()

			done := make(chan Map)
			go func() { done <- c.Channel(context.Background(), "42") }()
			require.Eventually(t, func() bool { return cs.count("/v3/users/twitch/42") == 1 }, 2*time.Second, time.Millisecond)

			c.Invalidate(tt.open)
			m := <-done
			require.NotEmpty(t, m)
			require.Equal(t, tt.want, c.Cached("42"))
		})
	}
}

func TestCatalog_GlobalRetriesAfterFailure(t *testing.T) {
	req := require.New(t)
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		switch r.URL.Path {
		case "/v3/emote-sets/global":
			_, _ = io.WriteString(w, `{"emotes":[{"name":"EZ","data":{"host":{"url":"//cdn.7tv.app/emote/ez"}}}]}`)
		default:
			_, _ = io.WriteString(w, `[]`)
		}
	}))
	defer srv.Close()

	var fetches atomic.Int32
	c := NewCatalog(CatalogOptions{
		Client:     srv.Client(),
		SevenTVURL: srv.URL,
		BTTVURL:    srv.URL,
		RetryAfter: 20 * time.Millisecond,
		Log:        logs.Discard(),
		OnFetch:    func(string, error) { fetches.Add(1) },
	})

	req.Empty(c.Global(context.Background()))
	req.Empty(c.Global(context.Background()))
	req.Equal(int32(2), fetches.Load(), "failed result is served until the retry delay passes")

	failing.Store(false)
	time.Sleep(30 * time.Millisecond)
	req.Contains(c.Global(context.Background()), "EZ")
	req.Equal(int32(4), fetches.Load())

	time.Sleep(30 * time.Millisecond)
	c.Global(context.Background())
	req.Equal(int32(4), fetches.Load(), "a successful map never expires")
}
