package emotes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSevenTVURL = "https://7tv.io"
	DefaultBTTVURL    = "https://api.betterttv.net"

	bttvCDN = "https://cdn.betterttv.net/emote/"
)

// CatalogOptions configures a Catalog
type CatalogOptions struct {
	Client     *http.Client
	SevenTVURL string
	BTTVURL    string
	Timeout    time.Duration
	Log        logrus.FieldLogger

	// RetryAfter is how long a global map from a failed fetch is served
	// before the next Global call tries again
	RetryAfter time.Duration

	// OnFetch observes every provider fetch, e.g. for metrics
	OnFetch func(provider string, err error)
}

// Catalog holds the global and per-channel third-party emote maps. Fetches
// are best-effort: a provider that fails contributes an empty map.
type Catalog struct {
	opts  CatalogOptions
	log   logrus.FieldLogger
	group singleflight.Group

	mu          sync.RWMutex
	global      Map
	globalRetry time.Time // zero once a fetch succeeded
	channels    map[string]Map
	inflight    map[string]bool

	// gen counts Invalidate calls; kept is the room set of the latest one
	gen  uint64
	kept map[string]bool
}

// NewCatalog creates an empty catalog
func NewCatalog(opts CatalogOptions) *Catalog {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.SevenTVURL == "" {
		opts.SevenTVURL = DefaultSevenTVURL
	}
	if opts.BTTVURL == "" {
		opts.BTTVURL = DefaultBTTVURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Minute
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Catalog{
		opts:     opts,
		log:      log,
		channels: make(map[string]Map),
		inflight: make(map[string]bool),
	}
}

// Global returns the global map, fetching it on first use. When every
// provider failed the empty result is retried after RetryAfter.
func (c *Catalog) Global(ctx context.Context) Map {
	if m, ok := c.cachedGlobal(); ok {
		return m
	}
	v, _, _ := c.group.Do("global", func() (any, error) {
		if m, ok := c.cachedGlobal(); ok {
			return m, nil
		}
		m, ok := c.fetch(ctx, "", c.sevenTVGlobal, c.bttvGlobal)
		c.mu.Lock()
		c.global = m
		c.globalRetry = time.Time{}
		if !ok {
			c.globalRetry = time.Now().Add(c.opts.RetryAfter)
		}
		c.mu.Unlock()
		return m, nil
	})
	return v.(Map)
}

func (c *Catalog) cachedGlobal() (Map, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.global, c.globalFreshLocked()
}

func (c *Catalog) globalFreshLocked() bool {
	if c.global == nil {
		return false
	}
	return c.globalRetry.IsZero() || time.Now().Before(c.globalRetry)
}

// Channel returns the map for a platform room id, fetching it on first use
func (c *Catalog) Channel(ctx context.Context, roomID string) Map {
	if roomID == "" {
		return Map{}
	}
	c.mu.RLock()
	m, ok := c.channels[roomID]
	c.mu.RUnlock()
	if ok {
		return m
	}
	v, _, _ := c.group.Do("channel:"+roomID, func() (any, error) {
		c.mu.RLock()
		m, ok := c.channels[roomID]
		c.mu.RUnlock()
		if ok {
			return m, nil
		}
		c.mu.RLock()
		gen := c.gen
		c.mu.RUnlock()
		m, _ = c.fetch(ctx, roomID, c.sevenTVChannel, c.bttvChannel)
		c.mu.Lock()
		// a room dropped by Invalidate during the fetch stays dropped
		if gen == c.gen || c.kept[roomID] {
			c.channels[roomID] = m
		}
		c.mu.Unlock()
		return m, nil
	})
	return v.(Map)
}

// Prefetch loads the global map and roomID's map in the background. Calls
// for a room already being fetched return immediately.
func (c *Catalog) Prefetch(roomID string) {
	key := "prefetch:" + roomID
	c.mu.Lock()
	if c.inflight[key] {
		c.mu.Unlock()
		return
	}
	_, cached := c.channels[roomID]
	if cached && c.globalFreshLocked() {
		c.mu.Unlock()
		return
	}
	c.inflight[key] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
		defer cancel()
		c.Global(ctx)
		c.Channel(ctx, roomID)
	}()
}

// Resolver resolves against roomID's map first, then the global map. It
// only reads what is cached and never blocks on the network.
func (c *Catalog) Resolver(roomID string) Resolver {
	c.mu.RLock()
	channel, global := c.channels[roomID], c.global
	c.mu.RUnlock()
	return Chain(channel.Resolve, global.Resolve)
}

// Invalidate drops channel maps for rooms not in open
func (c *Catalog) Invalidate(open []string) {
	keep := make(map[string]bool, len(open))
	for _, id := range open {
		keep[id] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.kept = keep
	for id := range c.channels {
		if !keep[id] {
			delete(c.channels, id)
		}
	}
}

// Cached reports whether roomID has a map
func (c *Catalog) Cached(roomID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[roomID]
	return ok
}

type provider func(ctx context.Context, roomID string) (Map, error)

// fetch queries providers concurrently and merges their maps, later
// providers yielding to earlier ones on conflicts. ok is false when every
// provider failed.
func (c *Catalog) fetch(ctx context.Context, roomID string, providers ...provider) (_ Map, ok bool) {
	results := make([]Map, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		g.Go(func() error {
			m, err := p(gctx, roomID)
			if err != nil {
				c.log.Warnf("emote fetch failed (room %q): %v", roomID, err)
				return nil
			}
			results[i] = m
			return nil
		})
	}
	_ = g.Wait()

	out := Map{}
	for i := len(results) - 1; i >= 0; i-- {
		if results[i] != nil {
			ok = true
		}
		for k, v := range results[i] {
			out[k] = v
		}
	}
	return out, ok
}

type sevenTVEmote struct {
	Name string `json:"name"`
	Data struct {
		Host struct {
			URL string `json:"url"`
		} `json:"host"`
	} `json:"data"`
}

type sevenTVSet struct {
	Emotes []sevenTVEmote `json:"emotes"`
}

func (s sevenTVSet) toMap() Map {
	m := make(Map, len(s.Emotes))
	for _, e := range s.Emotes {
		if e.Name == "" || e.Data.Host.URL == "" {
			continue
		}
		u := e.Data.Host.URL
		if strings.HasPrefix(u, "//") {
			u = "https:" + u
		}
		m[e.Name] = u + "/1x.webp"
	}
	return m
}

func (c *Catalog) sevenTVGlobal(ctx context.Context, _ string) (Map, error) {
	var set sevenTVSet
	if err := c.getJSON(ctx, "7tv", c.opts.SevenTVURL+"/v3/emote-sets/global", &set); err != nil {
		return nil, err
	}
	return set.toMap(), nil
}

func (c *Catalog) sevenTVChannel(ctx context.Context, roomID string) (Map, error) {
	var user struct {
		EmoteSet sevenTVSet `json:"emote_set"`
	}
	if err := c.getJSON(ctx, "7tv", c.opts.SevenTVURL+"/v3/users/twitch/"+roomID, &user); err != nil {
		return nil, err
	}
	return user.EmoteSet.toMap(), nil
}

type bttvEmote struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

func bttvMap(sets ...[]bttvEmote) Map {
	m := Map{}
	for _, set := range sets {
		for _, e := range set {
			if e.ID != "" && e.Code != "" {
				m[e.Code] = bttvCDN + e.ID + "/1x"
			}
		}
	}
	return m
}

func (c *Catalog) bttvGlobal(ctx context.Context, _ string) (Map, error) {
	var list []bttvEmote
	if err := c.getJSON(ctx, "bttv", c.opts.BTTVURL+"/3/cached/emotes/global", &list); err != nil {
		return nil, err
	}
	return bttvMap(list), nil
}

func (c *Catalog) bttvChannel(ctx context.Context, roomID string) (Map, error) {
	var user struct {
		ChannelEmotes []bttvEmote `json:"channelEmotes"`
		SharedEmotes  []bttvEmote `json:"sharedEmotes"`
	}
	if err := c.getJSON(ctx, "bttv", c.opts.BTTVURL+"/3/cached/users/twitch/"+roomID, &user); err != nil {
		return nil, err
	}
	return bttvMap(user.ChannelEmotes, user.SharedEmotes), nil
}

func (c *Catalog) getJSON(ctx context.Context, provider, url string, out any) (err error) {
	if c.opts.OnFetch != nil {
		defer func() { c.opts.OnFetch(provider, err) }()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", provider, resp.StatusCode)
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", provider, err)
	}
	return nil
}
