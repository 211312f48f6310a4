package kick

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

const DefaultSiteURL = "https://kick.com"

// Channel is what Kick's channel lookup tells us about a slug
type Channel struct {
	Slug       string
	ChatroomID int
	UserID     int // broadcaster user id, used by the public API
}

// ChatroomResolver turns a channel slug into the chatroom the gateway
// subscribes to
type ChatroomResolver interface {
	ResolveChatroom(ctx context.Context, slug string) (Channel, error)
}

// channelResponse represents the kick.com/api/v2/channels response
type channelResponse struct {
	ID       int    `json:"id"`
	UserID   int    `json:"user_id"`
	Slug     string `json:"slug"`
	Chatroom struct {
		ID int `json:"id"`
	} `json:"chatroom"`
}

// HTTPResolver looks channels up on the kick.com website API
type HTTPResolver struct {
	Client  *http.Client
	BaseURL string
}

// NewHTTPResolver creates a resolver with a 10s timeout client
func NewHTTPResolver() *HTTPResolver {
	return &HTTPResolver{
		Client:  &http.Client{Timeout: 10 * time.Second},
		BaseURL: DefaultSiteURL,
	}
}

// ResolveChatroom fetches channel information from the Kick API
func (r *HTTPResolver) ResolveChatroom(ctx context.Context, slug string) (Channel, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return Channel{}, fmt.Errorf("empty channel slug")
	}
	base := r.BaseURL
	if base == "" {
		base = DefaultSiteURL
	}
	url := fmt.Sprintf("%s/api/v2/channels/%s", strings.TrimRight(base, "/"), slug)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Channel{}, fmt.Errorf("failed to create request: %w", err)
	}
	setBrowserHeaders(req)

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Channel{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Channel{}, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Channel{}, fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var info channelResponse
	if err := sonic.Unmarshal(body, &info); err != nil {
		return Channel{}, fmt.Errorf("JSON decode failed: %w", err)
	}
	if info.Chatroom.ID == 0 {
		return Channel{}, fmt.Errorf("channel %q has no chatroom", slug)
	}
	if info.Slug == "" {
		info.Slug = slug
	}
	return Channel{Slug: info.Slug, ChatroomID: info.Chatroom.ID, UserID: info.UserID}, nil
}

// setBrowserHeaders makes the request look like it came from the Kick web
// client, which Cloudflare lets through
func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://kick.com/")
	req.Header.Set("Origin", "https://kick.com")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("sec-ch-ua", `"Chromium";v="143", "Not.A/Brand";v="24", "Google Chrome";v="143"`)
	req.Header.Set("sec-ch-ua-mobile", "?0")
	req.Header.Set("sec-ch-ua-platform", `"Windows"`)
}

// StaticResolver serves pre-configured chatroom ids and defers everything
// else to Fallback
type StaticResolver struct {
	Channels map[string]Channel
	Fallback ChatroomResolver
}

func (r StaticResolver) ResolveChatroom(ctx context.Context, slug string) (Channel, error) {
	if ch, ok := r.Channels[strings.ToLower(slug)]; ok && ch.ChatroomID > 0 {
		if ch.Slug == "" {
			ch.Slug = strings.ToLower(slug)
		}
		return ch, nil
	}
	if r.Fallback == nil {
		return Channel{}, fmt.Errorf("no chatroom configured for %q", slug)
	}
	return r.Fallback.ResolveChatroom(ctx, slug)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
