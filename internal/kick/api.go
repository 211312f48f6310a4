package kick

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/samber/lo"

	"github.com/john/chatmux/internal/adapter"
)

const DefaultAPIURL = "https://api.kick.com"

// APIClient talks to Kick's public REST API for the operations the gateway
// does not cover: sending and deleting chat messages.
type APIClient struct {
	token    string
	http     *http.Client
	apiURL   string
	fallback ChatroomResolver

	mu          sync.Mutex
	broadcaster map[string]int
}

// APIOptions configures an APIClient
type APIOptions struct {
	Token  string // user access token with chat:write
	Client *http.Client
	APIURL string

	// Fallback resolves the broadcaster id when the public channel lookup
	// is blocked or returns nothing.
	Fallback ChatroomResolver
}

// NewAPIClient creates a client for the Kick public API
func NewAPIClient(opts APIOptions) *APIClient {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	return &APIClient{
		token:       strings.TrimPrefix(opts.Token, "Bearer "),
		http:        opts.Client,
		apiURL:      strings.TrimRight(opts.APIURL, "/"),
		fallback:    opts.Fallback,
		broadcaster: make(map[string]int),
	}
}

// HasCredential reports whether a token is configured
func (a *APIClient) HasCredential() bool {
	return a != nil && a.token != ""
}

type publicChannel struct {
	BroadcasterUserID int    `json:"broadcaster_user_id"`
	Slug              string `json:"slug"`
}

type publicChannelsResponse struct {
	Data []publicChannel `json:"data"`
}

// BroadcasterID returns the numeric broadcaster id for slug. A successful
// lookup is cached for the lifetime of the client.
func (a *APIClient) BroadcasterID(ctx context.Context, slug string) (int, error) {
	slug = strings.ToLower(slug)
	a.mu.Lock()
	id, ok := a.broadcaster[slug]
	a.mu.Unlock()
	if ok {
		return id, nil
	}

	id, err := a.lookupBroadcaster(ctx, slug)
	if err != nil || id == 0 {
		if a.fallback == nil {
			if err == nil {
				err = fmt.Errorf("channel %q not found", slug)
			}
			return 0, err
		}
		ch, ferr := a.fallback.ResolveChatroom(ctx, slug)
		if ferr != nil {
			return 0, fmt.Errorf("resolve broadcaster %q: %w", slug, errors.Join(err, ferr))
		}
		id = ch.UserID
	}
	if id == 0 {
		return 0, fmt.Errorf("channel %q has no broadcaster id", slug)
	}

	a.mu.Lock()
	a.broadcaster[slug] = id
	a.mu.Unlock()
	return id, nil
}

func (a *APIClient) lookupBroadcaster(ctx context.Context, slug string) (int, error) {
	var resp publicChannelsResponse
	if err := a.do(ctx, http.MethodGet, "/public/v1/channels?slug="+url.QueryEscape(slug), nil, &resp); err != nil {
		return 0, err
	}
	match, ok := lo.Find(resp.Data, func(d publicChannel) bool {
		return strings.EqualFold(d.Slug, slug)
	})
	if !ok && len(resp.Data) > 0 {
		match, ok = resp.Data[0], true
	}
	if !ok {
		return 0, nil
	}
	return match.BroadcasterUserID, nil
}

type sendRequest struct {
	BroadcasterUserID int    `json:"broadcaster_user_id"`
	Content           string `json:"content"`
	Type              string `json:"type"`
	ReplyToMessageID  string `json:"reply_to_message_id,omitempty"`
}

type sendResponse struct {
	Data struct {
		IsSent    bool   `json:"is_sent"`
		MessageID string `json:"message_id"`
	} `json:"data"`
	Message string `json:"message"`
}

// SendChat posts content as the token's user and returns the new message id
func (a *APIClient) SendChat(ctx context.Context, slug, content, replyTo string) (string, error) {
	if !a.HasCredential() {
		return "", adapter.ErrUnauthenticated
	}
	id, err := a.BroadcasterID(ctx, slug)
	if err != nil {
		return "", err
	}
	body, err := sonic.Marshal(sendRequest{
		BroadcasterUserID: id,
		Content:           content,
		Type:              "user",
		ReplyToMessageID:  replyTo,
	})
	if err != nil {
		return "", err
	}
	var resp sendResponse
	if err := a.do(ctx, http.MethodPost, "/public/v1/chat", body, &resp); err != nil {
		return "", err
	}
	if !resp.Data.IsSent {
		return "", fmt.Errorf("kick rejected message: %s", resp.Message)
	}
	return resp.Data.MessageID, nil
}

// DeleteChat removes a chat message. Requires moderator:chat_message:manage.
func (a *APIClient) DeleteChat(ctx context.Context, messageID string) error {
	if !a.HasCredential() {
		return adapter.ErrUnauthenticated
	}
	return a.do(ctx, http.MethodDelete, "/public/v1/chat/"+url.PathEscape(messageID), nil, nil)
}

// StatusError is returned for non-2xx API responses
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.Status, e.Body)
}

func (a *APIClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.apiURL+path, r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", adapter.ErrUnauthenticated, truncate(string(data), 200))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode, Body: truncate(string(data), 200)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("JSON decode failed: %w", err)
	}
	return nil
}
