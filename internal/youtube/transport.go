package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/john/chatmux/internal/adapter"
)

// Page is one poll of the live chat
type Page struct {
	Items         []*yt.LiveChatMessage
	NextPageToken string
	PollInterval  time.Duration // server-suggested, zero if absent
	OfflineAt     string        // set once the broadcast has ended
}

// Transport is everything the adapter needs from YouTube. The adapter never
// talks HTTP itself.
type Transport interface {
	ResolveLiveChatID(ctx context.Context, videoID string) (string, error)
	ListMessages(ctx context.Context, liveChatID, pageToken string) (*Page, error)
	InsertMessage(ctx context.Context, liveChatID, text string) (*yt.LiveChatMessage, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// ErrNoLiveChat is returned when a video has no active live chat
var ErrNoLiveChat = errors.New("video has no active live chat")

// TransportOptions configures the YouTube Data API transport. HTTPClient
// wins over Token, which wins over APIKey.
type TransportOptions struct {
	APIKey     string
	Token      string // OAuth access token, required for sending
	HTTPClient *http.Client
	Endpoint   string
}

// APITransport implements Transport over the YouTube Data API v3
type APITransport struct {
	svc *yt.Service
}

var _ Transport = (*APITransport)(nil)

// NewAPITransport builds the Data API service
func NewAPITransport(ctx context.Context, opts TransportOptions) (*APITransport, error) {
	var copts []option.ClientOption
	switch {
	case opts.HTTPClient != nil:
		copts = append(copts, option.WithHTTPClient(opts.HTTPClient))
	case opts.Token != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"})
		copts = append(copts, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	case opts.APIKey != "":
		copts = append(copts, option.WithAPIKey(opts.APIKey))
	default:
		return nil, adapter.Configf("youtube transport", "no API key or OAuth token configured")
	}
	if opts.Endpoint != "" {
		copts = append(copts, option.WithEndpoint(opts.Endpoint))
	}

	svc, err := yt.NewService(ctx, copts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return &APITransport{svc: svc}, nil
}

func (t *APITransport) ResolveLiveChatID(ctx context.Context, videoID string) (string, error) {
	resp, err := t.svc.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("videos.list %s: %w", videoID, err)
	}
	for _, v := range resp.Items {
		if v.LiveStreamingDetails != nil && v.LiveStreamingDetails.ActiveLiveChatId != "" {
			return v.LiveStreamingDetails.ActiveLiveChatId, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoLiveChat, videoID)
}

func (t *APITransport) ListMessages(ctx context.Context, liveChatID, pageToken string) (*Page, error) {
	call := t.svc.LiveChatMessages.List(liveChatID, []string{"snippet", "authorDetails"}).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("liveChatMessages.list: %w", err)
	}
	return &Page{
		Items:         resp.Items,
		NextPageToken: resp.NextPageToken,
		PollInterval:  time.Duration(resp.PollingIntervalMillis) * time.Millisecond,
		OfflineAt:     resp.OfflineAt,
	}, nil
}

func (t *APITransport) InsertMessage(ctx context.Context, liveChatID, text string) (*yt.LiveChatMessage, error) {
	msg := &yt.LiveChatMessage{
		Snippet: &yt.LiveChatMessageSnippet{
			LiveChatId: liveChatID,
			Type:       "textMessageEvent",
			TextMessageDetails: &yt.LiveChatTextMessageDetails{
				MessageText: text,
			},
		},
	}
	out, err := t.svc.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("liveChatMessages.insert: %w", err)
	}
	return out, nil
}

func (t *APITransport) DeleteMessage(ctx context.Context, messageID string) error {
	if err := t.svc.LiveChatMessages.Delete(messageID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("liveChatMessages.delete: %w", err)
	}
	return nil
}
