package hub

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/john/chatmux/internal/adapter"
	"github.com/john/chatmux/internal/kick"
	"github.com/john/chatmux/internal/logs"
	"github.com/john/chatmux/internal/message"
	"github.com/john/chatmux/internal/relay"
	"github.com/john/chatmux/internal/twitch"
	"github.com/john/chatmux/internal/youtube"
)

// Platforms builds adapters from the host's credentials. Every field is
// read-only once the hub is running.
type Platforms struct {
	Backoff adapter.Backoff

	TwitchUsername  string
	TwitchOAuth     string
	TwitchAnonymous bool
	TwitchURL       string

	KickResolver kick.ChatroomResolver
	KickAPI      *kick.APIClient
	KickURL      string

	// KickRelay reads Kick chat through the kick-chat-wrapper client
	// instead of the gateway adapter. Relayed channels are read-only.
	KickRelay bool

	YouTube              youtube.Transport
	YouTubeAuthenticated bool

	// Relays maps a delegated platform (TikTok) to a constructor for its
	// connector. Each adapter gets its own connector.
	Relays map[message.Platform]func() relay.Connector

	// Log returns the sink for one adapter. Defaults to logs.For.
	Log func(platform, channel string) logrus.FieldLogger
}

func (p *Platforms) log(platform message.Platform, channel string) logrus.FieldLogger {
	if p.Log != nil {
		return p.Log(string(platform), channel)
	}
	return logs.For(string(platform), channel)
}

// New implements Factory
func (p *Platforms) New(platform message.Platform, channel string) (adapter.Adapter, error) {
	log := p.log(platform, channel)
	switch platform {
	case message.Twitch:
		return twitch.New(twitch.Options{
			Channel:   channel,
			Username:  p.TwitchUsername,
			OAuth:     p.TwitchOAuth,
			Anonymous: p.TwitchAnonymous,
			URL:       p.TwitchURL,
			Backoff:   p.Backoff,
			Log:       log,
		}), nil
	case message.Kick:
		if p.KickResolver == nil {
			return nil, adapter.Configf("kick", "no chatroom resolver configured")
		}
		if p.KickRelay {
			return relay.New(relay.Options{
				Platform:  message.Kick,
				Channel:   channel,
				Connector: kick.NewRelayConnector(p.KickResolver, log),
				Backoff:   p.Backoff,
				Log:       log,
			}), nil
		}
		return kick.New(kick.Options{
			Channel:  channel,
			Resolver: p.KickResolver,
			API:      p.KickAPI,
			URL:      p.KickURL,
			Backoff:  p.Backoff,
			Log:      log,
		}), nil
	case message.YouTube:
		if p.YouTube == nil {
			return nil, adapter.Configf("youtube", "no API transport configured")
		}
		return youtube.New(youtube.Options{
			Channel:       channel,
			Transport:     p.YouTube,
			Authenticated: p.YouTubeAuthenticated,
			Backoff:       p.Backoff,
			Log:           log,
		}), nil
	}
	if newConn, ok := p.Relays[platform]; ok {
		return relay.New(relay.Options{
			Platform:  platform,
			Channel:   channel,
			Connector: newConn(),
			Backoff:   p.Backoff,
			Log:       log,
		}), nil
	}
	return nil, fmt.Errorf("no adapter for platform %q", platform)
}
