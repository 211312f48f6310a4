package hub

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/john/chatmux/internal/adapter"
	"github.com/john/chatmux/internal/kick"
	"github.com/john/chatmux/internal/logs"
	"github.com/john/chatmux/internal/message"
	"github.com/john/chatmux/internal/relay"
	"github.com/john/chatmux/internal/twitch"
)

type nopConnector struct{ relay.Connector }

func TestPlatforms_New(t *testing.T) {
	req := require.New(t)
	resolver := &kick.StaticResolver{Channels: map[string]kick.Channel{"xqc": {Slug: "xqc", ChatroomID: 668}}}
	p := &Platforms{
		TwitchUsername: "cat",
		KickResolver:   resolver,
		Relays: map[message.Platform]func() relay.Connector{
			message.TikTok: func() relay.Connector { return nopConnector{} },
		},
		Log: func(string, string) logrus.FieldLogger { return logs.Discard() },
	}

	a, err := p.New(message.Twitch, "chan")
	req.NoError(err)
	req.IsType(&twitch.Connector{}, a)
	req.Equal("chan", a.Channel())

	a, err = p.New(message.Kick, "xqc")
	req.NoError(err)
	req.IsType(&kick.Connector{}, a)

	a, err = p.New(message.TikTok, "host")
	req.NoError(err)
	req.IsType(&relay.Adapter{}, a)
	req.Equal(message.TikTok, a.Platform())

	p.KickRelay = true
	a, err = p.New(message.Kick, "xqc")
	req.NoError(err)
	req.IsType(&relay.Adapter{}, a)
	req.Equal(message.Kick, a.Platform())
}

func TestPlatforms_MissingCollaborators(t *testing.T) {
	req := require.New(t)
	p := &Platforms{Log: func(string, string) logrus.FieldLogger { return logs.Discard() }}

	_, err := p.New(message.Kick, "xqc")
	req.True(adapter.IsConfigError(err))

	_, err = p.New(message.YouTube, "video")
	req.True(adapter.IsConfigError(err))

	_, err = p.New(message.TikTok, "host")
	req.Error(err)
}
