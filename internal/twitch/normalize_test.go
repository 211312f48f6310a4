package twitch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/john/chatmux/internal/message"
)

func mustParse(t *testing.T, raw string) *Line {
	t.Helper()
	l, ok := Parse(raw)
	require.True(t, ok, "parse %q", raw)
	return l
}

func TestNormalize_Privmsg(t *testing.T) {
	req := require.New(t)
	msg, ok := Normalize(mustParse(t, "@display-name=Cat;id=1;tmi-sent-ts=1710000000000 :cat!cat@cat.x PRIVMSG #chan :meow"))
	req.True(ok)
	req.Equal("chan", msg.Channel)
	req.Equal("Cat", msg.DisplayName)
	req.Equal("cat", msg.Username)
	req.Equal("meow", msg.Message)
	req.Equal("1", msg.ID)
	req.Equal(message.Twitch, msg.Platform)
	req.Equal(time.UnixMilli(1710000000000).UTC(), msg.Timestamp)
}

func TestNormalize_DisplayNameFallsBackToUsername(t *testing.T) {
	req := require.New(t)
	msg, ok := Normalize(mustParse(t, "@id=2;badges=moderator/1,subscriber/12,moderator/1;color=#FF0000 :dog!dog@dog.x PRIVMSG #chan :woof"))
	req.True(ok)
	req.Equal("dog", msg.DisplayName)
	req.Equal([]string{"moderator", "subscriber"}, msg.Badges)
	req.Equal("#FF0000", msg.Color)
	req.Equal("#FF0000", msg.Raw["color"])
}

func TestNormalize_ActionIsUnwrapped(t *testing.T) {
	msg, ok := Normalize(mustParse(t, ":cat!cat@cat.x PRIVMSG #chan :\x01ACTION waves\x01"))
	require.True(t, ok)
	require.Equal(t, "waves", msg.Message)
}

func TestNormalize_UserNoticeUsesSystemMessage(t *testing.T) {
	req := require.New(t)
	msg, ok := Normalize(mustParse(t, `@id=3;login=gifter;msg-id=subgift;system-msg=gifter\sgifted\sa\ssub! :tmi.twitch.tv USERNOTICE #chan`))
	req.True(ok)
	req.Equal("gifter gifted a sub!", msg.Message)
	req.Equal("gifter", msg.Username)
	req.Equal("subgift", msg.Raw[message.RawMsgType])
	req.Equal("USERNOTICE", msg.Raw["command"])
}

func TestNormalize_UserNoticeKeepsUserText(t *testing.T) {
	msg, ok := Normalize(mustParse(t, `@id=4;login=fan;system-msg=fan\sresubscribed :tmi.twitch.tv USERNOTICE #chan :12 months!`))
	require.True(t, ok)
	require.Equal(t, "12 months!", msg.Message)
}

func TestNormalize_IgnoresOtherCommands(t *testing.T) {
	for _, raw := range []string{
		"PING :tmi.twitch.tv",
		":tmi.twitch.tv 001 me :Welcome",
		"@room-id=1 :tmi.twitch.tv ROOMSTATE #chan",
		":cat!cat@cat.x JOIN #chan",
		"@target-msg-id=abc :tmi.twitch.tv CLEARMSG #chan :bad",
	} {
		_, ok := Normalize(mustParse(t, raw))
		require.False(t, ok, raw)
	}
	_, ok := Normalize(nil)
	require.False(t, ok)
}

func TestNormalize_SynthesizesMissingID(t *testing.T) {
	now := time.Unix(1700000000, 0)
	msg, ok := normalizeAt(mustParse(t, ":cat!cat@cat.x PRIVMSG #chan :hi"), now)
	require.True(t, ok)
	require.NotEmpty(t, msg.ID)
	require.Equal(t, now.UTC(), msg.Timestamp)
}

func TestModerationFrom(t *testing.T) {
	req := require.New(t)
	now := time.Now()

	mod, ok := moderationFrom("@login=troll;room-id=;target-msg-id=abc-123;tmi-sent-ts=1642720582342 :tmi.twitch.tv CLEARMSG #chan :spam", now)
	req.True(ok)
	req.Equal("abc-123", mod.MessageID)
	req.Equal("troll", mod.Username)
	req.Equal("chan", mod.Channel)

	mod, ok = moderationFrom("@ban-duration=600;room-id=12345;target-user-id=87654;tmi-sent-ts=1642715756806 :tmi.twitch.tv CLEARCHAT #chan :troll", now)
	req.True(ok)
	req.Equal("troll", mod.Username)
	req.Equal(10*time.Minute, mod.Duration)
	req.False(mod.ClearAll)

	mod, ok = moderationFrom("@room-id=12345;tmi-sent-ts=1642715695392 :tmi.twitch.tv CLEARCHAT #chan", now)
	req.True(ok)
	req.True(mod.ClearAll)

	_, ok = moderationFrom(":cat!cat@cat.x PRIVMSG #chan :meow", now)
	req.False(ok)
}
