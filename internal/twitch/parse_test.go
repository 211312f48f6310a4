package twitch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name         string
		line         string
		wantOK       bool
		wantCommand  string
		wantPrefix   string
		wantParams   []string
		wantTrailing string
		wantTags     map[string]string
	}{
		{
			name:         "full privmsg",
			line:         "@display-name=Cat;id=1;tmi-sent-ts=1710000000000 :cat!cat@cat.x PRIVMSG #chan :meow",
			wantOK:       true,
			wantCommand:  "PRIVMSG",
			wantPrefix:   "cat!cat@cat.x",
			wantParams:   []string{"#chan"},
			wantTrailing: "meow",
			wantTags:     map[string]string{"display-name": "Cat", "id": "1", "tmi-sent-ts": "1710000000000"},
		},
		{
			name:         "no tags",
			line:         ":tmi.twitch.tv 001 justinfan123 :Welcome, GLHF!",
			wantOK:       true,
			wantCommand:  "001",
			wantPrefix:   "tmi.twitch.tv",
			wantParams:   []string{"justinfan123"},
			wantTrailing: "Welcome, GLHF!",
		},
		{
			name:         "no prefix",
			line:         "PING :tmi.twitch.tv",
			wantOK:       true,
			wantCommand:  "PING",
			wantTrailing: "tmi.twitch.tv",
		},
		{
			name:        "no trailing",
			line:        ":cat!cat@cat.tmi.twitch.tv JOIN #chan",
			wantOK:      true,
			wantCommand: "JOIN",
			wantPrefix:  "cat!cat@cat.tmi.twitch.tv",
			wantParams:  []string{"#chan"},
		},
		{
			name:        "tags without prefix",
			line:        "@room-id=42 ROOMSTATE #chan",
			wantOK:      true,
			wantCommand: "ROOMSTATE",
			wantParams:  []string{"#chan"},
			wantTags:    map[string]string{"room-id": "42"},
		},
		{
			name:         "trailing keeps colons and spaces",
			line:         ":a!a@a PRIVMSG #chan :see :this: here",
			wantOK:       true,
			wantCommand:  "PRIVMSG",
			wantPrefix:   "a!a@a",
			wantParams:   []string{"#chan"},
			wantTrailing: "see :this: here",
		},
		{name: "empty", line: "", wantOK: false},
		{name: "whitespace", line: "   \r\n", wantOK: false},
		{name: "tags only", line: "@a=b", wantOK: false},
		{name: "prefix only", line: ":server", wantOK: false},
		{name: "trailing without command", line: ":server :hello", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			l, ok := Parse(tt.line)
			req.Equal(tt.wantOK, ok)
			if !ok {
				req.Nil(l)
				return
			}
			req.Equal(tt.wantCommand, l.Command)
			req.Equal(tt.wantPrefix, l.Prefix)
			if tt.wantParams == nil {
				req.Empty(l.Params)
			} else {
				req.Equal(tt.wantParams, l.Params)
			}
			req.Equal(tt.wantTrailing, l.Trailing)
			for k, v := range tt.wantTags {
				req.Equal(v, l.Tags[k], "tag %s", k)
			}
		})
	}
}

func TestParse_UnescapesTags(t *testing.T) {
	req := require.New(t)
	l, ok := Parse(`@system-msg=5\sgift\ssubs\:\sthanks\\\r\n USERNOTICE #chan`)
	req.True(ok)
	req.Equal("5 gift subs; thanks\\\r\n", l.Tags["system-msg"])
}

func TestLine_StringRoundTrip(t *testing.T) {
	req := require.New(t)
	in := `@reply-parent-msg-id=abc;x=a\sb :nick!nick@host PRIVMSG #chan :hello there`
	l, ok := Parse(in)
	req.True(ok)
	req.Equal(in, l.String())

	again, ok := Parse(l.String())
	req.True(ok)
	req.Equal(l.Tags, again.Tags)
	req.Equal(l.Trailing, again.Trailing)
}

func TestLine_Nick(t *testing.T) {
	req := require.New(t)
	l, _ := Parse(":cat!cat@cat.x PRIVMSG #chan :meow")
	req.Equal("cat", l.Nick())

	l, _ = Parse(":tmi.twitch.tv NOTICE * :Login authentication failed")
	req.Equal("", l.Nick())
}
