package emotes

import (
	"cmp"
	"iter"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/john/chatmux/internal/message"
)

// TwitchEmoteURL is the CDN image for a native Twitch emote
func TwitchEmoteURL(id string) string {
	return "https://static-cdn.jtvnw.net/emoticons/v2/" + id + "/default/dark/1.0"
}

// KickEmoteURL is the CDN image for a native Kick emote
func KickEmoteURL(id string) string {
	return "https://files.kick.com/emotes/" + id + "/fullsize"
}

// Range is one native emote occurrence, in rune offsets, End inclusive
type Range struct {
	ID    string
	Start int
	End   int
}

// ParseTwitchRanges parses an emotes tag such as "25:0-4,12-16/1902:6-10".
// The result is sorted by start offset; a range overlapping one accepted
// before it is dropped, so the lowest start wins and equal starts keep the
// one listed first. Malformed entries are skipped.
func ParseTwitchRanges(tag string) []Range {
	var ranges []Range
	for _, group := range strings.Split(tag, "/") {
		id, spans, ok := strings.Cut(group, ":")
		if !ok || id == "" {
			continue
		}
		for _, span := range strings.Split(spans, ",") {
			a, b, ok := strings.Cut(span, "-")
			if !ok {
				continue
			}
			start, err1 := strconv.Atoi(a)
			end, err2 := strconv.Atoi(b)
			if err1 != nil || err2 != nil || start < 0 || end < start {
				continue
			}
			ranges = append(ranges, Range{ID: id, Start: start, End: end})
		}
	}
	slices.SortStableFunc(ranges, func(x, y Range) int { return cmp.Compare(x.Start, y.Start) })

	out := ranges[:0]
	last := -1
	for _, r := range ranges {
		if r.Start <= last {
			continue
		}
		out = append(out, r)
		last = r.End
	}
	return out
}

// TokenizeTwitch slices text around the native ranges in tag and tokenizes
// the gaps with resolve
func TokenizeTwitch(text, tag string, resolve Resolver) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		runes := []rune(text)
		pos := 0
		for _, r := range ParseTwitchRanges(tag) {
			if r.Start < pos || r.End >= len(runes) {
				continue
			}
			if !tokenize(string(runes[pos:r.Start]), resolve, yield) {
				return
			}
			if !yield(EmoteChunk(string(runes[r.Start:r.End+1]), TwitchEmoteURL(r.ID))) {
				return
			}
			pos = r.End + 1
		}
		tokenize(string(runes[pos:]), resolve, yield)
	}
}

var kickEmotePattern = regexp.MustCompile(`\[emote:(\d+):([^\]\s]+)\]`)

// TokenizeKick replaces inline [emote:<id>:<name>] markers with emote
// chunks. Text without markers goes through Tokenize unchanged.
func TokenizeKick(text string, resolve Resolver) iter.Seq[Chunk] {
	matches := kickEmotePattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return Tokenize(text, resolve)
	}
	return func(yield func(Chunk) bool) {
		pos := 0
		for _, m := range matches {
			if !tokenize(text[pos:m[0]], resolve, yield) {
				return
			}
			id, name := text[m[2]:m[3]], text[m[4]:m[5]]
			if !yield(EmoteChunk(name, KickEmoteURL(id))) {
				return
			}
			pos = m[1]
		}
		tokenize(text[pos:], resolve, yield)
	}
}

// Render picks the native path for msg's platform
func Render(msg message.ChatMessage, resolve Resolver) iter.Seq[Chunk] {
	switch msg.Platform {
	case message.Twitch:
		if tag := msg.Raw[message.RawEmotes]; tag != "" {
			return TokenizeTwitch(msg.Message, tag, resolve)
		}
	case message.Kick:
		return TokenizeKick(msg.Message, resolve)
	}
	return Tokenize(msg.Message, resolve)
}
