// Package emotes turns message text into render-ready chunks, resolving
// native platform emotes and third-party catalog emotes.
package emotes

import (
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ChunkKind tags a Chunk
type ChunkKind uint8

const (
	Text ChunkKind = iota
	Emote
)

// Chunk is either literal text or an emote
type Chunk struct {
	Kind ChunkKind `json:"kind"`
	Text string    `json:"text,omitempty"` // literal text, or the emote code
	URL  string    `json:"url,omitempty"`  // emote image, empty for text
}

func TextChunk(s string) Chunk { return Chunk{Kind: Text, Text: s} }
func EmoteChunk(name, url string) Chunk { return Chunk{Kind: Emote, Text: name, URL: url} }

// IsEmote reports whether c is an emote chunk
func (c Chunk) IsEmote() bool { return c.Kind == Emote }

// Resolver maps a token to an image URL
type Resolver func(token string) (url string, ok bool)

// Map is a token to URL lookup table
type Map map[string]string

// Resolve implements Resolver
func (m Map) Resolve(token string) (string, bool) {
	u, ok := m[token]
	return u, ok
}

// Chain resolves with each resolver in order; the first hit wins
func Chain(resolvers ...Resolver) Resolver {
	return func(token string) (string, bool) {
		for _, r := range resolvers {
			if r == nil {
				continue
			}
			if u, ok := r(token); ok {
				return u, true
			}
		}
		return "", false
	}
}

// Tokenize splits text into chunks. Whitespace runs stay literal, each word
// is looked up as-is and then with surrounding punctuation stripped, and
// adjacent text is merged into one chunk. The sequence is lazy and can be
// ranged over once per call.
func Tokenize(text string, resolve Resolver) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		tokenize(text, resolve, yield)
	}
}

// tokenize yields chunks for text and reports whether the consumer wants
// more
func tokenize(text string, resolve Resolver, yield func(Chunk) bool) bool {
	if text == "" {
		return true
	}
	if resolve == nil {
		return yield(TextChunk(text))
	}

	var pending strings.Builder
	flush := func() bool {
		if pending.Len() == 0 {
			return true
		}
		s := pending.String()
		pending.Reset()
		return yield(TextChunk(s))
	}
	emit := func(name, url string) bool {
		return flush() && yield(EmoteChunk(name, url))
	}

	for len(text) > 0 {
		n := spanLen(text, true)
		if n > 0 {
			pending.WriteString(text[:n])
			text = text[n:]
			continue
		}
		n = spanLen(text, false)
		word := text[:n]
		text = text[n:]

		if url, ok := resolve(word); ok {
			if !emit(word, url) {
				return false
			}
			continue
		}
		lead, core, trail := splitPunct(word)
		if core != "" && core != word {
			if url, ok := resolve(core); ok {
				pending.WriteString(lead)
				if !emit(core, url) {
					return false
				}
				pending.WriteString(trail)
				continue
			}
		}
		pending.WriteString(word)
	}
	return flush()
}

// spanLen returns the byte length of the leading run of whitespace (or
// non-whitespace) runes
func spanLen(s string, space bool) int {
	i := 0
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		if unicode.IsSpace(r) != space {
			break
		}
		i += size
	}
	return i
}

// splitPunct separates leading and trailing punctuation from a word
func splitPunct(word string) (lead, core, trail string) {
	core = strings.TrimLeftFunc(word, unicode.IsPunct)
	lead = word[:len(word)-len(core)]
	trimmed := strings.TrimRightFunc(core, unicode.IsPunct)
	trail = core[len(trimmed):]
	return lead, trimmed, trail
}
