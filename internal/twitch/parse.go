package twitch

import (
	"sort"
	"strings"
)

// Line is one parsed IRC line:
//
//	[@tags ][:prefix ]COMMAND [params...][ :trailing]
type Line struct {
	Raw         string
	Tags        map[string]string
	Prefix      string
	Command     string
	Params      []string
	Trailing    string
	HasTrailing bool
}

// Parse tokenizes a single line. It returns false for empty lines and lines
// without a command token.
func Parse(raw string) (*Line, bool) {
	rest := strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(rest) == "" {
		return nil, false
	}
	l := &Line{Raw: rest}

	if strings.HasPrefix(rest, "@") {
		end := strings.IndexByte(rest, ' ')
		if end < 0 {
			return nil, false
		}
		l.Tags = parseTags(rest[1:end])
		rest = strings.TrimLeft(rest[end+1:], " ")
	}

	if strings.HasPrefix(rest, ":") {
		end := strings.IndexByte(rest, ' ')
		if end < 0 {
			return nil, false
		}
		l.Prefix = rest[1:end]
		rest = strings.TrimLeft(rest[end+1:], " ")
	}

	if strings.HasPrefix(rest, ":") {
		// A trailing without a command.
		return nil, false
	}
	if i := strings.Index(rest, " :"); i >= 0 {
		l.Trailing = rest[i+2:]
		l.HasTrailing = true
		rest = rest[:i]
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil, false
	}
	l.Command = strings.ToUpper(fields[0])
	l.Params = fields[1:]
	return l, true
}

func parseTags(block string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(block, ";") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		tags[key] = unescapeTag(value)
	}
	return tags
}

func unescapeTag(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 == len(v) {
			// Dangling escape is dropped.
			break
		}
		i++
		switch v[i] {
		case 's':
			b.WriteByte(' ')
		case ':':
			b.WriteByte(';')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

func escapeTag(v string) string {
	r := strings.NewReplacer(`\`, `\\`, " ", `\s`, ";", `\:`, "\r", `\r`, "\n", `\n`)
	return r.Replace(v)
}

// Nick returns the nickname part of the prefix (nick!user@host).
func (l *Line) Nick() string {
	nick, _, _ := strings.Cut(l.Prefix, "!")
	if strings.Contains(nick, ".") && !strings.Contains(l.Prefix, "!") {
		// Server prefix, not a user.
		return ""
	}
	return nick
}

// Param returns the i-th middle parameter or "".
func (l *Line) Param(i int) string {
	if i < 0 || i >= len(l.Params) {
		return ""
	}
	return l.Params[i]
}

// Channel returns the first parameter without its leading '#'.
func (l *Line) Channel() string {
	return strings.TrimPrefix(l.Param(0), "#")
}

// Text returns the trailing parameter, which carries the chat text.
func (l *Line) Text() string {
	return l.Trailing
}

// String serializes the line back to wire format. Tags are written in sorted
// order so output is stable.
func (l *Line) String() string {
	var b strings.Builder
	if len(l.Tags) > 0 {
		keys := make([]string, 0, len(l.Tags))
		for k := range l.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('@')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(';')
			}
			b.WriteString(k)
			if v := l.Tags[k]; v != "" {
				b.WriteByte('=')
				b.WriteString(escapeTag(v))
			}
		}
		b.WriteByte(' ')
	}
	if l.Prefix != "" {
		b.WriteByte(':')
		b.WriteString(l.Prefix)
		b.WriteByte(' ')
	}
	b.WriteString(l.Command)
	for _, p := range l.Params {
		b.WriteByte(' ')
		b.WriteString(p)
	}
	if l.HasTrailing {
		b.WriteString(" :")
		b.WriteString(l.Trailing)
	}
	return b.String()
}
