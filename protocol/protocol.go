// Package protocol is the line codec spoken by terminal front ends:
// one packet per line, fields separated by '|', with backslash escapes for
// the separator, the backslash itself and line breaks.
package protocol

import (
	"errors"
	"strings"
	"time"
)

// TimeLayout is how timestamps travel on the wire.
const TimeLayout = "2006-01-02T15:04:05Z"

var ErrInvalidPacket = errors.New("invalid packet format")

type Packet struct {
	Type   string
	Fields []string
}

// Field returns the i-th field or "" when the packet is shorter.
func (p Packet) Field(i int) string {
	if i < 0 || i >= len(p.Fields) {
		return ""
	}
	return p.Fields[i]
}

func Parse(line string) (Packet, error) {
	line = strings.TrimRight(line, "\r\n")

	parts := split(line)
	typ := Unescape(parts[0])
	if typ == "" {
		return Packet{}, ErrInvalidPacket
	}

	pkt := Packet{Type: typ}
	for _, part := range parts[1:] {
		pkt.Fields = append(pkt.Fields, Unescape(part))
	}
	return pkt, nil
}

// Format encodes a packet, including the trailing newline.
func Format(typ string, fields ...string) string {
	var b strings.Builder
	b.WriteString(Escape(typ))
	for _, f := range fields {
		b.WriteByte('|')
		b.WriteString(Escape(f))
	}
	b.WriteByte('\n')
	return b.String()
}

func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// split cuts s on separators that are not preceded by an escape. Escapes
// are left in place for Unescape.
func split(s string) []string {
	var (
		parts   []string
		start   int
		escaped bool
	)
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '|':
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func Unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case '|', '\\':
			b.WriteByte(s[i])
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			// unknown escapes pass through untouched
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func Escape(s string) string {
	return escaper.Replace(s)
}

var escaper = strings.NewReplacer(
	`\`, `\\`,
	`|`, `\|`,
	"\n", `\n`,
	"\r", `\r`,
)
