package protocol

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line   string
		typ    string
		fields []string
	}{
		{"ping\n", "ping", nil},
		{"auth|alice|secret\r\n", "auth", []string{"alice", "secret"}},
		{"msg|bob|a\\|b", "msg", []string{"bob", "a|b"}},
		{"msg|bob|line1\\nline2", "msg", []string{"bob", "line1\nline2"}},
		{"msg|bob|back\\\\slash", "msg", []string{"bob", `back\slash`}},
		{"msg|bob|", "msg", []string{"bob", ""}},
		{"msg|bob|\\q", "msg", []string{"bob", `\q`}},
		{"msg|bob|tail\\", "msg", []string{"bob", `tail\`}},
	}
	for _, tt := range tests {
		pkt, err := Parse(tt.line)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.line, err)
			continue
		}
		if pkt.Type != tt.typ {
			t.Errorf("Parse(%q): expected type %q, got %q", tt.line, tt.typ, pkt.Type)
		}
		if !slices.Equal(pkt.Fields, tt.fields) {
			t.Errorf("Parse(%q): expected fields %q, got %q", tt.line, tt.fields, pkt.Fields)
		}
	}
}

func TestParseEmpty(t *testing.T) {
	for _, line := range []string{"", "\n", "|alice"} {
		if _, err := Parse(line); !errors.Is(err, ErrInvalidPacket) {
			t.Errorf("Parse(%q): expected ErrInvalidPacket, got %v", line, err)
		}
	}
}

func TestFormatRoundTrip(t *testing.T) {
	fields := []string{"bob", "pipes | and \\ and\nnewlines\r", ""}
	line := Format("msg", fields...)

	if line[len(line)-1] != '\n' {
		t.Fatalf("Expected trailing newline in %q", line)
	}
	pkt, err := Parse(line)
	if err != nil {
		t.Fatalf("Failed to parse %q: %v", line, err)
	}
	if pkt.Type != "msg" || !slices.Equal(pkt.Fields, fields) {
		t.Errorf("Round trip mismatch: %+v", pkt)
	}
}

func TestField(t *testing.T) {
	pkt := Packet{Type: "hist", Fields: []string{"bob"}}
	if pkt.Field(0) != "bob" || pkt.Field(1) != "" || pkt.Field(-1) != "" {
		t.Errorf("Unexpected Field results for %+v", pkt)
	}
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.FixedZone("X", 3600))
	if got := FormatTime(ts); got != "2024-03-01T11:30:00Z" {
		t.Errorf("Expected %q, got %q", "2024-03-01T11:30:00Z", got)
	}
	if got := FormatTime(time.Time{}); got != "" {
		t.Errorf("Expected empty string for zero time, got %q", got)
	}
}
