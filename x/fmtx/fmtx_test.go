package fmtx

import (
	"bytes"
	"testing"
)

func TestSprintfVerbs(t *testing.T) {
	for _, c := range []struct {
		fmt  string
		args []any
		want string
	}{
		{"state=%s", []any{"running"}, "state=running"},
		{"reg %d hex %x HEX %X", []any{50, 191, 191}, "reg 50 hex bf HEX BF"},
		{"active=%t", []any{true}, "active=true"},
		{"100%%", nil, "100%"},
		{"name=%q", []any{`a"b\c`}, `name="a\"b\\c"`},
		{"v=%v", []any{uint64(16000)}, "v=16000"},
		{"[%5d]", []any{-42}, "[  -42]"},
		{"[%6s]", []any{"adc"}, "[   adc]"},
		{"%.3s", []any{"speaker"}, "spe"},
	} {
		if got := Sprintf(c.fmt, c.args...); got != c.want {
			t.Fatalf("Sprintf(%q) = %q, want %q", c.fmt, got, c.want)
		}
	}
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer
	n, err := Fprintf(&buf, "gain %d dB\n", 24)
	if err != nil || n != buf.Len() {
		t.Fatalf("Fprintf n=%d err=%v", n, err)
	}
	if got := buf.String(); got != "gain 24 dB\n" {
		t.Fatalf("Fprintf wrote %q", got)
	}
}
