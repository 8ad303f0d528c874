package strconvx

import "testing"

func TestAtoi(t *testing.T) {
	for s, want := range map[string]int{"0": 0, "42": 42, "-42": -42, "+7": 7, "255": 255} {
		got, err := Atoi(s)
		if err != nil || got != want {
			t.Fatalf("Atoi(%q) = %d, %v; want %d", s, got, err, want)
		}
	}
	for _, s := range []string{"", "-", "4x", "1.5", " 3"} {
		if _, err := Atoi(s); err == nil {
			t.Fatalf("Atoi(%q) expected error", s)
		}
	}
}

func TestFormatUint(t *testing.T) {
	if got := FormatUint(0, 10); got != "0" {
		t.Fatalf("FormatUint(0) = %q", got)
	}
	if got := FormatUint(48000, 10); got != "48000" {
		t.Fatalf("FormatUint(48000) = %q", got)
	}
	if got := FormatUint(0xbf, 16); got != "bf" {
		t.Fatalf("FormatUint(0xbf, 16) = %q", got)
	}
}

func TestFormatFloatFixed(t *testing.T) {
	for _, c := range []struct {
		in   float64
		prec int
		want string
	}{
		{0, 0, "0"},
		{-12.5, 1, "-12.5"},
		{3.14159, 2, "3.14"},
		{0.96, 1, "1.0"},
		{-60, 1, "-60.0"},
	} {
		if got := FormatFloat(c.in, 'f', c.prec, 64); got != c.want {
			t.Fatalf("FormatFloat(%v, %d) = %q, want %q", c.in, c.prec, got, c.want)
		}
	}
}
