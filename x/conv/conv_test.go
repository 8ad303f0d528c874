package conv

import (
	"math"
	"testing"
)

func TestFormatting(t *testing.T) {
	var buf [21]byte
	if s := string(Itoa(buf[:], -42)); s != "-42" {
		t.Fatalf("Itoa = %q", s)
	}
	if s := string(Itoa(buf[:], 0)); s != "0" {
		t.Fatalf("Itoa(0) = %q", s)
	}
	if s := string(Itoa(buf[:], math.MinInt64)); s != "-9223372036854775808" {
		t.Fatalf("Itoa(min) = %q", s)
	}
	if s := string(Utoa(buf[:], 16000)); s != "16000" {
		t.Fatalf("Utoa = %q", s)
	}
	if s := string(Utoa(buf[:], math.MaxUint64)); s != "18446744073709551615" {
		t.Fatalf("Utoa(max) = %q", s)
	}
	if s := string(U32Hex(buf[:], 0xBEEF)); s != "0000BEEF" {
		t.Fatalf("U32Hex = %q", s)
	}
	if s := U8Hex(0x0C); s != "0x0C" {
		t.Fatalf("U8Hex = %q", s)
	}
}
