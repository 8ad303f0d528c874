package mathx

import "testing"

func TestClampSwapsBounds(t *testing.T) {
	if got := Clamp(50, 42, 0); got != 42 {
		t.Fatalf("Clamp = %d", got)
	}
	if got := Clamp(-3, 0, 42); got != 0 {
		t.Fatalf("Clamp = %d", got)
	}
}

func TestSatInt16(t *testing.T) {
	cases := []struct {
		in   float64
		want int16
	}{
		{0, 0},
		{1.4, 1},
		{1.6, 2},
		{-1.6, -2},
		{40000, 32767},
		{-40000, -32768},
	}
	for _, c := range cases {
		if got := SatInt16(c.in); got != c.want {
			t.Fatalf("SatInt16(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestIntDiv(t *testing.T) {
	if got := CeilDiv[uint64](100, 20); got != 5 {
		t.Fatalf("CeilDiv exact = %d", got)
	}
	if got := CeilDiv[uint64](101, 20); got != 6 {
		t.Fatalf("CeilDiv = %d", got)
	}
	if got := RoundDiv[uint32](5, 10); got != 1 {
		t.Fatalf("RoundDiv half = %d", got)
	}
	if got := RoundDiv[uint32](4, 10); got != 0 {
		t.Fatalf("RoundDiv = %d", got)
	}
	if CeilDiv[uint8](3, 0) != 0 || RoundDiv[uint8](3, 0) != 0 {
		t.Fatal("division by zero should yield 0")
	}
}
