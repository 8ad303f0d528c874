//go:build rp2040 || rp2350

package strconvx

import (
	"errors"

	"audiocode-go/x/conv"
)

// Decimal subset of strconv for MCU builds: console arguments in, status
// lines out.

var (
	errSyntax = errors.New("strconvx: invalid syntax")
	errRange  = errors.New("strconvx: value out of range")
)

func Atoi(s string) (int, error) {
	neg := false
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}
	if s == "" {
		return 0, errSyntax
	}
	var v int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, errSyntax
		}
		v = v*10 + int64(c-'0')
		// int is 32 bits on the RP2 targets.
		if v > 1<<31 {
			return 0, errRange
		}
	}
	if neg {
		v = -v
	} else if v == 1<<31 {
		return 0, errRange
	}
	return int(v), nil
}

// FormatUint supports base 16 (lower case) and base 10; any other base
// formats as decimal.
func FormatUint(u uint64, base int) string {
	var buf [20]byte
	if base != 16 {
		return string(conv.Utoa(buf[:], u))
	}
	const digits = "0123456789abcdef"
	i := len(buf)
	for {
		i--
		buf[i] = digits[u&0xF]
		u >>= 4
		if u == 0 {
			break
		}
	}
	return string(buf[i:])
}

// FormatFloat always produces fixed-point output; fmt is ignored. prec < 0
// means 6 and is capped at 9. Rounding is half away from zero.
func FormatFloat(f float64, _ byte, prec, _ int) string {
	switch {
	case f != f:
		return "NaN"
	case f > 1e18:
		return "+Inf"
	case f < -1e18:
		return "-Inf"
	}
	if prec < 0 {
		prec = 6
	}
	if prec > 9 {
		prec = 9
	}
	neg := f < 0
	if neg {
		f = -f
	}
	scale := uint64(1)
	for i := 0; i < prec; i++ {
		scale *= 10
	}
	// Rounding the scaled value carries into the integer part.
	n := uint64(f*float64(scale) + 0.5)

	var tmp [20]byte
	out := make([]byte, 0, 32)
	if neg && n != 0 {
		out = append(out, '-')
	}
	out = append(out, conv.Utoa(tmp[:], n/scale)...)
	if prec > 0 {
		out = append(out, '.')
		d := conv.Utoa(tmp[:], n%scale)
		for i := len(d); i < prec; i++ {
			out = append(out, '0')
		}
		out = append(out, d...)
	}
	return string(out)
}
