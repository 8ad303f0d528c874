//go:build rp2040 || rp2350

package fmtx

import (
	"io"
	"unicode/utf8"

	"audiocode-go/x/conv"
	"audiocode-go/x/strconvx"
)

// Sprintf understands %s %q %d %x %X %t %v and %%, with an optional width
// (right aligned) and a precision for strings. There are no flags.
func Sprintf(format string, a ...any) string {
	p := printer{buf: make([]byte, 0, len(format)+16)}
	p.doPrintf(format, a)
	return string(p.buf)
}

func Fprintf(w io.Writer, format string, a ...any) (int, error) {
	return w.Write([]byte(Sprintf(format, a...)))
}

type printer struct {
	buf     []byte
	scratch [21]byte
}

func (p *printer) doPrintf(format string, args []any) {
	ai := 0
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			p.buf = append(p.buf, c)
			continue
		}
		i++
		if i < len(format) && format[i] == '%' {
			p.buf = append(p.buf, '%')
			continue
		}
		var width, prec int
		width, i = num(format, i)
		prec = -1
		if i < len(format) && format[i] == '.' {
			prec, i = num(format, i+1)
			if prec < 0 {
				prec = 0
			}
		}
		if i >= len(format) {
			p.buf = append(p.buf, "%!(NOVERB)"...)
			return
		}
		verb := format[i]
		if ai >= len(args) {
			p.buf = append(p.buf, '%', '!', verb)
			p.buf = append(p.buf, "(MISSING)"...)
			continue
		}
		p.pad(width, p.arg(args[ai], verb, prec))
		ai++
	}
}

func (p *printer) arg(a any, verb byte, prec int) string {
	switch verb {
	case 's', 'v':
		s := p.text(a)
		if verb == 's' && prec >= 0 && prec < len(s) {
			s = s[:prec]
		}
		return s
	case 'q':
		return quote(p.text(a))
	case 'd':
		if n, ok := signed(a); ok {
			return string(conv.Itoa(p.scratch[:], n))
		}
		if u, ok := unsigned(a); ok {
			return string(conv.Utoa(p.scratch[:], u))
		}
	case 'x', 'X':
		if u, ok := unsigned(a); ok {
			return hex(u, verb == 'X')
		}
		if n, ok := signed(a); ok {
			if n < 0 {
				return "-" + hex(uint64(-n), verb == 'X')
			}
			return hex(uint64(n), verb == 'X')
		}
	case 't':
		if b, ok := a.(bool); ok {
			return boolText(b)
		}
	}
	return "%!" + string(verb) + "(" + p.text(a) + ")"
}

func (p *printer) text(a any) string {
	switch v := a.(type) {
	case nil:
		return "<nil>"
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		return boolText(v)
	case float32:
		return strconvx.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconvx.FormatFloat(v, 'f', -1, 64)
	case error:
		return v.Error()
	case interface{ String() string }:
		return v.String()
	}
	if n, ok := signed(a); ok {
		return string(conv.Itoa(p.scratch[:], n))
	}
	if u, ok := unsigned(a); ok {
		return string(conv.Utoa(p.scratch[:], u))
	}
	return "?"
}

func (p *printer) pad(width int, s string) {
	for n := width - utf8.RuneCountInString(s); n > 0; n-- {
		p.buf = append(p.buf, ' ')
	}
	p.buf = append(p.buf, s...)
}

// num parses a decimal at s[i:]. It returns -1 when there are no digits.
func num(s string, i int) (int, int) {
	n := -1
	for ; i < len(s) && '0' <= s[i] && s[i] <= '9'; i++ {
		if n < 0 {
			n = 0
		}
		n = n*10 + int(s[i]-'0')
	}
	return n, i
}

func signed(a any) (int64, bool) {
	switch v := a.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

func unsigned(a any) (uint64, bool) {
	switch v := a.(type) {
	case uint:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case uintptr:
		return uint64(v), true
	}
	return 0, false
}

func hex(u uint64, upper bool) string {
	digits := "0123456789abcdef"
	if upper {
		digits = "0123456789ABCDEF"
	}
	var buf [16]byte
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

func boolText(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// quote escapes backslash, double quote and the common control characters.
func quote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\', '"':
			out = append(out, '\\', c)
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		case '\t':
			out = append(out, '\\', 't')
		default:
			out = append(out, c)
		}
	}
	return string(append(out, '"'))
}
