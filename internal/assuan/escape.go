package assuan

import "fmt"

const hexDigits = "0123456789ABCDEF"

func needsEscape(b byte) bool {
	return b == '%' || b == '\r' || b == '\n' || b == 0
}

// Escape percent-encodes the bytes that may not appear raw in a data line.
func Escape(data []byte) string {
	n := len(data)
	for _, b := range data {
		if needsEscape(b) {
			n += 2
		}
	}
	out := make([]byte, 0, n)
	for _, b := range data {
		out = appendEscaped(out, b)
	}
	return string(out)
}

func appendEscaped(dst []byte, b byte) []byte {
	if !needsEscape(b) {
		return append(dst, b)
	}
	return append(dst, '%', hexDigits[b>>4], hexDigits[b&0x0f])
}

// Unescape decodes %XX sequences. Truncated or non-hex escapes are rejected.
func Unescape(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			out = append(out, s[i])
			continue
		}
		if i+2 >= len(s) {
			return nil, fmt.Errorf("truncated escape at offset %d", i)
		}
		hi, okHi := unhex(s[i+1])
		lo, okLo := unhex(s[i+2])
		if !okHi || !okLo {
			return nil, fmt.Errorf("invalid escape %q at offset %d", s[i:i+3], i)
		}
		out = append(out, hi<<4|lo)
		i += 2
	}
	return out, nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
