package dumpfile

import (
	"fmt"
	"strings"

	"golang.org/x/xerrors"
)

// Escape modes. The standard mode keeps only graphic characters;
// backslash, newline, carriage return and tab get two-character
// escapes, and NUL, space and everything else outside 7-bit printable
// ASCII become \xHH escapes. The modifiers widen or narrow that set for specific
// fields so that the field separators (space, '=') and the '-'
// sentinel stay unambiguous.
const (
	escapeStandard = 0
	noescapeSpace  = 1 << iota
	escapeEqual
	escapeLoneDash
)

// This is intended to match the C isprint API with LC_CTYPE=C.
func isprint(c byte) bool {
	return c >= 32 && c < 127
}

// This is intended to match the C isgraph API with LC_CTYPE=C.
func isgraph(c byte) bool {
	return c > 32 && c < 127
}

func escaped(val []byte, escape int) string {
	if escape&escapeLoneDash != 0 && len(val) == 1 && val[0] == '-' {
		return fmt.Sprintf("\\x%.2x", val[0])
	}

	var sb strings.Builder
	for _, c := range val {
		hexEscape := false
		var special string

		switch c {
		case '\\':
			special = "\\\\"
		case '\n':
			special = "\\n"
		case '\r':
			special = "\\r"
		case '\t':
			special = "\\t"
		case '=':
			hexEscape = escape&escapeEqual != 0
		default:
			if escape&noescapeSpace != 0 {
				hexEscape = !isprint(c)
			} else {
				hexEscape = !isgraph(c)
			}
		}

		switch {
		case special != "":
			sb.WriteString(special)
		case hexEscape:
			fmt.Fprintf(&sb, "\\x%.2x", c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// escapedOptional renders the '-' sentinel for an absent value.
func escapedOptional(val []byte, escape int) string {
	if len(val) == 0 {
		return "-"
	}
	return escaped(val, escape)
}

func hexDigit(c byte) (byte, bool) {
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

// unescape reverses escaped. It is strict: a backslash followed by
// anything but \, n, r, t or xHH fails with ErrUnknownEscape.
func unescape(tok string) ([]byte, error) {
	out := make([]byte, 0, len(tok))
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(tok) {
			return nil, xerrors.Errorf("token %q: trailing backslash: %w", tok, ErrUnknownEscape)
		}
		switch tok[i] {
		case '\\':
			out = append(out, '\\')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case 'x':
			if i+2 >= len(tok) {
				return nil, xerrors.Errorf("token %q: truncated \\x escape: %w", tok, ErrUnknownEscape)
			}
			hi, ok1 := hexDigit(tok[i+1])
			lo, ok2 := hexDigit(tok[i+2])
			if !ok1 || !ok2 {
				return nil, xerrors.Errorf("token %q: bad \\x escape: %w", tok, ErrUnknownEscape)
			}
			out = append(out, hi<<4|lo)
			i += 2
		default:
			return nil, xerrors.Errorf("token %q: \\%c: %w", tok, tok[i], ErrUnknownEscape)
		}
	}
	return out, nil
}

// unescapeOptional maps the bare '-' sentinel to nil. A dumpfile
// cannot distinguish an absent value from a literal lone dash; the
// reference builder reads '-' as absent and so does this parser.
func unescapeOptional(tok string) ([]byte, error) {
	if tok == "-" {
		return nil, nil
	}
	return unescape(tok)
}
