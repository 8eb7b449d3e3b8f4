package ir

import (
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical encodes v as RFC 8785 JSON with NFC-normalized
// strings. These bytes are the only input to ValueKey.
//
// Keys sort by UTF-16 code unit. Only the quote, the backslash and C0
// controls are escaped, so <, >, & and U+2028 appear literally. null has
// no canonical form.
func MarshalCanonical(v IRValue) ([]byte, error) {
	return appendCanonical(make([]byte, 0, 64), v)
}

var errNullCanonical = errors.New("null has no canonical form")

func appendCanonical(dst []byte, v IRValue) ([]byte, error) {
	var err error
	switch val := v.(type) {
	case nil, IRNull:
		return nil, errNullCanonical
	case IRString:
		return appendCanonicalString(dst, string(val)), nil
	case IRInt:
		return strconv.AppendInt(dst, int64(val), 10), nil
	case IRBool:
		return strconv.AppendBool(dst, bool(val)), nil
	case IRArray:
		dst = append(dst, '[')
		for i := range val {
			if i > 0 {
				dst = append(dst, ',')
			}
			if dst, err = appendCanonical(dst, val[i]); err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		return append(dst, ']'), nil
	case IRObject:
		dst = append(dst, '{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = append(appendCanonicalString(dst, k), ':')
			if dst, err = appendCanonical(dst, val[k]); err != nil {
				return nil, fmt.Errorf("value for key %q: %w", k, err)
			}
		}
		return append(dst, '}'), nil
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

// shortEscapes are the two-character escapes RFC 8785 requires.
var shortEscapes = map[rune]string{
	'"':  `\"`,
	'\\': `\\`,
	'\b': `\b`,
	'\f': `\f`,
	'\n': `\n`,
	'\r': `\r`,
	'\t': `\t`,
}

func appendCanonicalString(dst []byte, s string) []byte {
	const hexDigits = "0123456789abcdef"
	dst = append(dst, '"')
	for _, r := range norm.NFC.String(s) {
		if esc, ok := shortEscapes[r]; ok {
			dst = append(dst, esc...)
			continue
		}
		if r < 0x20 {
			dst = append(dst, '\\', 'u', '0', '0', hexDigits[r>>4], hexDigits[r&0xf])
			continue
		}
		dst = utf8.AppendRune(dst, r)
	}
	return append(dst, '"')
}
