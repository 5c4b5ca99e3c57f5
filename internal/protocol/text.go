package protocol

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// Encoding selects how a string field is represented on the wire.
type Encoding uint8

const (
	ASCII Encoding = iota
	UTF8
	UTF16BE
	UTF16LE
)

var encodingNames = map[Encoding]string{
	ASCII:   "ascii",
	UTF8:    "utf8",
	UTF16BE: "utf16be",
	UTF16LE: "utf16le",
}

// String returns the encoding name.
func (e Encoding) String() string {
	if s, ok := encodingNames[e]; ok {
		return s
	}
	return fmt.Sprintf("encoding(%d)", uint8(e))
}

// UnitSize returns the width of one code unit, which is also the width of
// the terminator.
func (e Encoding) UnitSize() int {
	if e == UTF16BE || e == UTF16LE {
		return 2
	}
	return 1
}

func (e Encoding) utf16() encoding.Encoding {
	if e == UTF16LE {
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	}
	return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
}

// truncate cuts encoded text to at most n bytes without splitting a code
// unit, a surrogate pair or a UTF-8 sequence.
func (e Encoding) truncate(raw []byte, n int) []byte {
	if len(raw) <= n {
		return raw
	}
	raw = raw[:n-n%e.UnitSize()]
	switch e {
	case UTF8:
		i := len(raw) - 1
		for i > 0 && !utf8.RuneStart(raw[i]) {
			i--
		}
		if i >= 0 && !utf8.FullRune(raw[i:]) {
			raw = raw[:i]
		}
	case UTF16BE, UTF16LE:
		if len(raw) >= 2 {
			last := raw[len(raw)-2:]
			unit := uint16(last[0])<<8 | uint16(last[1])
			if e == UTF16LE {
				unit = uint16(last[1])<<8 | uint16(last[0])
			}
			if unit >= 0xD800 && unit <= 0xDBFF {
				raw = raw[:len(raw)-2]
			}
		}
	}
	return raw
}

// decode converts raw code units to a Go string. Trailing half units are
// ignored.
func (e Encoding) decode(raw []byte) (string, error) {
	switch e {
	case ASCII:
		var sb strings.Builder
		sb.Grow(len(raw))
		for _, b := range raw {
			if b >= utf8.RuneSelf {
				b = '?'
			}
			sb.WriteByte(b)
		}
		return sb.String(), nil
	case UTF8:
		return strings.ToValidUTF8(string(raw), "\uFFFD"), nil
	case UTF16BE, UTF16LE:
		raw = raw[:len(raw)&^1]
		out, err := e.utf16().NewDecoder().Bytes(raw)
		if err != nil {
			return "", fmt.Errorf("decode %s: %w", e, err)
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unsupported encoding %s", e)
	}
}

// encode converts s to wire code units without a terminator.
func (e Encoding) encode(s string) ([]byte, error) {
	switch e {
	case ASCII:
		out := make([]byte, 0, len(s))
		for _, r := range s {
			if r >= utf8.RuneSelf {
				r = '?'
			}
			out = append(out, byte(r))
		}
		return out, nil
	case UTF8:
		return []byte(s), nil
	case UTF16BE, UTF16LE:
		out, err := e.utf16().NewEncoder().Bytes([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", e, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %s", e)
	}
}

// indexTerminator returns the offset of the first unit-aligned zero unit in
// raw, or -1.
func (e Encoding) indexTerminator(raw []byte) int {
	if e.UnitSize() == 1 {
		return bytes.IndexByte(raw, 0)
	}
	for i := 0; i+1 < len(raw); i += 2 {
		if raw[i] == 0 && raw[i+1] == 0 {
			return i
		}
	}
	return -1
}

// softenTerminators returns a copy of raw with trailing zero units dropped
// and embedded zero units replaced by spaces.
func (e Encoding) softenTerminators(raw []byte) []byte {
	unit := e.UnitSize()
	end := len(raw) - len(raw)%unit
	for end >= unit && isZero(raw[end-unit:end]) {
		end -= unit
	}
	out := make([]byte, end)
	copy(out, raw[:end])
	for i := 0; i+unit <= end; i += unit {
		if !isZero(out[i : i+unit]) {
			continue
		}
		switch e {
		case UTF16BE:
			out[i+1] = ' '
		default:
			out[i] = ' '
		}
	}
	return out
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// sanitize replaces control characters with spaces.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7F {
			return ' '
		}
		return r
	}, s)
}
