// Package codec holds the small byte helpers used across the programmer
// core: little-endian integer packing, hex dumps and hex parsing.
package codec

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Uint decodes up to 8 bytes as a little-endian unsigned integer.
func Uint(b []byte) uint64 {
	if len(b) > 8 {
		b = b[:8]
	}
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// PutUint encodes v little-endian into all of b, truncating high bytes.
func PutUint(b []byte, v uint64) {
	for i := range b {
		b[i] = byte(v)
		v >>= 8
	}
}

// Dump renders data as 16 bytes per line with offsets and an ASCII column,
// in the format of hexdump -C.
func Dump(data []byte) string {
	return hex.Dump(data)
}

// ParseHex parses a byte string written as "0E 11 00 00", "0x0e,0x11" or
// "0e110000".
func ParseHex(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == ':' || r == '\t' || r == '\n'
	})
	var out []byte
	for _, f := range fields {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		if len(f)%2 != 0 {
			f = "0" + f
		}
		b, err := hex.DecodeString(f)
		if err != nil {
			return nil, fmt.Errorf("codec: invalid hex %q: %w", f, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

// ParseUint parses a decimal or 0x-prefixed hexadecimal number.
func ParseUint(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}
