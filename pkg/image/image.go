// Package image reads and writes chip memory images.
package image

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
)

// Format is an image file format.
type Format string

const (
	Binary   Format = "bin"
	IntelHex Format = "ihex"
)

// Padding fills gaps in sparse Intel HEX files, the erased state of
// EPROM-like memories.
const Padding = 0xFF

// ParseFormat accepts "bin", "ihex" and "hex".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "bin", "binary", "raw":
		return Binary, nil
	case "ihex", "hex":
		return IntelHex, nil
	}
	return "", fmt.Errorf("unknown image format %q (want bin or ihex)", s)
}

// FormatFromPath guesses the format from a file extension. Unknown
// extensions are treated as raw binary.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex", ".ihx":
		return IntelHex
	}
	return Binary
}

// Read decodes an image. Intel HEX data is flattened starting at address 0
// with gaps filled by Padding.
func Read(r io.Reader, f Format) ([]byte, error) {
	switch f {
	case Binary:
		return io.ReadAll(r)
	case IntelHex:
		mem := gohex.NewMemory()
		if err := mem.ParseIntelHex(r); err != nil {
			return nil, fmt.Errorf("parse intel hex: %w", err)
		}
		var end uint32
		for _, seg := range mem.GetDataSegments() {
			if e := seg.Address + uint32(len(seg.Data)); e > end {
				end = e
			}
		}
		return mem.ToBinary(0, end, Padding), nil
	}
	return nil, fmt.Errorf("unknown image format %q", f)
}

// Write encodes data, located at address 0, as an image.
func Write(w io.Writer, data []byte, f Format) error {
	switch f {
	case Binary:
		_, err := w.Write(data)
		return err
	case IntelHex:
		mem := gohex.NewMemory()
		if len(data) > 0 {
			if err := mem.AddBinary(0, data); err != nil {
				return err
			}
		}
		return mem.DumpIntelHex(w, 16)
	}
	return fmt.Errorf("unknown image format %q", f)
}
