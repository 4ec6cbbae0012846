// Package bitfile reads and writes Xilinx style FPGA bitstream containers.
//
// A bitfile starts with a fixed 13 byte magic followed by tagged fields:
//
//	'a' source file   16-bit BE length, NUL terminated text
//	'b' FPGA name     16-bit BE length, NUL terminated text
//	'c' date          16-bit BE length, NUL terminated text
//	'd' time          16-bit BE length, NUL terminated text
//	'e' payload       32-bit BE length, raw bitstream
//
// Parsing stops after the payload field. FPGA name and payload are required.
package bitfile

import (
	"bytes"
	"os"

	"github.com/pkg/errors"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/toperr"
)

// Magic is the header every bitfile starts with.
var Magic = []byte{0x00, 0x09, 0x0F, 0xF0, 0x0F, 0xF0, 0x0F, 0xF0, 0x0F, 0xF0, 0x00, 0x00, 0x01}

// Field tags.
const (
	TagSourceFile = 'a'
	TagFPGA       = 'b'
	TagDate       = 'c'
	TagTime       = 'd'
	TagPayload    = 'e'
)

// Bitfile is a parsed bitstream container.
type Bitfile struct {
	SourceFile string
	FPGA       string
	Date       string
	Time       string
	Payload    []byte
}

// Parse decodes a bitfile image. All failures are toperr.ErrFormat errors.
func Parse(data []byte) (*Bitfile, error) {
	bf, err := parse(data)
	if err != nil {
		return nil, toperr.Format("parse bitfile", err)
	}
	return bf, nil
}

// ParseFile reads and decodes the bitfile at path.
func ParseFile(path string) (*Bitfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read bitfile")
	}
	bf, err := parse(data)
	if err != nil {
		return nil, toperr.Format("parse bitfile "+path, err)
	}
	return bf, nil
}

func parse(data []byte) (*Bitfile, error) {
	if len(data) < len(Magic) || !bytes.Equal(data[:len(Magic)], Magic) {
		return nil, errors.New("invalid magic")
	}
	r := reader{data: data, pos: len(Magic)}
	bf := new(Bitfile)
	havePayload := false

	for !havePayload {
		if r.eof() {
			break
		}
		tag := r.data[r.pos]
		r.pos++
		switch tag {
		case TagSourceFile, TagFPGA, TagDate, TagTime:
			text, err := r.text()
			if err != nil {
				return nil, errors.Wrapf(err, "field '%c'", tag)
			}
			switch tag {
			case TagSourceFile:
				bf.SourceFile = text
			case TagFPGA:
				bf.FPGA = text
			case TagDate:
				bf.Date = text
			case TagTime:
				bf.Time = text
			}
		case TagPayload:
			n, err := r.length(4)
			if err != nil {
				return nil, errors.Wrap(err, "payload length")
			}
			p, err := r.take(n)
			if err != nil {
				return nil, errors.Wrap(err, "payload")
			}
			bf.Payload = append([]byte(nil), p...)
			havePayload = true
		default:
			return nil, errors.Errorf("unknown field tag 0x%02X at offset %d", tag, r.pos-1)
		}
	}

	if bf.FPGA == "" {
		return nil, errors.New("missing FPGA name field")
	}
	if !havePayload {
		return nil, errors.New("missing payload field")
	}
	return bf, nil
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) eof() bool { return r.pos >= len(r.data) }

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.data)-r.pos < n {
		return nil, errors.Errorf("truncated at offset %d: need %d bytes, have %d", r.pos, n, len(r.data)-r.pos)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) length(size int) (int, error) {
	b, err := r.take(size)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range b {
		n = n<<8 | int(c)
	}
	return n, nil
}

func (r *reader) text() (string, error) {
	n, err := r.length(2)
	if err != nil {
		return "", err
	}
	b, err := r.take(n)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(b, "\x00")), nil
}

// Marshal encodes bf as a bitfile image. Empty text fields other than the
// FPGA name are omitted.
func (bf *Bitfile) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(Magic)
	fields := []struct {
		tag  byte
		text string
	}{
		{TagSourceFile, bf.SourceFile},
		{TagFPGA, bf.FPGA},
		{TagDate, bf.Date},
		{TagTime, bf.Time},
	}
	for _, f := range fields {
		if f.text == "" && f.tag != TagFPGA {
			continue
		}
		n := len(f.text) + 1
		if n > 0xFFFF {
			return nil, errors.Errorf("field '%c' too long", f.tag)
		}
		buf.WriteByte(f.tag)
		buf.WriteByte(byte(n >> 8))
		buf.WriteByte(byte(n))
		buf.WriteString(f.text)
		buf.WriteByte(0)
	}
	n := uint64(len(bf.Payload))
	if n > 0xFFFFFFFF {
		return nil, errors.New("payload too long")
	}
	buf.WriteByte(TagPayload)
	buf.Write([]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
	buf.Write(bf.Payload)
	return buf.Bytes(), nil
}
