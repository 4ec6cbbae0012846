package bitfile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/toperr"
)

func sample() *Bitfile {
	return &Bitfile{
		SourceFile: "m27cxxx.ncd;UserID=0xFFFFFFFF",
		FPGA:       "2s15tq144",
		Date:       "2010/05/12",
		Time:       "21:04:13",
		Payload:    bytes.Repeat([]byte{0xFF, 0x55, 0x99, 0xAA}, 100),
	}
}

func TestRoundTrip(t *testing.T) {
	want := sample()
	data, err := want.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got.SourceFile != want.SourceFile || got.FPGA != want.FPGA ||
		got.Date != want.Date || got.Time != want.Time {
		t.Errorf("metadata mismatch: got %+v", got)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("payload mismatch: %d bytes, want %d", len(got.Payload), len(want.Payload))
	}
}

func TestParseStopsAfterPayload(t *testing.T) {
	data, _ := sample().Marshal()
	data = append(data, 'z', 0x12, 0x34)
	if _, err := Parse(data); err != nil {
		t.Fatalf("trailing bytes after the payload must be ignored: %v", err)
	}
}

func TestParseErrors(t *testing.T) {
	good, _ := sample().Marshal()

	noPayload := &Bitfile{FPGA: "2s15"}
	np, _ := noPayload.Marshal()
	// Cut the payload field off completely.
	np = np[:len(np)-5]

	badMagic := append([]byte(nil), good...)
	badMagic[1] = 0x08

	unknownTag := append(append([]byte(nil), Magic...), 'x', 0, 1, 0)

	noFPGA := append(append([]byte(nil), Magic...), 'e', 0, 0, 0, 1, 0xAA)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", badMagic},
		{"missing payload", np},
		{"unknown tag", unknownTag},
		{"missing fpga", noFPGA},
		{"truncated payload", good[:len(good)-10]},
		{"truncated length", good[:len(Magic)+2]},
	}
	for _, tt := range tests {
		_, err := Parse(tt.data)
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		if !errors.Is(err, toperr.ErrFormat) {
			t.Errorf("%s: error %v is not a format error", tt.name, err)
		}
	}
}

func TestStore(t *testing.T) {
	dir := t.TempDir()
	data, _ := sample().Marshal()
	if err := os.WriteFile(filepath.Join(dir, "_27cxxx.bit"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.bit"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(t.TempDir(), dir)
	bf, err := s.Load("_27cxxx")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if bf.FPGA != "2s15tq144" {
		t.Errorf("FPGA = %q", bf.FPGA)
	}

	if _, err := s.Load("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file: got %v, want ErrNotFound", err)
	}
	if _, err := s.Load("broken"); !errors.Is(err, toperr.ErrFormat) {
		t.Errorf("broken file: got %v, want format error", err)
	}

	chain := Chain{MemStore{"other": sample()}, s}
	if _, err := chain.Load("_27cxxx.bit"); err != nil {
		t.Errorf("chain did not fall through: %v", err)
	}
	if _, err := chain.Load("other"); err != nil {
		t.Errorf("chain did not use the memory store: %v", err)
	}
	if _, err := chain.Load("broken"); !errors.Is(err, toperr.ErrFormat) {
		t.Errorf("chain must stop on parse errors, got %v", err)
	}
}
