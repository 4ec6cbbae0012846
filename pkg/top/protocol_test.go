package top

import (
	"bytes"
	"testing"
)

func TestProtocolEncoding(t *testing.T) {
	p := NewProtocol(64)

	vpp, err := p.EncodeSetVPP(12.0)
	if err != nil {
		t.Fatal(err)
	}
	vcc, err := p.EncodeSetVCC(3.3)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"fpga read fast", p.EncodeFPGARead(0), []byte{0x01}},
		{"fpga read", p.EncodeFPGARead(0x12), []byte{0x0B, 0x12}},
		{"fpga write fast", p.EncodeFPGAWrite(0, 0x55), []byte{0x10, 0x55}},
		{"fpga write", p.EncodeFPGAWrite(0x12, 0x55), []byte{0x0A, 0x12, 0x55}},
		{"read buffer", p.EncodeReadBufferReg(), []byte{0x07}},
		{"status", p.EncodeStatus(), []byte{0x0D}},
		{"version", p.EncodeVersion(), []byte{0x0E, 0x11, 0x00, 0x00}},
		{"vpp", vpp, []byte{0x0E, 0x12, 120, 0x00}},
		{"vcc", vcc, []byte{0x0E, 0x13, 33, 0x00}},
		{"gnd layout", p.EncodeLoadLayout(ExtGNDLayout, 9), []byte{0x0E, 0x16, 9, 0x00}},
		{"pullups on", p.EncodeZifPullups(true), []byte{0x0E, 0x28, 0x01, 0x00}},
		{"pullups off", p.EncodeZifPullups(false), []byte{0x0E, 0x28, 0x00, 0x00}},
		{"config init", p.EncodeConfigInit(), []byte{0x0E, 0x21, 0x00, 0x00}},
	}
	for _, tt := range tests {
		if !bytes.Equal(tt.got, tt.want) {
			t.Errorf("%s: got % X, want % X", tt.name, tt.got, tt.want)
		}
	}
}

func TestEncodeConfigDataPads(t *testing.T) {
	p := NewProtocol(64)
	cmd, err := p.EncodeConfigData([]byte{0xAA, 0xBB})
	if err != nil {
		t.Fatal(err)
	}
	if len(cmd) != 64 {
		t.Fatalf("config data command is %d bytes, want 64", len(cmd))
	}
	if !bytes.Equal(cmd[:6], []byte{0x0E, 0x22, 0x00, 0x00, 0xAA, 0xBB}) {
		t.Fatalf("header = % X", cmd[:6])
	}
	if !bytes.Equal(cmd[6:], make([]byte, 58)) {
		t.Fatalf("padding not zero")
	}
	if _, err := p.EncodeConfigData(make([]byte, 61)); err == nil {
		t.Fatalf("expected error for 61 byte chunk")
	}
}

func TestDecivolts(t *testing.T) {
	if dv, err := Decivolts(4.96); err != nil || dv != 50 {
		t.Fatalf("Decivolts(4.96) = %d, %v", dv, err)
	}
	if _, err := Decivolts(-1); err == nil {
		t.Fatalf("expected error for negative voltage")
	}
}

func TestDecodeVersionAndRuntimeID(t *testing.T) {
	p := NewProtocol(64)
	if v := p.DecodeVersion([]byte("top2049 ver 1.2 \x00\x00")); v != "top2049 ver 1.2" {
		t.Fatalf("version = %q", v)
	}
	id, err := p.DecodeRuntimeID([]byte{0x00, 0x03, 0x01})
	if err != nil || id != (RuntimeID{Major: 3, Revision: 1}) {
		t.Fatalf("runtime ID = %v, %v", id, err)
	}
	if id.String() != "0003.01" || !id.Known() {
		t.Fatalf("String/Known wrong: %s", id)
	}
	if _, err := p.DecodeRuntimeID([]byte{1}); err == nil {
		t.Fatalf("expected error for short runtime ID")
	}
	if s := p.DecodeStatus([]byte{0x69, 0x0C, 0x02, 0x00}); s != StatusMagicA {
		t.Fatalf("status = 0x%08X", s)
	}
}
