package top

import (
	"bytes"
	"fmt"
	"math"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/codec"
)

// TOP2049 single byte opcodes
const (
	OpDelay4us      = 0x00
	OpFPGAReadFast  = 0x01 // FPGA read of address 0
	OpReadBufferReg = 0x07
	OpFPGAWrite     = 0x0A // [op, addr, data]
	OpFPGARead      = 0x0B // [op, addr]
	OpStatus        = 0x0D
	OpExtended      = 0x0E // [op, sub, param, 0]
	OpFPGAWriteFast = 0x10 // [op, data], FPGA write of address 0
	OpDelay10ms     = 0x1B
)

// Extended sub-commands
const (
	ExtVersion     = 0x11
	ExtSetVPP      = 0x12
	ExtSetVCC      = 0x13
	ExtVPPLayout   = 0x14
	ExtVCCLayout   = 0x15
	ExtGNDLayout   = 0x16
	ExtInitA       = 0x20
	ExtConfigInit  = 0x21
	ExtConfigData  = 0x22
	ExtInitB       = 0x25
	ExtZifPullups  = 0x28
	extCommandSize = 4
)

// Bring-up status words
const (
	StatusMagicA     = 0x00020C69
	StatusMagicB     = 0x0000686C
	ConfigInitStatus = 0x01
	VersionSize      = 16
)

// Addresses of the bitstream runtime ID registers.
const (
	RuntimeIDMajorHiAddr = 0xFD
	RuntimeIDMajorLoAddr = 0xFE
	RuntimeIDRevAddr     = 0xFF
)

// RuntimeID identifies the bitstream currently configured in the FPGA.
// A Major of 0 means the bitstream does not report an ID.
type RuntimeID struct {
	Major    uint16
	Revision uint8
}

func (id RuntimeID) String() string {
	return fmt.Sprintf("%04X.%02X", id.Major, id.Revision)
}

// Known reports whether the ID was reported by a bitstream.
func (id RuntimeID) Known() bool {
	return id.Major != 0
}

// Protocol encodes TOP2049 commands.
type Protocol struct {
	PacketSize int
}

// NewProtocol creates a protocol encoder for the given packet size.
func NewProtocol(packetSize int) *Protocol {
	return &Protocol{PacketSize: packetSize}
}

func extended(sub, param byte) []byte {
	return []byte{OpExtended, sub, param, 0x00}
}

// EncodeFPGARead builds a read of an FPGA register into the buffer register.
func (p *Protocol) EncodeFPGARead(addr byte) []byte {
	if addr == 0 {
		return []byte{OpFPGAReadFast}
	}
	return []byte{OpFPGARead, addr}
}

// EncodeFPGAWrite builds a write of an FPGA register.
func (p *Protocol) EncodeFPGAWrite(addr, data byte) []byte {
	if addr == 0 {
		return []byte{OpFPGAWriteFast, data}
	}
	return []byte{OpFPGAWrite, addr, data}
}

// EncodeReadBufferReg builds the buffer register read request.
func (p *Protocol) EncodeReadBufferReg() []byte {
	return []byte{OpReadBufferReg}
}

// EncodeStatus builds the status query used during bring-up.
func (p *Protocol) EncodeStatus() []byte {
	return []byte{OpStatus}
}

// EncodeVersion builds the version string query.
func (p *Protocol) EncodeVersion() []byte {
	return extended(ExtVersion, 0)
}

// EncodeInitA and EncodeInitB are the two bring-up reset commands.
func (p *Protocol) EncodeInitA() []byte { return extended(ExtInitA, 0) }
func (p *Protocol) EncodeInitB() []byte { return extended(ExtInitB, 0) }

// Decivolts converts a voltage to the device's 100 mV units.
func Decivolts(volts float64) (byte, error) {
	dv := math.Round(volts * 10)
	if dv < 0 || dv > 255 {
		return 0, fmt.Errorf("voltage %.1fV out of range", volts)
	}
	return byte(dv), nil
}

// EncodeSetVPP builds the VPP voltage command.
func (p *Protocol) EncodeSetVPP(volts float64) ([]byte, error) {
	dv, err := Decivolts(volts)
	if err != nil {
		return nil, err
	}
	return extended(ExtSetVPP, dv), nil
}

// EncodeSetVCC builds the VCC voltage command.
func (p *Protocol) EncodeSetVCC(volts float64) ([]byte, error) {
	dv, err := Decivolts(volts)
	if err != nil {
		return nil, err
	}
	return extended(ExtSetVCC, dv), nil
}

// EncodeLoadLayout builds a layout load for one of ExtVPPLayout,
// ExtVCCLayout or ExtGNDLayout.
func (p *Protocol) EncodeLoadLayout(sub, id byte) []byte {
	return extended(sub, id)
}

// EncodeZifPullups builds the ZIF pull-up enable command.
func (p *Protocol) EncodeZifPullups(enable bool) []byte {
	var param byte
	if enable {
		param = 1
	}
	return extended(ExtZifPullups, param)
}

// EncodeConfigInit starts an FPGA configuration sequence.
func (p *Protocol) EncodeConfigInit() []byte {
	return extended(ExtConfigInit, 0)
}

// EncodeConfigData wraps a chunk of bitstream payload into a full packet.
func (p *Protocol) EncodeConfigData(chunk []byte) ([]byte, error) {
	if extCommandSize+len(chunk) > p.PacketSize {
		return nil, fmt.Errorf("config chunk of %d bytes does not fit a %d byte packet", len(chunk), p.PacketSize)
	}
	cmd := make([]byte, p.PacketSize)
	copy(cmd, extended(ExtConfigData, 0))
	copy(cmd[extCommandSize:], chunk)
	return cmd, nil
}

// DecodeVersion strips the NUL and space padding of a version read.
func (p *Protocol) DecodeVersion(data []byte) string {
	return string(bytes.TrimSpace(bytes.TrimRight(data, "\x00")))
}

// DecodeRuntimeID decodes the three runtime ID register reads.
func (p *Protocol) DecodeRuntimeID(data []byte) (RuntimeID, error) {
	if len(data) < 3 {
		return RuntimeID{}, fmt.Errorf("runtime ID needs 3 bytes, got %d", len(data))
	}
	return RuntimeID{
		Major:    uint16(data[0])<<8 | uint16(data[1]),
		Revision: data[2],
	}, nil
}

// DecodeStatus decodes a 32-bit little-endian status word.
func (p *Protocol) DecodeStatus(data []byte) uint32 {
	return uint32(codec.Uint(data))
}
