package top

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/codec"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/toperr"
)

// FPGAReadHook supplies the value of an FPGA register read.
type FPGAReadHook func(addr byte) byte

// FPGAWriteHook observes FPGA register writes.
type FPGAWriteHook func(addr, data byte)

// SimDevice is an in-memory TOP2049 useful for unit tests and for running
// without hardware. It implements cmdqueue.Conn, decodes every command it is
// sent and answers buffer register reads.
type SimDevice struct {
	Profile Profile

	Version   string
	StatusA   uint32
	StatusB   uint32
	RuntimeID RuntimeID
	// NextRuntimeID becomes RuntimeID once a bitstream upload completes.
	NextRuntimeID RuntimeID

	Regs [256]byte

	VCC, VPP                        byte // decivolts
	VCCLayout, VPPLayout, GNDLayout byte
	Pullups                         bool

	OnFPGARead  FPGAReadHook
	OnFPGAWrite FPGAWriteHook

	// SendErr, when set, fails every Send.
	SendErr error

	Packets       [][]byte
	Reads         int
	StatusQueries int
	ConfigInits   int
	ConfigChunks  int
	Delay4us      int
	Delay10ms     int

	bufReg      []byte
	bufPos      int
	responses   [][]byte
	configuring bool
	chunks      int // config chunks since the last config init
}

// NewSimDevice creates a simulated programmer of the given profile reporting
// the expected bring-up status words.
func NewSimDevice(profile Profile) *SimDevice {
	return &SimDevice{
		Profile: profile,
		Version: "top2049 ver 1.2",
		StatusA: StatusMagicA,
		StatusB: StatusMagicB,
		bufReg:  make([]byte, profile.BufferRegSize),
	}
}

// Send decodes and executes one packet.
func (s *SimDevice) Send(packet []byte) error {
	if s.SendErr != nil {
		return toperr.Transport("sim send", s.SendErr)
	}
	if len(packet) > s.Profile.MaxPacketBytes {
		return toperr.Protocol("sim send",
			fmt.Errorf("packet of %d bytes exceeds %d", len(packet), s.Profile.MaxPacketBytes))
	}
	s.Packets = append(s.Packets, append([]byte(nil), packet...))

	for i := 0; i < len(packet); {
		n, err := s.exec(packet[i:])
		if err != nil {
			return toperr.Protocol("sim send", fmt.Errorf("offset %d: %w", i, err))
		}
		i += n
	}
	return nil
}

// Receive returns the oldest pending buffer register snapshot.
func (s *SimDevice) Receive(size int) ([]byte, error) {
	s.Reads++
	if len(s.responses) == 0 {
		return nil, toperr.Transport("sim receive", fmt.Errorf("no data pending, read timed out"))
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	if size > len(resp) {
		return nil, toperr.Transport("sim receive", fmt.Errorf("expected %d bytes, got %d", size, len(resp)))
	}
	return resp[:size], nil
}

// Close implements io.Closer.
func (s *SimDevice) Close() error {
	return nil
}

func (s *SimDevice) push(data ...byte) {
	for _, b := range data {
		if s.bufPos < len(s.bufReg) {
			s.bufReg[s.bufPos] = b
			s.bufPos++
		}
	}
}

func (s *SimDevice) fpgaRead(addr byte) byte {
	switch addr {
	case RuntimeIDMajorHiAddr:
		return byte(s.RuntimeID.Major >> 8)
	case RuntimeIDMajorLoAddr:
		return byte(s.RuntimeID.Major)
	case RuntimeIDRevAddr:
		return s.RuntimeID.Revision
	}
	if s.OnFPGARead != nil {
		return s.OnFPGARead(addr)
	}
	return s.Regs[addr]
}

func (s *SimDevice) fpgaWrite(addr, data byte) {
	s.Regs[addr] = data
	if s.OnFPGAWrite != nil {
		s.OnFPGAWrite(addr, data)
	}
}

func need(cmd []byte, n int) error {
	if len(cmd) < n {
		return fmt.Errorf("opcode 0x%02X truncated: need %d bytes, have %d", cmd[0], n, len(cmd))
	}
	return nil
}

// exec runs the command at the start of cmd and returns its length.
func (s *SimDevice) exec(cmd []byte) (int, error) {
	op := cmd[0]
	// The first command after the config data stream ends the upload.
	if s.configuring && s.chunks > 0 && !(op == OpExtended && len(cmd) > 1 && cmd[1] == ExtConfigData) {
		s.finishConfig()
	}

	switch op {
	case OpDelay4us:
		s.Delay4us++
		return 1, nil
	case OpDelay10ms:
		s.Delay10ms++
		return 1, nil
	case OpFPGAReadFast:
		s.push(s.fpgaRead(0))
		return 1, nil
	case OpFPGARead:
		if err := need(cmd, 2); err != nil {
			return 0, err
		}
		s.push(s.fpgaRead(cmd[1]))
		return 2, nil
	case OpFPGAWriteFast:
		if err := need(cmd, 2); err != nil {
			return 0, err
		}
		s.fpgaWrite(0, cmd[1])
		return 2, nil
	case OpFPGAWrite:
		if err := need(cmd, 3); err != nil {
			return 0, err
		}
		s.fpgaWrite(cmd[1], cmd[2])
		return 3, nil
	case OpReadBufferReg:
		s.responses = append(s.responses, append([]byte(nil), s.bufReg...))
		clear(s.bufReg)
		s.bufPos = 0
		return 1, nil
	case OpStatus:
		s.StatusQueries++
		s.pushUint32(s.StatusA)
		return 1, nil
	case OpExtended:
		return s.execExtended(cmd)
	}
	return 0, fmt.Errorf("unknown opcode 0x%02X", op)
}

func (s *SimDevice) execExtended(cmd []byte) (int, error) {
	if err := need(cmd, extCommandSize); err != nil {
		return 0, err
	}
	param := cmd[2]
	switch cmd[1] {
	case ExtVersion:
		v := make([]byte, VersionSize)
		copy(v, s.Version)
		s.push(v...)
	case ExtSetVPP:
		s.VPP = param
	case ExtSetVCC:
		s.VCC = param
	case ExtVPPLayout:
		s.VPPLayout = param
	case ExtVCCLayout:
		s.VCCLayout = param
	case ExtGNDLayout:
		s.GNDLayout = param
	case ExtInitA:
	case ExtInitB:
		s.pushUint32(s.StatusB)
	case ExtZifPullups:
		s.Pullups = param != 0
	case ExtConfigInit:
		s.ConfigInits++
		s.configuring = true
		s.chunks = 0
		s.RuntimeID = RuntimeID{}
		s.push(ConfigInitStatus)
	case ExtConfigData:
		if !s.configuring {
			return 0, fmt.Errorf("config data without config init")
		}
		s.ConfigChunks++
		s.chunks++
		// Config data fills the rest of the packet.
		return len(cmd), nil
	default:
		return 0, fmt.Errorf("unknown extended command 0x%02X", cmd[1])
	}
	return extCommandSize, nil
}

func (s *SimDevice) pushUint32(v uint32) {
	b := make([]byte, 4)
	codec.PutUint(b, uint64(v))
	s.push(b...)
}

func (s *SimDevice) finishConfig() {
	s.configuring = false
	s.RuntimeID = s.NextRuntimeID
}

// Sent returns the concatenation of all packets received so far.
func (s *SimDevice) Sent() []byte {
	var out []byte
	for _, p := range s.Packets {
		out = append(out, p...)
	}
	return out
}

// ResetCounters clears the recorded packets and counters.
func (s *SimDevice) ResetCounters() {
	s.Packets = nil
	s.Reads = 0
	s.StatusQueries = 0
	s.ConfigInits = 0
	s.ConfigChunks = 0
	s.Delay4us = 0
	s.Delay10ms = 0
}
