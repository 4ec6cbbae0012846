// Package chip defines the interface between chip programming algorithms and
// the programmer core.
//
// An algorithm is constructed from its Descriptor, bound to the hardware by
// Init and then driven through the optional capability interfaces it
// implements (SignatureReader, ProgmemReader, ...). The capabilities an
// algorithm supports are also declared in Descriptor.Caps so front ends can
// list them without instantiating anything.
package chip

import (
	"errors"
	"strings"
	"time"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/top"
)

// ErrUnsupported is returned for operations a chip does not implement.
var ErrUnsupported = errors.New("operation not supported by chip")

// Hardware is the command set chip algorithms drive. *top.Hardware
// implements it.
type Hardware interface {
	Profile() top.Profile

	QueueCommand(cmd []byte) error
	FlushCommands(sleep time.Duration) error

	FPGARead(addr byte) error
	FPGAWrite(addr, data byte) error
	ReadBufferReg(n int) ([]byte, error)
	ReadBufferReg8() (uint8, error)
	ReadBufferReg16() (uint16, error)
	ReadBufferReg24() (uint32, error)
	ReadBufferReg32() (uint32, error)
	ReadBufferReg48() (uint64, error)

	SetVCCVoltage(volts float64) error
	SetVPPVoltage(volts float64) error
	LoadGNDLayout(id byte) error
	LoadVPPLayout(id byte) error
	LoadVCCLayout(id byte) error
	EnableZifPullups(enable bool) error

	Delay(d time.Duration) error
	HostDelay(d time.Duration) error
}

var _ Hardware = (*top.Hardware)(nil)

// Algorithm is a chip programming algorithm.
type Algorithm interface {
	// Init binds the algorithm to hw after the chip's bitstream is loaded.
	Init(hw Hardware, opts Options) error
	// Shutdown powers the chip down. It is called before another chip is
	// selected and when the session closes.
	Shutdown() error
}

type SignatureReader interface {
	ReadSignature() ([]byte, error)
}

type Eraser interface {
	Erase() error
}

type ProgmemReader interface {
	ReadProgmem() ([]byte, error)
}

type ProgmemWriter interface {
	WriteProgmem(data []byte) error
}

type EEPROMReader interface {
	ReadEEPROM() ([]byte, error)
}

type EEPROMWriter interface {
	WriteEEPROM(data []byte) error
}

type FuseReader interface {
	ReadFuses() ([]byte, error)
}

type FuseWriter interface {
	WriteFuses(data []byte) error
}

type LockbitReader interface {
	ReadLockbits() ([]byte, error)
}

type LockbitWriter interface {
	WriteLockbits(data []byte) error
}

type RAMReader interface {
	ReadRAM() ([]byte, error)
}

type RAMWriter interface {
	WriteRAM(data []byte) error
}

// Caps is a set of chip capabilities.
type Caps uint32

const (
	CapReadSignature Caps = 1 << iota
	CapErase
	CapReadProgmem
	CapWriteProgmem
	CapReadEEPROM
	CapWriteEEPROM
	CapReadFuses
	CapWriteFuses
	CapReadLockbits
	CapWriteLockbits
	CapReadRAM
	CapWriteRAM
)

var capNames = []struct {
	cap  Caps
	name string
}{
	{CapReadSignature, "signature"},
	{CapErase, "erase"},
	{CapReadProgmem, "read-progmem"},
	{CapWriteProgmem, "write-progmem"},
	{CapReadEEPROM, "read-eeprom"},
	{CapWriteEEPROM, "write-eeprom"},
	{CapReadFuses, "read-fuses"},
	{CapWriteFuses, "write-fuses"},
	{CapReadLockbits, "read-lockbits"},
	{CapWriteLockbits, "write-lockbits"},
	{CapReadRAM, "read-ram"},
	{CapWriteRAM, "write-ram"},
}

// Has reports whether all capabilities in want are set.
func (c Caps) Has(want Caps) bool {
	return c&want == want
}

func (c Caps) String() string {
	var names []string
	for _, n := range capNames {
		if c.Has(n.cap) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Descriptor describes a supported chip.
type Descriptor struct {
	ID          string // short name, e.g. "m27c256"
	Name        string // marketing name
	Description string
	Bitfile     string // FPGA bitstream name, without ".bit"
	// RuntimeID the bitstream reports once configured. A zero Major disables
	// the upload cache for this chip.
	RuntimeID top.RuntimeID
	Caps      Caps
	// Signature, when set, is the value ReadSignature must return.
	Signature []byte
	New       func() Algorithm
}
