// Package eprom implements reading of 27Cxxx UV erasable EPROMs.
//
// The "_27cxxx" bitstream exposes the chip's address bus through two FPGA
// registers and its data bus through register 0:
//
//	0x00  data (read)
//	0x10  address bits 0-7
//	0x11  address bits 8-15
//	0x12  control, bit 0 CE, bit 1 OE (1 = asserted)
package eprom

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/chip"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/top"
)

// FPGA registers of the _27cxxx bitstream.
const (
	RegData    = 0x00
	RegAddrLo  = 0x10
	RegAddrHi  = 0x11
	RegControl = 0x12

	CtrlCE = 1 << 0
	CtrlOE = 1 << 1
)

// Bitfile and RuntimeID of the 27Cxxx bitstream.
const Bitfile = "_27cxxx"

var RuntimeID = top.RuntimeID{Major: 0x000B, Revision: 0x01}

// accessTime is the worst case tACC of the supported parts.
const accessTime = 4 * time.Microsecond

// Package describes the supply routing of a ZIF package.
type Package struct {
	Name      string
	GNDLayout byte
	VCCLayout byte
	VPPLayout byte
}

var (
	DIP24 = Package{Name: "DIP24", GNDLayout: 0x03, VCCLayout: 0x05, VPPLayout: 0x07}
	DIP28 = Package{Name: "DIP28", GNDLayout: 0x04, VCCLayout: 0x06, VPPLayout: 0x08}
)

// Part is one supported EPROM type.
type Part struct {
	ID      string
	Name    string
	Size    int
	Package Package
}

var Parts = []Part{
	{"m2716", "2716", 2 * 1024, DIP24},
	{"m2732", "2732", 4 * 1024, DIP24},
	{"m2764", "2764", 8 * 1024, DIP28},
	{"m27128", "27128", 16 * 1024, DIP28},
	{"m27256", "27256", 32 * 1024, DIP28},
	{"m27512", "27512", 64 * 1024, DIP28},
}

func init() {
	for _, p := range Parts {
		chip.Register(Descriptor(p))
	}
}

// Descriptor returns the chip descriptor of p.
func Descriptor(p Part) chip.Descriptor {
	return chip.Descriptor{
		ID:          p.ID,
		Name:        p.Name,
		Description: fmt.Sprintf("%s %d KiB UV EPROM (%s)", p.Name, p.Size/1024, p.Package.Name),
		Bitfile:     Bitfile,
		RuntimeID:   RuntimeID,
		Caps:        chip.CapReadProgmem,
		New:         func() chip.Algorithm { return New(p) },
	}
}

// EPROM is the read algorithm for one part.
type EPROM struct {
	part  Part
	hw    chip.Hardware
	vcc   float64
	addr  int // address currently latched in the FPGA, -1 if unknown
	regHi byte
}

// New creates the algorithm for p.
func New(p Part) *EPROM {
	return &EPROM{part: p, vcc: 5.0, addr: -1}
}

// Init powers up the chip. The "vcc" option overrides the supply voltage.
func (e *EPROM) Init(hw chip.Hardware, opts chip.Options) error {
	e.hw = hw
	if v, ok := opts["vcc"]; ok {
		vcc, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: bad vcc option %q", e.part.ID, v)
		}
		e.vcc = vcc
	}

	steps := []func() error{
		func() error { return hw.SetVCCVoltage(e.vcc) },
		func() error { return hw.SetVPPVoltage(e.vcc) },
		func() error { return hw.LoadGNDLayout(e.part.Package.GNDLayout) },
		func() error { return hw.LoadVCCLayout(e.part.Package.VCCLayout) },
		func() error { return hw.LoadVPPLayout(e.part.Package.VPPLayout) },
		func() error { return hw.FPGAWrite(RegControl, 0) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("%s: power up: %w", e.part.ID, err)
		}
	}
	e.addr = -1
	glog.V(1).Infof("%s: powered up at %.1fV", e.part.ID, e.vcc)
	return nil
}

func (e *EPROM) setAddress(addr int) error {
	if addr == e.addr {
		return nil
	}
	if err := e.hw.FPGAWrite(RegAddrLo, byte(addr)); err != nil {
		return err
	}
	hi := byte(addr >> 8)
	if e.addr < 0 || hi != e.regHi {
		if err := e.hw.FPGAWrite(RegAddrHi, hi); err != nil {
			return err
		}
		e.regHi = hi
	}
	e.addr = addr
	return nil
}

// ReadProgmem reads the whole chip.
func (e *EPROM) ReadProgmem() ([]byte, error) {
	if e.hw == nil {
		return nil, fmt.Errorf("%s: not initialized", e.part.ID)
	}
	chunk := e.hw.Profile().BufferRegSize
	data := make([]byte, 0, e.part.Size)

	if err := e.hw.FPGAWrite(RegControl, CtrlCE|CtrlOE); err != nil {
		return nil, err
	}
	for addr := 0; addr < e.part.Size; addr++ {
		if err := e.setAddress(addr); err != nil {
			return nil, err
		}
		if err := e.hw.Delay(accessTime); err != nil {
			return nil, err
		}
		if err := e.hw.FPGARead(RegData); err != nil {
			return nil, err
		}
		if (addr+1)%chunk == 0 || addr == e.part.Size-1 {
			n := addr + 1 - len(data)
			b, err := e.hw.ReadBufferReg(n)
			if err != nil {
				return nil, fmt.Errorf("%s: read at 0x%04X: %w", e.part.ID, addr, err)
			}
			data = append(data, b...)
		}
	}
	if err := e.hw.FPGAWrite(RegControl, 0); err != nil {
		return nil, err
	}
	return data, e.hw.FlushCommands(0)
}

// Shutdown removes all supplies from the socket.
func (e *EPROM) Shutdown() error {
	if e.hw == nil {
		return nil
	}
	hw := e.hw
	e.hw = nil
	steps := []func() error{
		func() error { return hw.FPGAWrite(RegControl, 0) },
		func() error { return hw.SetVPPVoltage(0) },
		func() error { return hw.SetVCCVoltage(0) },
		func() error { return hw.LoadVPPLayout(0) },
		func() error { return hw.LoadVCCLayout(0) },
		func() error { return hw.LoadGNDLayout(0) },
		func() error { return hw.FlushCommands(0) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("%s: shutdown: %w", e.part.ID, err)
		}
	}
	return nil
}
