package top

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
)

// Profile describes the fixed properties of a programmer model.
type Profile struct {
	Model           string
	VendorID        uint16
	ProductID       uint16
	MaxPacketBytes  int
	BufferRegSize   int
	ConfigChunkSize int // bitstream bytes per config packet
	OscillatorHz    int
	FPGAType        string // substring expected in a bitfile's FPGA name
	Timeout         time.Duration
}

// TOP2049 is the profile of the TOP2049 universal programmer.
var TOP2049 = Profile{
	Model:           "TOP2049",
	VendorID:        0x2471,
	ProductID:       0x0853,
	MaxPacketBytes:  64,
	BufferRegSize:   64,
	ConfigChunkSize: 60,
	OscillatorHz:    24_000_000,
	FPGAType:        "2s15",
	Timeout:         2000 * time.Millisecond,
}

// Kind categorizes discovered programmers.
type Kind string

const (
	KindUSB Kind = "usb"
	KindSim Kind = "simulator"
)

// DeviceInfo describes a detected programmer without holding it open.
type DeviceInfo struct {
	Kind      Kind
	Model     string
	VendorID  uint16
	ProductID uint16
	Bus       int
	Address   int
	Profile   *Profile
}

// ID returns the BUS:ADDR identifier accepted by OpenUSB.
func (d DeviceInfo) ID() string {
	if d.Kind == KindSim {
		return "sim"
	}
	return fmt.Sprintf("%03d:%03d", d.Bus, d.Address)
}

// Label returns a user-friendly description for the device.
func (d DeviceInfo) Label() string {
	if d.Kind == KindSim {
		return "Simulator (no hardware)"
	}
	return fmt.Sprintf("%s (%04X:%04X) at %s", d.Model, d.VendorID, d.ProductID, d.ID())
}

// KnownProgrammers lists the supported programmer models.
var KnownProgrammers = []Profile{TOP2049}

// LookupProfile returns the known profile for a VID/PID pair.
func LookupProfile(vid, pid uint16) (*Profile, bool) {
	for i := range KnownProgrammers {
		p := &KnownProgrammers[i]
		if p.VendorID == vid && p.ProductID == pid {
			return p, true
		}
	}
	return nil, false
}

// Scan enumerates USB devices accepted by match. The devices are inspected via
// their descriptors only and never opened.
func Scan(ctx context.Context, match func(desc *gousb.DeviceDesc) bool) ([]DeviceInfo, error) {
	var results []DeviceInfo
	usb := gousb.NewContext()
	defer usb.Close()

	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if !match(desc) {
			return false
		}
		info := DeviceInfo{
			Kind:      KindUSB,
			VendorID:  uint16(desc.Vendor),
			ProductID: uint16(desc.Product),
			Bus:       desc.Bus,
			Address:   desc.Address,
		}
		if p, ok := LookupProfile(info.VendorID, info.ProductID); ok {
			info.Model = p.Model
			info.Profile = p
		}
		results = append(results, info)
		return false
	})
	if err != nil && err != gousb.ErrorAccess {
		return results, err
	}
	return results, nil
}

// MatchKnown accepts devices listed in KnownProgrammers.
func MatchKnown(desc *gousb.DeviceDesc) bool {
	_, ok := LookupProfile(uint16(desc.Vendor), uint16(desc.Product))
	return ok
}

// DiscoverProgrammers scans for known programmers. It always returns the
// simulator entry last so callers can work without hardware.
func DiscoverProgrammers(ctx context.Context) ([]DeviceInfo, error) {
	results, err := Scan(ctx, MatchKnown)
	if err != nil {
		return results, err
	}
	sim := TOP2049
	results = append(results, DeviceInfo{
		Kind:    KindSim,
		Model:   TOP2049.Model,
		Profile: &sim,
	})
	return results, nil
}

// ParseBusAddr parses a "BUS:ADDR" or "BUS.ADDR" identifier.
func ParseBusAddr(id string) (bus, addr int, err error) {
	s := strings.FieldsFunc(id, func(r rune) bool { return r == ':' || r == '.' })
	if len(s) != 2 {
		return 0, 0, fmt.Errorf("bad USB device identifier %q, want BUS:ADDR", id)
	}
	b, err := strconv.ParseUint(s[0], 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("bad USB bus in %q: %w", id, err)
	}
	a, err := strconv.ParseUint(s[1], 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("bad USB address in %q: %w", id, err)
	}
	return int(b), int(a), nil
}
