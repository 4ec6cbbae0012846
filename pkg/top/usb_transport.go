package top

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/codec"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/toperr"
)

const (
	reqClearFeature  = 0x01
	featEndpointHalt = 0x00
)

// USBTransport is the bulk IN/OUT connection to a programmer. It implements
// cmdqueue.Conn.
type USBTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	profile Profile
	timeout time.Duration
	rawDump bool
	info    DeviceInfo
}

// USBOption configures OpenUSB.
type USBOption func(*USBTransport)

// WithRawDump hex-dumps every packet to the log.
func WithRawDump(enable bool) USBOption {
	return func(t *USBTransport) {
		t.rawDump = enable
	}
}

// WithTimeout overrides the profile's bulk transfer timeout.
func WithTimeout(d time.Duration) USBOption {
	return func(t *USBTransport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// OpenUSB opens the programmer identified by id ("BUS:ADDR"), or the first
// programmer matching profile when id is empty.
func OpenUSB(id string, profile Profile, opts ...USBOption) (*USBTransport, error) {
	bus, addr := -1, -1
	if id != "" {
		var err error
		if bus, addr, err = ParseBusAddr(id); err != nil {
			return nil, toperr.DeviceNotFound("usb open", err)
		}
	}

	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) != profile.VendorID || uint16(desc.Product) != profile.ProductID {
			return false
		}
		return bus < 0 || (desc.Bus == bus && desc.Address == addr)
	})
	if len(devs) == 0 {
		ctx.Close()
		if err != nil {
			// The device is there but could not be opened, e.g. claimed by
			// another process or missing permissions.
			return nil, toperr.Transport("usb open", err)
		}
		what := profile.Model
		if id != "" {
			what += " at " + id
		}
		return nil, toperr.DeviceNotFound("usb open", fmt.Errorf("no %s found", what))
	}
	for _, d := range devs[1:] {
		d.Close()
	}

	t := &USBTransport{
		ctx:     ctx,
		dev:     devs[0],
		profile: profile,
		timeout: profile.Timeout,
		info: DeviceInfo{
			Kind:      KindUSB,
			Model:     profile.Model,
			VendorID:  profile.VendorID,
			ProductID: profile.ProductID,
			Bus:       devs[0].Desc.Bus,
			Address:   devs[0].Desc.Address,
			Profile:   &profile,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.timeout <= 0 {
		t.timeout = 2000 * time.Millisecond
	}

	// Not supported on every platform.
	_ = t.dev.SetAutoDetach(true)

	if err := t.claimInterface(); err != nil {
		t.Close()
		return nil, err
	}
	glog.V(1).Infof("opened %s", t.info.Label())
	return t, nil
}

// claimInterface selects the first configuration and interface and opens its
// bulk endpoints.
func (t *USBTransport) claimInterface() error {
	cfg, err := t.dev.Config(1)
	if err != nil {
		return toperr.Transport("usb claim config", err)
	}
	t.cfg = cfg

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		return toperr.Transport("usb claim interface", err)
	}
	t.intf = intf

	var in, out *gousb.EndpointDesc
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		ep := ep
		if ep.Direction == gousb.EndpointDirectionIn {
			if in == nil {
				in = &ep
			}
		} else if out == nil {
			out = &ep
		}
	}
	if in == nil || out == nil {
		return toperr.DeviceNotFound("usb endpoints", fmt.Errorf("did not find all USB endpoints"))
	}

	if t.epIn, err = intf.InEndpoint(in.Number); err != nil {
		return toperr.Transport("usb open IN endpoint", err)
	}
	if t.epOut, err = intf.OutEndpoint(out.Number); err != nil {
		return toperr.Transport("usb open OUT endpoint", err)
	}

	for _, ep := range []*gousb.EndpointDesc{in, out} {
		if err := t.clearHalt(ep.Address); err != nil {
			return err
		}
	}
	return nil
}

// clearHalt issues CLEAR_FEATURE(ENDPOINT_HALT) for an endpoint.
func (t *USBTransport) clearHalt(addr gousb.EndpointAddress) error {
	rType := uint8(gousb.ControlOut | gousb.ControlStandard | gousb.ControlEndpoint)
	if _, err := t.dev.Control(rType, reqClearFeature, featEndpointHalt, uint16(addr), nil); err != nil {
		return toperr.Transport(fmt.Sprintf("usb clear halt 0x%02X", uint8(addr)), err)
	}
	return nil
}

// Info describes the opened device.
func (t *USBTransport) Info() DeviceInfo {
	return t.info
}

// Send performs one bulk write of data.
func (t *USBTransport) Send(data []byte) error {
	if len(data) > t.profile.MaxPacketBytes {
		return toperr.Protocol("usb bulk write",
			fmt.Errorf("packet of %d bytes exceeds %d", len(data), t.profile.MaxPacketBytes))
	}
	if t.epOut == nil {
		return toperr.Transport("usb bulk write", fmt.Errorf("transport closed"))
	}
	if t.rawDump {
		glog.Infof("sending %d bytes:\n%s", len(data), codec.Dump(data))
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	n, err := t.epOut.WriteContext(ctx, data)
	if err != nil {
		return toperr.Transport("usb bulk write", err)
	}
	if n != len(data) {
		return toperr.Transport("usb bulk write",
			fmt.Errorf("wrote %d of %d bytes", n, len(data)))
	}
	return nil
}

// Receive performs one bulk read of exactly size bytes.
func (t *USBTransport) Receive(size int) ([]byte, error) {
	if t.epIn == nil {
		return nil, toperr.Transport("usb bulk read", fmt.Errorf("transport closed"))
	}
	buf := make([]byte, size)

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	n, err := t.epIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, toperr.Transport("usb bulk read", err)
	}
	if t.rawDump {
		glog.Infof("received %d bytes:\n%s", n, codec.Dump(buf[:n]))
	}
	if n != size {
		return nil, toperr.Transport("usb bulk read",
			fmt.Errorf("expected %d bytes, got %d", size, n))
	}
	return buf, nil
}

// Close releases USB resources. It is safe to call more than once.
func (t *USBTransport) Close() error {
	t.epIn = nil
	t.epOut = nil
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}
