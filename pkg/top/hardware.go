package top

import (
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/cmdqueue"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/codec"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/toperr"
)

// Delay thresholds.
const (
	hostDelayThreshold = 500 * time.Millisecond
	maxShortDelay      = 255 * time.Microsecond
	shortDelayUnit     = 4 * time.Microsecond
	longDelayUnit      = 10 * time.Millisecond

	supplySettleDelay = 10 * time.Millisecond
	layoutRelayDelay  = 150 * time.Millisecond
)

// Hardware drives a programmer through its command queue. Writes are batched;
// every method that returns data from the device flushes the queue first.
type Hardware struct {
	queue   *cmdqueue.Queue
	proto   *Protocol
	profile Profile
	conn    cmdqueue.Conn
	warnf   func(format string, args ...any)
}

// Option configures a Hardware.
type Option func(*hwConfig)

type hwConfig struct {
	queueOpts []cmdqueue.Option
	warnf     func(format string, args ...any)
}

// WithNoQueue sends every command immediately instead of batching.
func WithNoQueue(noQueue bool) Option {
	return func(c *hwConfig) {
		c.queueOpts = append(c.queueOpts, cmdqueue.WithSynchronous(noQueue))
	}
}

// WithSleeper replaces time.Sleep for host-side delays.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(c *hwConfig) {
		c.queueOpts = append(c.queueOpts, cmdqueue.WithSleeper(sleep))
	}
}

// WithWarnFunc replaces glog.Warningf for non-fatal device anomalies.
func WithWarnFunc(warnf func(format string, args ...any)) Option {
	return func(c *hwConfig) {
		if warnf != nil {
			c.warnf = warnf
		}
	}
}

// NewHardware wraps conn for a programmer of the given profile.
func NewHardware(conn cmdqueue.Conn, profile Profile, opts ...Option) *Hardware {
	cfg := hwConfig{warnf: glog.Warningf}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Hardware{
		queue:   cmdqueue.New(conn, profile.MaxPacketBytes, cfg.queueOpts...),
		proto:   NewProtocol(profile.MaxPacketBytes),
		profile: profile,
		conn:    conn,
		warnf:   cfg.warnf,
	}
}

// Profile returns the programmer profile.
func (h *Hardware) Profile() Profile {
	return h.profile
}

// QueueCommand queues a raw command.
func (h *Hardware) QueueCommand(cmd []byte) error {
	return h.queue.QueueCommand(cmd)
}

// FlushCommands sends all queued commands and then sleeps for sleep.
func (h *Hardware) FlushCommands(sleep time.Duration) error {
	return h.queue.FlushCommands(sleep)
}

// RunCommandSync sends cmd in a packet of its own.
func (h *Hardware) RunCommandSync(cmd []byte) error {
	return h.queue.RunCommandSync(cmd)
}

// Pending returns the number of unsent commands.
func (h *Hardware) Pending() int {
	return h.queue.Pending()
}

// SendFailed reports whether the unsent commands are left over from a failed
// send.
func (h *Hardware) SendFailed() bool {
	return h.queue.SendFailed()
}

// Discard drops unsent commands after a failure.
func (h *Hardware) Discard() int {
	return h.queue.Discard()
}

// FPGARead queues a read of an FPGA register into the buffer register.
func (h *Hardware) FPGARead(addr byte) error {
	return h.queue.QueueCommand(h.proto.EncodeFPGARead(addr))
}

// FPGAWrite queues a write of an FPGA register.
func (h *Hardware) FPGAWrite(addr, data byte) error {
	return h.queue.QueueCommand(h.proto.EncodeFPGAWrite(addr, data))
}

// ReadBufferReg reads the first n bytes of the buffer register.
func (h *Hardware) ReadBufferReg(n int) ([]byte, error) {
	if n < 0 || n > h.profile.BufferRegSize {
		return nil, toperr.Protocol("read buffer register",
			fmt.Errorf("%d bytes requested, register holds %d", n, h.profile.BufferRegSize))
	}
	if err := h.queue.QueueCommand(h.proto.EncodeReadBufferReg()); err != nil {
		return nil, err
	}
	data, err := h.queue.Receive(h.profile.BufferRegSize)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}

func (h *Hardware) readBufferRegUint(n int) (uint64, error) {
	data, err := h.ReadBufferReg(n)
	if err != nil {
		return 0, err
	}
	return codec.Uint(data), nil
}

// ReadBufferReg8 reads one byte of the buffer register.
func (h *Hardware) ReadBufferReg8() (uint8, error) {
	v, err := h.readBufferRegUint(1)
	return uint8(v), err
}

// ReadBufferReg16 reads a little-endian 16-bit word of the buffer register.
func (h *Hardware) ReadBufferReg16() (uint16, error) {
	v, err := h.readBufferRegUint(2)
	return uint16(v), err
}

// ReadBufferReg24 reads a little-endian 24-bit word of the buffer register.
func (h *Hardware) ReadBufferReg24() (uint32, error) {
	v, err := h.readBufferRegUint(3)
	return uint32(v), err
}

// ReadBufferReg32 reads a little-endian 32-bit word of the buffer register.
func (h *Hardware) ReadBufferReg32() (uint32, error) {
	v, err := h.readBufferRegUint(4)
	return uint32(v), err
}

// ReadBufferReg48 reads a little-endian 48-bit word of the buffer register.
func (h *Hardware) ReadBufferReg48() (uint64, error) {
	return h.readBufferRegUint(6)
}

// SetVCCVoltage sets the VCC supply and waits for it to settle.
func (h *Hardware) SetVCCVoltage(volts float64) error {
	cmd, err := h.proto.EncodeSetVCC(volts)
	if err != nil {
		return toperr.Protocol("set VCC", err)
	}
	if err := h.queue.QueueCommand(cmd); err != nil {
		return err
	}
	return h.Delay(supplySettleDelay)
}

// SetVPPVoltage sets the VPP supply and waits for it to settle.
func (h *Hardware) SetVPPVoltage(volts float64) error {
	cmd, err := h.proto.EncodeSetVPP(volts)
	if err != nil {
		return toperr.Protocol("set VPP", err)
	}
	if err := h.queue.QueueCommand(cmd); err != nil {
		return err
	}
	return h.Delay(supplySettleDelay)
}

func (h *Hardware) loadLayout(sub, id byte) error {
	if err := h.queue.QueueCommand(h.proto.EncodeLoadLayout(sub, id)); err != nil {
		return err
	}
	if err := h.Delay(supplySettleDelay); err != nil {
		return err
	}
	// The layout relays switch slower than the device delay covers.
	return h.HostDelay(layoutRelayDelay)
}

// LoadGNDLayout routes ground to the ZIF pins of layout id.
func (h *Hardware) LoadGNDLayout(id byte) error {
	return h.loadLayout(ExtGNDLayout, id)
}

// LoadVPPLayout routes VPP to the ZIF pins of layout id.
func (h *Hardware) LoadVPPLayout(id byte) error {
	return h.loadLayout(ExtVPPLayout, id)
}

// LoadVCCLayout routes VCC to the ZIF pins of layout id.
func (h *Hardware) LoadVCCLayout(id byte) error {
	return h.loadLayout(ExtVCCLayout, id)
}

// EnableZifPullups switches the ZIF socket pull-up resistors.
func (h *Hardware) EnableZifPullups(enable bool) error {
	return h.queue.QueueCommand(h.proto.EncodeZifPullups(enable))
}

// Delay waits at least d. Delays of 500ms and more flush the queue and sleep
// on the host; shorter delays are queued as device delay opcodes of 10ms or,
// up to 255µs, of 4µs granularity.
func (h *Hardware) Delay(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if d >= hostDelayThreshold {
		return h.HostDelay(d)
	}

	op, unit := byte(OpDelay10ms), longDelayUnit
	if d <= maxShortDelay {
		op, unit = OpDelay4us, shortDelayUnit
	}
	n := int((d + unit - 1) / unit)
	for i := 0; i < n; i++ {
		if err := h.queue.QueueCommand([]byte{op}); err != nil {
			return err
		}
	}
	return nil
}

// HostDelay flushes the queue and sleeps on the host.
func (h *Hardware) HostDelay(d time.Duration) error {
	return h.queue.FlushCommands(d)
}

// ReadStatus queries the device status word.
func (h *Hardware) ReadStatus() (uint32, error) {
	if err := h.queue.QueueCommand(h.proto.EncodeStatus()); err != nil {
		return 0, err
	}
	return h.ReadBufferReg32()
}

// Init brings the programmer into a known idle state: supplies off, layouts
// cleared, pull-ups disabled. Unexpected status words are reported as warnings
// since they vary between firmware revisions.
func (h *Hardware) Init() error {
	stat, err := h.ReadStatus()
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if stat != StatusMagicA {
		h.warnf("init: unexpected status (a): 0x%08X", stat)
	}

	steps := []func() error{
		func() error { return h.SetVPPVoltage(0) },
		func() error { return h.SetVPPVoltage(0) },
		func() error { return h.queue.QueueCommand(h.proto.EncodeInitA()) },
		func() error { return h.Delay(supplySettleDelay) },
		func() error { return h.SetVCCVoltage(0) },
		func() error { return h.LoadGNDLayout(0) },
		func() error { return h.LoadVPPLayout(0) },
		func() error { return h.LoadVCCLayout(0) },
		func() error { return h.queue.QueueCommand(h.proto.EncodeInitA()) },
		func() error { return h.Delay(supplySettleDelay) },
		func() error { return h.queue.QueueCommand(h.proto.EncodeInitB()) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}

	stat, err = h.ReadBufferReg32()
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if stat != StatusMagicB {
		h.warnf("init: unexpected status (b): 0x%08X", stat)
	}

	if err := h.EnableZifPullups(false); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	return h.queue.FlushCommands(0)
}

// ReadVersionString returns the programmer's identification string.
func (h *Hardware) ReadVersionString() (string, error) {
	if err := h.queue.QueueCommand(h.proto.EncodeVersion()); err != nil {
		return "", err
	}
	data, err := h.ReadBufferReg(VersionSize)
	if err != nil {
		return "", err
	}
	return h.proto.DecodeVersion(data), nil
}

// ReadRuntimeID reads the ID of the bitstream currently in the FPGA.
func (h *Hardware) ReadRuntimeID() (RuntimeID, error) {
	for _, addr := range []byte{RuntimeIDMajorHiAddr, RuntimeIDMajorLoAddr, RuntimeIDRevAddr} {
		if err := h.FPGARead(addr); err != nil {
			return RuntimeID{}, err
		}
	}
	data, err := h.ReadBufferReg(3)
	if err != nil {
		return RuntimeID{}, err
	}
	return h.proto.DecodeRuntimeID(data)
}

// FPGAMaxConfigChunkSize returns the bitstream bytes carried per packet.
func (h *Hardware) FPGAMaxConfigChunkSize() int {
	return h.profile.ConfigChunkSize
}

// FPGAInitiateConfig puts the FPGA into configuration mode.
func (h *Hardware) FPGAInitiateConfig() error {
	if err := h.queue.QueueCommand(h.proto.EncodeConfigInit()); err != nil {
		return err
	}
	stat, err := h.ReadBufferReg8()
	if err != nil {
		return err
	}
	if stat != ConfigInitStatus {
		return toperr.Protocol("bitstream upload",
			fmt.Errorf("failed to initiate (status=0x%02X, expected=0x%02X)", stat, ConfigInitStatus))
	}
	return nil
}

// FPGAUploadConfig queues one chunk of configuration data found at offset in
// the bitstream payload.
func (h *Hardware) FPGAUploadConfig(offset int, chunk []byte) error {
	if len(chunk) > h.profile.ConfigChunkSize {
		return toperr.Protocol("bitstream upload",
			fmt.Errorf("chunk at offset %d is %d bytes, max %d", offset, len(chunk), h.profile.ConfigChunkSize))
	}
	cmd, err := h.proto.EncodeConfigData(chunk)
	if err != nil {
		return toperr.Protocol("bitstream upload", err)
	}
	return h.queue.QueueCommand(cmd)
}

// Shutdown switches off all supplies and layouts.
func (h *Hardware) Shutdown() error {
	steps := []func() error{
		func() error { return h.SetVPPVoltage(0) },
		func() error { return h.SetVCCVoltage(0) },
		func() error { return h.LoadVPPLayout(0) },
		func() error { return h.LoadVCCLayout(0) },
		func() error { return h.LoadGNDLayout(0) },
		func() error { return h.EnableZifPullups(false) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return h.queue.FlushCommands(0)
}

// Close releases the underlying connection if it can be closed.
func (h *Hardware) Close() error {
	if c, ok := h.conn.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
