// Package session owns an initialized programmer and the chip currently
// inserted in it.
//
// A Session brings the programmer up, uploads the FPGA bitstream a chip
// needs (skipping the upload when the FPGA already reports the right
// RuntimeID) and forwards high level operations to the chip's algorithm.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/bitfile"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/chip"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/top"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/toperr"
)

// ErrNoChip is returned by chip operations before SelectChip.
var ErrNoChip = errors.New("no chip selected")

// Programmer is the device a Session drives. *top.Hardware implements it.
type Programmer interface {
	chip.Hardware

	Init() error
	ReadVersionString() (string, error)
	ReadRuntimeID() (top.RuntimeID, error)
	FPGAMaxConfigChunkSize() int
	FPGAInitiateConfig() error
	FPGAUploadConfig(offset int, chunk []byte) error
	SendFailed() bool
	Discard() int
	Shutdown() error
	Close() error
}

var _ Programmer = (*top.Hardware)(nil)

// ProgressFunc reports bitstream upload progress in bytes.
type ProgressFunc func(done, total int)

// Option configures a Session.
type Option func(*Session)

// WithBitfileStore sets where bitstreams are loaded from.
func WithBitfileStore(l bitfile.Loader) Option {
	return func(s *Session) { s.store = l }
}

// WithRegistry sets the chip registry. Defaults to chip.Default.
func WithRegistry(r *chip.Registry) Option {
	return func(s *Session) { s.registry = r }
}

// WithStrictness sets how signature mismatches are handled.
func WithStrictness(st chip.Strictness) Option {
	return func(s *Session) { s.strictness = st }
}

// WithForceUpload always uploads the bitstream on SelectChip.
func WithForceUpload(force bool) Option {
	return func(s *Session) { s.forceUpload = force }
}

// WithWarnFunc replaces glog.Warningf.
func WithWarnFunc(warnf func(format string, args ...any)) Option {
	return func(s *Session) {
		if warnf != nil {
			s.warnf = warnf
		}
	}
}

// WithProgress sets a bitstream upload progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Session) { s.progress = fn }
}

// WithRetry sets the number of bring-up attempts and the pause between them.
func WithRetry(attempts int, interval time.Duration) Option {
	return func(s *Session) {
		if attempts > 0 {
			s.attempts = attempts
		}
		s.interval = interval
	}
}

// WithSleeper replaces time.Sleep between bring-up attempts.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(s *Session) { s.sleep = sleep }
}

// Session is a programmer with at most one selected chip.
type Session struct {
	hw          Programmer
	store       bitfile.Loader
	registry    *chip.Registry
	strictness  chip.Strictness
	forceUpload bool
	warnf       func(format string, args ...any)
	progress    ProgressFunc
	attempts    int
	interval    time.Duration
	sleep       func(time.Duration)

	version string
	chip    chip.Algorithm
	desc    chip.Descriptor
}

// Open brings up hw. The programmer may not answer right after power-on, so
// bring-up is retried a few times before giving up.
func Open(hw Programmer, opts ...Option) (*Session, error) {
	s := &Session{
		hw:       hw,
		store:    bitfile.MemStore{},
		registry: chip.Default,
		warnf:    glog.Warningf,
		attempts: 5,
		interval: 50 * time.Millisecond,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	for i := 0; i < s.attempts; i++ {
		if i > 0 {
			if n := hw.Discard(); n > 0 {
				glog.V(1).Infof("bring-up: dropped %d stale commands", n)
			}
			s.sleep(s.interval)
		}
		if err = hw.Init(); err != nil {
			glog.V(1).Infof("bring-up attempt %d: %v", i+1, err)
			continue
		}
		s.version, err = hw.ReadVersionString()
		if err != nil {
			glog.V(1).Infof("bring-up attempt %d: %v", i+1, err)
			continue
		}
		glog.Infof("Initialized programmer: %s", s.version)
		return s, nil
	}
	return nil, fmt.Errorf("programmer bring-up failed after %d attempts: %w", s.attempts, err)
}

// Version returns the programmer's version string.
func (s *Session) Version() string {
	return s.version
}

// Hardware returns the programmer.
func (s *Session) Hardware() Programmer {
	return s.hw
}

// Chip returns the descriptor of the selected chip.
func (s *Session) Chip() (chip.Descriptor, bool) {
	return s.desc, s.chip != nil
}

// dropUnsent discards commands left queued by a failed send so they are not
// replayed ahead of the next operation. Commands queued normally are kept.
func (s *Session) dropUnsent(op string) {
	if !s.hw.SendFailed() {
		return
	}
	if n := s.hw.Discard(); n > 0 {
		glog.V(1).Infof("%s: dropped %d unsent commands", op, n)
	}
}

// UploadBitfile configures the FPGA with the named bitstream unless the FPGA
// already reports required and force is not set. On failure the rest of the
// bitstream is dropped from the queue.
func (s *Session) UploadBitfile(name string, required top.RuntimeID, force bool) error {
	if err := s.uploadBitfile(name, required, force); err != nil {
		s.dropUnsent("upload " + name)
		return err
	}
	return nil
}

func (s *Session) uploadBitfile(name string, required top.RuntimeID, force bool) error {
	cur, err := s.hw.ReadRuntimeID()
	if err != nil {
		return fmt.Errorf("read runtime ID: %w", err)
	}
	if !force && required.Known() && cur == required {
		glog.V(1).Infof("Bitstream %s (%s) already loaded", name, cur)
		return nil
	}

	bf, err := s.store.Load(name)
	if err != nil {
		return err
	}
	fpgaType := s.hw.Profile().FPGAType
	if fpgaType != "" && !strings.Contains(strings.ToLower(bf.FPGA), fpgaType) {
		return toperr.Format("upload "+name,
			fmt.Errorf("bitstream is for FPGA %q, programmer has %q", bf.FPGA, fpgaType))
	}

	glog.Infof("Uploading bitstream %s (%d bytes)...", name, len(bf.Payload))
	if err := s.hw.FPGAInitiateConfig(); err != nil {
		return err
	}
	size := s.hw.FPGAMaxConfigChunkSize()
	total := len(bf.Payload)
	for off := 0; off < total; off += size {
		end := min(off+size, total)
		if err := s.hw.FPGAUploadConfig(off, bf.Payload[off:end]); err != nil {
			return err
		}
		if s.progress != nil {
			s.progress(end, total)
		}
	}
	if err := s.hw.FlushCommands(0); err != nil {
		return err
	}

	after, err := s.hw.ReadRuntimeID()
	if err != nil {
		return fmt.Errorf("read runtime ID: %w", err)
	}
	if required.Known() && after != required {
		s.warnf("bitstream %s reports runtime ID %s, expected %s", name, after, required)
	}
	return nil
}

// SelectChip shuts down the current chip, loads the bitstream for id and
// initializes its algorithm.
func (s *Session) SelectChip(id string, opts chip.Options) error {
	if err := s.ShutdownChip(); err != nil {
		return err
	}
	desc, ok := s.registry.Lookup(id)
	if !ok {
		return fmt.Errorf("unknown chip %q", id)
	}
	if err := s.UploadBitfile(desc.Bitfile, desc.RuntimeID, s.forceUpload); err != nil {
		return fmt.Errorf("%s: %w", desc.ID, err)
	}
	alg := desc.New()
	if err := alg.Init(s.hw, opts); err != nil {
		s.dropUnsent(desc.ID + " init")
		if serr := alg.Shutdown(); serr != nil {
			s.warnf("%s: shutdown after failed init: %v", desc.ID, serr)
		}
		return err
	}
	s.chip, s.desc = alg, desc
	if err := s.hw.FlushCommands(0); err != nil {
		s.dropUnsent(desc.ID + " init")
		return err
	}
	return nil
}

// ShutdownChip powers down the selected chip, if any. Commands still queued
// from an earlier failed send are dropped first.
func (s *Session) ShutdownChip() error {
	s.dropUnsent("shutdown")
	if s.chip == nil {
		return nil
	}
	alg, id := s.chip, s.desc.ID
	s.chip, s.desc = nil, chip.Descriptor{}
	if err := alg.Shutdown(); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	return nil
}

// Close shuts the chip and the programmer down and releases the device.
func (s *Session) Close() error {
	errs := []error{s.ShutdownChip()}
	s.dropUnsent("close")
	errs = append(errs, s.hw.Shutdown())
	errs = append(errs, s.hw.Close())
	return errors.Join(errs...)
}

// capability returns the selected chip as T if it declares c.
func capability[T any](s *Session, c chip.Caps) (T, error) {
	var zero T
	if s.chip == nil {
		return zero, ErrNoChip
	}
	impl, ok := s.chip.(T)
	if !ok || !s.desc.Caps.Has(c) {
		return zero, fmt.Errorf("%s: %s: %w", s.desc.ID, c, chip.ErrUnsupported)
	}
	return impl, nil
}

// ReadSignature reads the chip signature and checks it against the expected
// one according to the session's strictness.
func (s *Session) ReadSignature() ([]byte, error) {
	r, err := capability[chip.SignatureReader](s, chip.CapReadSignature)
	if err != nil {
		return nil, err
	}
	sig, err := r.ReadSignature()
	if err != nil {
		return nil, err
	}
	return sig, chip.CheckSignature(s.desc.ID, s.desc.Signature, sig, s.strictness, s.warnf)
}

// Erase erases the whole chip.
func (s *Session) Erase() error {
	e, err := capability[chip.Eraser](s, chip.CapErase)
	if err != nil {
		return err
	}
	return e.Erase()
}

// ReadProgmem reads the program memory.
func (s *Session) ReadProgmem() ([]byte, error) {
	r, err := capability[chip.ProgmemReader](s, chip.CapReadProgmem)
	if err != nil {
		return nil, err
	}
	return r.ReadProgmem()
}

// WriteProgmem writes data to the program memory.
func (s *Session) WriteProgmem(data []byte) error {
	w, err := capability[chip.ProgmemWriter](s, chip.CapWriteProgmem)
	if err != nil {
		return err
	}
	return w.WriteProgmem(data)
}

// ReadEEPROM reads the data EEPROM.
func (s *Session) ReadEEPROM() ([]byte, error) {
	r, err := capability[chip.EEPROMReader](s, chip.CapReadEEPROM)
	if err != nil {
		return nil, err
	}
	return r.ReadEEPROM()
}

// WriteEEPROM writes data to the data EEPROM.
func (s *Session) WriteEEPROM(data []byte) error {
	w, err := capability[chip.EEPROMWriter](s, chip.CapWriteEEPROM)
	if err != nil {
		return err
	}
	return w.WriteEEPROM(data)
}

// ReadFuses reads the fuse bytes.
func (s *Session) ReadFuses() ([]byte, error) {
	r, err := capability[chip.FuseReader](s, chip.CapReadFuses)
	if err != nil {
		return nil, err
	}
	return r.ReadFuses()
}

// WriteFuses writes the fuse bytes.
func (s *Session) WriteFuses(data []byte) error {
	w, err := capability[chip.FuseWriter](s, chip.CapWriteFuses)
	if err != nil {
		return err
	}
	return w.WriteFuses(data)
}

// ReadLockbits reads the lock bits.
func (s *Session) ReadLockbits() ([]byte, error) {
	r, err := capability[chip.LockbitReader](s, chip.CapReadLockbits)
	if err != nil {
		return nil, err
	}
	return r.ReadLockbits()
}

// WriteLockbits writes the lock bits.
func (s *Session) WriteLockbits(data []byte) error {
	w, err := capability[chip.LockbitWriter](s, chip.CapWriteLockbits)
	if err != nil {
		return err
	}
	return w.WriteLockbits(data)
}

// ReadRAM reads the chip's RAM.
func (s *Session) ReadRAM() ([]byte, error) {
	r, err := capability[chip.RAMReader](s, chip.CapReadRAM)
	if err != nil {
		return nil, err
	}
	return r.ReadRAM()
}

// WriteRAM writes data to the chip's RAM.
func (s *Session) WriteRAM(data []byte) error {
	w, err := capability[chip.RAMWriter](s, chip.CapWriteRAM)
	if err != nil {
		return err
	}
	return w.WriteRAM(data)
}
