package top

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/toperr"
)

type sleepRecorder struct {
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(d time.Duration) {
	r.sleeps = append(r.sleeps, d)
}

func (r *sleepRecorder) total() time.Duration {
	var t time.Duration
	for _, d := range r.sleeps {
		t += d
	}
	return t
}

type warnRecorder struct {
	msgs []string
}

func (w *warnRecorder) warnf(format string, args ...any) {
	w.msgs = append(w.msgs, fmt.Sprintf(format, args...))
}

func newTestHardware(opts ...Option) (*Hardware, *SimDevice, *sleepRecorder, *warnRecorder) {
	sim := NewSimDevice(TOP2049)
	sleeper := &sleepRecorder{}
	warns := &warnRecorder{}
	opts = append([]Option{WithSleeper(sleeper.sleep), WithWarnFunc(warns.warnf)}, opts...)
	return NewHardware(sim, TOP2049, opts...), sim, sleeper, warns
}

func TestDelayRounding(t *testing.T) {
	tests := []struct {
		name      string
		delay     time.Duration
		want4us   int
		want10ms  int
		wantSleep time.Duration
	}{
		{"100us uses 4us opcodes", 100 * time.Microsecond, 25, 0, 0},
		{"rounds up to 4us", 5 * time.Microsecond, 2, 0, 0},
		{"255us is still short", 255 * time.Microsecond, 64, 0, 0},
		{"256us switches to 10ms", 256 * time.Microsecond, 0, 1, 0},
		{"15ms rounds up", 15 * time.Millisecond, 0, 2, 0},
		{"490ms stays on device", 490 * time.Millisecond, 0, 49, 0},
		{"500ms sleeps on host", 500 * time.Millisecond, 0, 0, 500 * time.Millisecond},
		{"2s sleeps on host", 2 * time.Second, 0, 0, 2 * time.Second},
		{"zero is a no-op", 0, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hw, sim, sleeper, _ := newTestHardware()
			if err := hw.Delay(tt.delay); err != nil {
				t.Fatalf("Delay: %v", err)
			}
			if err := hw.FlushCommands(0); err != nil {
				t.Fatal(err)
			}
			if sim.Delay4us != tt.want4us || sim.Delay10ms != tt.want10ms {
				t.Fatalf("device delays = %d x 4us / %d x 10ms, want %d / %d",
					sim.Delay4us, sim.Delay10ms, tt.want4us, tt.want10ms)
			}
			if got := sleeper.total(); got != tt.wantSleep {
				t.Fatalf("host sleep = %v, want %v", got, tt.wantSleep)
			}
		})
	}
}

func TestHostDelayFlushesFirst(t *testing.T) {
	hw, sim, sleeper, _ := newTestHardware()
	_ = hw.FPGAWrite(0x12, 0x01)
	if err := hw.Delay(time.Second); err != nil {
		t.Fatal(err)
	}
	if len(sim.Packets) != 1 || len(sleeper.sleeps) != 1 {
		t.Fatalf("expected flush then sleep, got %d packets and %d sleeps", len(sim.Packets), len(sleeper.sleeps))
	}
}

func TestFPGAFastPath(t *testing.T) {
	hw, sim, _, _ := newTestHardware()
	_ = hw.FPGAWrite(0, 0xAB)
	_ = hw.FPGAWrite(0x12, 0xCD)
	_ = hw.FPGARead(0)
	_ = hw.FPGARead(0x12)
	if err := hw.FlushCommands(0); err != nil {
		t.Fatal(err)
	}
	want := []byte{
		OpFPGAWriteFast, 0xAB,
		OpFPGAWrite, 0x12, 0xCD,
		OpFPGAReadFast,
		OpFPGARead, 0x12,
	}
	if got := sim.Sent(); !bytes.Equal(got, want) {
		t.Fatalf("wire = % X, want % X", got, want)
	}
	if sim.Regs[0] != 0xAB || sim.Regs[0x12] != 0xCD {
		t.Fatalf("register writes not applied")
	}

	data, err := hw.ReadBufferReg(2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte{0xAB, 0xCD}) {
		t.Fatalf("buffer register = % X", data)
	}
}

func TestReadBufferRegWidths(t *testing.T) {
	hw, sim, _, _ := newTestHardware()
	sim.OnFPGARead = func(addr byte) byte { return addr }

	read := func(n int) {
		for i := 1; i <= n; i++ {
			_ = hw.FPGARead(byte(i))
		}
	}

	read(1)
	if v, err := hw.ReadBufferReg8(); err != nil || v != 0x01 {
		t.Fatalf("ReadBufferReg8 = 0x%X, %v", v, err)
	}
	read(2)
	if v, err := hw.ReadBufferReg16(); err != nil || v != 0x0201 {
		t.Fatalf("ReadBufferReg16 = 0x%X, %v", v, err)
	}
	read(3)
	if v, err := hw.ReadBufferReg24(); err != nil || v != 0x030201 {
		t.Fatalf("ReadBufferReg24 = 0x%X, %v", v, err)
	}
	read(4)
	if v, err := hw.ReadBufferReg32(); err != nil || v != 0x04030201 {
		t.Fatalf("ReadBufferReg32 = 0x%X, %v", v, err)
	}
	read(6)
	if v, err := hw.ReadBufferReg48(); err != nil || v != 0x060504030201 {
		t.Fatalf("ReadBufferReg48 = 0x%X, %v", v, err)
	}

	if _, err := hw.ReadBufferReg(65); !errors.Is(err, toperr.ErrProtocol) {
		t.Fatalf("oversized buffer read: expected ErrProtocol, got %v", err)
	}
}

func TestVoltageAndLayout(t *testing.T) {
	hw, sim, sleeper, _ := newTestHardware()
	if err := hw.SetVCCVoltage(5.0); err != nil {
		t.Fatal(err)
	}
	if err := hw.SetVPPVoltage(12.5); err != nil {
		t.Fatal(err)
	}
	if err := hw.LoadVCCLayout(3); err != nil {
		t.Fatal(err)
	}
	if sim.VCC != 50 || sim.VPP != 125 || sim.VCCLayout != 3 {
		t.Fatalf("sim state VCC=%d VPP=%d layout=%d", sim.VCC, sim.VPP, sim.VCCLayout)
	}
	// Two supply settle delays plus the layout delay, all 10ms opcodes.
	if sim.Delay10ms != 3 {
		t.Fatalf("device 10ms delays = %d, want 3", sim.Delay10ms)
	}
	if len(sleeper.sleeps) != 1 || sleeper.sleeps[0] != layoutRelayDelay {
		t.Fatalf("host sleeps = %v, want [%v]", sleeper.sleeps, layoutRelayDelay)
	}

	if err := hw.SetVCCVoltage(30); !errors.Is(err, toperr.ErrProtocol) {
		t.Fatalf("out of range voltage: expected ErrProtocol, got %v", err)
	}
}

func TestInit(t *testing.T) {
	hw, sim, _, warns := newTestHardware()
	sim.VCC, sim.VPP, sim.GNDLayout, sim.Pullups = 50, 120, 7, true

	if err := hw.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(warns.msgs) != 0 {
		t.Fatalf("unexpected warnings: %v", warns.msgs)
	}
	if sim.VCC != 0 || sim.VPP != 0 || sim.GNDLayout != 0 || sim.Pullups {
		t.Fatalf("device not reset: %+v", sim)
	}
	if sim.StatusQueries != 1 {
		t.Fatalf("status queries = %d", sim.StatusQueries)
	}
	if hw.Pending() != 0 {
		t.Fatalf("Init left %d commands queued", hw.Pending())
	}
}

func TestInitUnexpectedStatusWarns(t *testing.T) {
	hw, sim, _, warns := newTestHardware()
	sim.StatusA = 0xDEADBEEF
	sim.StatusB = 0x12345678

	if err := hw.Init(); err != nil {
		t.Fatalf("unexpected status must not fail Init: %v", err)
	}
	if len(warns.msgs) != 2 {
		t.Fatalf("warnings = %v, want 2", warns.msgs)
	}
}

func TestInitTransportFailure(t *testing.T) {
	hw, sim, _, _ := newTestHardware()
	sim.SendErr = errors.New("LIBUSB_ERROR_NO_DEVICE")
	if err := hw.Init(); !errors.Is(err, toperr.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestReadVersionString(t *testing.T) {
	hw, sim, _, _ := newTestHardware()
	sim.Version = "top2049 ver 1.3"
	v, err := hw.ReadVersionString()
	if err != nil {
		t.Fatal(err)
	}
	if v != "top2049 ver 1.3" {
		t.Fatalf("version = %q", v)
	}
}

func TestReadRuntimeID(t *testing.T) {
	hw, sim, _, _ := newTestHardware()
	sim.RuntimeID = RuntimeID{Major: 0x0003, Revision: 0x01}
	id, err := hw.ReadRuntimeID()
	if err != nil {
		t.Fatal(err)
	}
	if id != sim.RuntimeID {
		t.Fatalf("runtime ID = %v, want %v", id, sim.RuntimeID)
	}
}

func TestFPGAConfigUpload(t *testing.T) {
	hw, sim, _, _ := newTestHardware()
	sim.NextRuntimeID = RuntimeID{Major: 4, Revision: 1}

	if err := hw.FPGAInitiateConfig(); err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte{0x5A}, 150)
	for off := 0; off < len(payload); off += hw.FPGAMaxConfigChunkSize() {
		end := off + hw.FPGAMaxConfigChunkSize()
		if end > len(payload) {
			end = len(payload)
		}
		if err := hw.FPGAUploadConfig(off, payload[off:end]); err != nil {
			t.Fatal(err)
		}
	}
	id, err := hw.ReadRuntimeID()
	if err != nil {
		t.Fatal(err)
	}
	if sim.ConfigChunks != 3 {
		t.Fatalf("chunks = %d, want 3", sim.ConfigChunks)
	}
	if id != sim.NextRuntimeID {
		t.Fatalf("runtime ID after upload = %v", id)
	}
	for _, p := range sim.Packets {
		if len(p) > TOP2049.MaxPacketBytes {
			t.Fatalf("packet of %d bytes", len(p))
		}
	}

	if err := hw.FPGAUploadConfig(0, make([]byte, 61)); !errors.Is(err, toperr.ErrProtocol) {
		t.Fatalf("oversized chunk: expected ErrProtocol, got %v", err)
	}
}

func TestFPGAInitiateConfigBadStatus(t *testing.T) {
	hw, sim, _, _ := newTestHardware()
	// Leave a stale byte in the buffer register so the status reads wrong.
	sim.OnFPGARead = func(byte) byte { return 0x00 }
	_ = hw.FPGARead(0x20)
	if err := hw.FPGAInitiateConfig(); !errors.Is(err, toperr.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestNoQueueSendsEachCommand(t *testing.T) {
	hw, sim, _, _ := newTestHardware(WithNoQueue(true))
	_ = hw.FPGAWrite(1, 1)
	_ = hw.FPGAWrite(2, 2)
	if len(sim.Packets) != 2 {
		t.Fatalf("packets = %d, want 2", len(sim.Packets))
	}
}

func TestShutdown(t *testing.T) {
	hw, sim, _, _ := newTestHardware()
	_ = hw.SetVCCVoltage(5)
	_ = hw.LoadGNDLayout(2)
	_ = hw.EnableZifPullups(true)
	if err := hw.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if sim.VCC != 0 || sim.GNDLayout != 0 || sim.Pullups {
		t.Fatalf("shutdown left supplies on: %+v", sim)
	}
	if err := hw.Close(); err != nil {
		t.Fatal(err)
	}
}
