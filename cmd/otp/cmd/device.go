package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/bitfile"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/chip"
	_ "github.com/OpenTraceLab/OpenTraceProg/pkg/chips/eprom"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/session"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/top"
)

var (
	adapterType string
	deviceID    string
	bitfileDirs []string
	noQueue     bool
	rawDump     bool
	forceUpload bool
	strictness  string
)

// newSimDevice creates the programmer behind --adapter sim. Tests replace it
// to attach a simulated chip.
var newSimDevice = func() *top.SimDevice {
	return top.NewSimDevice(top.TOP2049)
}

func addDeviceFlags(c *cobra.Command) {
	f := c.PersistentFlags()
	f.StringVarP(&adapterType, "adapter", "a", "usb", "programmer adapter (usb, sim)")
	f.StringVarP(&deviceID, "device", "d", "", "USB device as BUS:ADDR (default: first programmer found)")
	f.StringSliceVar(&bitfileDirs, "bitfiles", defaultBitfileDirs(), "directories searched for FPGA bitfiles")
	f.BoolVar(&noQueue, "no-queue", false, "send every command immediately instead of batching")
	f.BoolVar(&rawDump, "raw-dump", false, "hex dump every USB packet to the log")
	f.BoolVar(&forceUpload, "force-upload", false, "upload the bitstream even if the FPGA already runs it")
	f.StringVar(&strictness, "strictness", "strict", "signature mismatch handling (strict, warn, ignore)")
}

func defaultBitfileDirs() []string {
	dirs := []string{"bitfiles"}
	if dir, err := configDir(); err == nil {
		dirs = append(dirs, filepath.Join(dir, "bitfiles"))
	}
	return append(dirs, "/usr/share/opentraceprog/bitfiles")
}

// openHardware connects to the selected adapter.
func openHardware() (*top.Hardware, *top.SimDevice, error) {
	switch adapterType {
	case "usb":
		if verbose {
			fmt.Fprintf(os.Stderr, "Opening TOP2049 %s...\n", deviceOrFirst())
		}
		t, err := top.OpenUSB(deviceID, top.TOP2049, top.WithRawDump(rawDump))
		if err != nil {
			return nil, nil, err
		}
		return top.NewHardware(t, top.TOP2049, top.WithNoQueue(noQueue)), nil, nil
	case "sim", "simulator":
		sim := newSimDevice()
		hw := top.NewHardware(sim, sim.Profile,
			top.WithNoQueue(noQueue),
			top.WithSleeper(func(time.Duration) {}))
		return hw, sim, nil
	}
	return nil, nil, fmt.Errorf("unknown adapter %q (want usb or sim)", adapterType)
}

func deviceOrFirst() string {
	if deviceID == "" {
		return "(first found)"
	}
	return deviceID
}

// simBitfiles returns placeholder bitstreams for every registered chip so
// the simulator works without a bitfile directory.
func simBitfiles(fpga string) bitfile.MemStore {
	store := bitfile.MemStore{}
	for _, d := range chip.Default.All() {
		store[d.Bitfile] = &bitfile.Bitfile{
			SourceFile: d.Bitfile + ".ncd",
			FPGA:       fpga,
			Payload:    []byte(strings.Repeat("\xFF", 64) + d.Bitfile),
		}
	}
	return store
}

// openSession opens the programmer and brings it up. chipID, when set,
// prepares the simulator to report the chip's bitstream after upload.
func openSession(cmd *cobra.Command, chipID string, extra ...session.Option) (*session.Session, *top.SimDevice, error) {
	st, err := chip.ParseStrictness(strictness)
	if err != nil {
		return nil, nil, err
	}
	hw, sim, err := openHardware()
	if err != nil {
		return nil, nil, err
	}

	var store bitfile.Loader = bitfile.NewStore(bitfileDirs...)
	if sim != nil {
		store = bitfile.Chain{store, simBitfiles(sim.Profile.FPGAType)}
		if d, ok := chip.Default.Lookup(chipID); ok {
			sim.NextRuntimeID = d.RuntimeID
		}
	}

	opts := []session.Option{
		session.WithBitfileStore(store),
		session.WithStrictness(st),
		session.WithForceUpload(forceUpload),
		session.WithProgress(progressPrinter(cmd.ErrOrStderr())),
	}
	sess, err := session.Open(hw, append(opts, extra...)...)
	if err != nil {
		hw.Close()
		return nil, nil, err
	}
	glog.V(1).Infof("Session open on %s adapter", adapterType)
	return sess, sim, nil
}

func progressPrinter(w io.Writer) session.ProgressFunc {
	last := -1
	return func(done, total int) {
		if total == 0 {
			return
		}
		pct := done * 100 / total
		if pct/10 == last/10 && done != total {
			return
		}
		last = pct
		fmt.Fprintf(w, "\rUploading bitstream: %3d%%", pct)
		if done == total {
			fmt.Fprintln(w)
		}
	}
}
