package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/bitfile"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/codec"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/session"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/top"
)

var (
	expectRuntimeID string
	rawReadCount    int
)

var uploadCmd = &cobra.Command{
	Use:   "upload <bitfile>",
	Short: "Upload an FPGA bitstream",
	Long: `Upload a bitstream to the programmer's FPGA. The argument is either a path
to a .bit file or a bitfile name looked up in the --bitfiles directories.

With --runtime-id the upload is skipped when the FPGA already reports that
ID (use --force-upload to upload anyway).

Examples:
  otp upload _27cxxx --runtime-id 0x000B.01
  otp upload ./build/custom.bit
  otp upload --info ./build/custom.bit`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

var bitfileInfo bool

var rawCmd = &cobra.Command{
	Use:   "raw <hex bytes>...",
	Short: "Send raw commands to the programmer",
	Long: `Queue raw command bytes, flush them and optionally read back the buffer
register. Bytes are hex, separated by spaces, commas or colons.

Examples:
  # Read the version string
  otp raw "0E 11 00 00" --read 16
  # FPGA read of register 0x12, then read one byte back
  otp raw 0B12 --read 1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRaw,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringVar(&expectRuntimeID, "runtime-id", "", "expected runtime ID as MAJOR.REVISION, e.g. 0x000B.01")
	uploadCmd.Flags().BoolVar(&bitfileInfo, "info", false, "only print the bitfile header")

	rootCmd.AddCommand(rawCmd)
	rawCmd.Flags().IntVarP(&rawReadCount, "read", "r", 0, "bytes to read back from the buffer register")
}

// parseRuntimeID parses "MAJOR.REVISION" with hex or decimal parts.
func parseRuntimeID(s string) (top.RuntimeID, error) {
	if s == "" {
		return top.RuntimeID{}, nil
	}
	major, rev, ok := strings.Cut(s, ".")
	if !ok {
		return top.RuntimeID{}, fmt.Errorf("bad runtime ID %q, want MAJOR.REVISION", s)
	}
	m, err := codec.ParseUint(major)
	if err != nil || m > 0xFFFF {
		return top.RuntimeID{}, fmt.Errorf("bad runtime ID major %q", major)
	}
	r, err := codec.ParseUint(rev)
	if err != nil || r > 0xFF {
		return top.RuntimeID{}, fmt.Errorf("bad runtime ID revision %q", rev)
	}
	return top.RuntimeID{Major: uint16(m), Revision: uint8(r)}, nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	required, err := parseRuntimeID(expectRuntimeID)
	if err != nil {
		return err
	}

	name := args[0]
	var bf *bitfile.Bitfile
	if _, statErr := os.Stat(name); statErr == nil {
		if bf, err = bitfile.ParseFile(name); err != nil {
			return err
		}
		name = strings.TrimSuffix(filepath.Base(name), ".bit")
	}

	out := cmd.OutOrStdout()
	if bitfileInfo {
		if bf == nil {
			if bf, err = bitfile.NewStore(bitfileDirs...).Load(name); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "Source: %s\nFPGA:   %s\nDate:   %s %s\nSize:   %d bytes\n",
			bf.SourceFile, bf.FPGA, bf.Date, bf.Time, len(bf.Payload))
		return nil
	}

	var extra []session.Option
	if bf != nil {
		// A file given by path takes precedence over the bitfile directories.
		extra = append(extra, session.WithBitfileStore(bitfile.MemStore{name: bf}))
	}
	sess, sim, err := openSession(cmd, "", extra...)
	if err != nil {
		return err
	}
	defer sess.Close()

	if sim != nil {
		sim.NextRuntimeID = required
	}
	if err := sess.UploadBitfile(name, required, forceUpload); err != nil {
		return err
	}

	id, err := sess.Hardware().ReadRuntimeID()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "FPGA runtime ID: %s\n", id)
	return nil
}

func runRaw(cmd *cobra.Command, args []string) error {
	data, err := codec.ParseHex(strings.Join(args, " "))
	if err != nil {
		return err
	}

	hw, _, err := openHardware()
	if err != nil {
		return err
	}
	defer hw.Close()

	if len(data) > hw.Profile().MaxPacketBytes {
		return fmt.Errorf("%d bytes do not fit a %d byte packet", len(data), hw.Profile().MaxPacketBytes)
	}
	if err := hw.QueueCommand(data); err != nil {
		return err
	}
	if err := hw.FlushCommands(0); err != nil {
		return err
	}
	if rawReadCount <= 0 {
		return nil
	}
	resp, err := hw.ReadBufferReg(rawReadCount)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), codec.Dump(resp))
	return nil
}
