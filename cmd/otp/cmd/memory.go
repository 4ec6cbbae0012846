package cmd

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/chip"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/codec"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/image"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/session"
)

var (
	chipID      string
	chipOptions []string
	imageFile   string
	imageFormat string
	verifyWrite bool
)

// memory is a chip memory area reachable through the session.
type memory struct {
	read  func(*session.Session) ([]byte, error)
	write func(*session.Session, []byte) error
}

var memories = map[string]memory{
	"progmem":  {(*session.Session).ReadProgmem, (*session.Session).WriteProgmem},
	"eeprom":   {(*session.Session).ReadEEPROM, (*session.Session).WriteEEPROM},
	"fuses":    {(*session.Session).ReadFuses, (*session.Session).WriteFuses},
	"lockbits": {(*session.Session).ReadLockbits, (*session.Session).WriteLockbits},
	"ram":      {(*session.Session).ReadRAM, (*session.Session).WriteRAM},
}

func memoryNames() string {
	var names []string
	for name := range memories {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func lookupMemory(name string) (memory, error) {
	m, ok := memories[strings.ToLower(name)]
	if !ok {
		return memory{}, fmt.Errorf("unknown memory %q (want one of %s)", name, memoryNames())
	}
	return m, nil
}

var readCmd = &cobra.Command{
	Use:   "read <memory>",
	Short: "Read a chip memory",
	Long: `Read a chip memory (` + memoryNames() + `) into a file, or hex dump it
to stdout when no output file is given.

Examples:
  otp read progmem -c m27256 -o dump.hex
  otp read progmem -c m2716 --format bin -o dump.rom`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

var writeCmd = &cobra.Command{
	Use:   "write <memory>",
	Short: "Write a chip memory",
	Long: `Write an image file to a chip memory (` + memoryNames() + `).

Examples:
  otp write eeprom -c atmega8 -i eeprom.hex --verify`,
	Args: cobra.ExactArgs(1),
	RunE: runWrite,
}

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase the chip",
	Args:  cobra.NoArgs,
	RunE:  runErase,
}

var signatureCmd = &cobra.Command{
	Use:   "signature",
	Short: "Read and check the chip signature",
	Args:  cobra.NoArgs,
	RunE:  runSignature,
}

func addChipFlags(c *cobra.Command) {
	c.Flags().StringVarP(&chipID, "chip", "c", "", "chip ID (see 'otp chips')")
	c.Flags().StringSliceVarP(&chipOptions, "opt", "O", nil, "chip option NAME=VALUE")
	c.MarkFlagRequired("chip")
}

func init() {
	for _, c := range []*cobra.Command{readCmd, writeCmd, eraseCmd, signatureCmd} {
		addChipFlags(c)
		rootCmd.AddCommand(c)
	}
	readCmd.Flags().StringVarP(&imageFile, "output", "o", "", "output file (default: hex dump to stdout)")
	readCmd.Flags().StringVarP(&imageFormat, "format", "f", "", "image format: bin or ihex (default: from file extension)")
	writeCmd.Flags().StringVarP(&imageFile, "input", "i", "", "input image file")
	writeCmd.Flags().StringVarP(&imageFormat, "format", "f", "", "image format: bin or ihex (default: from file extension)")
	writeCmd.Flags().BoolVar(&verifyWrite, "verify", false, "read back and compare after writing")
	writeCmd.MarkFlagRequired("input")
}

func resolveFormat(path string) (image.Format, error) {
	if imageFormat != "" {
		return image.ParseFormat(imageFormat)
	}
	return image.FormatFromPath(path), nil
}

// withChip opens a session, selects the chip and runs fn.
func withChip(cmd *cobra.Command, fn func(*session.Session) error) error {
	opts, err := chip.ParseOptions(chipOptions)
	if err != nil {
		return err
	}
	if _, ok := chip.Default.Lookup(chipID); !ok {
		return fmt.Errorf("unknown chip %q, see 'otp chips'", chipID)
	}
	sess, _, err := openSession(cmd, chipID)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.SelectChip(chipID, opts); err != nil {
		return err
	}
	return fn(sess)
}

func runRead(cmd *cobra.Command, args []string) error {
	mem, err := lookupMemory(args[0])
	if err != nil {
		return err
	}
	format, err := resolveFormat(imageFile)
	if err != nil {
		return err
	}
	return withChip(cmd, func(sess *session.Session) error {
		data, err := mem.read(sess)
		if err != nil {
			return err
		}
		if imageFile == "" {
			fmt.Fprint(cmd.OutOrStdout(), codec.Dump(data))
			return nil
		}
		f, err := os.Create(imageFile)
		if err != nil {
			return err
		}
		if err := image.Write(f, data, format); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Read %d bytes of %s into %s\n", len(data), args[0], imageFile)
		return nil
	})
}

func runWrite(cmd *cobra.Command, args []string) error {
	mem, err := lookupMemory(args[0])
	if err != nil {
		return err
	}
	format, err := resolveFormat(imageFile)
	if err != nil {
		return err
	}
	f, err := os.Open(imageFile)
	if err != nil {
		return err
	}
	data, err := image.Read(f, format)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", imageFile, err)
	}

	return withChip(cmd, func(sess *session.Session) error {
		if err := mem.write(sess, data); err != nil {
			return err
		}
		if verifyWrite {
			back, err := mem.read(sess)
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			if !bytes.Equal(back, data) {
				return fmt.Errorf("verify: %s differs from %s", args[0], imageFile)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(data), args[0])
		return nil
	})
}

func runErase(cmd *cobra.Command, args []string) error {
	return withChip(cmd, func(sess *session.Session) error {
		if err := sess.Erase(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Chip erased")
		return nil
	})
}

func runSignature(cmd *cobra.Command, args []string) error {
	return withChip(cmd, func(sess *session.Session) error {
		sig, err := sess.ReadSignature()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signature: % X\n", sig)
		return nil
	})
}
