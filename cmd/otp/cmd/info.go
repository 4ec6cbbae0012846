package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show programmer information",
	Long: `Bring up the programmer and print its version string, the runtime ID of
the bitstream currently loaded in the FPGA and the programmer's fixed
properties.

Examples:
  otp info
  otp info --adapter sim`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	sess, _, err := openSession(cmd, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	hw := sess.Hardware()
	id, err := hw.ReadRuntimeID()
	if err != nil {
		return fmt.Errorf("read runtime ID: %w", err)
	}
	p := hw.Profile()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Programmer:     %s\n", p.Model)
	fmt.Fprintf(out, "Version:        %s\n", sess.Version())
	if id.Known() {
		fmt.Fprintf(out, "FPGA bitstream: runtime ID %s\n", id)
	} else {
		fmt.Fprintf(out, "FPGA bitstream: unknown (%s)\n", id)
	}
	fmt.Fprintf(out, "FPGA type:      %s\n", p.FPGAType)
	fmt.Fprintf(out, "Oscillator:     %d MHz\n", p.OscillatorHz/1_000_000)
	fmt.Fprintf(out, "Packet size:    %d bytes\n", p.MaxPacketBytes)
	return nil
}
