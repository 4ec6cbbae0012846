package cmd

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "otp",
	Short: "TOP2049 universal programmer tool",
	Long: `Drive a TOP2049 USB chip programmer: upload FPGA bitstreams and run
chip programming algorithms.

Examples:
  otp interfaces                                   # List attached programmers
  otp chips                                        # List supported chips
  otp read progmem -c m27256 -o dump.hex           # Read an EPROM to Intel HEX
  otp info --adapter sim                           # Run against the simulator
  otp raw "0E 11 00 00" --read 16                  # Send raw commands`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// glog logs to stderr unless told otherwise; its flags (-v, -vmodule,
	// -log_dir, ...) are exposed as persistent flags.
	flag.Set("logtostderr", "true")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output (same as -v=1)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+defaultConfigHint()+")")

	addDeviceFlags(rootCmd)
}

// initLogging applies --verbose and marks the Go flag set as parsed so glog
// does not complain about logging before flag.Parse.
func initLogging() {
	if verbose {
		if v := flag.Lookup("v"); v != nil && v.Value.String() == "0" {
			flag.Set("v", "1")
		}
	}
	if !flag.Parsed() {
		flag.CommandLine.Parse(nil)
	}
}
