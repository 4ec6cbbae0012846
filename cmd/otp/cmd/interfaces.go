package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/top"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List attached programmers",
	Long: `Scan the USB bus for supported programmers and print a summary of the
detected devices. The BUS:ADDR identifier can be passed to --device to select
one of several programmers. The simulator is always listed last.`,
	Args: cobra.NoArgs,
	RunE: runInterfaces,
}

func init() {
	rootCmd.AddCommand(interfacesCmd)
}

func runInterfaces(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	infos, err := top.DiscoverProgrammers(ctx)
	if err != nil {
		return fmt.Errorf("discover programmers: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Detected programmers:")
	for _, info := range infos {
		fmt.Fprintf(out, "  - %-8s %s [%s]\n", info.ID(), info.Label(), info.Kind)
	}
	return nil
}
