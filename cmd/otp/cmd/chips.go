package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/chip"
)

var chipsCmd = &cobra.Command{
	Use:   "chips [filter]",
	Short: "List supported chips",
	Long: `List every supported chip with its bitstream and capabilities. An optional
filter argument restricts the list to chip IDs containing it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChips,
}

func init() {
	rootCmd.AddCommand(chipsCmd)
}

func runChips(cmd *cobra.Command, args []string) error {
	filter := ""
	if len(args) == 1 {
		filter = strings.ToLower(args[0])
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBITFILE\tCAPABILITIES\tDESCRIPTION")
	n := 0
	for _, d := range chip.Default.All() {
		if filter != "" && !strings.Contains(strings.ToLower(d.ID), filter) {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Bitfile, d.Caps, d.Description)
		n++
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no chip matches %q", filter)
	}
	return nil
}
