package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aetherhub/aether/common/spec/deployfields"
)

// newFieldsCmd creates the "aether fields" subcommand.
func newFieldsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fields",
		Short: "List deployment configuration fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCLASS\tDESCRIPTION")
			for _, f := range deployfields.All() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, f.Class, f.Description)
			}
			return tw.Flush()
		},
	}
}
