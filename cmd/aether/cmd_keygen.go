package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aetherhub/aether/common/crypto"
)

// newKeygenCmd creates the "aether keygen" subcommand.
func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a master key for gateway token encryption",
		Long:  "Prints a random hex-encoded key suitable for AETHER_MASTER_KEY.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateMasterKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}
