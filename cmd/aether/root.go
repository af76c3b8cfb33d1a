package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aetherhub/aether/common/version"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "aether",
		Short:         "Gateway deployment and connection orchestrator",
		Long:          "aether launches agent gateway deployments with docker compose,\nwatches their health, and brokers chat to local and remote gateways.",
		Version:       fmt.Sprintf("aether %s", version.Info()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newKeygenCmd(),
		newFieldsCmd(),
		newVersionCmd(),
	)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "aether %s\n", version.Info())
			return nil
		},
	}
}
