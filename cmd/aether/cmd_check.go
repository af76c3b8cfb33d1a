package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aetherhub/aether/common/spec/deployfields"
	"github.com/aetherhub/aether/internal/aether/config"
	"github.com/aetherhub/aether/internal/aether/runtime/compose"
)

// newCheckCmd creates the "aether check" subcommand.
func newCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and the compose template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := compose.ValidateTemplate(cfg.Deploy.ComposeFile, deployfields.FieldPort, deployfields.FieldGatewayToken); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "listen:        %s\n", cfg.Listen)
			fmt.Fprintf(out, "database:      %s\n", cfg.DatabasePath)
			fmt.Fprintf(out, "deploy root:   %s\n", cfg.Deploy.Root)
			fmt.Fprintf(out, "compose file:  %s\n", cfg.Deploy.ComposeFile)
			fmt.Fprintf(out, "port range:    %d-%d\n", cfg.Deploy.PortMin, cfg.Deploy.PortMax)
			fmt.Fprintf(out, "token storage: %s\n", tokenStorage(cfg))
			fmt.Fprintf(out, "remote:        %s\n", enabled(cfg.Remote.Enabled(), cfg.Remote.URL))
			fmt.Fprintf(out, "audit room:    %s\n", enabled(cfg.Matrix.Enabled(), cfg.Matrix.Room))
			fmt.Fprintln(out, "ok")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func tokenStorage(cfg config.Config) string {
	if cfg.MasterKey == "" {
		return "plaintext"
	}
	return "encrypted"
}

func enabled(on bool, detail string) string {
	if !on {
		return "disabled"
	}
	return detail
}
