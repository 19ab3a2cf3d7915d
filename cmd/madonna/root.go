package main

import (
	"fmt"

	"github.com/orchestra-mcp/madonna/config"
	"github.com/orchestra-mcp/madonna/providers"
	"github.com/spf13/cobra"
)

// newRootCmd creates the root command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "madonna",
		Short:         "Session and realtime channel client",
		Version:       fmt.Sprintf("madonna %s", providers.Version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newRunCmd(),
		newLoginCmd(),
		newSendCmd(),
		newStatusCmd(),
	)
	return cmd
}

// loadConfig reads path when given, otherwise starts from the defaults, and
// applies environment overrides on top.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	return cfg, nil
}
