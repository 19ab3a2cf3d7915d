package main

import (
	"fmt"

	"github.com/orchestra-mcp/madonna/providers"
	"github.com/orchestra-mcp/madonna/src/obs"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Check the session, kick off and keep the realtime channel open",
		Long: `Run checks the stored session, loads the kickoff payload once the user is
signed in and opens the realtime channel for the selected team. Session and
channel status is served over HTTP until SIGINT or SIGTERM.`,
		Example: `  madonna run --config madonna.yaml
  MADONNA_REALTIME_TRANSPORT=sse madonna run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if debug {
				cfg.Log.Level = "debug"
			}
			logger := obs.NewLogger(cfg.Log.Level, cfg.Log.Pretty)

			app := providers.NewApp(cfg, logger)
			if err := app.Run(cmd.Context()); err != nil {
				return err
			}
			logger.Info().Msg("madonna stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}
