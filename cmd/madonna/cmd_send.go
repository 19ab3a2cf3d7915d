package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orchestra-mcp/madonna/providers"
	"github.com/orchestra-mcp/madonna/src/obs"
	"github.com/spf13/cobra"
)

var errNotFlushed = errors.New("frame was not sent before the timeout")

func newSendCmd() *cobra.Command {
	var (
		configPath string
		action     string
		data       string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:     "send",
		Short:   "Send one frame over the realtime channel",
		Example: `  madonna send --action ping --data '{"n":1}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			fields := map[string]any{}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &fields); err != nil {
					return fmt.Errorf("invalid --data: %w", err)
				}
			}

			app := providers.NewApp(cfg, obs.NewLogger(cfg.Log.Level, cfg.Log.Pretty))
			if err := app.Activate(); err != nil {
				return err
			}
			defer func() { _ = app.Deactivate() }()

			svc := app.Service()
			if err := svc.Publish(action, fields); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := waitFlushed(ctx, func() int { return svc.Info().QueueLength }); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", action)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&action, "action", "a", "", "Frame action")
	cmd.Flags().StringVar(&data, "data", "", "Frame fields as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "How long to wait for the connection")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

// waitFlushed polls until the outbound queue is empty.
func waitFlushed(ctx context.Context, queued func() int) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if queued() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", errNotFlushed, ctx.Err())
		case <-ticker.C:
		}
	}
}
