package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orchestra-mcp/madonna/config"
	"github.com/orchestra-mcp/madonna/src/auth"
	"github.com/orchestra-mcp/madonna/src/obs"
	"github.com/orchestra-mcp/madonna/src/store"
	"github.com/spf13/cobra"
)

var errNoRedisTokenStore = errors.New("login requires auth.token_store to be redis")

func newLoginCmd() *cobra.Command {
	var (
		configPath string
		token      string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an ID token for the redis token store",
		Long: `Login checks the ID token and stores it in Redis, where a running client
picks it up on its next session check.`,
		Example: `  MADONNA_AUTH_TOKEN_STORE=redis madonna login --token "$ID_TOKEN"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Auth.TokenStore != config.TokenStoreRedis {
				return errNoRedisTokenStore
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			check := auth.NewTokenAuthenticator(auth.NewStaticTokenSource(token), []byte(cfg.Auth.Secret), cfg.Auth.Issuer)
			sess, err := check.CurrentSession(ctx)
			if err != nil {
				return fmt.Errorf("invalid token: %w", err)
			}

			client := store.NewClient(store.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()
			logger := obs.NewLogger(cfg.Log.Level, cfg.Log.Pretty)
			st := store.NewRedis(client, cfg.Redis.Prefix, cfg.Session.SnapshotTTL, logger)
			if err := st.SetIDToken(ctx, token, ttl); err != nil {
				return fmt.Errorf("store id token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", sess.SubjectID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&token, "token", "", "ID token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token expiry in Redis (0 keeps it until logout)")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}
