package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gafaelfawr/gafaelfawr/internal/composer"
	"github.com/gafaelfawr/gafaelfawr/internal/config"
)

func commandDeleteAllTokens() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "delete-all-tokens",
		Short: "Invalidate the Redis token cache, forcing every session to re-resolve from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("refusing to run without --confirm")
			}
			configFile, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			level, err := parseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger, err := newLogger(level, "text")
			if err != nil {
				return err
			}

			ctx := context.Background()
			app, err := composer.Build(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer app.Close()

			if err := app.Tokens.DeleteAllRedisEntries(ctx); err != nil {
				return fmt.Errorf("delete all tokens: %w", err)
			}
			fmt.Println("all cached tokens deleted")
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "required acknowledgement that this invalidates every active session")
	return cmd
}
