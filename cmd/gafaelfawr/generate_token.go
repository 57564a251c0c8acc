package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gafaelfawr/gafaelfawr/internal/composer"
	"github.com/gafaelfawr/gafaelfawr/internal/config"
)

func commandGenerateToken() *cobra.Command {
	var username string
	var scopes []string

	cmd := &cobra.Command{
		Use:   "generate-token",
		Short: "Mint a session token for a user without going through a login flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--username is required")
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

			issued, err := app.Tokens.CreateSessionToken(ctx, username, scopes, scopes, nil, "127.0.0.1", nil)
			if err != nil {
				return fmt.Errorf("create token: %w", err)
			}
			fmt.Println(issued.Token.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "username to mint the token for")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope to grant (may be repeated)")
	return cmd
}
