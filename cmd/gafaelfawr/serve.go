package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/gafaelfawr/gafaelfawr/internal/composer"
	"github.com/gafaelfawr/gafaelfawr/internal/config"
)

func commandServe() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gafaelfawr HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			configFile, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			return runServe(configFile)
		},
	}
}

func runServe(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(level, "text")
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.Info("config loaded", "realm", cfg.Realm, "external_url", cfg.ExternalURL)

	ctx := context.Background()
	app, err := composer.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer app.Close()

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: app.HTTP,
	}

	var gr run.Group
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", srv.Addr, err)
	}
	gr.Add(func() error {
		logger.Info("listening", "addr", srv.Addr)
		return srv.Serve(listener)
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		logger.Debug("starting graceful shutdown")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	})
	gr.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	return gr.Run()
}
