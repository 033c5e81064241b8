package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd(cli *CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion pipeline and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cli)
			if err != nil {
				return err
			}
			if cli.ShutdownTimeout > 0 {
				cfg.Pipeline.ShutdownGrace = cli.ShutdownTimeout
			}
			logger := initLogger(cmd.ErrOrStderr(), cfg)
			logger.Info("Starting triage",
				"build_time", BuildTime,
				"config_paths", cli.ConfigPaths,
				"storage", cfg.Storage.Backend,
				"nats", cfg.NATS.Enabled)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			return a.run(ctx)
		},
	}
}
