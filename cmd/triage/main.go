// Package main implements the triage service: it ingests test execution
// outcomes, diagnoses failures and serves run statistics.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/c360/triage/config"
)

// Build information, overridden with -ldflags.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "triage"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cli := &CLIConfig{}
	root := &cobra.Command{
		Use:   appName,
		Short: "Test failure triage pipeline",
		Long: `triage ingests test execution outcomes, runs each failure through an
ordered root-cause rule chain, stores the diagnosis and keeps pass-rate
statistics ready for dashboards.`,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		Version: Version,
	}
	bindFlags(root, cli)

	root.AddCommand(newServeCmd(cli))
	root.AddCommand(newValidateCmd(cli))
	root.AddCommand(newVersionCmd())
	return root
}

// loadConfig merges the configured layers and applies the logging flags.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cli.ConfigPaths {
		if path != "" {
			loader.AddLayer(path)
		}
	}
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return applyCLI(cfg, cli)
}

// loadConfigFile checks a single file over the defaults, ignoring the
// configured layers.
func loadConfigFile(cli *CLIConfig, path string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return applyCLI(cfg, cli)
}

func applyCLI(cfg *config.Config, cli *CLIConfig) (*config.Config, error) {
	if cli.LogLevel != "" {
		cfg.Service.LogLevel = cli.LogLevel
	}
	if cli.Debug {
		cfg.Service.LogLevel = "debug"
	}
	if cli.LogFormat != "" {
		cfg.Service.LogFormat = cli.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	logger := setupLogger(w, cfg.Service.LogLevel, cfg.Service.LogFormat)
	slog.SetDefault(logger)
	return logger
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build %s, %s)\n",
				appName, Version, BuildTime, runtime.Version())
		},
	}
}
