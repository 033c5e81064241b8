package main

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
}

func bindFlags(cmd *cobra.Command, cfg *CLIConfig) {
	flags := cmd.PersistentFlags()

	flags.StringSliceVarP(&cfg.ConfigPaths, "config", "c",
		getEnvList("TRIAGE_CONFIG", []string{"configs/triage.json"}),
		"Configuration layers, applied in order (env: TRIAGE_CONFIG)")

	flags.StringVar(&cfg.LogLevel, "log-level",
		getEnv("TRIAGE_LOG_LEVEL", ""),
		"Log level override: debug, info, warn, error (env: TRIAGE_LOG_LEVEL)")

	flags.StringVar(&cfg.LogFormat, "log-format",
		getEnv("TRIAGE_LOG_FORMAT", ""),
		"Log format override: json, text (env: TRIAGE_LOG_FORMAT)")

	flags.BoolVar(&cfg.Debug, "debug",
		getEnvBool("TRIAGE_DEBUG", false),
		"Enable debug logging (env: TRIAGE_DEBUG)")

	flags.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("TRIAGE_SHUTDOWN_TIMEOUT", 0),
		"Graceful shutdown timeout, 0 uses pipeline.shutdown_grace (env: TRIAGE_SHUTDOWN_TIMEOUT)")
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return []string{value}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
