package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360/triage/config"
)

func newValidateCmd(cli *CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate configuration and the rule chain, then exit",
		Long:  "Validate the configured layers, or only the given file over the defaults.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				cfg *config.Config
				err error
			)
			if len(args) == 1 {
				cfg, err = loadConfigFile(cli, args[0])
			} else {
				cfg, err = loadConfig(cli)
			}
			if err != nil {
				return err
			}
			logger := initLogger(cmd.ErrOrStderr(), cfg)

			rules, err := buildRules(cfg, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "configuration is valid (storage=%s, nats=%t)\n",
				cfg.Storage.Backend, cfg.NATS.Enabled)
			_, _ = fmt.Fprintf(out, "rule chain (%d rules, first match wins):\n", len(rules))
			for _, r := range rules {
				_, _ = fmt.Fprintf(out, "  %4d  %s\n", r.Priority(), r.Name())
			}
			return nil
		},
	}
}
