package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"clinrule/internal/config"
	"clinrule/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "clinrule",
	Short:         "clinrule compiles clinical edit checks and runs them in real time and in batch QC.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, qcCmd, checkRulesCmd, seedRulesCmd, migrateCmd)
}

// bootstrap loads configuration and installs the command's logger.
func bootstrap(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.Bootstrap(cfg.Log.Format, cfg.Log.Level, cmd.ErrOrStderr(), cmd.CommandPath())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
