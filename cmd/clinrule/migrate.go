package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"clinrule/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Run database migrations.",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		m := store.NewMigrator(cfg.Database, log)

		action := "up"
		if len(args) == 1 {
			action = args[0]
		}
		switch action {
		case "down":
			return m.Down()
		case "version":
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
			return nil
		default:
			return m.Up()
		}
	},
}
