package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"clinrule/internal/metadata"
	"clinrule/internal/rulepack"
	"clinrule/internal/store"
)

var seedRulesCmd = &cobra.Command{
	Use:   "seed-rules FILE",
	Short: "Upsert the fields and rules of a rule pack into the database.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		pack, err := rulepack.LoadFile(args[0])
		if err != nil {
			return &exitError{code: 2, err: err}
		}

		db, err := store.New(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		existing, err := db.ListFields(ctx)
		if err != nil {
			return err
		}
		base, _ := metadata.CatalogOf(existing)
		if err := rulepack.Err(pack.Check(base)); err != nil {
			return &exitError{code: 2, err: err}
		}

		res, err := pack.Seed(ctx, db)
		if err != nil {
			return err
		}
		log.Info("seeded rule pack", "file", args[0], "fields", res.Fields, "rules", res.Rules)
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d fields and %d rules\n", res.Fields, res.Rules)
		return nil
	},
}
