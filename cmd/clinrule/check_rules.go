package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"clinrule/internal/rulepack"
)

var checkRulesCmd = &cobra.Command{
	Use:   "check-rules FILE",
	Short: "Validate and compile a rule pack without touching the database.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pack, err := rulepack.LoadFile(args[0])
		if err == nil {
			err = rulepack.Err(pack.Check(nil))
		}
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), err)
			return &exitError{code: 2, err: err, silent: true}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "validated %d fields and %d rules\n", len(pack.Fields), len(pack.Rules))
		return nil
	},
}
