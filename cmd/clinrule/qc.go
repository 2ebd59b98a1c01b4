package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var qcRecordSet string

var qcCmd = &cobra.Command{
	Use:   "qc",
	Short: "Run one batch QC pass and print the run summary.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		recordSet := qcRecordSet
		if recordSet == "" {
			recordSet = cfg.QC.RecordSet
		}

		rt, err := newRuntime(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer rt.Close()

		run, err := rt.engine.Run(cmd.Context(), recordSet)
		if err != nil {
			return err
		}
		run.Updated = nil

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
		if run.Cancelled {
			return &exitError{code: 130, err: fmt.Errorf("qc run %s cancelled", run.ID)}
		}
		return nil
	},
}

func init() {
	qcCmd.Flags().StringVar(&qcRecordSet, "record-set", "", "record set to scan (default from qc.record_set)")
}
