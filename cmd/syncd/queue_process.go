package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one processing cycle over pending records",
	Args:  cobra.NoArgs,
	RunE:  runQueueProcess,
}

func runQueueProcess(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	eng, db, err := resolveEngine(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := eng.ReapStaleClaims(ctx); err != nil {
		return err
	}
	cycle, err := eng.ProcessPending(ctx)
	if err != nil {
		return err
	}

	if queueJSONOutput {
		return printJSON(cmd.OutOrStdout(), cycle)
	}

	t := cycle.Totals()
	fmt.Fprintf(cmd.OutOrStdout(),
		"Polled %d record(s) across %d owner(s): %d processed, %d resolved, %d escalated, %d retried, %d failed, %d skipped, %d superseded\n",
		cycle.Polled, len(cycle.Batches),
		t.Processed, t.ConflictsResolved, t.Escalated, t.Retried, t.Failed, t.Skipped, cycle.Superseded)
	return nil
}
