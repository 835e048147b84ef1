package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	statusAll   bool
	statusLimit int
)

var queueStatusCmd = &cobra.Command{
	Use:   "status <owner-id>",
	Short: "Show an owner's sync records and status counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueStatus,
}

func init() {
	queueStatusCmd.Flags().BoolVar(&statusAll, "all", false,
		"Include completed records")
	queueStatusCmd.Flags().IntVar(&statusLimit, "limit", 100,
		"Maximum records to list")
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	eng, db, err := resolveEngine(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := eng.Status(ctx, args[0], statusAll, statusLimit)
	if err != nil {
		return err
	}

	if queueJSONOutput {
		return printJSON(cmd.OutOrStdout(), report)
	}

	out := cmd.OutOrStdout()
	c := report.Counts
	fmt.Fprintf(out, "Owner %s: %d pending, %d processing, %d completed, %d failed, %d conflict\n",
		report.OwnerID, c.Pending, c.Processing, c.Completed, c.Failed, c.Conflict)

	if len(report.Records) == 0 {
		fmt.Fprintln(out, "No sync records found.")
		return nil
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "ID\tSTATUS\tTABLE\tRECORD\tOP\tRETRIES\tCREATED\tERROR")
	for _, r := range report.Records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.ID,
			r.Status,
			r.TargetTable,
			r.TargetID,
			r.Operation,
			r.RetryCount, r.MaxRetries,
			r.CreatedAt.Format("2006-01-02 15:04"),
			orDash(r.Error()),
		)
	}
	return w.Flush()
}
