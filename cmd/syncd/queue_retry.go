package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var retryMaxRetries int

var queueRetryCmd = &cobra.Command{
	Use:   "retry <owner-id>",
	Short: "Requeue an owner's failed records",
	Long:  "Move failed records with retries left back to pending. --max-retries raises the per-record limit.",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

func init() {
	queueRetryCmd.Flags().IntVar(&retryMaxRetries, "max-retries", 0,
		"Retry limit to apply (0 keeps each record's own limit)")
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if retryMaxRetries < 0 {
		return fmt.Errorf("--max-retries must not be negative")
	}

	eng, db, err := resolveEngine(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	resp, err := eng.RetryFailed(ctx, args[0], retryMaxRetries)
	if err != nil {
		return err
	}

	if queueJSONOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d failed record(s)\n", resp.Requeued)
	return nil
}
