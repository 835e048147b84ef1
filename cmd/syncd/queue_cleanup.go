package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupOlderThanDays int

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup [owner-id]",
	Short: "Delete completed records past the retention window",
	Long:  "Delete completed records processed more than --older-than-days ago. Without an owner id every owner is cleaned.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runQueueCleanup,
}

func init() {
	queueCleanupCmd.Flags().IntVar(&cleanupOlderThanDays, "older-than-days", 0,
		"Retention window in days (0 uses the default of 30)")
}

func runQueueCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	owner := ""
	if len(args) == 1 {
		owner = args[0]
	}

	eng, db, err := resolveEngine(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	resp, err := eng.Cleanup(ctx, owner, cleanupOlderThanDays)
	if err != nil {
		return err
	}

	if queueJSONOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d completed record(s) older than %d days\n",
		resp.Deleted, resp.OlderThanDays)
	return nil
}
