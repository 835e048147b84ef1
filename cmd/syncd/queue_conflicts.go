package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var queueConflictsCmd = &cobra.Command{
	Use:   "conflicts <owner-id>",
	Short: "List an owner's unresolved conflicts",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueConflicts,
}

func runQueueConflicts(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	eng, db, err := resolveEngine(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	resp, err := eng.ListConflicts(ctx, args[0])
	if err != nil {
		return err
	}

	if queueJSONOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}

	if resp.Total == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conflicts found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tTABLE\tRECORD\tOP\tKIND\tSERVER\tOPTIONS")
	for _, c := range resp.Conflicts {
		server := "present"
		if c.ServerData == nil {
			server = "missing"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Record.ID,
			c.Record.TargetTable,
			c.Record.TargetID,
			c.Record.Operation,
			orDash(string(c.Record.ConflictKind)),
			server,
			strings.Join(c.ResolutionOptions, ","),
		)
	}
	return w.Flush()
}
