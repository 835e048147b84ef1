package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/callivate/syncd/internal/config"
	"github.com/callivate/syncd/internal/engine"
	"github.com/callivate/syncd/internal/store"
	"github.com/spf13/cobra"
)

var (
	queueDBPath     string
	queueJSONOutput bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the sync queue",
	Long:  "Report, retry, process and clean up queued sync records without running the server.",
}

func init() {
	queueCmd.PersistentFlags().StringVar(&queueDBPath, "db", "",
		"SQLite database path (overrides config and SYNCD_DB_PATH)")
	queueCmd.PersistentFlags().BoolVar(&queueJSONOutput, "json", false,
		"Output in JSON format")

	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueConflictsCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueCleanupCmd)
	queueCmd.AddCommand(queueProcessCmd)
}

// resolveEngine opens the configured store, or the --db override, and builds
// an engine over it. Background workers are not started and enqueue never
// processes inline. The caller closes the store.
func resolveEngine(ctx context.Context) (*engine.Engine, store.Store, error) {
	initTables()

	cfg, err := config.LoadWithoutSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if queueDBPath != "" {
		cfg.Database.Driver = config.DriverSQLite
		cfg.Database.Path = queueDBPath
	}

	db, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	opts := cfg.EngineOptions()
	opts.ProcessOnEnqueue = false
	return engine.New(db, opts), db, nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// orDash returns s, or "-" when s is empty.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
