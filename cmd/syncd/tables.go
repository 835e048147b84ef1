package main

import "github.com/callivate/syncd/internal/tables"

// initTables registers the syncable domain tables.
// Called before any engine is built.
func initTables() {
	tables.RegisterDefaults()
}
