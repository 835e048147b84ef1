package store

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/callivate/syncd/migrations"
	"github.com/pressly/goose/v3"
)

// Migration dialects. Each has its own directory in the migrations package.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// RunMigrations applies all pending database migrations using goose.
// It uses the embedded SQL files from the migrations package.
func RunMigrations(db *sql.DB, dialect string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	// Disable goose's default logging to avoid stdout noise
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, dialect); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
