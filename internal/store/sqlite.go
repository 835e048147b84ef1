package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	callsync "github.com/callivate/syncd/internal/sync"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the embedded store backed by modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db, DialectSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Driver returns "sqlite".
func (s *SQLiteStore) Driver() string { return "sqlite" }

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func sqliteArgs() *queryArgs {
	return &queryArgs{timeArg: func(t time.Time) any { return formatTime(t) }}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(sc rowScanner) (*callsync.SyncRecord, error) {
	var (
		rec                              callsync.SyncRecord
		payload, createdAt               string
		errMsg, kind, processed, claimed sql.NullString
	)
	err := sc.Scan(
		&rec.ID, &rec.OwnerID, &rec.TargetTable, &rec.TargetID, &rec.Operation, &payload,
		&rec.ConflictPolicy, &rec.Status, &rec.RetryCount, &rec.MaxRetries, &errMsg, &kind,
		&createdAt, &processed, &claimed,
	)
	if err != nil {
		return nil, err
	}

	if rec.Payload, err = callsync.DecodePayload([]byte(payload)); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		rec.ErrorMessage = &errMsg.String
	}
	rec.ConflictKind = callsync.ConflictKind(kind.String)
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.ProcessedAt, err = parseNullTime(processed); err != nil {
		return nil, fmt.Errorf("parse processed_at: %w", err)
	}
	if rec.ClaimedAt, err = parseNullTime(claimed); err != nil {
		return nil, fmt.Errorf("parse claimed_at: %w", err)
	}
	return &rec, nil
}

// InsertSyncRecords stores recs in one transaction.
func (s *SQLiteStore) InsertSyncRecords(ctx context.Context, recs []callsync.SyncRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sync_queue (`+syncRecordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range recs {
		rec := &recs[i]
		payload, err := rec.Payload.Encode()
		if err != nil {
			return fmt.Errorf("encode payload %s: %w", rec.ID, err)
		}
		res, err := stmt.ExecContext(ctx,
			rec.ID, rec.OwnerID, rec.TargetTable, rec.TargetID, string(rec.Operation), string(payload),
			string(rec.ConflictPolicy), string(rec.Status), rec.RetryCount, rec.MaxRetries,
			nullableString(rec.ErrorMessage), nullableKind(rec.ConflictKind),
			formatTime(rec.CreatedAt), formatNullTime(rec.ProcessedAt), formatNullTime(rec.ClaimedAt),
		)
		if err != nil {
			return fmt.Errorf("insert sync record %s: %w", rec.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("insert sync record %s: %w", rec.ID, ErrDuplicate)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetSyncRecord returns the record with id or ErrNotFound.
func (s *SQLiteStore) GetSyncRecord(ctx context.Context, id string) (*callsync.SyncRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncRecordColumns+` FROM sync_queue WHERE id = ?`, id)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync record: %w", err)
	}
	return rec, nil
}

// ListSyncRecords returns records matching f, oldest first.
func (s *SQLiteStore) ListSyncRecords(ctx context.Context, f Filter) ([]callsync.SyncRecord, error) {
	args := sqliteArgs()
	query := buildListQuery(f, args)

	rows, err := s.db.QueryContext(ctx, query, args.args...)
	if err != nil {
		return nil, fmt.Errorf("list sync records: %w", err)
	}
	defer rows.Close()

	var out []callsync.SyncRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sync records: %w", err)
	}
	return out, nil
}

// UpdateSyncRecord writes the lifecycle fields of rec.
func (s *SQLiteStore) UpdateSyncRecord(ctx context.Context, rec *callsync.SyncRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET conflict_policy = ?, status = ?, retry_count = ?, max_retries = ?,
		    error_message = ?, conflict_kind = ?, processed_at = ?, claimed_at = ?
		WHERE id = ? AND status != 'completed'
	`,
		string(rec.ConflictPolicy), string(rec.Status), rec.RetryCount, rec.MaxRetries,
		nullableString(rec.ErrorMessage), nullableKind(rec.ConflictKind),
		formatNullTime(rec.ProcessedAt), formatNullTime(rec.ClaimedAt), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update sync record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrImmutable(ctx, rec.ID)
	}
	return nil
}

func (s *SQLiteStore) missingOrImmutable(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sync_queue WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check sync record: %w", err)
	}
	return ErrImmutable
}

// ClaimSyncRecord moves a Pending record to Processing.
func (s *SQLiteStore) ClaimSyncRecord(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'processing', claimed_at = ?
		WHERE id = ? AND status = 'pending'
	`, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("claim sync record: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkSuperseded completes a Pending record with the superseded marker.
func (s *SQLiteStore) MarkSuperseded(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'completed', error_message = ?, processed_at = ?, claimed_at = NULL
		WHERE id = ? AND status = 'pending'
	`, callsync.SupersededMessage, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("mark superseded: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CountSyncRecords returns per-status counts. An empty ownerID counts all owners.
func (s *SQLiteStore) CountSyncRecords(ctx context.Context, ownerID string) (callsync.StatusCounts, error) {
	query := `SELECT status, COUNT(*) FROM sync_queue`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` GROUP BY status`

	var counts callsync.StatusCounts
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return counts, fmt.Errorf("count sync records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("scan count: %w", err)
		}
		counts.Add(callsync.Status(status), n)
	}
	return counts, rows.Err()
}

// DeleteCompletedBefore removes Completed records processed before cutoff.
func (s *SQLiteStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time, ownerID string) (int64, error) {
	query := `DELETE FROM sync_queue WHERE status = 'completed' AND processed_at IS NOT NULL AND processed_at < ?`
	args := []any{formatTime(cutoff)}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete completed: %w", err)
	}
	return res.RowsAffected()
}

// RequeueStaleClaims releases records stuck in Processing.
func (s *SQLiteStore) RequeueStaleClaims(ctx context.Context, olderThan, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
		    retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
		    processed_at = CASE WHEN retry_count < max_retries THEN processed_at ELSE ? END,
		    error_message = ?,
		    claimed_at = NULL
		WHERE status = 'processing' AND claimed_at IS NOT NULL AND claimed_at < ?
	`, formatTime(now), callsync.ClaimExpiredMessage, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("requeue stale claims: %w", err)
	}
	return res.RowsAffected()
}

// GetRecord returns the stored document or ErrNotFound.
func (s *SQLiteStore) GetRecord(ctx context.Context, table, id string) (callsync.Payload, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM records WHERE table_name = ? AND id = ?`, table, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return callsync.DecodePayload([]byte(data))
}

// InsertRecord stores a new document. ErrDuplicate if one exists.
func (s *SQLiteStore) InsertRecord(ctx context.Context, table, id string, data callsync.Payload) error {
	raw, err := data.Encode()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO records (table_name, id, data, modified_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, id) DO NOTHING
	`, table, id, string(raw), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

// UpdateRecord overlays fields onto the stored document and returns the result.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, table, id string, fields callsync.Payload) (callsync.Payload, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx, `SELECT data FROM records WHERE table_name = ? AND id = ?`, table, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	current, err := callsync.DecodePayload([]byte(data))
	if err != nil {
		return nil, err
	}

	merged := overlay(current, fields)
	raw, err := merged.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE records SET data = ?, modified_at = ? WHERE table_name = ? AND id = ?
	`, string(raw), formatTime(time.Now()), table, id); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return merged, nil
}

// ReplaceRecord upserts the full document.
func (s *SQLiteStore) ReplaceRecord(ctx context.Context, table, id string, data callsync.Payload) error {
	raw, err := data.Encode()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (table_name, id, data, modified_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET data = excluded.data, modified_at = excluded.modified_at
	`, table, id, string(raw), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("replace record: %w", err)
	}
	return nil
}

// DeleteRecord removes a document and reports whether it existed.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, table, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE table_name = ? AND id = ?`, table, id)
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
