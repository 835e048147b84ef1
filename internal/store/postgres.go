package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	callsync "github.com/callivate/syncd/internal/sync"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// PostgresStore is the hosted-database store backed by pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to databaseURL, verifies the connection and
// applies migrations.
func NewPostgresStore(ctx context.Context, databaseURL string, opts PostgresOptions) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolConfig.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// goose needs database/sql; the wrapper shares the pool.
	db := stdlib.OpenDBFromPool(pool)
	err = RunMigrations(db, DialectPostgres)
	db.Close()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Driver returns "postgres".
func (s *PostgresStore) Driver() string { return "postgres" }

// Ping checks the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func pgArgs() *queryArgs {
	return &queryArgs{numbered: true}
}

func scanPostgresRecord(sc rowScanner) (*callsync.SyncRecord, error) {
	var (
		rec          callsync.SyncRecord
		payload      []byte
		errMsg, kind *string
	)
	err := sc.Scan(
		&rec.ID, &rec.OwnerID, &rec.TargetTable, &rec.TargetID, &rec.Operation, &payload,
		&rec.ConflictPolicy, &rec.Status, &rec.RetryCount, &rec.MaxRetries, &errMsg, &kind,
		&rec.CreatedAt, &rec.ProcessedAt, &rec.ClaimedAt,
	)
	if err != nil {
		return nil, err
	}
	if rec.Payload, err = callsync.DecodePayload(payload); err != nil {
		return nil, err
	}
	rec.ErrorMessage = errMsg
	if kind != nil {
		rec.ConflictKind = callsync.ConflictKind(*kind)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.ProcessedAt != nil {
		t := rec.ProcessedAt.UTC()
		rec.ProcessedAt = &t
	}
	if rec.ClaimedAt != nil {
		t := rec.ClaimedAt.UTC()
		rec.ClaimedAt = &t
	}
	return &rec, nil
}

// InsertSyncRecords stores recs in one transaction.
func (s *PostgresStore) InsertSyncRecords(ctx context.Context, recs []callsync.SyncRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range recs {
		rec := &recs[i]
		payload, err := rec.Payload.Encode()
		if err != nil {
			return fmt.Errorf("encode payload %s: %w", rec.ID, err)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO sync_queue (`+syncRecordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO NOTHING
		`,
			rec.ID, rec.OwnerID, rec.TargetTable, rec.TargetID, string(rec.Operation), string(payload),
			string(rec.ConflictPolicy), string(rec.Status), rec.RetryCount, rec.MaxRetries,
			nullableString(rec.ErrorMessage), nullableKind(rec.ConflictKind),
			rec.CreatedAt.UTC(), rec.ProcessedAt, rec.ClaimedAt,
		)
		if err != nil {
			return fmt.Errorf("insert sync record %s: %w", rec.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("insert sync record %s: %w", rec.ID, ErrDuplicate)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetSyncRecord returns the record with id or ErrNotFound.
func (s *PostgresStore) GetSyncRecord(ctx context.Context, id string) (*callsync.SyncRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+syncRecordColumns+` FROM sync_queue WHERE id = $1`, id)
	rec, err := scanPostgresRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync record: %w", err)
	}
	return rec, nil
}

// ListSyncRecords returns records matching f, oldest first.
func (s *PostgresStore) ListSyncRecords(ctx context.Context, f Filter) ([]callsync.SyncRecord, error) {
	args := pgArgs()
	query := buildListQuery(f, args)

	rows, err := s.pool.Query(ctx, query, args.args...)
	if err != nil {
		return nil, fmt.Errorf("list sync records: %w", err)
	}
	defer rows.Close()

	var out []callsync.SyncRecord
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
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
func (s *PostgresStore) UpdateSyncRecord(ctx context.Context, rec *callsync.SyncRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_queue
		SET conflict_policy = $1, status = $2, retry_count = $3, max_retries = $4,
		    error_message = $5, conflict_kind = $6, processed_at = $7, claimed_at = $8
		WHERE id = $9 AND status <> 'completed'
	`,
		string(rec.ConflictPolicy), string(rec.Status), rec.RetryCount, rec.MaxRetries,
		nullableString(rec.ErrorMessage), nullableKind(rec.ConflictKind),
		rec.ProcessedAt, rec.ClaimedAt, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update sync record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := s.pool.QueryRow(ctx, `SELECT status FROM sync_queue WHERE id = $1`, rec.ID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check sync record: %w", err)
		}
		return ErrImmutable
	}
	return nil
}

// ClaimSyncRecord moves a Pending record to Processing.
func (s *PostgresStore) ClaimSyncRecord(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_queue SET status = 'processing', claimed_at = $1
		WHERE id = $2 AND status = 'pending'
	`, at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("claim sync record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSuperseded completes a Pending record with the superseded marker.
func (s *PostgresStore) MarkSuperseded(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_queue
		SET status = 'completed', error_message = $1, processed_at = $2, claimed_at = NULL
		WHERE id = $3 AND status = 'pending'
	`, callsync.SupersededMessage, at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("mark superseded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountSyncRecords returns per-status counts. An empty ownerID counts all owners.
func (s *PostgresStore) CountSyncRecords(ctx context.Context, ownerID string) (callsync.StatusCounts, error) {
	query := `SELECT status, COUNT(*) FROM sync_queue`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = $1`
		args = append(args, ownerID)
	}
	query += ` GROUP BY status`

	var counts callsync.StatusCounts
	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time, ownerID string) (int64, error) {
	query := `DELETE FROM sync_queue WHERE status = 'completed' AND processed_at IS NOT NULL AND processed_at < $1`
	args := []any{cutoff.UTC()}
	if ownerID != "" {
		query += ` AND owner_id = $2`
		args = append(args, ownerID)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete completed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RequeueStaleClaims releases records stuck in Processing.
func (s *PostgresStore) RequeueStaleClaims(ctx context.Context, olderThan, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_queue
		SET status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
		    retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
		    processed_at = CASE WHEN retry_count < max_retries THEN processed_at ELSE $1 END,
		    error_message = $2,
		    claimed_at = NULL
		WHERE status = 'processing' AND claimed_at IS NOT NULL AND claimed_at < $3
	`, now.UTC(), callsync.ClaimExpiredMessage, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetRecord returns the stored document or ErrNotFound.
func (s *PostgresStore) GetRecord(ctx context.Context, table, id string) (callsync.Payload, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM records WHERE table_name = $1 AND id = $2`, table, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return callsync.DecodePayload(data)
}

// InsertRecord stores a new document. ErrDuplicate if one exists.
func (s *PostgresStore) InsertRecord(ctx context.Context, table, id string, data callsync.Payload) error {
	raw, err := data.Encode()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO records (table_name, id, data, modified_at) VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (table_name, id) DO NOTHING
	`, table, id, string(raw))
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// UpdateRecord overlays fields onto the stored document and returns the result.
// The jsonb || operator replaces top-level keys, matching the SQLite overlay.
func (s *PostgresStore) UpdateRecord(ctx context.Context, table, id string, fields callsync.Payload) (callsync.Payload, error) {
	raw, err := fields.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	var data []byte
	err = s.pool.QueryRow(ctx, `
		UPDATE records SET data = data || $3::jsonb, modified_at = now()
		WHERE table_name = $1 AND id = $2
		RETURNING data
	`, table, id, string(raw)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	return callsync.DecodePayload(data)
}

// ReplaceRecord upserts the full document.
func (s *PostgresStore) ReplaceRecord(ctx context.Context, table, id string, data callsync.Payload) error {
	raw, err := data.Encode()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO records (table_name, id, data, modified_at) VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (table_name, id) DO UPDATE SET data = EXCLUDED.data, modified_at = EXCLUDED.modified_at
	`, table, id, string(raw))
	if err != nil {
		return fmt.Errorf("replace record: %w", err)
	}
	return nil
}

// DeleteRecord removes a document and reports whether it existed.
func (s *PostgresStore) DeleteRecord(ctx context.Context, table, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM records WHERE table_name = $1 AND id = $2`, table, id)
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
