package store

import (
	"context"
	"time"

	callsync "github.com/callivate/syncd/internal/sync"
)

// Filter selects SyncRecords. Zero fields do not constrain the query.
// Results are ordered oldest-first by created_at, then id, unless Newest is set.
type Filter struct {
	OwnerID       string
	Statuses      []callsync.Status
	TargetTable   string
	TargetID      string
	CreatedBefore time.Time
	Limit         int

	// Newest orders newest first. The default is oldest first.
	Newest bool
}

// QueueStore persists the sync queue.
type QueueStore interface {
	// InsertSyncRecords stores new records. ErrDuplicate if an id exists.
	InsertSyncRecords(ctx context.Context, recs []callsync.SyncRecord) error
	GetSyncRecord(ctx context.Context, id string) (*callsync.SyncRecord, error)
	ListSyncRecords(ctx context.Context, f Filter) ([]callsync.SyncRecord, error)

	// UpdateSyncRecord writes the mutable lifecycle fields of rec by id.
	// ErrImmutable if the stored record is already Completed.
	UpdateSyncRecord(ctx context.Context, rec *callsync.SyncRecord) error

	// ClaimSyncRecord moves a record from Pending to Processing and stamps
	// claimed_at. It reports false when another worker got there first.
	ClaimSyncRecord(ctx context.Context, id string, at time.Time) (bool, error)

	// MarkSuperseded completes a Pending record without executing it.
	MarkSuperseded(ctx context.Context, id string, at time.Time) (bool, error)

	CountSyncRecords(ctx context.Context, ownerID string) (callsync.StatusCounts, error)

	// DeleteCompletedBefore removes Completed records processed before cutoff.
	// An empty ownerID sweeps every owner.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time, ownerID string) (int64, error)

	// RequeueStaleClaims releases records claimed before olderThan. Records
	// with retries left go back to Pending with retry_count incremented; the
	// rest become Failed at now.
	RequeueStaleClaims(ctx context.Context, olderThan, now time.Time) (int64, error)
}

// RecordStore is the target-table capability: keyed documents per table.
type RecordStore interface {
	GetRecord(ctx context.Context, table, id string) (callsync.Payload, error)
	InsertRecord(ctx context.Context, table, id string, data callsync.Payload) error
	UpdateRecord(ctx context.Context, table, id string, fields callsync.Payload) (callsync.Payload, error)
	ReplaceRecord(ctx context.Context, table, id string, data callsync.Payload) error
	DeleteRecord(ctx context.Context, table, id string) (bool, error)
}

// Store is the full persistence contract of the sync engine.
type Store interface {
	QueueStore
	RecordStore
	Ping(ctx context.Context) error
	Driver() string
	Close() error
}
