// Package engine applies queued client mutations to server state: conflict
// detection, policy-driven resolution, execution and manual resolution.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/callivate/syncd/internal/store"
	callsync "github.com/callivate/syncd/internal/sync"
	"github.com/callivate/syncd/internal/tables"
)

// ErrOwnership marks a mutation whose target record belongs to another owner.
// It is never retried and the mutation is never applied.
var ErrOwnership = errors.New("ownership mismatch")

// Detector inspects server state for a queued mutation. It never writes.
type Detector struct {
	records store.RecordStore
}

// NewDetector creates a Detector reading from records.
func NewDetector(records store.RecordStore) *Detector {
	return &Detector{records: records}
}

// Detect reports whether rec conflicts with the current server record. A
// target owned by someone else yields ErrOwnership.
//
// Update conflicts use last-writer-wins by wall clock: only a server
// updated_at strictly after the payload's counts. Equal timestamps, or a
// side without a timestamp, are not a conflict.
func (d *Detector) Detect(ctx context.Context, rec *callsync.SyncRecord) (callsync.ConflictResult, error) {
	server, err := d.records.GetRecord(ctx, rec.TargetTable, rec.TargetID)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return callsync.ConflictResult{}, fmt.Errorf("read %s: %w", rec.Target(), err)
	}

	var result callsync.ConflictResult
	if exists {
		if err := checkOwner(rec, server); err != nil {
			return callsync.ConflictResult{}, err
		}
		result.ServerSnapshot = server
	}

	switch rec.Operation {
	case callsync.OperationCreate:
		if exists {
			result.HasConflict = true
			result.Kind = callsync.ConflictRecordExists
		}
	case callsync.OperationUpdate:
		if !exists {
			result.HasConflict = true
			result.Kind = callsync.ConflictRecordNotFound
			break
		}
		if serverNewer(server, rec.Payload) {
			result.HasConflict = true
			result.Kind = callsync.ConflictNewerVersion
		}
	case callsync.OperationDelete:
		if exists {
			result.HasConflict = true
			result.Kind = callsync.ConflictRecordExists
		}
	default:
		return callsync.ConflictResult{}, fmt.Errorf("unknown operation %q", rec.Operation)
	}
	return result, nil
}

func serverNewer(server, client callsync.Payload) bool {
	serverAt, ok := server.Timestamp(callsync.FieldUpdatedAt)
	if !ok {
		return false
	}
	clientAt, ok := client.Timestamp(callsync.FieldUpdatedAt)
	if !ok {
		return false
	}
	return serverAt.After(clientAt)
}

// ownerField is the field of table naming the owning user, or "".
func ownerField(table string) string {
	schema, ok := tables.Get(table)
	if !ok {
		return ""
	}
	return schema.OwnerField
}

// checkOwner rejects rec when the stored document names a different owner.
func checkOwner(rec *callsync.SyncRecord, server callsync.Payload) error {
	field := ownerField(rec.TargetTable)
	if field == "" {
		return nil
	}
	stored, ok := server[field]
	if !ok || stored == nil {
		return nil
	}
	if s, isStr := stored.(string); isStr && s == rec.OwnerID {
		return nil
	}
	return fmt.Errorf("%s: %w", rec.Target(), ErrOwnership)
}

// stampOwner sets the owner field of doc to rec's owner.
func stampOwner(doc callsync.Payload, rec *callsync.SyncRecord) {
	if field := ownerField(rec.TargetTable); field != "" {
		doc[field] = rec.OwnerID
	}
}
