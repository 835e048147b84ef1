package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/callivate/syncd/internal/store"
	callsync "github.com/callivate/syncd/internal/sync"
)

// Executor applies non-conflicting mutations. Every operation is safe to
// replay: a second application leaves server state unchanged.
type Executor struct {
	records store.RecordStore
	now     func() time.Time
}

// NewExecutor creates an Executor writing to records.
func NewExecutor(records store.RecordStore, now func() time.Time) *Executor {
	if now == nil {
		now = time.Now
	}
	return &Executor{records: records, now: now}
}

// Execute applies rec to its target table.
func (e *Executor) Execute(ctx context.Context, rec *callsync.SyncRecord) (callsync.ExecResult, error) {
	switch rec.Operation {
	case callsync.OperationCreate:
		return e.create(ctx, rec)
	case callsync.OperationUpdate:
		return e.update(ctx, rec)
	case callsync.OperationDelete:
		removed, err := e.records.DeleteRecord(ctx, rec.TargetTable, rec.TargetID)
		if err != nil {
			return callsync.ExecResult{}, fmt.Errorf("delete %s: %w", rec.Target(), err)
		}
		return callsync.ExecResult{Applied: removed}, nil
	}
	return callsync.ExecResult{}, fmt.Errorf("unknown operation %q", rec.Operation)
}

func (e *Executor) create(ctx context.Context, rec *callsync.SyncRecord) (callsync.ExecResult, error) {
	now := callsync.FormatTimestamp(e.now())
	doc := rec.Payload.Clone()
	doc[callsync.FieldID] = rec.TargetID
	stampOwner(doc, rec)
	if _, ok := doc[callsync.FieldCreatedAt]; !ok {
		doc[callsync.FieldCreatedAt] = now
	}
	if _, ok := doc[callsync.FieldUpdatedAt]; !ok {
		doc[callsync.FieldUpdatedAt] = now
	}

	err := e.records.InsertRecord(ctx, rec.TargetTable, rec.TargetID, doc)
	if errors.Is(err, store.ErrDuplicate) {
		// A replayed create finds its own earlier insert.
		existing, getErr := e.records.GetRecord(ctx, rec.TargetTable, rec.TargetID)
		if getErr == nil && existing.Reflects(rec.Payload) {
			return callsync.ExecResult{FinalState: existing}, nil
		}
		return callsync.ExecResult{}, fmt.Errorf("create %s: %w", rec.Target(), store.ErrDuplicate)
	}
	if err != nil {
		return callsync.ExecResult{}, fmt.Errorf("create %s: %w", rec.Target(), err)
	}
	return callsync.ExecResult{Applied: true, FinalState: doc}, nil
}

func (e *Executor) update(ctx context.Context, rec *callsync.SyncRecord) (callsync.ExecResult, error) {
	current, err := e.records.GetRecord(ctx, rec.TargetTable, rec.TargetID)
	if err != nil {
		return callsync.ExecResult{}, fmt.Errorf("update %s: %w", rec.Target(), err)
	}
	if current.Reflects(rec.Payload) {
		return callsync.ExecResult{FinalState: current}, nil
	}

	fields := rec.Payload.Clone()
	delete(fields, callsync.FieldID)
	if _, ok := fields[callsync.FieldUpdatedAt]; !ok {
		fields[callsync.FieldUpdatedAt] = callsync.FormatTimestamp(e.now())
	}
	merged, err := e.records.UpdateRecord(ctx, rec.TargetTable, rec.TargetID, fields)
	if err != nil {
		return callsync.ExecResult{}, fmt.Errorf("update %s: %w", rec.Target(), err)
	}
	return callsync.ExecResult{Applied: true, FinalState: merged}, nil
}
