package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/callivate/syncd/internal/store"
	callsync "github.com/callivate/syncd/internal/sync"
)

// Resolver applies a conflict policy to a detected conflict.
type Resolver struct {
	records store.RecordStore
	now     func() time.Time
}

// NewResolver creates a Resolver writing to records.
func NewResolver(records store.RecordStore, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{records: records, now: now}
}

// Resolve applies the record's own conflict policy.
func (r *Resolver) Resolve(ctx context.Context, rec *callsync.SyncRecord, conflict callsync.ConflictResult) (callsync.ResolutionOutcome, error) {
	return r.Apply(ctx, rec, conflict, rec.ConflictPolicy, nil)
}

// Apply resolves conflict with strategy. clientData replaces the record's
// payload as the client side when non-nil; manual merges pass merged_data here.
func (r *Resolver) Apply(
	ctx context.Context,
	rec *callsync.SyncRecord,
	conflict callsync.ConflictResult,
	strategy callsync.ConflictPolicy,
	clientData callsync.Payload,
) (callsync.ResolutionOutcome, error) {
	if clientData == nil {
		clientData = rec.Payload
	}
	out := callsync.ResolutionOutcome{Strategy: strategy}

	switch strategy {
	case callsync.PolicyServerWins:
		out.FinalState = conflict.ServerSnapshot
		return out, nil

	case callsync.PolicyClientWins:
		if rec.Operation == callsync.OperationDelete {
			if _, err := r.records.DeleteRecord(ctx, rec.TargetTable, rec.TargetID); err != nil {
				return out, fmt.Errorf("client wins delete: %w", err)
			}
			out.Applied = true
			return out, nil
		}
		doc := r.clientDocument(rec, conflict.ServerSnapshot, clientData)
		if err := r.records.ReplaceRecord(ctx, rec.TargetTable, rec.TargetID, doc); err != nil {
			return out, fmt.Errorf("client wins: %w", err)
		}
		out.Applied = true
		out.FinalState = doc
		return out, nil

	case callsync.PolicyMerge:
		now := r.now()
		// A deletion has no fields to merge: the server record is kept and
		// its updated_at moves to now.
		if rec.Operation == callsync.OperationDelete {
			if conflict.ServerSnapshot == nil {
				return out, nil
			}
			clientData = nil
		}
		doc := Merge(conflict.ServerSnapshot, clientData, now)
		doc[callsync.FieldID] = rec.TargetID
		stampOwner(doc, rec)
		if _, ok := doc[callsync.FieldCreatedAt]; !ok {
			doc[callsync.FieldCreatedAt] = createdAt(clientData, now)
		}
		if err := r.records.ReplaceRecord(ctx, rec.TargetTable, rec.TargetID, doc); err != nil {
			return out, fmt.Errorf("merge: %w", err)
		}
		out.Applied = true
		out.FinalState = doc
		return out, nil

	case callsync.PolicyManual:
		out.Escalated = true
		return out, nil
	}

	return out, fmt.Errorf("unknown conflict policy %q", strategy)
}

// clientDocument is the full client payload as it will be stored: the
// server's created_at is kept and updated_at is the resolution time.
func (r *Resolver) clientDocument(rec *callsync.SyncRecord, server, client callsync.Payload) callsync.Payload {
	now := r.now()
	doc := client.Clone()
	doc[callsync.FieldID] = rec.TargetID
	stampOwner(doc, rec)
	if v, ok := server[callsync.FieldCreatedAt]; ok {
		doc[callsync.FieldCreatedAt] = v
	} else if _, ok := doc[callsync.FieldCreatedAt]; !ok {
		doc[callsync.FieldCreatedAt] = callsync.FormatTimestamp(now)
	}
	doc[callsync.FieldUpdatedAt] = callsync.FormatTimestamp(now)
	return doc
}

func createdAt(client callsync.Payload, now time.Time) any {
	if v, ok := client[callsync.FieldCreatedAt]; ok {
		return v
	}
	return callsync.FormatTimestamp(now)
}

// Merge overlays client onto a copy of server field by field. id and
// created_at keep their server values and updated_at becomes now.
func Merge(server, client callsync.Payload, now time.Time) callsync.Payload {
	out := server.Clone()
	for k, v := range client.Clone() {
		if k == callsync.FieldID || k == callsync.FieldCreatedAt {
			continue
		}
		out[k] = v
	}
	out[callsync.FieldUpdatedAt] = callsync.FormatTimestamp(now)
	return out
}
