package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/callivate/syncd/internal/store"
	callsync "github.com/callivate/syncd/internal/sync"
)

// Consolidator collapses pending mutations that target the same record so
// only the most recent one runs.
type Consolidator struct {
	queue store.QueueStore
	now   func() time.Time
}

// NewConsolidator creates a Consolidator writing to queue.
func NewConsolidator(queue store.QueueStore, now func() time.Time) *Consolidator {
	if now == nil {
		now = time.Now
	}
	return &Consolidator{queue: queue, now: now}
}

// consolidationKey groups records by owner and target. Records from different
// owners never supersede each other.
type consolidationKey struct {
	owner  string
	target callsync.TargetKey
}

func keyOf(rec *callsync.SyncRecord) consolidationKey {
	return consolidationKey{owner: rec.OwnerID, target: rec.Target()}
}

// Consolidate groups pending by owner and target and marks every record but
// the latest (by created_at, then id) as superseded. It returns the records still
// eligible to run, in their original order, and how many were superseded.
// A record whose supersede write fails is dropped from this cycle and stays
// Pending for the next one.
func (c *Consolidator) Consolidate(ctx context.Context, pending []callsync.SyncRecord) ([]callsync.SyncRecord, int, error) {
	latest := make(map[consolidationKey]*callsync.SyncRecord, len(pending))
	for i := range pending {
		rec := &pending[i]
		cur, ok := latest[keyOf(rec)]
		if !ok || newer(rec, cur) {
			latest[keyOf(rec)] = rec
		}
	}
	if len(latest) == len(pending) {
		return pending, 0, nil
	}

	now := c.now()
	survivors := make([]callsync.SyncRecord, 0, len(latest))
	superseded := 0
	var errs []error
	for i := range pending {
		rec := &pending[i]
		keep := latest[keyOf(rec)]
		if keep.ID == rec.ID {
			survivors = append(survivors, *rec)
			continue
		}

		ok, err := c.queue.MarkSuperseded(ctx, rec.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("supersede %s: %w", rec.ID, err))
			continue
		}
		if ok {
			superseded++
			slog.Debug("sync record superseded",
				"component", "engine",
				"action", "consolidate",
				"sync_id", rec.ID,
				"kept_sync_id", keep.ID,
				"target", rec.Target().String(),
			)
		}
	}

	if superseded > 0 {
		slog.Info("consolidated pending sync records",
			"component", "engine",
			"action", "consolidate",
			"superseded", superseded,
			"remaining", len(survivors),
		)
	}
	return survivors, superseded, errors.Join(errs...)
}

func newer(a, b *callsync.SyncRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
