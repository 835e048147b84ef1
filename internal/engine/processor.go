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

var (
	// ErrTargetBusy is returned when another record for the same target is
	// already being applied in this process.
	ErrTargetBusy = errors.New("target record is being processed")

	// ErrPolicy wraps manual resolutions rejected before any change is made.
	ErrPolicy = errors.New("resolution rejected")
)

// Processor runs one record through the pipeline: claim, detect, execute or
// resolve, persist.
type Processor struct {
	queue    store.QueueStore
	detector *Detector
	resolver *Resolver
	executor *Executor
	guard    *targetGuard
	now      func() time.Time
}

// NewProcessor wires the pipeline stages over s.
func NewProcessor(s store.Store, now func() time.Time) *Processor {
	if now == nil {
		now = time.Now
	}
	return &Processor{
		queue:    s,
		detector: NewDetector(s),
		resolver: NewResolver(s, now),
		executor: NewExecutor(s, now),
		guard:    newTargetGuard(),
		now:      now,
	}
}

// Process applies a Pending record. Conflicts and exhausted retries are
// outcomes, not errors; the error return only reports store failures while
// claiming or persisting. A record whose outcome could not be persisted stays
// Processing until the stale claim reaper releases it.
func (p *Processor) Process(ctx context.Context, rec callsync.SyncRecord) (callsync.ItemOutcome, error) {
	key := rec.Target()
	if !p.guard.TryAcquire(key) {
		return callsync.ItemOutcome{Record: rec, Outcome: callsync.OutcomeSkipped}, nil
	}
	defer p.guard.Release(key)

	claimedAt := p.now()
	claimed, err := p.queue.ClaimSyncRecord(ctx, rec.ID, claimedAt)
	if err != nil {
		return callsync.ItemOutcome{Record: rec, Outcome: callsync.OutcomeSkipped}, fmt.Errorf("claim %s: %w", rec.ID, err)
	}
	if !claimed {
		return callsync.ItemOutcome{Record: rec, Outcome: callsync.OutcomeSkipped}, nil
	}
	rec.Status = callsync.StatusProcessing
	rec.ClaimedAt = &claimedAt

	outcome := p.apply(ctx, &rec)

	if err := p.queue.UpdateSyncRecord(ctx, &rec); err != nil {
		slog.Error("failed to persist sync outcome",
			"component", "engine",
			"action", "process",
			"sync_id", rec.ID,
			"outcome", string(outcome),
			"error", err,
		)
		return callsync.ItemOutcome{Record: rec, Outcome: outcome}, fmt.Errorf("persist %s: %w", rec.ID, err)
	}

	slog.Debug("sync record processed",
		"component", "engine",
		"action", "process",
		"sync_id", rec.ID,
		"owner_id", rec.OwnerID,
		"target", key.String(),
		"operation", string(rec.Operation),
		"status", string(rec.Status),
		"outcome", string(outcome),
	)
	return callsync.ItemOutcome{Record: rec, Outcome: outcome}, nil
}

// apply runs detection and execution or resolution, updating rec in place.
func (p *Processor) apply(ctx context.Context, rec *callsync.SyncRecord) callsync.Outcome {
	conflict, err := p.detector.Detect(ctx, rec)
	if err != nil {
		return p.fail(rec, err)
	}

	if !conflict.HasConflict {
		if _, err := p.executor.Execute(ctx, rec); err != nil {
			return p.fail(rec, err)
		}
		p.complete(rec, "")
		return callsync.OutcomeCompleted
	}

	rec.ConflictKind = conflict.Kind
	resolution, err := p.resolver.Resolve(ctx, rec, conflict)
	if err != nil {
		return p.fail(rec, err)
	}
	if resolution.Escalated {
		now := p.now()
		rec.Status = callsync.StatusConflict
		rec.SetError(conflict.Description())
		rec.ProcessedAt = &now
		rec.ClaimedAt = nil
		return callsync.OutcomeEscalated
	}

	p.complete(rec, fmt.Sprintf("%s resolved by %s", conflict.Kind, resolution.Strategy))
	return callsync.OutcomeResolved
}

func (p *Processor) complete(rec *callsync.SyncRecord, note string) {
	now := p.now()
	rec.Status = callsync.StatusCompleted
	rec.SetError(note)
	rec.ProcessedAt = &now
	rec.ClaimedAt = nil
}

// fail records err on rec. Transient errors, and duplicate inserts that
// the next detection pass will see as a conflict, go back to Pending while
// retries remain; everything else is Failed. retry_count never exceeds
// max_retries.
func (p *Processor) fail(rec *callsync.SyncRecord, err error) callsync.Outcome {
	retryable := store.IsTransient(err) || errors.Is(err, store.ErrDuplicate)
	rec.SetError(err.Error())
	rec.ClaimedAt = nil

	if retryable && rec.RetriesLeft() {
		rec.RetryCount++
		rec.Status = callsync.StatusPending
		slog.Warn("sync record will be retried",
			"component", "engine",
			"action", "process",
			"sync_id", rec.ID,
			"retry_count", rec.RetryCount,
			"max_retries", rec.MaxRetries,
			"error", err,
		)
		return callsync.OutcomeRetry
	}

	if rec.RetriesLeft() {
		rec.RetryCount++
	}
	now := p.now()
	rec.Status = callsync.StatusFailed
	rec.ProcessedAt = &now
	slog.Warn("sync record failed",
		"component", "engine",
		"action", "process",
		"sync_id", rec.ID,
		"retry_count", rec.RetryCount,
		"error", err,
	)
	return callsync.OutcomeFailed
}

// ResolveManual applies a human decision to a Conflict record against fresh
// server state. strategy must be server_wins, client_wins or merge; for
// merge, mergedData is the client side. The updated record is persisted and
// returned. Errors wrapping ErrPolicy or ErrTargetBusy leave the record
// untouched.
func (p *Processor) ResolveManual(
	ctx context.Context,
	rec callsync.SyncRecord,
	strategy callsync.ConflictPolicy,
	mergedData callsync.Payload,
) (callsync.SyncRecord, error) {
	if rec.Status != callsync.StatusConflict {
		return rec, fmt.Errorf("%w: sync record is %s, not conflict", ErrPolicy, rec.Status)
	}
	if !strategy.Automatic() {
		return rec, fmt.Errorf("%w: unsupported resolution strategy %q", ErrPolicy, strategy)
	}
	if strategy == callsync.PolicyMerge {
		if rec.Operation == callsync.OperationDelete {
			return rec, fmt.Errorf("%w: merge cannot resolve a delete", ErrPolicy)
		}
		if len(mergedData) == 0 {
			return rec, fmt.Errorf("%w: merged_data is required for merge", ErrPolicy)
		}
	}

	key := rec.Target()
	if !p.guard.TryAcquire(key) {
		return rec, ErrTargetBusy
	}
	defer p.guard.Release(key)

	if applyErr := p.resolveManual(ctx, &rec, strategy, mergedData); applyErr != nil {
		now := p.now()
		if rec.RetriesLeft() {
			rec.RetryCount++
		}
		rec.Status = callsync.StatusFailed
		rec.SetError(applyErr.Error())
		rec.ProcessedAt = &now
	} else {
		now := p.now()
		rec.Status = callsync.StatusCompleted
		rec.ConflictPolicy = strategy
		rec.SetError("resolved manually: " + string(strategy))
		rec.ProcessedAt = &now
	}
	rec.ClaimedAt = nil

	if err := p.queue.UpdateSyncRecord(ctx, &rec); err != nil {
		return rec, fmt.Errorf("persist %s: %w", rec.ID, err)
	}

	slog.Info("sync conflict resolved manually",
		"component", "engine",
		"action", "resolve",
		"sync_id", rec.ID,
		"owner_id", rec.OwnerID,
		"strategy", string(strategy),
		"status", string(rec.Status),
	)
	return rec, nil
}

func (p *Processor) resolveManual(ctx context.Context, rec *callsync.SyncRecord, strategy callsync.ConflictPolicy, mergedData callsync.Payload) error {
	conflict, err := p.detector.Detect(ctx, rec)
	if err != nil {
		return err
	}
	var clientData callsync.Payload
	if strategy == callsync.PolicyMerge {
		clientData = mergedData
	}
	outcome, err := p.resolver.Apply(ctx, rec, conflict, strategy, clientData)
	if err != nil {
		return err
	}
	if outcome.Escalated {
		return fmt.Errorf("%s cannot resolve %s", strategy, rec.Operation)
	}
	return nil
}
