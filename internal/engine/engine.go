package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callivate/syncd/internal/store"
	callsync "github.com/callivate/syncd/internal/sync"
	"github.com/callivate/syncd/internal/types"
	"github.com/callivate/syncd/internal/validation"
	"github.com/callivate/syncd/internal/worker"
	"github.com/oklog/ulid/v2"
)

// ErrAlreadyRunning is returned by Start on a running engine.
var ErrAlreadyRunning = errors.New("sync engine already running")

// DefaultCleanupDays is the cleanup window when the caller gives none.
const DefaultCleanupDays = 30

// Options configures the engine and its background workers.
type Options struct {
	DefaultPolicy        callsync.ConflictPolicy
	MaxRetries           int
	PollInterval         time.Duration
	BatchSize            int
	MaxConcurrentBatches int
	Retention            time.Duration
	RetentionInterval    time.Duration
	ClaimTimeout         time.Duration

	// ProcessOnEnqueue applies the caller's pending records inline so the
	// enqueue response carries final statuses.
	ProcessOnEnqueue bool

	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		DefaultPolicy:        callsync.PolicyServerWins,
		MaxRetries:           3,
		PollInterval:         30 * time.Second,
		BatchSize:            50,
		MaxConcurrentBatches: 5,
		Retention:            30 * 24 * time.Hour,
		RetentionInterval:    24 * time.Hour,
		ClaimTimeout:         10 * time.Minute,
		ProcessOnEnqueue:     true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if !o.DefaultPolicy.Valid() {
		o.DefaultPolicy = d.DefaultPolicy
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxConcurrentBatches <= 0 {
		o.MaxConcurrentBatches = d.MaxConcurrentBatches
	}
	if o.Retention <= 0 {
		o.Retention = d.Retention
	}
	if o.RetentionInterval <= 0 {
		o.RetentionInterval = d.RetentionInterval
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = d.ClaimTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Engine owns the sync pipeline and its background workers. Every public
// operation returns typed outcomes; conflicts and failed records are data,
// not errors.
type Engine struct {
	store        store.Store
	opts         Options
	processor    *Processor
	consolidator *Consolidator
	scheduler    *worker.BatchScheduler
	sweeper      *worker.RetentionSweeper
	reaper       *worker.StaleClaimReaper

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates an engine over s. Zero option fields take their defaults.
func New(s store.Store, opts Options) *Engine {
	opts = opts.withDefaults()
	processor := NewProcessor(s, opts.Now)
	consolidator := NewConsolidator(s, opts.Now)

	reapInterval := opts.ClaimTimeout / 2
	if reapInterval < time.Second {
		reapInterval = time.Second
	}

	return &Engine{
		store:        s,
		opts:         opts,
		processor:    processor,
		consolidator: consolidator,
		scheduler: worker.NewBatchScheduler(
			s, consolidator, processor,
			opts.PollInterval, opts.BatchSize, opts.MaxConcurrentBatches,
		),
		sweeper: worker.NewRetentionSweeper(s, opts.RetentionInterval, opts.Retention).WithClock(opts.Now),
		reaper:  worker.NewStaleClaimReaper(s, reapInterval, opts.ClaimTimeout).WithClock(opts.Now),
	}
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// Start launches the scheduler, sweeper and reaper loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	for _, run := range []func(context.Context){e.scheduler.Run, e.sweeper.Run, e.reaper.Run} {
		e.wg.Add(1)
		go func(run func(context.Context)) {
			defer e.wg.Done()
			run(ctx)
		}(run)
	}

	slog.Info("sync engine started",
		"component", "engine",
		"poll_interval", e.opts.PollInterval.String(),
		"batch_size", e.opts.BatchSize,
		"max_concurrent_batches", e.opts.MaxConcurrentBatches,
		"retention", e.opts.Retention.String(),
	)
	return nil
}

// Stop cancels the loops and waits for in-flight records to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.cancel()
	e.running = false
	e.mu.Unlock()

	e.wg.Wait()
	slog.Info("sync engine stopped", "component", "engine")
}

// Running reports whether the background loops are active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Enqueue validates and queues mutations for ownerID. Any invalid mutation
// rejects the whole request with a *validation.Errors and nothing is queued.
// The returned records reflect their status after optional inline processing.
func (e *Engine) Enqueue(ctx context.Context, ownerID string, reqs []types.MutationRequest) ([]callsync.SyncRecord, error) {
	if err := validation.ValidateMutations(ownerID, reqs); err != nil {
		return nil, err
	}

	now := e.opts.Now().UTC()
	recs := make([]callsync.SyncRecord, len(reqs))
	for i, req := range reqs {
		policy := callsync.ConflictPolicy(req.ConflictResolution)
		if policy == "" {
			policy = e.opts.DefaultPolicy
		}
		op := callsync.Operation(req.Operation)
		payload := req.Data.Clone()
		if op == callsync.OperationDelete {
			payload = callsync.Payload{}
		}
		recs[i] = callsync.SyncRecord{
			ID:             ulid.Make().String(),
			OwnerID:        ownerID,
			TargetTable:    req.TableName,
			TargetID:       req.RecordID,
			Operation:      op,
			Payload:        payload,
			ConflictPolicy: policy,
			Status:         callsync.StatusPending,
			MaxRetries:     e.opts.MaxRetries,
			CreatedAt:      now,
		}
	}

	if err := e.store.InsertSyncRecords(ctx, recs); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	slog.Info("sync records enqueued",
		"component", "engine",
		"action", "enqueue",
		"owner_id", ownerID,
		"count", len(recs),
	)

	if !e.opts.ProcessOnEnqueue {
		return recs, nil
	}

	e.processOwner(ctx, ownerID)

	out := make([]callsync.SyncRecord, 0, len(recs))
	for _, rec := range recs {
		fresh, err := e.store.GetSyncRecord(ctx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("reload %s: %w", rec.ID, err)
		}
		out = append(out, *fresh)
	}
	return out, nil
}

// processOwner runs ownerID's pending records through the same consolidate
// and process steps as a scheduler batch.
func (e *Engine) processOwner(ctx context.Context, ownerID string) {
	pending, err := e.store.ListSyncRecords(ctx, store.Filter{
		OwnerID:  ownerID,
		Statuses: []callsync.Status{callsync.StatusPending},
		Limit:    e.opts.BatchSize * e.opts.MaxConcurrentBatches,
	})
	if err != nil {
		slog.Warn("inline processing skipped",
			"component", "engine",
			"action", "enqueue",
			"owner_id", ownerID,
			"error", err,
		)
		return
	}

	survivors, _, err := e.consolidator.Consolidate(ctx, pending)
	if err != nil {
		slog.Warn("consolidation incomplete",
			"component", "engine",
			"action", "enqueue",
			"owner_id", ownerID,
			"error", err,
		)
	}

	// Records run to completion even if the client disconnects.
	ctx = context.WithoutCancel(ctx)
	for _, rec := range survivors {
		if _, err := e.processor.Process(ctx, rec); err != nil {
			slog.Warn("inline processing failed",
				"component", "engine",
				"action", "enqueue",
				"sync_id", rec.ID,
				"error", err,
			)
		}
	}
}

// Status reports ownerID's most recent records and per-status counts.
func (e *Engine) Status(ctx context.Context, ownerID string, includeCompleted bool, limit int) (types.StatusReport, error) {
	statuses := []callsync.Status{
		callsync.StatusPending,
		callsync.StatusProcessing,
		callsync.StatusFailed,
		callsync.StatusConflict,
	}
	if includeCompleted {
		statuses = append(statuses, callsync.StatusCompleted)
	}

	recs, err := e.store.ListSyncRecords(ctx, store.Filter{
		OwnerID:  ownerID,
		Statuses: statuses,
		Limit:    limit,
		Newest:   true,
	})
	if err != nil {
		return types.StatusReport{}, fmt.Errorf("status: %w", err)
	}
	counts, err := e.store.CountSyncRecords(ctx, ownerID)
	if err != nil {
		return types.StatusReport{}, fmt.Errorf("status: %w", err)
	}
	if recs == nil {
		recs = []callsync.SyncRecord{}
	}

	return types.StatusReport{
		OwnerID:      ownerID,
		Records:      recs,
		Counts:       counts,
		HasConflicts: counts.Conflict > 0,
	}, nil
}

// ResolveConflicts applies manual decisions to ownerID's Conflict records.
// Per-item problems are reported in the response; only a malformed batch
// returns an error.
func (e *Engine) ResolveConflicts(ctx context.Context, ownerID string, reqs []types.ResolveRequest) (types.ResolveResponse, error) {
	if err := validation.ValidateResolveRequests(reqs); err != nil {
		return types.ResolveResponse{}, err
	}

	resp := types.ResolveResponse{Results: make([]types.ResolveResult, 0, len(reqs))}
	for _, req := range reqs {
		result := e.resolveOne(ctx, ownerID, req)
		if result.Resolved {
			resp.Resolved++
		} else {
			resp.Rejected++
		}
		resp.Results = append(resp.Results, result)
	}
	return resp, nil
}

func (e *Engine) resolveOne(ctx context.Context, ownerID string, req types.ResolveRequest) types.ResolveResult {
	result := types.ResolveResult{SyncItemID: req.SyncItemID}

	if errs := validation.ValidateResolveRequest(req); len(errs) > 0 {
		result.Error = (&validation.Errors{Fields: errs}).Error()
		return result
	}

	rec, err := e.store.GetSyncRecord(ctx, req.SyncItemID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && rec.OwnerID != ownerID) {
		result.Error = "sync record not found"
		return result
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}

	updated, err := e.processor.ResolveManual(ctx, *rec,
		callsync.ConflictPolicy(req.ResolutionStrategy), req.MergedData)
	result.Record = &updated
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if updated.Status != callsync.StatusCompleted {
		result.Error = updated.Error()
		return result
	}
	result.Resolved = true
	return result
}

// RetryFailed moves ownerID's Failed records back to Pending. A record is
// eligible while retry_count is below maxRetries, or below its own
// max_retries when maxRetries is not positive. Raising the bound raises the
// record's max_retries to match.
func (e *Engine) RetryFailed(ctx context.Context, ownerID string, maxRetries int) (types.RetryResponse, error) {
	failed, err := e.store.ListSyncRecords(ctx, store.Filter{
		OwnerID:  ownerID,
		Statuses: []callsync.Status{callsync.StatusFailed},
	})
	if err != nil {
		return types.RetryResponse{}, fmt.Errorf("retry: %w", err)
	}

	resp := types.RetryResponse{Records: []callsync.SyncRecord{}}
	for _, rec := range failed {
		limit := rec.MaxRetries
		if maxRetries > 0 {
			limit = maxRetries
		}
		if rec.RetryCount >= limit {
			continue
		}

		rec.Status = callsync.StatusPending
		rec.MaxRetries = max(rec.MaxRetries, limit)
		rec.SetError("")
		rec.ProcessedAt = nil
		rec.ClaimedAt = nil
		if err := e.store.UpdateSyncRecord(ctx, &rec); err != nil {
			return resp, fmt.Errorf("retry %s: %w", rec.ID, err)
		}
		resp.Requeued++
		resp.Records = append(resp.Records, rec)
	}

	if resp.Requeued > 0 {
		slog.Info("failed sync records requeued",
			"component", "engine",
			"action", "retry",
			"owner_id", ownerID,
			"count", resp.Requeued,
		)
	}
	return resp, nil
}

// Cleanup deletes ownerID's Completed records processed more than
// olderThanDays ago.
func (e *Engine) Cleanup(ctx context.Context, ownerID string, olderThanDays int) (types.CleanupResponse, error) {
	if olderThanDays <= 0 {
		olderThanDays = DefaultCleanupDays
	}
	cutoff := e.opts.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)

	deleted, err := e.store.DeleteCompletedBefore(ctx, cutoff, ownerID)
	if err != nil {
		return types.CleanupResponse{}, fmt.Errorf("cleanup: %w", err)
	}
	return types.CleanupResponse{Deleted: deleted, OlderThanDays: olderThanDays}, nil
}

// ListConflicts returns ownerID's Conflict records with the current server
// state and the strategies a human may choose.
func (e *Engine) ListConflicts(ctx context.Context, ownerID string) (types.ConflictsResponse, error) {
	recs, err := e.store.ListSyncRecords(ctx, store.Filter{
		OwnerID:  ownerID,
		Statuses: []callsync.Status{callsync.StatusConflict},
	})
	if err != nil {
		return types.ConflictsResponse{}, fmt.Errorf("list conflicts: %w", err)
	}

	resp := types.ConflictsResponse{Conflicts: make([]types.ConflictView, 0, len(recs))}
	for _, rec := range recs {
		server, err := e.store.GetRecord(ctx, rec.TargetTable, rec.TargetID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return types.ConflictsResponse{}, fmt.Errorf("list conflicts: %w", err)
		}
		if server != nil && checkOwner(&rec, server) != nil {
			server = nil
		}
		resp.Conflicts = append(resp.Conflicts, types.ConflictView{
			Record:            rec,
			ClientData:        rec.Payload,
			ServerData:        server,
			ResolutionOptions: resolutionOptions(rec.Operation),
		})
	}
	resp.Total = len(resp.Conflicts)
	return resp, nil
}

func resolutionOptions(op callsync.Operation) []string {
	if op == callsync.OperationDelete {
		return []string{string(callsync.PolicyServerWins), string(callsync.PolicyClientWins)}
	}
	return append([]string(nil), callsync.ManualStrategies...)
}

// ProcessPending runs one scheduler cycle now.
func (e *Engine) ProcessPending(ctx context.Context) (worker.CycleResult, error) {
	return e.scheduler.RunCycle(ctx)
}

// Sweep runs one retention sweep now.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	return e.sweeper.Sweep(ctx)
}

// ReapStaleClaims releases expired Processing claims now.
func (e *Engine) ReapStaleClaims(ctx context.Context) (int64, error) {
	return e.reaper.Reap(ctx)
}
