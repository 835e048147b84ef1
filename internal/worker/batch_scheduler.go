package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/callivate/syncd/internal/store"
	callsync "github.com/callivate/syncd/internal/sync"
	"golang.org/x/sync/errgroup"
)

// PendingSource lists queued records. Implemented by the store.
type PendingSource interface {
	ListSyncRecords(ctx context.Context, f store.Filter) ([]callsync.SyncRecord, error)
}

// Consolidator collapses redundant pending records before processing.
type Consolidator interface {
	Consolidate(ctx context.Context, pending []callsync.SyncRecord) ([]callsync.SyncRecord, int, error)
}

// RecordProcessor runs a single record through the sync pipeline.
type RecordProcessor interface {
	Process(ctx context.Context, rec callsync.SyncRecord) (callsync.ItemOutcome, error)
}

// BatchResult summarizes one owner batch.
type BatchResult struct {
	OwnerID           string        `json:"owner_id"`
	Processed         int           `json:"processed"`
	Failed            int           `json:"failed"`
	ConflictsResolved int           `json:"conflicts_resolved"`
	Escalated         int           `json:"escalated"`
	Retried           int           `json:"retried"`
	Skipped           int           `json:"skipped"`
	Duration          time.Duration `json:"duration"`
	Errors            []string      `json:"errors,omitempty"`
}

func (b *BatchResult) record(o callsync.ItemOutcome) {
	switch o.Outcome {
	case callsync.OutcomeCompleted:
		b.Processed++
	case callsync.OutcomeResolved:
		b.Processed++
		b.ConflictsResolved++
	case callsync.OutcomeEscalated:
		b.Processed++
		b.Escalated++
	case callsync.OutcomeRetry:
		b.Retried++
	case callsync.OutcomeFailed:
		b.Failed++
	case callsync.OutcomeSkipped:
		b.Skipped++
	}
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Polled     int           `json:"polled"`
	Superseded int           `json:"superseded"`
	Batches    []BatchResult `json:"batches"`
}

// Totals sums the per-batch counters.
func (c CycleResult) Totals() BatchResult {
	var t BatchResult
	for _, b := range c.Batches {
		t.Processed += b.Processed
		t.Failed += b.Failed
		t.ConflictsResolved += b.ConflictsResolved
		t.Escalated += b.Escalated
		t.Retried += b.Retried
		t.Skipped += b.Skipped
		t.Duration += b.Duration
	}
	return t
}

// BatchScheduler polls for Pending records, partitions them by owner and runs
// up to maxConcurrent owner batches at once. Records inside a batch run
// sequentially.
type BatchScheduler struct {
	source        PendingSource
	consolidator  Consolidator
	processor     RecordProcessor
	interval      time.Duration
	batchSize     int
	maxConcurrent int

	cycleMu sync.Mutex
}

// NewBatchScheduler creates a scheduler. Each poll reads at most
// batchSize × maxConcurrent records.
func NewBatchScheduler(
	source PendingSource,
	consolidator Consolidator,
	processor RecordProcessor,
	interval time.Duration,
	batchSize int,
	maxConcurrent int,
) *BatchScheduler {
	if batchSize <= 0 {
		batchSize = 1
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &BatchScheduler{
		source:        source,
		consolidator:  consolidator,
		processor:     processor,
		interval:      interval,
		batchSize:     batchSize,
		maxConcurrent: maxConcurrent,
	}
}

// PageSize is the maximum number of records read per poll.
func (s *BatchScheduler) PageSize() int {
	return s.batchSize * s.maxConcurrent
}

// Run starts the poll loop. Blocks until ctx is cancelled.
func (s *BatchScheduler) Run(ctx context.Context) {
	slog.Info("batch scheduler started",
		"component", "worker",
		"worker", "batch-scheduler",
		"interval", s.interval.String(),
		"page_size", s.PageSize(),
		"max_concurrent_batches", s.maxConcurrent,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Process immediately on start, then on each tick
	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("batch scheduler stopped",
				"component", "worker",
				"worker", "batch-scheduler",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *BatchScheduler) runLogged(ctx context.Context) {
	result, err := s.RunCycle(ctx)
	if err != nil {
		slog.Error("sync cycle failed",
			"component", "worker",
			"worker", "batch-scheduler",
			"error", err,
		)
	}
	if result.Polled == 0 {
		return
	}
	totals := result.Totals()
	slog.Info("sync cycle completed",
		"component", "worker",
		"worker", "batch-scheduler",
		"polled", result.Polled,
		"superseded", result.Superseded,
		"batches", len(result.Batches),
		"processed", totals.Processed,
		"failed", totals.Failed,
		"conflicts_resolved", totals.ConflictsResolved,
		"escalated", totals.Escalated,
		"retried", totals.Retried,
		"skipped", totals.Skipped,
	)
}

// RunCycle performs one poll: list, consolidate, partition, process.
// Cancelling ctx stops new batches and new records; a record already in
// the pipeline finishes. Only a failed poll is returned as an error.
func (s *BatchScheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	var result CycleResult
	pending, err := s.source.ListSyncRecords(ctx, store.Filter{
		Statuses: []callsync.Status{callsync.StatusPending},
		Limit:    s.PageSize(),
	})
	if err != nil {
		return result, err
	}
	result.Polled = len(pending)
	if len(pending) == 0 {
		return result, nil
	}

	survivors, superseded, err := s.consolidator.Consolidate(ctx, pending)
	result.Superseded = superseded
	if err != nil {
		slog.Warn("consolidation incomplete",
			"component", "worker",
			"worker", "batch-scheduler",
			"error", err,
		)
	}

	owners, batches := partitionByOwner(survivors)
	results := make([]BatchResult, len(owners))

	g := new(errgroup.Group)
	g.SetLimit(s.maxConcurrent)
	for i, owner := range owners {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = s.runBatch(ctx, owner, batches[owner])
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.OwnerID != "" {
			result.Batches = append(result.Batches, r)
		}
	}
	return result, nil
}

// runBatch processes one owner's records in order. A record's failure never
// stops the batch.
func (s *BatchScheduler) runBatch(ctx context.Context, ownerID string, recs []callsync.SyncRecord) BatchResult {
	start := time.Now()
	result := BatchResult{OwnerID: ownerID}

	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		// The current record runs to completion during shutdown.
		outcome, err := s.processor.Process(context.WithoutCancel(ctx), rec)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		result.record(outcome)
	}

	result.Duration = time.Since(start)
	slog.Debug("owner batch completed",
		"component", "worker",
		"worker", "batch-scheduler",
		"owner_id", ownerID,
		"processed", result.Processed,
		"failed", result.Failed,
		"conflicts_resolved", result.ConflictsResolved,
		"escalated", result.Escalated,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result
}

// partitionByOwner groups records by owner, keeping first-seen owner order and
// each owner's oldest-first record order.
func partitionByOwner(recs []callsync.SyncRecord) ([]string, map[string][]callsync.SyncRecord) {
	var owners []string
	batches := make(map[string][]callsync.SyncRecord)
	for _, rec := range recs {
		if _, seen := batches[rec.OwnerID]; !seen {
			owners = append(owners, rec.OwnerID)
		}
		batches[rec.OwnerID] = append(batches[rec.OwnerID], rec)
	}
	return owners, batches
}
