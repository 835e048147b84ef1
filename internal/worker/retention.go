package worker

import (
	"context"
	"log/slog"
	"time"
)

// CompletedPurger deletes Completed sync records. Implemented by the store.
type CompletedPurger interface {
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time, ownerID string) (int64, error)
}

// RetentionSweeper periodically deletes Completed records older than the
// retention window. Failed and Conflict records are never touched.
type RetentionSweeper struct {
	store     CompletedPurger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewRetentionSweeper creates a sweeper.
func NewRetentionSweeper(s CompletedPurger, interval, retention time.Duration) *RetentionSweeper {
	return &RetentionSweeper{
		store:     s,
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}
}

// WithClock replaces the clock used to compute the cutoff.
func (w *RetentionSweeper) WithClock(now func() time.Time) *RetentionSweeper {
	if now != nil {
		w.now = now
	}
	return w
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
//
// The first sweep waits for one interval so startup does not compete with
// the first sync cycle.
func (w *RetentionSweeper) Run(ctx context.Context) {
	slog.Info("retention sweeper started",
		"component", "worker",
		"worker", "retention-sweeper",
		"interval", w.interval.String(),
		"retention", w.retention.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopped",
				"component", "worker",
				"worker", "retention-sweeper",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep deletes every owner's Completed records processed before now minus
// the retention window.
func (w *RetentionSweeper) Sweep(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := w.now().Add(-w.retention)

	deleted, err := w.store.DeleteCompletedBefore(ctx, cutoff, "")
	if err != nil {
		slog.Error("retention sweep failed",
			"component", "worker",
			"worker", "retention-sweeper",
			"error", err,
		)
		return 0, err
	}

	if deleted > 0 {
		slog.Info("retention sweep completed",
			"component", "worker",
			"worker", "retention-sweeper",
			"deleted", deleted,
			"cutoff", cutoff.Format(time.RFC3339),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return deleted, nil
}
