package worker

import (
	"context"
	"log/slog"
	"time"
)

// ClaimReleaser returns expired Processing claims to the queue.
// Implemented by the store.
type ClaimReleaser interface {
	RequeueStaleClaims(ctx context.Context, olderThan, now time.Time) (int64, error)
}

// StaleClaimReaper releases records left in Processing by a crashed or
// stalled worker once their claim is older than the timeout.
type StaleClaimReaper struct {
	store    ClaimReleaser
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewStaleClaimReaper creates a reaper that runs every interval.
func NewStaleClaimReaper(s ClaimReleaser, interval, timeout time.Duration) *StaleClaimReaper {
	return &StaleClaimReaper{
		store:    s,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
	}
}

// WithClock replaces the clock used to age claims.
func (r *StaleClaimReaper) WithClock(now func() time.Time) *StaleClaimReaper {
	if now != nil {
		r.now = now
	}
	return r
}

// Run starts the reaper loop. Blocks until ctx is cancelled.
func (r *StaleClaimReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Claims orphaned by a previous process are released on start.
	r.Reap(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// Reap releases claims older than the timeout.
func (r *StaleClaimReaper) Reap(ctx context.Context) (int64, error) {
	now := r.now()
	released, err := r.store.RequeueStaleClaims(ctx, now.Add(-r.timeout), now)
	if err != nil {
		slog.Error("failed to release stale claims",
			"component", "worker",
			"worker", "stale-claim-reaper",
			"error", err,
		)
		return 0, err
	}
	if released > 0 {
		slog.Warn("released stale sync claims",
			"component", "worker",
			"worker", "stale-claim-reaper",
			"released", released,
			"timeout", r.timeout.String(),
		)
	}
	return released, nil
}
