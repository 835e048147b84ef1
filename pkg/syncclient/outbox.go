package syncclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Queuer submits mutations to the server. *Client implements it.
type Queuer interface {
	Queue(ctx context.Context, reqs []MutationRequest) ([]SyncRecord, error)
}

// Outbox buffers mutations made while offline and pushes them in order
// once the server is reachable.
type Outbox struct {
	q Queuer

	mu      sync.Mutex
	pending []MutationRequest
}

// NewOutbox creates an empty Outbox that flushes through q.
func NewOutbox(q Queuer) *Outbox {
	return &Outbox{q: q}
}

// Add buffers mutations. Nothing is sent until Flush.
func (o *Outbox) Add(reqs ...MutationRequest) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, reqs...)
}

// Pending returns the number of buffered mutations.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Flush sends every buffered mutation in one request. On a network error
// or a temporary server error the batch is put back ahead of anything
// added meanwhile. Any other rejection drops the batch, since resending it
// unchanged cannot succeed.
func (o *Outbox) Flush(ctx context.Context) ([]SyncRecord, error) {
	o.mu.Lock()
	batch := o.pending
	o.pending = nil
	o.mu.Unlock()

	if len(batch) == 0 {
		return nil, nil
	}

	recs, err := o.q.Queue(ctx, batch)
	if err == nil {
		return recs, nil
	}

	if retryable(err) {
		o.mu.Lock()
		o.pending = append(batch, o.pending...)
		o.mu.Unlock()
	} else {
		slog.Warn("outbox batch rejected",
			"component", "syncclient",
			"dropped", len(batch),
			"error", err,
		)
	}
	return nil, err
}

// Run flushes every interval until ctx is cancelled, then makes one last
// attempt with a fresh context bounded by interval.
func (o *Outbox) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), interval)
			if _, err := o.Flush(final); err != nil {
				slog.Warn("outbox final flush failed", "component", "syncclient", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			recs, err := o.Flush(ctx)
			if err != nil {
				slog.Debug("outbox flush failed",
					"component", "syncclient",
					"pending", o.Pending(),
					"error", err,
				)
				continue
			}
			if len(recs) > 0 {
				slog.Debug("outbox flushed", "component", "syncclient", "records", len(recs))
			}
		}
	}
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}
