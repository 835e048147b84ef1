package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockReleaser implements ClaimReleaser for testing.
type mockReleaser struct {
	mu         sync.Mutex
	calls      int
	olderThans []time.Time
	nows       []time.Time
	released   int64
	err        error
}

func (m *mockReleaser) RequeueStaleClaims(ctx context.Context, olderThan, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.olderThans = append(m.olderThans, olderThan)
	m.nows = append(m.nows, now)
	if m.err != nil {
		return 0, m.err
	}
	return m.released, nil
}

func (m *mockReleaser) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestStaleClaimReaper_Reap(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rel := &mockReleaser{released: 2}
	r := NewStaleClaimReaper(rel, time.Minute, 10*time.Minute).WithClock(func() time.Time { return now })

	n, err := r.Reap(context.Background())

	if err != nil || n != 2 {
		t.Fatalf("Reap() = %d, %v; want 2", n, err)
	}
	if !rel.olderThans[0].Equal(now.Add(-10*time.Minute)) || !rel.nows[0].Equal(now) {
		t.Errorf("olderThan = %v now = %v", rel.olderThans[0], rel.nows[0])
	}
}

func TestStaleClaimReaper_ReapError(t *testing.T) {
	storeErr := errors.New("connection refused")
	r := NewStaleClaimReaper(&mockReleaser{err: storeErr}, time.Minute, time.Minute)

	_, err := r.Reap(context.Background())

	if !errors.Is(err, storeErr) {
		t.Errorf("Reap() error = %v, want %v", err, storeErr)
	}
}

func TestStaleClaimReaper_Run_ReapsOnStart(t *testing.T) {
	rel := &mockReleaser{}
	r := NewStaleClaimReaper(rel, time.Hour, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for rel.getCalls() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("Run did not reap on start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	if rel.getCalls() != 1 {
		t.Errorf("reaps = %d, want 1", rel.getCalls())
	}
}
