package engine

import (
	"sync"

	callsync "github.com/callivate/syncd/internal/sync"
)

// targetGuard keeps at most one record per target in flight in this process.
// Across processes the store's Pending→Processing claim is the lease.
type targetGuard struct {
	mu     sync.Mutex
	active map[callsync.TargetKey]struct{}
}

func newTargetGuard() *targetGuard {
	return &targetGuard{active: make(map[callsync.TargetKey]struct{})}
}

// TryAcquire marks key busy. It returns false if it already is.
func (g *targetGuard) TryAcquire(key callsync.TargetKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[key]; busy {
		return false
	}
	g.active[key] = struct{}{}
	return true
}

func (g *targetGuard) Release(key callsync.TargetKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, key)
}

func (g *targetGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
