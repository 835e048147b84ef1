package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	callsync "github.com/callivate/syncd/internal/sync"
	"github.com/callivate/syncd/internal/types"
)

// SyncEngine is the engine surface the HTTP layer drives.
type SyncEngine interface {
	Enqueue(ctx context.Context, ownerID string, reqs []types.MutationRequest) ([]callsync.SyncRecord, error)
	Status(ctx context.Context, ownerID string, includeCompleted bool, limit int) (types.StatusReport, error)
	ResolveConflicts(ctx context.Context, ownerID string, reqs []types.ResolveRequest) (types.ResolveResponse, error)
	RetryFailed(ctx context.Context, ownerID string, maxRetries int) (types.RetryResponse, error)
	Cleanup(ctx context.Context, ownerID string, olderThanDays int) (types.CleanupResponse, error)
	ListConflicts(ctx context.Context, ownerID string) (types.ConflictsResponse, error)
	Running() bool
}

// HealthChecker reports store reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
	Driver() string
}

// Handler implements the API handlers
type Handler struct {
	engine  SyncEngine
	health  HealthChecker
	version string
}

// NewHandler creates a Handler over the engine and its store.
func NewHandler(e SyncEngine, hc HealthChecker, version string) *Handler {
	return &Handler{
		engine:  e,
		health:  hc,
		version: version,
	}
}

// Health handles GET /api/v1/health. It reports 503 when the store is
// unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := types.HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		EngineRunning: h.engine.Running(),
		StoreDriver:   h.health.Driver(),
	}
	status := http.StatusOK
	if err := h.health.Ping(ctx); err != nil {
		slog.Warn("health check failed", "component", "api", "error", err)
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
