package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/callivate/syncd/internal/types"
	"github.com/go-chi/chi/v5"
)

const (
	// DefaultStatusLimit is the record limit of GET /sync/status when none is given.
	DefaultStatusLimit = 100

	// MaxStatusLimit caps the limit query parameter.
	MaxStatusLimit = 1000

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes = 4 << 20
)

// decodeItems reads a JSON array, or an object wrapping the array in "items".
func decodeItems[T any](w http.ResponseWriter, r *http.Request) ([]T, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var wrapped struct {
			Items []T `json:"items"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, err
		}
		return wrapped.Items, nil
	}
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return n, nil
}

// SyncQueue handles POST /api/v1/sync/queue
func (h *Handler) SyncQueue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ownerID := MustOwnerIDFromContext(r.Context())

	reqs, err := decodeItems[types.MutationRequest](w, r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	recs, err := h.engine.Enqueue(r.Context(), ownerID, reqs)
	if err != nil {
		MapError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, types.QueueResponse{Items: recs})

	slog.Info("sync queue accepted",
		"component", "api",
		"action", "sync_queue",
		"owner_id", ownerID,
		"items", len(recs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// SyncStatus handles GET /api/v1/sync/status/{owner_id}
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	ownerID := MustOwnerIDFromContext(r.Context())
	if chi.URLParam(r, "owner_id") != ownerID {
		WriteProblemForbidden(w, r, "Cannot read another user's sync status")
		return
	}

	includeCompleted := false
	if v := r.URL.Query().Get("include_completed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "include_completed must be a boolean")
			return
		}
		includeCompleted = b
	}

	limit, err := queryInt(r, "limit", DefaultStatusLimit)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 {
		limit = DefaultStatusLimit
	}
	limit = min(limit, MaxStatusLimit)

	report, err := h.engine.Status(r.Context(), ownerID, includeCompleted, limit)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// SyncResolveConflicts handles POST /api/v1/sync/resolve-conflicts
func (h *Handler) SyncResolveConflicts(w http.ResponseWriter, r *http.Request) {
	ownerID := MustOwnerIDFromContext(r.Context())

	reqs, err := decodeItems[types.ResolveRequest](w, r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	resp, err := h.engine.ResolveConflicts(r.Context(), ownerID, reqs)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)

	slog.Info("sync conflicts resolved",
		"component", "api",
		"action", "sync_resolve",
		"owner_id", ownerID,
		"resolved", resp.Resolved,
		"rejected", resp.Rejected,
	)
}

// SyncRetryFailed handles POST /api/v1/sync/retry-failed
func (h *Handler) SyncRetryFailed(w http.ResponseWriter, r *http.Request) {
	ownerID := MustOwnerIDFromContext(r.Context())

	maxRetries, err := queryInt(r, "max_retries", 0)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.engine.RetryFailed(r.Context(), ownerID, maxRetries)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncCleanup handles DELETE /api/v1/sync/cleanup
func (h *Handler) SyncCleanup(w http.ResponseWriter, r *http.Request) {
	ownerID := MustOwnerIDFromContext(r.Context())

	days, err := queryInt(r, "older_than_days", 0)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.engine.Cleanup(r.Context(), ownerID, days)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)

	slog.Info("sync cleanup completed",
		"component", "api",
		"action", "sync_cleanup",
		"owner_id", ownerID,
		"deleted", resp.Deleted,
		"older_than_days", resp.OlderThanDays,
	)
}

// SyncConflicts handles GET /api/v1/sync/conflicts
func (h *Handler) SyncConflicts(w http.ResponseWriter, r *http.Request) {
	ownerID := MustOwnerIDFromContext(r.Context())

	resp, err := h.engine.ListConflicts(r.Context(), ownerID)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
