package types

import (
	callsync "github.com/callivate/syncd/internal/sync"
)

// MutationRequest is one client mutation submitted to POST /sync/queue.
type MutationRequest struct {
	TableName          string           `json:"table_name"`
	RecordID           string           `json:"record_id"`
	Operation          string           `json:"operation"`
	Data               callsync.Payload `json:"data,omitempty"`
	ConflictResolution string           `json:"conflict_resolution,omitempty"`
}

// QueueResponse is the response of POST /sync/queue.
type QueueResponse struct {
	Items []callsync.SyncRecord `json:"items"`
}

// StatusReport is the response of GET /sync/status/{owner_id}.
type StatusReport struct {
	OwnerID      string                `json:"owner_id"`
	Records      []callsync.SyncRecord `json:"records"`
	Counts       callsync.StatusCounts `json:"counts"`
	HasConflicts bool                  `json:"has_conflicts"`
}

// ResolveRequest is one manual decision submitted to POST /sync/resolve-conflicts.
type ResolveRequest struct {
	SyncItemID         string           `json:"sync_item_id"`
	ResolutionStrategy string           `json:"resolution_strategy"`
	MergedData         callsync.Payload `json:"merged_data,omitempty"`
}

// ResolveResult reports what happened to one manual decision.
// Error is set for policy errors and failed applications; Record then
// reflects the record's state after the attempt.
type ResolveResult struct {
	SyncItemID string               `json:"sync_item_id"`
	Resolved   bool                 `json:"resolved"`
	Record     *callsync.SyncRecord `json:"record,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// ResolveResponse is the response of POST /sync/resolve-conflicts.
type ResolveResponse struct {
	Results  []ResolveResult `json:"results"`
	Resolved int             `json:"resolved"`
	Rejected int             `json:"rejected"`
}

// RetryResponse is the response of POST /sync/retry-failed.
type RetryResponse struct {
	Requeued int                   `json:"requeued"`
	Records  []callsync.SyncRecord `json:"records"`
}

// CleanupResponse is the response of DELETE /sync/cleanup.
type CleanupResponse struct {
	Deleted       int64 `json:"deleted"`
	OlderThanDays int   `json:"older_than_days"`
}

// ConflictView pairs an unresolved Conflict record with both sides of the conflict.
type ConflictView struct {
	Record            callsync.SyncRecord `json:"record"`
	ClientData        callsync.Payload    `json:"client_data"`
	ServerData        callsync.Payload    `json:"server_data"`
	ResolutionOptions []string            `json:"resolution_options"`
}

// ConflictsResponse is the response of GET /sync/conflicts.
type ConflictsResponse struct {
	Conflicts []ConflictView `json:"conflicts"`
	Total     int            `json:"total"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	EngineRunning bool   `json:"engine_running"`
	StoreDriver   string `json:"store_driver"`
}
