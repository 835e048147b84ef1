package sync

import (
	"fmt"
	"time"
)

// Operation is the kind of mutation a client queued against a domain record.
type Operation string

// Operation constants
const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Operations lists every accepted operation value.
var Operations = []string{string(OperationCreate), string(OperationUpdate), string(OperationDelete)}

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// ConflictPolicy is the strategy a client chose for resolving a detected conflict.
// It is fixed at enqueue time and only replaced by an explicit manual resolution.
type ConflictPolicy string

// ConflictPolicy constants
const (
	PolicyServerWins ConflictPolicy = "server_wins"
	PolicyClientWins ConflictPolicy = "client_wins"
	PolicyMerge      ConflictPolicy = "merge"
	PolicyManual     ConflictPolicy = "manual"
)

// Policies lists every accepted conflict policy value.
var Policies = []string{
	string(PolicyServerWins),
	string(PolicyClientWins),
	string(PolicyMerge),
	string(PolicyManual),
}

// ManualStrategies lists the strategies a human may pick when resolving a Conflict record.
var ManualStrategies = []string{
	string(PolicyServerWins),
	string(PolicyClientWins),
	string(PolicyMerge),
}

// Valid reports whether p is a known policy.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicyServerWins, PolicyClientWins, PolicyMerge, PolicyManual:
		return true
	}
	return false
}

// Automatic reports whether the policy resolves conflicts without a human.
func (p ConflictPolicy) Automatic() bool {
	return p == PolicyServerWins || p == PolicyClientWins || p == PolicyMerge
}

// Status is the lifecycle state of a SyncRecord.
type Status string

// Status constants
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusConflict   Status = "conflict"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusConflict}

// transitions is the SyncRecord state machine.
// Pending → Completed is consolidation (superseded); Processing → Pending is a
// transient retry or an expired claim; Failed → Pending is an explicit retry;
// Conflict → Completed|Failed is manual resolution. Completed is terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusConflict, StatusPending},
	StatusFailed:     {StatusPending},
	StatusConflict:   {StatusCompleted, StatusFailed},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ConflictKind classifies why a queued mutation conflicts with server state.
type ConflictKind string

// ConflictKind constants
const (
	ConflictRecordExists   ConflictKind = "record_exists"
	ConflictRecordNotFound ConflictKind = "record_not_found"
	ConflictNewerVersion   ConflictKind = "newer_version"
)

// SupersededMessage marks records collapsed by consolidation.
const SupersededMessage = "superseded"

// ClaimExpiredMessage marks records released by the stale claim reaper.
const ClaimExpiredMessage = "claim expired"

// TargetKey identifies the domain record a mutation applies to.
type TargetKey struct {
	Table string
	ID    string
}

// String returns "table:id".
func (k TargetKey) String() string {
	return k.Table + ":" + k.ID
}

// SyncRecord is a queued client mutation awaiting application to server state.
type SyncRecord struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	TargetTable    string         `json:"table_name"`
	TargetID       string         `json:"record_id"`
	Operation      Operation      `json:"operation"`
	Payload        Payload        `json:"data"`
	ConflictPolicy ConflictPolicy `json:"conflict_resolution"`
	Status         Status         `json:"status"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	ErrorMessage   *string        `json:"error_message"`
	ConflictKind   ConflictKind   `json:"conflict_kind,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ProcessedAt    *time.Time     `json:"processed_at"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
}

// Target returns the (table, id) pair this record mutates.
func (r *SyncRecord) Target() TargetKey {
	return TargetKey{Table: r.TargetTable, ID: r.TargetID}
}

// SetError sets or clears the error message.
func (r *SyncRecord) SetError(msg string) {
	if msg == "" {
		r.ErrorMessage = nil
		return
	}
	r.ErrorMessage = &msg
}

// Error returns the error message or "".
func (r *SyncRecord) Error() string {
	if r.ErrorMessage == nil {
		return ""
	}
	return *r.ErrorMessage
}

// RetriesLeft reports whether another automatic attempt is allowed.
func (r *SyncRecord) RetriesLeft() bool {
	return r.RetryCount < r.MaxRetries
}

// ConflictResult is the outcome of inspecting server state for a queued mutation.
// ServerSnapshot is populated whenever a server record exists, conflict or not.
type ConflictResult struct {
	HasConflict    bool         `json:"has_conflict"`
	Kind           ConflictKind `json:"kind,omitempty"`
	ServerSnapshot Payload      `json:"server_snapshot,omitempty"`
}

// Description returns the message stored on a record that landed in Conflict.
func (c ConflictResult) Description() string {
	return fmt.Sprintf("conflict detected: %s", c.Kind)
}

// ResolutionOutcome is what the resolver decided for a conflict.
type ResolutionOutcome struct {
	Strategy   ConflictPolicy `json:"strategy"`
	Applied    bool           `json:"applied"`
	FinalState Payload        `json:"final_state,omitempty"`
	Escalated  bool           `json:"escalated"`
}

// ExecResult is the outcome of applying a non-conflicting mutation.
// Applied is false when the store already reflected the desired state.
type ExecResult struct {
	Applied    bool    `json:"applied"`
	FinalState Payload `json:"final_state,omitempty"`
}

// Outcome summarizes what the pipeline did with one record.
type Outcome string

// Outcome constants
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeResolved  Outcome = "resolved"
	OutcomeEscalated Outcome = "escalated"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// ItemOutcome pairs a record's final state with the pipeline outcome.
type ItemOutcome struct {
	Record  SyncRecord `json:"record"`
	Outcome Outcome    `json:"outcome"`
}

// StatusCounts aggregates SyncRecords by status.
type StatusCounts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Conflict   int64 `json:"conflict"`
}

// Add increments the counter for s by n.
func (c *StatusCounts) Add(s Status, n int64) {
	switch s {
	case StatusPending:
		c.Pending += n
	case StatusProcessing:
		c.Processing += n
	case StatusCompleted:
		c.Completed += n
	case StatusFailed:
		c.Failed += n
	case StatusConflict:
		c.Conflict += n
	}
}
