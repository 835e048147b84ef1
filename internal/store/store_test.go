package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	callsync "github.com/callivate/syncd/internal/sync"
)

// testStoreContract runs the behaviour every Store implementation must share.
// newStore returns an empty, migrated store.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"InsertAndGet", contractInsertAndGet},
		{"InsertDuplicateID", contractInsertDuplicateID},
		{"GetMissing", contractGetMissing},
		{"ListOldestFirst", contractListOldestFirst},
		{"ListFilters", contractListFilters},
		{"ClaimCompareAndSwap", contractClaimCompareAndSwap},
		{"UpdateLifecycle", contractUpdateLifecycle},
		{"CompletedIsImmutable", contractCompletedIsImmutable},
		{"MarkSuperseded", contractMarkSuperseded},
		{"Counts", contractCounts},
		{"DeleteCompletedBefore", contractDeleteCompletedBefore},
		{"RequeueStaleClaims", contractRequeueStaleClaims},
		{"RecordCRUD", contractRecordCRUD},
		{"UpdateRecordOverlay", contractUpdateRecordOverlay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var baseTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

var idSeq int

func newRecord(owner, table, target string, created time.Time) callsync.SyncRecord {
	idSeq++
	return callsync.SyncRecord{
		ID:             fmt.Sprintf("01HQXK5V8J2N3M4P5Q6R7S%04d", idSeq),
		OwnerID:        owner,
		TargetTable:    table,
		TargetID:       target,
		Operation:      callsync.OperationUpdate,
		Payload:        callsync.Payload{"title": "Walk", "updated_at": "2025-03-01T10:00:00Z"},
		ConflictPolicy: callsync.PolicyServerWins,
		Status:         callsync.StatusPending,
		MaxRetries:     3,
		CreatedAt:      created,
	}
}

func mustInsert(t *testing.T, s Store, recs ...callsync.SyncRecord) {
	t.Helper()
	if err := s.InsertSyncRecords(context.Background(), recs); err != nil {
		t.Fatalf("InsertSyncRecords() error = %v", err)
	}
}

func mustGet(t *testing.T, s Store, id string) *callsync.SyncRecord {
	t.Helper()
	rec, err := s.GetSyncRecord(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSyncRecord(%s) error = %v", id, err)
	}
	return rec
}

func contractInsertAndGet(t *testing.T, s Store) {
	// Given: a pending record with a nested payload
	rec := newRecord("user-1", "tasks", "t-1", baseTime)
	rec.Payload["meta"] = map[string]any{"source": "ios"}
	mustInsert(t, s, rec)

	// When: it is read back
	got := mustGet(t, s, rec.ID)

	// Then: every field round-trips
	if got.OwnerID != "user-1" || got.TargetTable != "tasks" || got.TargetID != "t-1" {
		t.Errorf("identity = %s/%s/%s", got.OwnerID, got.TargetTable, got.TargetID)
	}
	if got.Operation != callsync.OperationUpdate || got.ConflictPolicy != callsync.PolicyServerWins {
		t.Errorf("operation/policy = %s/%s", got.Operation, got.ConflictPolicy)
	}
	if got.Status != callsync.StatusPending || got.MaxRetries != 3 || got.RetryCount != 0 {
		t.Errorf("status/retries = %s %d/%d", got.Status, got.RetryCount, got.MaxRetries)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, baseTime)
	}
	if got.ProcessedAt != nil || got.ClaimedAt != nil || got.ErrorMessage != nil {
		t.Errorf("nullable fields should be nil, got %+v", got)
	}
	if !got.Payload.Reflects(rec.Payload) {
		t.Errorf("Payload = %v, want %v", got.Payload, rec.Payload)
	}
}

func contractInsertDuplicateID(t *testing.T, s Store) {
	rec := newRecord("user-1", "tasks", "t-1", baseTime)
	mustInsert(t, s, rec)

	other := newRecord("user-1", "tasks", "t-2", baseTime)
	err := s.InsertSyncRecords(context.Background(), []callsync.SyncRecord{other, rec})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("InsertSyncRecords(duplicate) error = %v, want ErrDuplicate", err)
	}

	// The batch is atomic: the new record was rolled back too.
	if _, err := s.GetSyncRecord(context.Background(), other.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSyncRecord(other) error = %v, want ErrNotFound", err)
	}
}

func contractGetMissing(t *testing.T, s Store) {
	if _, err := s.GetSyncRecord(context.Background(), "01HQXK5V8J2N3M4P5Q6R7S0000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSyncRecord() error = %v, want ErrNotFound", err)
	}
}

func contractListOldestFirst(t *testing.T, s Store) {
	late := newRecord("user-1", "tasks", "t-1", baseTime.Add(2*time.Second))
	early := newRecord("user-1", "tasks", "t-2", baseTime)
	mid := newRecord("user-2", "notes", "n-1", baseTime.Add(time.Second))
	mustInsert(t, s, late, early, mid)

	got, err := s.ListSyncRecords(context.Background(), Filter{Statuses: []callsync.Status{callsync.StatusPending}})
	if err != nil {
		t.Fatalf("ListSyncRecords() error = %v", err)
	}
	want := []string{early.ID, mid.ID, late.ID}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("got[%d] = %s, want %s", i, got[i].ID, want[i])
		}
	}

	limited, err := s.ListSyncRecords(context.Background(), Filter{Limit: 2})
	if err != nil {
		t.Fatalf("ListSyncRecords(limit) error = %v", err)
	}
	if len(limited) != 2 || limited[0].ID != early.ID {
		t.Errorf("limited = %d records", len(limited))
	}

	newest, err := s.ListSyncRecords(context.Background(), Filter{Limit: 2, Newest: true})
	if err != nil {
		t.Fatalf("ListSyncRecords(newest) error = %v", err)
	}
	if len(newest) != 2 || newest[0].ID != late.ID || newest[1].ID != mid.ID {
		t.Errorf("newest = %v, want [%s %s]", ids(newest), late.ID, mid.ID)
	}
}

func ids(recs []callsync.SyncRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func contractListFilters(t *testing.T, s Store) {
	a := newRecord("user-1", "tasks", "t-1", baseTime)
	b := newRecord("user-1", "notes", "n-1", baseTime.Add(time.Second))
	c := newRecord("user-2", "tasks", "t-1", baseTime.Add(2*time.Second))
	c.Status = callsync.StatusFailed
	mustInsert(t, s, a, b, c)

	ctx := context.Background()
	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"owner", Filter{OwnerID: "user-1"}, 2},
		{"status", Filter{Statuses: []callsync.Status{callsync.StatusFailed}}, 1},
		{"status set", Filter{Statuses: []callsync.Status{callsync.StatusFailed, callsync.StatusPending}}, 3},
		{"target", Filter{TargetTable: "tasks", TargetID: "t-1"}, 2},
		{"owner and target", Filter{OwnerID: "user-2", TargetTable: "tasks", TargetID: "t-1"}, 1},
		{"created before", Filter{CreatedBefore: baseTime.Add(time.Second)}, 1},
		{"no match", Filter{OwnerID: "user-3"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListSyncRecords(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListSyncRecords() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func contractClaimCompareAndSwap(t *testing.T, s Store) {
	ctx := context.Background()
	rec := newRecord("user-1", "tasks", "t-1", baseTime)
	mustInsert(t, s, rec)

	// When: two workers claim the same record
	first, err := s.ClaimSyncRecord(ctx, rec.ID, baseTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimSyncRecord() error = %v", err)
	}
	second, err := s.ClaimSyncRecord(ctx, rec.ID, baseTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimSyncRecord() error = %v", err)
	}

	// Then: only the first wins
	if !first || second {
		t.Errorf("claims = %v, %v; want true, false", first, second)
	}
	got := mustGet(t, s, rec.ID)
	if got.Status != callsync.StatusProcessing {
		t.Errorf("Status = %s, want processing", got.Status)
	}
	if got.ClaimedAt == nil || !got.ClaimedAt.Equal(baseTime.Add(time.Minute)) {
		t.Errorf("ClaimedAt = %v", got.ClaimedAt)
	}

	missing, err := s.ClaimSyncRecord(ctx, "01HQXK5V8J2N3M4P5Q6R7S0000", baseTime)
	if err != nil || missing {
		t.Errorf("ClaimSyncRecord(missing) = %v, %v", missing, err)
	}
}

func contractUpdateLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	rec := newRecord("user-1", "tasks", "t-1", baseTime)
	mustInsert(t, s, rec)

	processed := baseTime.Add(time.Minute)
	rec.Status = callsync.StatusConflict
	rec.RetryCount = 1
	rec.ConflictKind = callsync.ConflictNewerVersion
	rec.SetError("conflict detected: newer_version")
	rec.ProcessedAt = &processed
	if err := s.UpdateSyncRecord(ctx, &rec); err != nil {
		t.Fatalf("UpdateSyncRecord() error = %v", err)
	}

	got := mustGet(t, s, rec.ID)
	if got.Status != callsync.StatusConflict || got.RetryCount != 1 {
		t.Errorf("Status/RetryCount = %s/%d", got.Status, got.RetryCount)
	}
	if got.ConflictKind != callsync.ConflictNewerVersion {
		t.Errorf("ConflictKind = %q", got.ConflictKind)
	}
	if got.Error() != "conflict detected: newer_version" {
		t.Errorf("ErrorMessage = %q", got.Error())
	}
	if got.ProcessedAt == nil || !got.ProcessedAt.Equal(processed) {
		t.Errorf("ProcessedAt = %v, want %v", got.ProcessedAt, processed)
	}

	missing := newRecord("user-1", "tasks", "t-9", baseTime)
	if err := s.UpdateSyncRecord(ctx, &missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSyncRecord(missing) error = %v, want ErrNotFound", err)
	}
}

func contractCompletedIsImmutable(t *testing.T, s Store) {
	ctx := context.Background()
	rec := newRecord("user-1", "tasks", "t-1", baseTime)
	mustInsert(t, s, rec)

	rec.Status = callsync.StatusCompleted
	if err := s.UpdateSyncRecord(ctx, &rec); err != nil {
		t.Fatalf("UpdateSyncRecord(complete) error = %v", err)
	}

	rec.Status = callsync.StatusPending
	if err := s.UpdateSyncRecord(ctx, &rec); !errors.Is(err, ErrImmutable) {
		t.Errorf("UpdateSyncRecord(after complete) error = %v, want ErrImmutable", err)
	}
	if got := mustGet(t, s, rec.ID); got.Status != callsync.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
}

func contractMarkSuperseded(t *testing.T, s Store) {
	ctx := context.Background()
	rec := newRecord("user-1", "tasks", "t-1", baseTime)
	mustInsert(t, s, rec)

	ok, err := s.MarkSuperseded(ctx, rec.ID, baseTime.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("MarkSuperseded() = %v, %v; want true", ok, err)
	}
	got := mustGet(t, s, rec.ID)
	if got.Status != callsync.StatusCompleted || got.Error() != callsync.SupersededMessage {
		t.Errorf("record = %s %q", got.Status, got.Error())
	}
	if got.ProcessedAt == nil {
		t.Error("ProcessedAt should be set")
	}

	// A record no longer Pending is left alone.
	again, err := s.MarkSuperseded(ctx, rec.ID, baseTime.Add(time.Hour))
	if err != nil || again {
		t.Errorf("MarkSuperseded(again) = %v, %v; want false", again, err)
	}
}

func contractCounts(t *testing.T, s Store) {
	ctx := context.Background()
	pending := newRecord("user-1", "tasks", "t-1", baseTime)
	failed := newRecord("user-1", "tasks", "t-2", baseTime)
	failed.Status = callsync.StatusFailed
	conflict := newRecord("user-1", "notes", "n-1", baseTime)
	conflict.Status = callsync.StatusConflict
	other := newRecord("user-2", "tasks", "t-3", baseTime)
	mustInsert(t, s, pending, failed, conflict, other)

	counts, err := s.CountSyncRecords(ctx, "user-1")
	if err != nil {
		t.Fatalf("CountSyncRecords() error = %v", err)
	}
	want := callsync.StatusCounts{Pending: 1, Failed: 1, Conflict: 1}
	if counts != want {
		t.Errorf("counts = %+v, want %+v", counts, want)
	}

	all, err := s.CountSyncRecords(ctx, "")
	if err != nil {
		t.Fatalf("CountSyncRecords(all) error = %v", err)
	}
	if all.Pending != 2 {
		t.Errorf("all.Pending = %d, want 2", all.Pending)
	}
}

func contractDeleteCompletedBefore(t *testing.T, s Store) {
	ctx := context.Background()
	now := baseTime.Add(31 * 24 * time.Hour)
	old := baseTime

	completed := newRecord("user-1", "tasks", "t-1", old)
	completed.Status = callsync.StatusCompleted
	completed.ProcessedAt = &old

	failed := newRecord("user-1", "tasks", "t-2", old)
	failed.Status = callsync.StatusFailed
	failed.ProcessedAt = &old

	conflict := newRecord("user-1", "tasks", "t-3", old)
	conflict.Status = callsync.StatusConflict
	conflict.ProcessedAt = &old

	recent := newRecord("user-1", "tasks", "t-4", now)
	recent.Status = callsync.StatusCompleted
	recent.ProcessedAt = &now

	otherOwner := newRecord("user-2", "tasks", "t-5", old)
	otherOwner.Status = callsync.StatusCompleted
	otherOwner.ProcessedAt = &old

	mustInsert(t, s, completed, failed, conflict, recent, otherOwner)

	cutoff := now.Add(-30 * 24 * time.Hour)

	// When: the caller sweeps only their own records
	n, err := s.DeleteCompletedBefore(ctx, cutoff, "user-1")
	if err != nil {
		t.Fatalf("DeleteCompletedBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	// Then: Failed, Conflict, recent and other owners survive
	for _, id := range []string{failed.ID, conflict.ID, recent.ID, otherOwner.ID} {
		mustGet(t, s, id)
	}
	if _, err := s.GetSyncRecord(ctx, completed.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old completed record still present: %v", err)
	}

	// A global sweep reaches the other owner.
	n, err = s.DeleteCompletedBefore(ctx, cutoff, "")
	if err != nil || n != 1 {
		t.Errorf("DeleteCompletedBefore(all) = %d, %v; want 1", n, err)
	}
}

func contractRequeueStaleClaims(t *testing.T, s Store) {
	ctx := context.Background()
	stale := newRecord("user-1", "tasks", "t-1", baseTime)
	exhausted := newRecord("user-1", "tasks", "t-2", baseTime)
	exhausted.RetryCount = 3
	fresh := newRecord("user-1", "tasks", "t-3", baseTime)
	mustInsert(t, s, stale, exhausted, fresh)

	claimedEarly := baseTime.Add(time.Minute)
	for _, id := range []string{stale.ID, exhausted.ID} {
		if ok, err := s.ClaimSyncRecord(ctx, id, claimedEarly); err != nil || !ok {
			t.Fatalf("ClaimSyncRecord(%s) = %v, %v", id, ok, err)
		}
	}
	if ok, err := s.ClaimSyncRecord(ctx, fresh.ID, baseTime.Add(time.Hour)); err != nil || !ok {
		t.Fatalf("ClaimSyncRecord(fresh) = %v, %v", ok, err)
	}

	now := baseTime.Add(time.Hour)
	n, err := s.RequeueStaleClaims(ctx, baseTime.Add(30*time.Minute), now)
	if err != nil {
		t.Fatalf("RequeueStaleClaims() error = %v", err)
	}
	if n != 2 {
		t.Errorf("released = %d, want 2", n)
	}

	if got := mustGet(t, s, stale.ID); got.Status != callsync.StatusPending || got.RetryCount != 1 || got.ClaimedAt != nil {
		t.Errorf("stale = %s retry=%d claimed=%v", got.Status, got.RetryCount, got.ClaimedAt)
	}
	got := mustGet(t, s, exhausted.ID)
	if got.Status != callsync.StatusFailed || got.RetryCount != 3 {
		t.Errorf("exhausted = %s retry=%d", got.Status, got.RetryCount)
	}
	if got.ProcessedAt == nil || !got.ProcessedAt.Equal(now) {
		t.Errorf("exhausted.ProcessedAt = %v, want %v", got.ProcessedAt, now)
	}
	if got := mustGet(t, s, fresh.ID); got.Status != callsync.StatusProcessing {
		t.Errorf("fresh = %s, want processing", got.Status)
	}
}

func contractRecordCRUD(t *testing.T, s Store) {
	ctx := context.Background()
	doc := callsync.Payload{"id": "t-1", "title": "Walk", "done": false, "count": 3}

	if _, err := s.GetRecord(ctx, "tasks", "t-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRecord(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.InsertRecord(ctx, "tasks", "t-1", doc); err != nil {
		t.Fatalf("InsertRecord() error = %v", err)
	}
	if err := s.InsertRecord(ctx, "tasks", "t-1", doc); !errors.Is(err, ErrDuplicate) {
		t.Errorf("InsertRecord(duplicate) error = %v, want ErrDuplicate", err)
	}

	// Same id in another table is a different record.
	if err := s.InsertRecord(ctx, "notes", "t-1", callsync.Payload{"id": "t-1"}); err != nil {
		t.Errorf("InsertRecord(other table) error = %v", err)
	}

	got, err := s.GetRecord(ctx, "tasks", "t-1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if !got.Reflects(doc) {
		t.Errorf("GetRecord() = %v, want %v", got, doc)
	}

	replacement := callsync.Payload{"id": "t-1", "title": "Run"}
	if err := s.ReplaceRecord(ctx, "tasks", "t-1", replacement); err != nil {
		t.Fatalf("ReplaceRecord() error = %v", err)
	}
	got, _ = s.GetRecord(ctx, "tasks", "t-1")
	if _, stale := got["done"]; stale || got["title"] != "Run" {
		t.Errorf("after replace = %v", got)
	}

	if err := s.ReplaceRecord(ctx, "tasks", "t-2", replacement); err != nil {
		t.Errorf("ReplaceRecord(new) error = %v", err)
	}

	removed, err := s.DeleteRecord(ctx, "tasks", "t-1")
	if err != nil || !removed {
		t.Errorf("DeleteRecord() = %v, %v; want true", removed, err)
	}
	removed, err = s.DeleteRecord(ctx, "tasks", "t-1")
	if err != nil || removed {
		t.Errorf("DeleteRecord(again) = %v, %v; want false", removed, err)
	}
}

func contractUpdateRecordOverlay(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.UpdateRecord(ctx, "tasks", "t-1", callsync.Payload{"title": "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateRecord(missing) error = %v, want ErrNotFound", err)
	}

	doc := callsync.Payload{"id": "t-1", "title": "Walk", "notes": "keep", "meta": map[string]any{"a": 1.0}}
	if err := s.InsertRecord(ctx, "tasks", "t-1", doc); err != nil {
		t.Fatalf("InsertRecord() error = %v", err)
	}

	merged, err := s.UpdateRecord(ctx, "tasks", "t-1", callsync.Payload{
		"title": "Run",
		"meta":  map[string]any{"b": 2.0},
		"due":   nil,
	})
	if err != nil {
		t.Fatalf("UpdateRecord() error = %v", err)
	}

	// Top-level keys are replaced; untouched keys survive.
	want := callsync.Payload{"id": "t-1", "title": "Run", "notes": "keep", "meta": map[string]any{"b": 2.0}, "due": nil}
	if !merged.Reflects(want) || len(merged) != len(want) {
		t.Errorf("UpdateRecord() = %v, want %v", merged, want)
	}
	stored, _ := s.GetRecord(ctx, "tasks", "t-1")
	if !stored.Reflects(want) {
		t.Errorf("stored = %v, want %v", stored, want)
	}
}
