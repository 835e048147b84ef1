package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	callsync "github.com/callivate/syncd/internal/sync"
)

func newTestSQLiteStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	testStoreContract(t, newTestSQLiteStore)
}

func TestSQLiteStore_Driver(t *testing.T) {
	s := newTestSQLiteStore(t)
	if s.Driver() != "sqlite" {
		t.Errorf("Driver() = %q, want sqlite", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestSQLiteStore_SubSecondOrdering(t *testing.T) {
	// Given: records created within the same second, inserted out of order
	s := newTestSQLiteStore(t)
	second := newRecord("user-1", "tasks", "t-1", baseTime.Add(900*time.Millisecond))
	first := newRecord("user-1", "tasks", "t-1", baseTime.Add(5*time.Millisecond))
	mustInsert(t, s, second, first)

	// When: listed
	got, err := s.ListSyncRecords(context.Background(), Filter{TargetTable: "tasks", TargetID: "t-1"})
	if err != nil {
		t.Fatalf("ListSyncRecords() error = %v", err)
	}

	// Then: fixed-width timestamps keep chronological order
	if len(got) != 2 || got[0].ID != first.ID {
		t.Fatalf("order = %v", got)
	}
	if !got[0].CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got[0].CreatedAt, first.CreatedAt)
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "syncd.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	rec := newRecord("user-1", "tasks", "t-1", baseTime)
	mustInsert(t, s, rec)
	if err := s.ReplaceRecord(ctx, "tasks", "t-1", callsync.Payload{"id": "t-1"}); err != nil {
		t.Fatalf("ReplaceRecord() error = %v", err)
	}
	s.Close()

	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	mustGet(t, reopened, rec.ID)
	if _, err := reopened.GetRecord(ctx, "tasks", "t-1"); err != nil {
		t.Errorf("GetRecord() after reopen error = %v", err)
	}
}

func TestBuildListQuery_Placeholders(t *testing.T) {
	f := Filter{
		OwnerID:  "user-1",
		Statuses: []callsync.Status{callsync.StatusPending, callsync.StatusFailed},
		Limit:    10,
	}

	lite := sqliteArgs()
	liteQuery := buildListQuery(f, lite)
	pg := pgArgs()
	pgQuery := buildListQuery(f, pg)

	if len(lite.args) != 4 || len(pg.args) != 4 {
		t.Fatalf("args = %d/%d, want 4", len(lite.args), len(pg.args))
	}
	wantLite := "SELECT " + syncRecordColumns + " FROM sync_queue WHERE owner_id = ? AND status IN (?, ?) ORDER BY created_at ASC, id ASC LIMIT ?"
	if liteQuery != wantLite {
		t.Errorf("sqlite query = %q", liteQuery)
	}
	wantPG := "SELECT " + syncRecordColumns + " FROM sync_queue WHERE owner_id = $1 AND status IN ($2, $3) ORDER BY created_at ASC, id ASC LIMIT $4"
	if pgQuery != wantPG {
		t.Errorf("postgres query = %q", pgQuery)
	}
}

func TestBuildListQuery_NewestFirst(t *testing.T) {
	q := buildListQuery(Filter{OwnerID: "user-1", Limit: 5, Newest: true}, sqliteArgs())

	want := "SELECT " + syncRecordColumns + " FROM sync_queue WHERE owner_id = ? ORDER BY created_at DESC, id DESC LIMIT ?"
	if q != want {
		t.Errorf("query = %q", q)
	}
}

func TestBuildListQuery_TimeArgs(t *testing.T) {
	lite := sqliteArgs()
	buildListQuery(Filter{CreatedBefore: baseTime}, lite)
	if got, ok := lite.args[0].(string); !ok || got != "2025-03-01T10:00:00.000000000Z" {
		t.Errorf("sqlite time arg = %#v", lite.args[0])
	}

	pg := pgArgs()
	buildListQuery(Filter{CreatedBefore: baseTime}, pg)
	if _, ok := pg.args[0].(time.Time); !ok {
		t.Errorf("postgres time arg = %#v, want time.Time", pg.args[0])
	}
}
