package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/callivate/syncd/internal/api"
	"github.com/callivate/syncd/internal/config"
	"github.com/callivate/syncd/internal/engine"
	"github.com/callivate/syncd/internal/store"
	callsync "github.com/callivate/syncd/internal/sync"
	"github.com/callivate/syncd/internal/tables"
	"github.com/callivate/syncd/internal/types"
)

const (
	testOwner  = "user-1"
	testTaskID = "3f2b8c1e-9d4a-4e6f-8a7b-1c2d3e4f5a6b"
)

// isolateEnv points config at a missing file in dev mode.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SYNCD_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("SYNCD_DEV_MODE", "true")
	t.Setenv("SYNCD_JWT_SECRET", "")
	t.Setenv("SYNCD_DB_DRIVER", "")
	t.Setenv("SYNCD_DB_PATH", "")
}

// executeCmd executes a subcommand with captured output.
func executeCmd(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	captureDefault(t)

	// Cobra parses into these variables, so stale values from previous tests
	// would leak if not reset.
	queueDBPath = ""
	queueJSONOutput = false
	statusAll = false
	statusLimit = 100
	retryMaxRetries = 0
	cleanupOlderThanDays = 0
	tokenTTL = 24 * time.Hour

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(args)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)

	return outBuf.String(), errBuf.String(), err
}

// seedConflict writes a completed create and a stale manual update that
// lands in Conflict, then closes the store.
func seedConflict(t *testing.T, dbPath string) string {
	t.Helper()
	tables.RegisterDefaults()

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer s.Close()

	e := engine.New(s, engine.DefaultOptions())
	ctx := context.Background()

	if _, err := e.Enqueue(ctx, testOwner, []types.MutationRequest{{
		TableName: "tasks",
		RecordID:  testTaskID,
		Operation: "create",
		Data:      callsync.Payload{"title": "Morning run", "user_id": testOwner, "updated_at": "2025-03-01T10:00:00Z"},
	}}); err != nil {
		t.Fatalf("Enqueue(create) error = %v", err)
	}
	recs, err := e.Enqueue(ctx, testOwner, []types.MutationRequest{{
		TableName:          "tasks",
		RecordID:           testTaskID,
		Operation:          "update",
		ConflictResolution: "manual",
		Data:               callsync.Payload{"title": "Evening run", "updated_at": "2025-02-01T10:00:00Z"},
	}})
	if err != nil {
		t.Fatalf("Enqueue(update) error = %v", err)
	}
	if recs[0].Status != callsync.StatusConflict {
		t.Fatalf("seeded update status = %s, want conflict", recs[0].Status)
	}
	return recs[0].ID
}

func TestQueueStatus_Table(t *testing.T) {
	isolateEnv(t)
	dbPath := filepath.Join(t.TempDir(), "syncd.db")
	conflictID := seedConflict(t, dbPath)

	stdout, _, err := executeCmd(t, "queue", "status", testOwner, "--db", dbPath, "--all")
	if err != nil {
		t.Fatalf("queue status error = %v", err)
	}

	if !strings.Contains(stdout, "1 completed, 0 failed, 1 conflict") {
		t.Errorf("missing counts line:\n%s", stdout)
	}
	if !strings.Contains(stdout, conflictID) || !strings.Contains(stdout, "STATUS") {
		t.Errorf("missing table rows:\n%s", stdout)
	}
}

func TestQueueStatus_JSONExcludesCompleted(t *testing.T) {
	isolateEnv(t)
	dbPath := filepath.Join(t.TempDir(), "syncd.db")
	seedConflict(t, dbPath)

	stdout, _, err := executeCmd(t, "queue", "status", testOwner, "--db", dbPath, "--json")
	if err != nil {
		t.Fatalf("queue status error = %v", err)
	}

	var report types.StatusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if len(report.Records) != 1 || report.Records[0].Status != callsync.StatusConflict {
		t.Errorf("records = %+v", report.Records)
	}
	if !report.HasConflicts || report.Counts.Completed != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestQueueStatus_EmptyOwner(t *testing.T) {
	isolateEnv(t)
	dbPath := filepath.Join(t.TempDir(), "syncd.db")

	stdout, _, err := executeCmd(t, "queue", "status", "nobody", "--db", dbPath)
	if err != nil {
		t.Fatalf("queue status error = %v", err)
	}
	if !strings.Contains(stdout, "No sync records found.") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestQueueConflicts(t *testing.T) {
	isolateEnv(t)
	dbPath := filepath.Join(t.TempDir(), "syncd.db")
	conflictID := seedConflict(t, dbPath)

	stdout, _, err := executeCmd(t, "queue", "conflicts", testOwner, "--db", dbPath)
	if err != nil {
		t.Fatalf("queue conflicts error = %v", err)
	}
	if !strings.Contains(stdout, conflictID) || !strings.Contains(stdout, "server_wins,client_wins,merge") {
		t.Errorf("stdout:\n%s", stdout)
	}

	stdout, _, err = executeCmd(t, "queue", "conflicts", "user-2", "--db", dbPath)
	if err != nil {
		t.Fatalf("queue conflicts error = %v", err)
	}
	if !strings.Contains(stdout, "No conflicts found.") {
		t.Errorf("other owner stdout = %q", stdout)
	}
}

func TestQueueRetry_NothingFailed(t *testing.T) {
	isolateEnv(t)
	dbPath := filepath.Join(t.TempDir(), "syncd.db")
	seedConflict(t, dbPath)

	stdout, _, err := executeCmd(t, "queue", "retry", testOwner, "--db", dbPath, "--json")
	if err != nil {
		t.Fatalf("queue retry error = %v", err)
	}
	var resp types.RetryResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if resp.Requeued != 0 {
		t.Errorf("Requeued = %d, want 0", resp.Requeued)
	}
}

func TestQueueRetry_NegativeLimit(t *testing.T) {
	isolateEnv(t)

	_, _, err := executeCmd(t, "queue", "retry", testOwner, "--max-retries=-1")
	if err == nil {
		t.Error("expected error for negative --max-retries")
	}
}

func TestQueueCleanup_KeepsRecentRecords(t *testing.T) {
	isolateEnv(t)
	dbPath := filepath.Join(t.TempDir(), "syncd.db")
	seedConflict(t, dbPath)

	stdout, _, err := executeCmd(t, "queue", "cleanup", "--db", dbPath, "--older-than-days", "1")
	if err != nil {
		t.Fatalf("queue cleanup error = %v", err)
	}
	if !strings.Contains(stdout, "Deleted 0 completed record(s) older than 1 days") {
		t.Errorf("stdout = %q", stdout)
	}

	stdout, _, err = executeCmd(t, "queue", "cleanup", testOwner, "--db", dbPath, "--json")
	if err != nil {
		t.Fatalf("queue cleanup error = %v", err)
	}
	var resp types.CleanupResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if resp.OlderThanDays != engine.DefaultCleanupDays {
		t.Errorf("OlderThanDays = %d, want default", resp.OlderThanDays)
	}
}

func TestQueueProcess_AppliesPendingRecords(t *testing.T) {
	isolateEnv(t)
	dbPath := filepath.Join(t.TempDir(), "syncd.db")
	tables.RegisterDefaults()

	// Given a record queued without inline processing
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	opts := engine.DefaultOptions()
	opts.ProcessOnEnqueue = false
	if _, err := engine.New(s, opts).Enqueue(context.Background(), testOwner, []types.MutationRequest{{
		TableName: "tasks",
		RecordID:  testTaskID,
		Operation: "create",
		Data:      callsync.Payload{"title": "Stretch"},
	}}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	s.Close()

	// When one cycle runs
	stdout, _, err := executeCmd(t, "queue", "process", "--db", dbPath)
	if err != nil {
		t.Fatalf("queue process error = %v", err)
	}

	// Then the record is applied
	if !strings.Contains(stdout, "Polled 1 record(s) across 1 owner(s): 1 processed") {
		t.Errorf("stdout = %q", stdout)
	}
	s, err = store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer s.Close()
	rec, err := s.GetRecord(context.Background(), "tasks", testTaskID)
	if err != nil || rec["title"] != "Stretch" {
		t.Errorf("GetRecord() = %v, %v", rec, err)
	}
}

func TestToken_IssuesVerifiableToken(t *testing.T) {
	isolateEnv(t)

	stdout, _, err := executeCmd(t, "token", testOwner, "--ttl", "1h")
	if err != nil {
		t.Fatalf("token error = %v", err)
	}

	v := api.NewTokenVerifier(config.DevJWTSecret, "", "", 0)
	sub, err := v.Verify(strings.TrimSpace(stdout))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if sub != testOwner {
		t.Errorf("subject = %q, want %q", sub, testOwner)
	}
}

func TestToken_RequiresSecret(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SYNCD_DEV_MODE", "")

	if _, _, err := executeCmd(t, "token", testOwner); err == nil {
		t.Error("expected error without a JWT secret")
	}
}
