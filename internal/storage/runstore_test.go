package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/httprunner/EmuAgent/internal/config"
	"github.com/httprunner/EmuAgent/internal/device"
	"github.com/httprunner/EmuAgent/internal/event"
)

func TestRunStoreRecordsLifecycle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.sqlite")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := store.RecordTask(ctx, event.Task{
		RunID: "run-1", Key: "D1:sweep", Scope: "D1", Task: "sweep", Serial: "D1",
		Routine: "sweep", Status: event.StatusStarted, StartedAt: started,
	}); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := store.RecordTask(ctx, event.Task{
		RunID: "run-1", Key: "D1:sweep", Status: event.StatusFailed, Outcome: "transport_failed",
		Step: "collect", Error: "screencap", FinishedAt: started.Add(3 * time.Second), Elapsed: 3 * time.Second,
	}); err != nil {
		t.Fatalf("record finish: %v", err)
	}

	runs, err := store.RecentRuns(ctx, "D1:sweep", 10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one run row, got %d", len(runs))
	}
	run := runs[0]
	if run.Status != "failed" || run.Outcome != "transport_failed" || run.Routine != "sweep" {
		t.Fatalf("unexpected run row: %+v", run)
	}
	if run.StartedAt == "" || run.ElapsedMS != 3000 {
		t.Fatalf("start time or elapsed lost on update: %+v", run)
	}

	if err := store.RecordTask(ctx, event.Task{Key: "x"}); err == nil {
		t.Fatalf("expected missing run id error")
	}
}

func TestRunStoreUpsertsDevices(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "devices.sqlite")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	updates := []device.InfoUpdate{{DeviceSerial: "127.0.0.1:5555", Status: "idle", WorkerState: "running", QueueDepth: 2, LastSeenAt: time.Now()}}
	if err := store.UpsertDevices(ctx, updates); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	updates[0].Status = "running"
	if err := store.UpsertDevices(ctx, updates); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	var (
		count  int
		status string
		depth  int
	)
	if err := db.QueryRow(`SELECT COUNT(*), MAX("status"), MAX("queue_depth") FROM "devices"`).Scan(&count, &status, &depth); err != nil {
		t.Fatalf("query devices: %v", err)
	}
	if count != 1 || status != "running" || depth != 2 {
		t.Fatalf("unexpected device row: count=%d status=%s depth=%d", count, status, depth)
	}
}

func TestResolveDatabasePathHonoursEnv(t *testing.T) {
	custom := filepath.Join(t.TempDir(), "nested", "custom.sqlite")
	t.Setenv(config.EnvDBPath, custom)
	got, err := ResolveDatabasePath()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != custom {
		t.Fatalf("got %s, want %s", got, custom)
	}
}
