package influx

import (
	"context"
	"testing"
	"time"

	"github.com/httprunner/EmuAgent/internal/device"
	"github.com/httprunner/EmuAgent/internal/event"
)

func TestConfigEnabled(t *testing.T) {
	if (Config{}).Enabled() {
		t.Fatalf("empty config should be disabled")
	}
	if (Config{URL: "http://localhost:8086"}).Enabled() {
		t.Fatalf("config without bucket should be disabled")
	}
	if !(Config{URL: "http://localhost:8086", Bucket: "emu"}).Enabled() {
		t.Fatalf("expected enabled config")
	}
}

func TestConnectRejectsDisabledConfig(t *testing.T) {
	if _, err := Connect(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestTaskPointTagsAndFields(t *testing.T) {
	finished := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := taskPoint(event.Task{
		Scope:      "127.0.0.1:5555",
		Task:       "daily-checkin",
		Serial:     "127.0.0.1:5555",
		Status:     event.StatusCompleted,
		Outcome:    "completed",
		Elapsed:    1500 * time.Millisecond,
		FinishedAt: finished,
	})
	if p.Name() != measurementTask {
		t.Fatalf("unexpected measurement %q", p.Name())
	}
	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["serial"] != "127.0.0.1:5555" || tags["outcome"] != "completed" || tags["status"] != "completed" {
		t.Fatalf("unexpected tags: %+v", tags)
	}
	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["elapsed_ms"] != int64(1500) {
		t.Fatalf("unexpected elapsed_ms: %v", fields["elapsed_ms"])
	}
	if fields["ok"] != true {
		t.Fatalf("expected ok=true, got %v", fields["ok"])
	}
	if !p.Time().Equal(finished) {
		t.Fatalf("unexpected timestamp %v", p.Time())
	}
}

func TestDevicePointOmitsEmptyTask(t *testing.T) {
	p := devicePoint(device.InfoUpdate{DeviceSerial: "emu-1", Status: "idle", WorkerState: "running", QueueDepth: 2})
	for _, f := range p.FieldList() {
		if f.Key == "current_task" {
			t.Fatalf("current_task should be omitted when empty")
		}
	}
	if p.Name() != measurementDevice {
		t.Fatalf("unexpected measurement %q", p.Name())
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	if err := r.RecordTask(context.Background(), event.Task{Status: event.StatusFailed}); err != nil {
		t.Fatalf("nil recorder should be noop: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
