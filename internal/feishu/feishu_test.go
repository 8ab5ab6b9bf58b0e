package feishu

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"

	"github.com/httprunner/EmuAgent/internal/device"
	"github.com/httprunner/EmuAgent/internal/event"
)

type fakeCall struct {
	op       string
	table    string
	recordID string
	fields   map[string]any
}

type fakeRecordAPI struct {
	calls    []fakeCall
	existing map[string]string
	nextID   int
}

func (f *fakeRecordAPI) Search(_ context.Context, ref BitableRef, filter *larkbitable.FilterInfo) ([]*larkbitable.AppTableRecord, error) {
	f.calls = append(f.calls, fakeCall{op: "search", table: ref.TableID})
	if filter == nil || len(filter.Conditions) == 0 || len(filter.Conditions[0].Value) == 0 {
		return nil, nil
	}
	if id, ok := f.existing[filter.Conditions[0].Value[0]]; ok {
		return []*larkbitable.AppTableRecord{{RecordId: larkcore.StringPtr(id)}}, nil
	}
	return nil, nil
}

func (f *fakeRecordAPI) Create(_ context.Context, ref BitableRef, fields map[string]any) (string, error) {
	f.nextID++
	id := fmt.Sprintf("rec%d", f.nextID)
	f.calls = append(f.calls, fakeCall{op: "create", table: ref.TableID, recordID: id, fields: fields})
	return id, nil
}

func (f *fakeRecordAPI) Update(_ context.Context, ref BitableRef, recordID string, fields map[string]any) error {
	f.calls = append(f.calls, fakeCall{op: "update", table: ref.TableID, recordID: recordID, fields: fields})
	return nil
}

func (f *fakeRecordAPI) ops() string {
	parts := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		parts = append(parts, c.op+":"+c.table)
	}
	return strings.Join(parts, ",")
}

func TestParseBitableURL(t *testing.T) {
	ref, err := ParseBitableURL("https://example.feishu.cn/base/appABC?table=tbl123&view=vew1")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ref.AppToken != "appABC" || ref.TableID != "tbl123" {
		t.Fatalf("unexpected ref: %+v", ref)
	}

	bad := []string{
		"",
		"ftp://example.feishu.cn/base/app?table=t",
		"https://example.com/base/app?table=t",
		"https://example.feishu.cn/base/app",
		"https://example.feishu.cn/docs/app?table=t",
	}
	for _, raw := range bad {
		if _, err := ParseBitableURL(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestNewRecorderDisabledWithoutURLs(t *testing.T) {
	rec, err := NewRecorder(Credentials{}, "", "")
	if err != nil || rec != nil {
		t.Fatalf("expected nil recorder, got %v %v", rec, err)
	}
	if _, err := NewRecorder(Credentials{}, "https://x.feishu.cn/base/a?table=t", ""); err == nil {
		t.Fatalf("expected credentials error")
	}
}

func TestRecordTaskCreatesThenUpdates(t *testing.T) {
	api := &fakeRecordAPI{}
	rec, err := newRecorder(api, "https://x.feishu.cn/base/app?table=tasks", "")
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	start := time.Unix(1700000000, 0)
	ev := event.Task{RunID: "run-1", Key: "emu-1:sweep", Task: "sweep", Serial: "emu-1", Status: event.StatusStarted, StartedAt: start}
	if err := rec.RecordTask(context.Background(), ev); err != nil {
		t.Fatalf("record start: %v", err)
	}
	ev.Status = event.StatusCompleted
	ev.Outcome = "completed"
	ev.FinishedAt = start.Add(90 * time.Second)
	ev.Elapsed = 90 * time.Second
	if err := rec.RecordTask(context.Background(), ev); err != nil {
		t.Fatalf("record finish: %v", err)
	}

	if got := api.ops(); got != "create:tasks,update:tasks" {
		t.Fatalf("unexpected calls %s", got)
	}
	update := api.calls[1]
	if update.recordID != "rec1" {
		t.Fatalf("update targeted %q", update.recordID)
	}
	if update.fields[DefaultTaskFields.ElapsedSec] != int64(90) {
		t.Fatalf("unexpected elapsed: %v", update.fields[DefaultTaskFields.ElapsedSec])
	}
	if update.fields[DefaultTaskFields.FinishedAt] != ev.FinishedAt.UnixMilli() {
		t.Fatalf("unexpected end time: %v", update.fields[DefaultTaskFields.FinishedAt])
	}
	if _, ok := api.calls[0].fields[DefaultTaskFields.ElapsedSec]; ok {
		t.Fatalf("started row should not carry elapsed seconds")
	}
	if len(rec.runRecords) != 0 {
		t.Fatalf("terminal event should drop the cached record id")
	}
}

func TestUpsertDevicesSearchesOnce(t *testing.T) {
	api := &fakeRecordAPI{existing: map[string]string{"emu-1": "recEmu1"}}
	rec, err := newRecorder(api, "", "https://x.feishu.cn/base/app?table=devices")
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	devices := []device.InfoUpdate{
		{DeviceSerial: "emu-1", Status: "idle"},
		{DeviceSerial: "emu-2", Status: "running", CurrentTask: "emu-2:sweep"},
		{DeviceSerial: " "},
	}
	if err := rec.UpsertDevices(context.Background(), devices); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := rec.UpsertDevices(context.Background(), devices[:2]); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	want := "search:devices,update:devices,search:devices,create:devices,update:devices,update:devices"
	if got := api.ops(); got != want {
		t.Fatalf("unexpected calls\n got %s\nwant %s", got, want)
	}
	if api.calls[1].recordID != "recEmu1" || api.calls[5].recordID != "rec1" {
		t.Fatalf("unexpected record ids: %+v", api.calls)
	}
	if api.calls[1].fields[DefaultDeviceFields.CurrentTask] != "" {
		t.Fatalf("idle device should clear running task")
	}
}

func TestRecorderIgnoresUnconfiguredTables(t *testing.T) {
	api := &fakeRecordAPI{}
	rec, err := newRecorder(api, "", "https://x.feishu.cn/base/app?table=devices")
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	if err := rec.RecordTask(context.Background(), event.Task{RunID: "r", Status: event.StatusFailed}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(api.calls) != 0 {
		t.Fatalf("no task table configured, got %s", api.ops())
	}
}
