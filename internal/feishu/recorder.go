package feishu

import (
	"context"
	"strings"
	"sync"
	"time"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/EmuAgent/internal/config"
	"github.com/httprunner/EmuAgent/internal/device"
	"github.com/httprunner/EmuAgent/internal/event"
)

// TaskFields names the task table columns.
type TaskFields struct {
	RunID      string
	Key        string
	Task       string
	Serial     string
	Status     string
	Outcome    string
	Step       string
	Error      string
	Host       string
	StartedAt  string
	FinishedAt string
	ElapsedSec string
}

// DeviceFields names the device table columns.
type DeviceFields struct {
	Serial       string
	Status       string
	OSVersion    string
	IsRoot       string
	ProviderUUID string
	AgentVersion string
	WorkerState  string
	QueueDepth   string
	CurrentTask  string
	LastSeenAt   string
}

// DefaultTaskFields matches the stock task table template.
var DefaultTaskFields = TaskFields{
	RunID:      "RunID",
	Key:        "TaskKey",
	Task:       "Task",
	Serial:     "DeviceSerial",
	Status:     "Status",
	Outcome:    "Outcome",
	Step:       "Step",
	Error:      "Error",
	Host:       "Host",
	StartedAt:  "StartAt",
	FinishedAt: "EndAt",
	ElapsedSec: "ElapsedSeconds",
}

// DefaultDeviceFields matches the stock device table template.
var DefaultDeviceFields = DeviceFields{
	Serial:       "DeviceSerial",
	Status:       "Status",
	OSVersion:    "OSVersion",
	IsRoot:       "IsRoot",
	ProviderUUID: "ProviderUUID",
	AgentVersion: "AgentVersion",
	WorkerState:  "WorkerState",
	QueueDepth:   "QueueDepth",
	CurrentTask:  "RunningTask",
	LastSeenAt:   "LastSeenAt",
}

// Recorder mirrors task runs and device snapshots into bitable tables.
// Either table may be left unconfigured.
type Recorder struct {
	api          recordAPI
	taskRef      *BitableRef
	deviceRef    *BitableRef
	taskFields   TaskFields
	deviceFields DeviceFields

	mu         sync.Mutex
	runRecords map[string]string
	devRecords map[string]string
}

// NewRecorder returns nil when neither table url is set.
func NewRecorder(cred Credentials, taskURL, deviceURL string) (*Recorder, error) {
	taskURL = strings.TrimSpace(taskURL)
	deviceURL = strings.TrimSpace(deviceURL)
	if taskURL == "" && deviceURL == "" {
		return nil, nil
	}
	api, err := newRecordAPI(cred)
	if err != nil {
		return nil, err
	}
	return newRecorder(api, taskURL, deviceURL)
}

// NewRecorderFromEnv builds the recorder from FEISHU_* and EMUAGENT_*_BITABLE_URL.
func NewRecorderFromEnv() (*Recorder, error) {
	return NewRecorder(
		CredentialsFromEnv(),
		config.String(config.EnvTaskBitableURL, ""),
		config.String(config.EnvDeviceBitableURL, ""),
	)
}

func newRecorder(api recordAPI, taskURL, deviceURL string) (*Recorder, error) {
	r := &Recorder{
		api:          api,
		taskFields:   DefaultTaskFields,
		deviceFields: DefaultDeviceFields,
		runRecords:   make(map[string]string),
		devRecords:   make(map[string]string),
	}
	if taskURL != "" {
		ref, err := ParseBitableURL(taskURL)
		if err != nil {
			return nil, err
		}
		r.taskRef = &ref
	}
	if deviceURL != "" {
		ref, err := ParseBitableURL(deviceURL)
		if err != nil {
			return nil, err
		}
		r.deviceRef = &ref
	}
	return r, nil
}

// RecordTask creates a row when a run starts and updates it when the run ends.
func (r *Recorder) RecordTask(ctx context.Context, ev event.Task) error {
	if r == nil || r.taskRef == nil {
		return nil
	}
	fields := buildTaskFields(r.taskFields, ev)

	r.mu.Lock()
	recordID, known := r.runRecords[ev.RunID]
	r.mu.Unlock()

	if known {
		if err := r.api.Update(ctx, *r.taskRef, recordID, fields); err != nil {
			return err
		}
	} else {
		id, err := r.api.Create(ctx, *r.taskRef, fields)
		if err != nil {
			return err
		}
		recordID = id
	}

	r.mu.Lock()
	if ev.Status.Terminal() {
		delete(r.runRecords, ev.RunID)
	} else if ev.RunID != "" {
		r.runRecords[ev.RunID] = recordID
	}
	r.mu.Unlock()
	return nil
}

// UpsertDevices keeps one row per serial, searching once and caching the record id.
func (r *Recorder) UpsertDevices(ctx context.Context, devices []device.InfoUpdate) error {
	if r == nil || r.deviceRef == nil {
		return nil
	}
	for _, d := range devices {
		serial := strings.TrimSpace(d.DeviceSerial)
		if serial == "" {
			log.Warn().Str("status", d.Status).Msg("feishu recorder: skip device without serial")
			continue
		}
		if err := r.upsertDevice(ctx, serial, buildDeviceFields(r.deviceFields, d)); err != nil {
			log.Error().Err(err).Str("serial", serial).Str("status", d.Status).
				Msg("feishu recorder: upsert device failed")
		}
	}
	return nil
}

func (r *Recorder) upsertDevice(ctx context.Context, serial string, fields map[string]any) error {
	r.mu.Lock()
	recordID, ok := r.devRecords[serial]
	r.mu.Unlock()

	if !ok {
		items, err := r.api.Search(ctx, *r.deviceRef, serialFilter(r.deviceFields.Serial, serial))
		if err != nil {
			return err
		}
		for _, item := range items {
			if item != nil && item.RecordId != nil {
				recordID = larkcore.StringValue(item.RecordId)
				break
			}
		}
	}

	if recordID != "" {
		if err := r.api.Update(ctx, *r.deviceRef, recordID, fields); err != nil {
			return err
		}
	} else {
		id, err := r.api.Create(ctx, *r.deviceRef, fields)
		if err != nil {
			return err
		}
		recordID = id
	}

	r.mu.Lock()
	r.devRecords[serial] = recordID
	r.mu.Unlock()
	return nil
}

func serialFilter(field, serial string) *larkbitable.FilterInfo {
	return &larkbitable.FilterInfo{
		Conjunction: larkcore.StringPtr("and"),
		Conditions: []*larkbitable.Condition{{
			FieldName: larkcore.StringPtr(field),
			Operator:  larkcore.StringPtr("is"),
			Value:     []string{serial},
		}},
	}
}

func buildTaskFields(cols TaskFields, ev event.Task) map[string]any {
	fields := map[string]any{
		cols.RunID:  ev.RunID,
		cols.Key:    ev.Key,
		cols.Task:   ev.Task,
		cols.Status: string(ev.Status),
	}
	addOptionalField(fields, cols.Serial, ev.Serial)
	addOptionalField(fields, cols.Outcome, ev.Outcome)
	addOptionalField(fields, cols.Step, ev.Step)
	addOptionalField(fields, cols.Error, ev.Error)
	addOptionalField(fields, cols.Host, ev.Host)
	addOptionalTime(fields, cols.StartedAt, ev.StartedAt)
	addOptionalTime(fields, cols.FinishedAt, ev.FinishedAt)
	if ev.Status.Terminal() && cols.ElapsedSec != "" {
		fields[cols.ElapsedSec] = int64(ev.Elapsed / time.Second)
	}
	return fields
}

func buildDeviceFields(cols DeviceFields, d device.InfoUpdate) map[string]any {
	fields := map[string]any{
		cols.Serial: strings.TrimSpace(d.DeviceSerial),
		cols.Status: d.Status,
	}
	addOptionalField(fields, cols.OSVersion, d.OSVersion)
	addOptionalField(fields, cols.IsRoot, d.IsRoot)
	addOptionalField(fields, cols.ProviderUUID, d.ProviderUUID)
	addOptionalField(fields, cols.AgentVersion, d.AgentVersion)
	addOptionalField(fields, cols.WorkerState, d.WorkerState)
	if cols.QueueDepth != "" {
		fields[cols.QueueDepth] = d.QueueDepth
	}
	// An empty running task must overwrite the previous value.
	if cols.CurrentTask != "" {
		fields[cols.CurrentTask] = d.CurrentTask
	}
	addOptionalTime(fields, cols.LastSeenAt, d.LastSeenAt)
	return fields
}

func addOptionalField(dst map[string]any, column, value string) {
	if column == "" || strings.TrimSpace(value) == "" {
		return
	}
	dst[column] = value
}

func addOptionalTime(dst map[string]any, column string, ts time.Time) {
	if column == "" || ts.IsZero() {
		return
	}
	dst[column] = ts.UnixMilli()
}
