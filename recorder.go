package emuagent

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/EmuAgent/internal/device"
	"github.com/httprunner/EmuAgent/internal/event"
)

// TaskEvent is one lifecycle transition of a task instance.
type TaskEvent = event.Task

// TaskStatus is the lifecycle status carried by a TaskEvent.
type TaskStatus = event.Status

// DeviceInfoUpdate is the per-device snapshot pushed on every refresh.
type DeviceInfoUpdate = device.InfoUpdate

// Recorder receives device snapshots and task lifecycle events.
type Recorder interface {
	UpsertDevices(ctx context.Context, devices []DeviceInfoUpdate) error
	RecordTask(ctx context.Context, ev TaskEvent) error
}

type noopRecorder struct{}

func (noopRecorder) UpsertDevices(context.Context, []DeviceInfoUpdate) error { return nil }
func (noopRecorder) RecordTask(context.Context, TaskEvent) error             { return nil }

// MultiRecorder fans out to every sink. A failing sink is logged and never
// blocks the others.
type MultiRecorder struct {
	sinks []namedRecorder
}

type namedRecorder struct {
	name string
	rec  Recorder
}

// NewMultiRecorder returns an empty fan-out.
func NewMultiRecorder() *MultiRecorder {
	return &MultiRecorder{}
}

// Add registers a sink under name. Nil recorders are ignored.
func (m *MultiRecorder) Add(name string, rec Recorder) *MultiRecorder {
	if rec != nil {
		m.sinks = append(m.sinks, namedRecorder{name: name, rec: rec})
	}
	return m
}

// Len reports the number of sinks.
func (m *MultiRecorder) Len() int {
	if m == nil {
		return 0
	}
	return len(m.sinks)
}

func (m *MultiRecorder) UpsertDevices(ctx context.Context, devices []DeviceInfoUpdate) error {
	if m == nil {
		return nil
	}
	for _, s := range m.sinks {
		if err := s.rec.UpsertDevices(ctx, devices); err != nil {
			log.Warn().Err(err).Str("sink", s.name).Int("devices", len(devices)).
				Msg("recorder: upsert devices failed")
		}
	}
	return nil
}

func (m *MultiRecorder) RecordTask(ctx context.Context, ev TaskEvent) error {
	if m == nil {
		return nil
	}
	for _, s := range m.sinks {
		if err := s.rec.RecordTask(ctx, ev); err != nil {
			log.Warn().Err(err).Str("sink", s.name).Str("key", ev.Key).
				Str("status", string(ev.Status)).Msg("recorder: record task failed")
		}
	}
	return nil
}
