package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type stubController struct {
	started []string
	routine string
	params  map[string]any
	stopped []string
	paused  []bool

	// repairGate, when set, holds RepairNow until closed.
	repairGate chan struct{}
	repaired   chan struct{}
}

func newStubController() *stubController {
	return &stubController{repaired: make(chan struct{}, 4)}
}

func (s *stubController) StartTaskByKey(key, routine string, params map[string]any) error {
	s.started = append(s.started, key)
	s.routine = routine
	s.params = params
	return nil
}

func (s *stubController) StopTaskByKey(key string) (bool, error) {
	if key == "bad" {
		return false, errors.New("invalid key")
	}
	s.stopped = append(s.stopped, key)
	return true, nil
}

func (s *stubController) SetPause(paused bool) { s.paused = append(s.paused, paused) }

func (s *stubController) RepairNow(ctx context.Context) error {
	if s.repairGate != nil {
		select {
		case <-s.repairGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.repaired <- struct{}{}
	return nil
}

func waitRepaired(t *testing.T, s *stubController) {
	t.Helper()
	select {
	case <-s.repaired:
	case <-time.After(time.Second):
		t.Fatalf("repair was not run")
	}
}

func TestTopics(t *testing.T) {
	topics := NewTopics("/lab/", "host/1")
	if topics.Status != "lab/host_1/status" {
		t.Fatalf("unexpected status topic %q", topics.Status)
	}
	if topics.CommandFilter() != "lab/host_1/cmd/+" {
		t.Fatalf("unexpected filter %q", topics.CommandFilter())
	}
	if name, ok := topics.CommandName("lab/host_1/cmd/pause"); !ok || name != CmdPause {
		t.Fatalf("expected pause command, got %q %v", name, ok)
	}
	for _, topic := range []string{"lab/host_1/cmd/", "lab/host_1/cmd/a/b", "other/cmd/pause"} {
		if _, ok := topics.CommandName(topic); ok {
			t.Fatalf("topic %q should not parse as a command", topic)
		}
	}
	if NewTopics("", "x").Tasks != "emuagent/x/events/task" {
		t.Fatalf("default prefix not applied")
	}
}

func TestDispatchCommands(t *testing.T) {
	ctrl := newStubController()
	ctx := context.Background()

	if err := Dispatch(ctx, ctrl, CmdStart, []byte(`{"key":"127.0.0.1:5555:sweep","routine":"sweep","params":{"sweep.loops":2}}`)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(ctrl.started) != 1 || ctrl.routine != "sweep" || ctrl.params["sweep.loops"] != float64(2) {
		t.Fatalf("unexpected start call: %+v", ctrl)
	}
	if err := Dispatch(ctx, ctrl, CmdStop, []byte(`{"key":"global:heal"}`)); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := Dispatch(ctx, ctrl, CmdPause, []byte(`{"paused":true}`)); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if len(ctrl.stopped) != 1 || len(ctrl.paused) != 1 || !ctrl.paused[0] {
		t.Fatalf("unexpected controller state: %+v", ctrl)
	}
	if err := Dispatch(ctx, ctrl, CmdRepair, nil); err != nil {
		t.Fatalf("repair: %v", err)
	}
	waitRepaired(t, ctrl)
}

func TestDispatchRepairDoesNotBlock(t *testing.T) {
	ctrl := newStubController()
	ctrl.repairGate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	returned := make(chan error, 1)
	go func() { returned <- Dispatch(ctx, ctrl, CmdRepair, nil) }()
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("repair: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("dispatch waited for the repair round")
	}

	// later commands are still served while the round runs
	if err := Dispatch(ctx, ctrl, CmdPause, []byte(`{"paused":false}`)); err != nil {
		t.Fatalf("pause: %v", err)
	}
	close(ctrl.repairGate)
	waitRepaired(t, ctrl)
}

func TestDispatchRejectsBadInput(t *testing.T) {
	ctrl := newStubController()
	ctx := context.Background()
	cases := []struct {
		name    string
		payload string
	}{
		{CmdStart, `{}`},
		{CmdStop, `{}`},
		{CmdStop, `{"key":"bad"}`},
		{CmdPause, `{}`},
		{CmdStart, `not json`},
		{"reboot", `{}`},
	}
	for _, tc := range cases {
		if err := Dispatch(ctx, ctrl, tc.name, []byte(tc.payload)); err == nil {
			t.Fatalf("expected error for %s %s", tc.name, tc.payload)
		}
	}
	if err := Dispatch(ctx, nil, CmdRepair, nil); err == nil {
		t.Fatalf("expected error without controller")
	}
}

func TestConnectRequiresBroker(t *testing.T) {
	if _, err := Connect(Config{}, nil); err == nil {
		t.Fatalf("expected error without broker")
	}
}
