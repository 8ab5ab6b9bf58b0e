package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
)

func mustKey(t *testing.T, raw string) Key {
	t.Helper()
	k, err := ParseKey(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return k
}

func TestParseKeySplitsAtLastColon(t *testing.T) {
	cases := map[string]Key{
		"emulator-5554:sweep": NewKey(Device("emulator-5554"), "sweep"),
		"127.0.0.1:5555:heal": NewKey(Device("127.0.0.1:5555"), "heal"),
		"global:sweepAll":     NewKey(Global(), "sweepAll"),
		"group:farm":          NewKey(Group(""), "farm"),
		"group/east:checkin":  NewKey(Group("east"), "checkin"),
		"repair:connectivity": NewKey(Repair(), "connectivity"),
	}
	for raw, want := range cases {
		got := mustKey(t, raw)
		if got != want {
			t.Fatalf("ParseKey(%q) = %+v, want %+v", raw, got, want)
		}
		if got.String() != raw {
			t.Fatalf("round trip %q -> %q", raw, got.String())
		}
	}
	for _, bad := range []string{"", "sweep", ":sweep", "D1:"} {
		if _, err := ParseKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestConflicts(t *testing.T) {
	d1, d2 := Device("D1"), Device("D2")
	cases := []struct {
		a, b Scope
		want bool
	}{
		{d1, d1, true},
		{d1, d2, false},
		{Global(), d1, true},
		{d2, Group("farm"), true},
		{Group("a"), Group("b"), true},
		{Global(), Global(), true},
		{Repair(), d1, false},
		{Global(), Repair(), false},
		{Repair(), Repair(), true},
	}
	for _, tc := range cases {
		if got := Conflicts(tc.a, tc.b); got != tc.want {
			t.Fatalf("Conflicts(%s, %s) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

type cancelProbe struct {
	mu    sync.Mutex
	calls int
}

func (p *cancelProbe) fn() { p.mu.Lock(); p.calls++; p.mu.Unlock() }

func (p *cancelProbe) count() int { p.mu.Lock(); defer p.mu.Unlock(); return p.calls }

func TestRegisterDisplacesSameDevice(t *testing.T) {
	reg := New()
	sweep := mustKey(t, "D1:sweep")
	heal := mustKey(t, "D1:heal")
	var sweepCancel, healCancel cancelProbe

	first, err := reg.Register(sweep, sweepCancel.fn, nil, nil)
	if err != nil {
		t.Fatalf("register sweep: %v", err)
	}
	if _, err := reg.Register(heal, healCancel.fn, nil, nil); err != nil {
		t.Fatalf("register heal: %v", err)
	}
	if sweepCancel.count() != 1 {
		t.Fatalf("sweep should be cancelled once, got %d", sweepCancel.count())
	}
	if healCancel.count() != 0 {
		t.Fatalf("heal must not be cancelled")
	}
	if reg.IsRunning(sweep) || !reg.IsRunning(heal) || reg.Len() != 1 {
		t.Fatalf("unexpected registry state: %+v", reg.Snapshot())
	}
	// late release of the displaced routine must not evict heal
	if reg.Release(first) {
		t.Fatalf("release of displaced registration should be a no-op")
	}
	if !reg.IsRunning(heal) {
		t.Fatalf("heal evicted by stale release")
	}
}

func TestRegisterIndependentDevicesAndGlobal(t *testing.T) {
	reg := New()
	var d1, d2, g cancelProbe
	if _, err := reg.Register(mustKey(t, "D1:sweep"), d1.fn, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(mustKey(t, "D2:sweep"), d2.fn, nil, nil); err != nil {
		t.Fatal(err)
	}
	if d1.count()+d2.count() != 0 {
		t.Fatalf("independent devices must not cancel each other")
	}
	if _, err := reg.Register(mustKey(t, "global:sweepAll"), g.fn, nil, nil); err != nil {
		t.Fatal(err)
	}
	if d1.count() != 1 || d2.count() != 1 {
		t.Fatalf("global start must cancel device tasks: d1=%d d2=%d", d1.count(), d2.count())
	}
	if reg.Len() != 1 {
		t.Fatalf("want only the global task live, got %+v", reg.Snapshot())
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	reg := New()
	key := mustKey(t, "D1:sweep")
	var probe cancelProbe
	if _, err := reg.Register(key, probe.fn, nil, nil); err != nil {
		t.Fatal(err)
	}
	if !reg.Unregister(key) {
		t.Fatalf("first unregister should remove")
	}
	if reg.Unregister(key) {
		t.Fatalf("second unregister should be a no-op")
	}
	if probe.count() != 0 {
		t.Fatalf("unregister must not cancel")
	}
	if reg.Cancel(key) {
		t.Fatalf("cancel of absent key should report false")
	}
}

func TestOpenCancelsDerivedContext(t *testing.T) {
	reg := New()
	key := mustKey(t, "D1:sweep")
	ctx, r, err := reg.Open(context.Background(), key, nil, "ui")
	if err != nil {
		t.Fatal(err)
	}
	if r.Handle != "ui" || r.RunID == "" {
		t.Fatalf("unexpected registration: %+v", r)
	}
	if !reg.Cancel(key) {
		t.Fatalf("cancel should find the key")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("context not cancelled")
	}
}

func TestRoundSuspendsAndResumesInStartOrder(t *testing.T) {
	reg := New()
	var order []string
	var mu sync.Mutex
	resume := func(name string) ResumeFunc {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	var a, b, c cancelProbe
	for _, tc := range []struct {
		key   string
		probe *cancelProbe
	}{{"D1:sweep", &a}, {"D2:sweep", &b}, {"D3:checkin", &c}} {
		if _, err := reg.Register(mustKey(t, tc.key), tc.probe.fn, resume(tc.key), nil); err != nil {
			t.Fatal(err)
		}
	}

	n, err := reg.BeginRound()
	if err != nil || n != 3 {
		t.Fatalf("begin round: n=%d err=%v", n, err)
	}
	if a.count() != 1 || b.count() != 1 || c.count() != 1 {
		t.Fatalf("all tasks must be cancelled")
	}
	if reg.Phase() != PhaseRepairRunning {
		t.Fatalf("phase = %s", reg.Phase())
	}

	_, err = reg.Register(mustKey(t, "D1:heal"), func() {}, nil, nil)
	if !IsRefused(err) || !errors.Is(err, ErrRepairRoundActive) {
		t.Fatalf("expected refusal, got %v", err)
	}
	if _, err := reg.Register(mustKey(t, "repair:connectivity"), func() {}, nil, nil); err != nil {
		t.Fatalf("repair scope must be accepted during a round: %v", err)
	}
	if _, err := reg.BeginRound(); !errors.Is(err, ErrRoundInProgress) {
		t.Fatalf("nested round should fail, got %v", err)
	}

	if err := reg.EndRound(); err != nil {
		t.Fatalf("end round: %v", err)
	}
	want := []string{"D1:sweep", "D2:sweep", "D3:checkin"}
	if len(order) != len(want) {
		t.Fatalf("resume order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("resume order %v, want %v", order, want)
		}
	}
	if reg.Phase() != PhaseIdle || reg.RoundActive() {
		t.Fatalf("round should be over")
	}
	if _, err := reg.Register(mustKey(t, "D1:heal"), func() {}, nil, nil); err != nil {
		t.Fatalf("start after round: %v", err)
	}
}

func TestRoundToleratesFailingResume(t *testing.T) {
	reg := New()
	var calls []string
	if _, err := reg.Register(mustKey(t, "D1:sweep"), func() {}, func() error {
		calls = append(calls, "D1")
		return nil
	}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(mustKey(t, "D2:sweep"), func() {}, func() error {
		calls = append(calls, "D2")
		panic("boom")
	}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(mustKey(t, "D3:sweep"), func() {}, func() error {
		calls = append(calls, "D3")
		return errors.New("device gone")
	}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(mustKey(t, "D4:sweep"), func() {}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.BeginRound(); err != nil {
		t.Fatal(err)
	}
	if err := reg.EndRound(); err == nil {
		t.Fatalf("expected aggregated resume failure")
	}
	if len(calls) != 3 || calls[2] != "D3" {
		t.Fatalf("every resume should be attempted, got %v", calls)
	}
	if reg.Phase() != PhaseIdle {
		t.Fatalf("phase should be idle after a failed resume")
	}
}

func TestEmptyRoundIsNoop(t *testing.T) {
	reg := New()
	if err := reg.EndRound(); err != nil {
		t.Fatalf("end without begin: %v", err)
	}
	n, err := reg.BeginRound()
	if err != nil || n != 0 {
		t.Fatalf("begin: n=%d err=%v", n, err)
	}
	if err := reg.EndRound(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if reg.Len() != 0 || reg.Phase() != PhaseIdle {
		t.Fatalf("registry should be unchanged")
	}
}

func TestRoundKeepsRepairRegistration(t *testing.T) {
	reg := New()
	var repair cancelProbe
	key := mustKey(t, "repair:connectivity")
	if _, err := reg.Register(key, repair.fn, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.BeginRound(); err != nil {
		t.Fatal(err)
	}
	if repair.count() != 0 || !reg.IsRunning(key) {
		t.Fatalf("repair registration must survive its own round")
	}
	_ = reg.EndRound()
}
