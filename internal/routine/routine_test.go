package routine

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/EmuAgent/internal/control"
	"github.com/httprunner/EmuAgent/internal/control/fake"
	"github.com/httprunner/EmuAgent/internal/wait"
)

const serial = "127.0.0.1:5555"

func newEnv(dev *fake.Device, m *fake.Matcher) *Env {
	return &Env{
		Serial:  serial,
		Device:  dev,
		Matcher: m,
		Waiter:  wait.NewWaiter(nil, 10*time.Millisecond),
		Library: Builtins(),
	}
}

func tapStep(templates ...Template) Step {
	return Step{
		Name:         "tap",
		Templates:    templates,
		Act:          Action{Kind: ActTapMatch},
		Attempts:     2,
		RetryDelay:   10 * time.Millisecond,
		CaptureDelay: 10 * time.Millisecond,
	}
}

func TestCaptureSucceedsOnLastAllowedAttempt(t *testing.T) {
	dev := fake.NewDevice(serial)
	dev.FailCaptures(2)
	m := fake.NewMatcher()
	m.Set("btn", 10, 20, 0.9)

	res := Run(context.Background(), newEnv(dev, m), Routine{Name: "r", Steps: []Step{tapStep(Template{ID: "btn", Threshold: 0.8})}})
	if res.Outcome != Completed {
		t.Fatalf("expected completed, got %s (%v)", res.Outcome, res.Err)
	}
	if got := len(dev.CallsOf("capture")); got != 3 {
		t.Fatalf("expected 3 captures, got %d", got)
	}
	taps := dev.CallsOf("tap")
	if len(taps) != 1 || taps[0].X != 10 || taps[0].Y != 20 {
		t.Fatalf("unexpected taps: %+v", taps)
	}
}

func TestTransportFailureDistinctFromMatchMiss(t *testing.T) {
	dev := fake.NewDevice(serial)
	dev.FailCaptures(3)
	m := fake.NewMatcher()
	m.Set("btn", 1, 1, 0.9)
	r := Routine{Name: "r", Steps: []Step{tapStep(Template{ID: "btn", Threshold: 0.8})}}

	res := Run(context.Background(), newEnv(dev, m), r)
	if res.Outcome != TransportFailed || res.Err == nil {
		t.Fatalf("expected transport failure with error, got %s (%v)", res.Outcome, res.Err)
	}
	if m.Lookups("btn") != 0 {
		t.Fatalf("matcher must not run without a frame")
	}

	missDev := fake.NewDevice(serial)
	res = Run(context.Background(), newEnv(missDev, fake.NewMatcher()), r)
	if res.Outcome != MatchMissed {
		t.Fatalf("expected match miss, got %s", res.Outcome)
	}
	if res.Outcome == TransportFailed || res.Attempts != 2 {
		t.Fatalf("unexpected miss result: %+v", res)
	}
}

func TestFallbackTemplateKeepsOwnThreshold(t *testing.T) {
	dev := fake.NewDevice(serial)
	m := fake.NewMatcher()
	m.Set("primary", 100, 100, 0.80)
	m.Set("fallback", 5, 6, 0.72)
	step := tapStep(
		Template{ID: "primary", Threshold: 0.85},
		Template{ID: "fallback", Threshold: 0.70},
	)
	res := Run(context.Background(), newEnv(dev, m), Routine{Name: "r", Steps: []Step{step}})
	if res.Outcome != Completed {
		t.Fatalf("expected completed, got %s", res.Outcome)
	}
	taps := dev.CallsOf("tap")
	if len(taps) != 1 || taps[0].X != 5 || taps[0].Y != 6 {
		t.Fatalf("expected fallback tap, got %+v", taps)
	}

	env := newEnv(fake.NewDevice(serial), m)
	env.Params = Params{"threshold.fallback": 0.75}
	res = Run(context.Background(), env, Routine{Name: "r", Steps: []Step{step}})
	if res.Outcome != MatchMissed {
		t.Fatalf("raised fallback threshold should miss, got %s", res.Outcome)
	}
}

func TestMissEscalatesToRecoveryThenRetries(t *testing.T) {
	dev := fake.NewDevice(serial)
	m := fake.NewMatcher()
	m.Script("btn", control.Match{}, control.Match{})
	m.Set("btn", 7, 8, 0.95)
	env := newEnv(dev, m)
	env.Library = map[string]Routine{
		"home": {Name: "home", Steps: []Step{{Name: "back", Act: Action{Kind: ActKey, Key: control.KeyBack}}}},
	}
	step := tapStep(Template{ID: "btn", Threshold: 0.9})
	step.Recover = "home"

	res := Run(context.Background(), env, Routine{Name: "r", Steps: []Step{step}})
	if res.Outcome != Completed {
		t.Fatalf("expected completed after recovery, got %s", res.Outcome)
	}
	if keys := dev.CallsOf("key"); len(keys) != 1 || keys[0].Key != control.KeyBack {
		t.Fatalf("recovery should press back once, got %+v", keys)
	}
	if res.Attempts != 3 || res.Step != "tap" {
		t.Fatalf("expected 3 attempts on tap, got %d on %q", res.Attempts, res.Step)
	}
}

func TestMissingRecoveryRoutineReportsMiss(t *testing.T) {
	env := newEnv(fake.NewDevice(serial), fake.NewMatcher())
	env.Library = nil
	step := tapStep(Template{ID: "btn", Threshold: 0.9})
	step.Recover = "nowhere"
	res := Run(context.Background(), env, Routine{Name: "r", Steps: []Step{step}})
	if res.Outcome != MatchMissed || res.Err == nil {
		t.Fatalf("expected miss with error, got %+v", res)
	}
}

func untilStepFor(policy TimeoutPolicy) Step {
	return Step{
		Name: "wait",
		Until: &UntilPolicy{
			Templates: []Template{{ID: "done", Threshold: 0.8}},
			Interval:  20 * time.Millisecond,
			Ceiling:   100 * time.Millisecond,
			OnTimeout: policy,
		},
	}
}

func TestUntilTimedOutIsNeverMet(t *testing.T) {
	env := newEnv(fake.NewDevice(serial), fake.NewMatcher())
	start := time.Now()
	res := Run(context.Background(), env, Routine{Name: "r", Steps: []Step{untilStepFor(TimeoutFail)}})
	if res.Outcome != TimedOut {
		t.Fatalf("expected timed out, got %s", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("timed out early after %v", elapsed)
	}

	res = Run(context.Background(), env, Routine{Name: "r", Steps: []Step{untilStepFor(TimeoutContinue)}})
	if res.Outcome != Completed {
		t.Fatalf("continue policy should complete, got %s", res.Outcome)
	}
}

func TestUntilMetWhenTemplateAppears(t *testing.T) {
	m := fake.NewMatcher()
	m.Script("done", control.Match{}, control.Match{})
	m.Set("done", 1, 1, 0.9)
	res := Run(context.Background(), newEnv(fake.NewDevice(serial), m), Routine{Name: "r", Steps: []Step{untilStepFor(TimeoutFail)}})
	if res.Outcome != Completed {
		t.Fatalf("expected met, got %s", res.Outcome)
	}
	if m.Lookups("done") != 3 {
		t.Fatalf("expected 3 polls, got %d", m.Lookups("done"))
	}
}

func TestCancelledRoutineStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	env := newEnv(fake.NewDevice(serial), fake.NewMatcher())
	step := untilStepFor(TimeoutFail)
	step.Until.Ceiling = 10 * time.Second
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	res := Run(ctx, env, Routine{Name: "r", Steps: []Step{step}})
	if res.Outcome != Stopped {
		t.Fatalf("expected stopped, got %s", res.Outcome)
	}
	if res.Outcome.Failed() {
		t.Fatalf("stopped must not count as failure")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancellation not observed promptly")
	}
}

func TestRepeatFromParams(t *testing.T) {
	dev := fake.NewDevice(serial)
	env := newEnv(dev, fake.NewMatcher())
	env.Params = Params{"loops": 3}
	r := Routine{
		Name:        "swipe",
		Repeat:      1,
		RepeatParam: "loops",
		Steps:       []Step{{Name: "scroll", Act: Action{Kind: ActSwipe, X: 1, Y: 2, X2: 3, Y2: 4}}},
	}
	if res := Run(context.Background(), env, r); res.Outcome != Completed {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	if got := len(dev.CallsOf("swipe")); got != 3 {
		t.Fatalf("expected 3 swipes, got %d", got)
	}
}

func TestRunRejectsIncompleteEnv(t *testing.T) {
	res := Run(context.Background(), &Env{}, Routine{Name: "r"})
	if res.Outcome != TransportFailed || res.Err == nil {
		t.Fatalf("expected env error, got %+v", res)
	}
}

func TestParseTable(t *testing.T) {
	raw := []byte(`
routines:
  - name: claim-mail
    repeat_param: mail.loops
    steps:
      - name: open
        templates:
          - id: mail_icon
            threshold: 0.85
          - id: mail_icon_badge
            threshold: 0.7
        act:
          kind: tap_match
        after: 1500ms
        recover: return-home
      - name: wait-list
        until:
          templates:
            - id: mail_list
              threshold: 0.8
          interval: 2s
          ceiling: 2m
          on_timeout: continue
`)
	routines, err := ParseTable(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(routines) != 1 || len(routines[0].Steps) != 2 {
		t.Fatalf("unexpected routines: %+v", routines)
	}
	open := routines[0].Steps[0]
	if open.After != 1500*time.Millisecond || open.Templates[1].Threshold != 0.7 || open.Act.Kind != ActTapMatch {
		t.Fatalf("unexpected step: %+v", open)
	}
	if routines[0].Steps[1].Until.Ceiling != 2*time.Minute {
		t.Fatalf("unexpected ceiling: %v", routines[0].Steps[1].Until.Ceiling)
	}

	if _, err := ParseTable([]byte("routines:\n  - name: bad\n    steps:\n      - name: x\n        act:\n          kind: fly\n")); err == nil {
		t.Fatalf("expected unknown action error")
	}
	if _, err := ParseTable([]byte("routines:\n  - name: bad\n    steps:\n      - name: x\n        templates:\n          - id: a\n            threshold: 1.5\n")); err == nil {
		t.Fatalf("expected threshold error")
	}
}

func TestBuiltinsAreValid(t *testing.T) {
	lib := Builtins()
	for _, name := range Names(lib) {
		if err := Validate(lib[name]); err != nil {
			t.Fatalf("builtin %s invalid: %v", name, err)
		}
	}
	for _, want := range []string{NameReturnHome, NameDailyCheckin, NameSweep, NameHeal} {
		if _, ok := lib[want]; !ok {
			t.Fatalf("missing builtin %s", want)
		}
	}
}

func repairConfig(addrs ...string) RepairConfig {
	return RepairConfig{
		Addrs:          addrs,
		Attempts:       2,
		RetryDelay:     10 * time.Millisecond,
		SettleInterval: 10 * time.Millisecond,
		SettleCeiling:  100 * time.Millisecond,
	}
}

func TestRepairReconnectsMissingEmulators(t *testing.T) {
	dev := fake.NewDevice("10.0.0.1:5555")
	waiter := wait.NewWaiter(nil, 10*time.Millisecond)
	report, res := Repair(context.Background(), dev, waiter, repairConfig("10.0.0.1:5555", "10.0.0.2:5555"))
	if res.Outcome != Completed {
		t.Fatalf("expected completed, got %s (%v)", res.Outcome, res.Err)
	}
	if len(report.Healthy) != 1 || len(report.Reconnected) != 1 || report.Reconnected[0] != "10.0.0.2:5555" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(dev.CallsOf("connect")) != 1 {
		t.Fatalf("healthy emulator must not be reconnected")
	}
}

func TestRepairReportsUnreachable(t *testing.T) {
	dev := fake.NewDevice()
	dev.ConnectErr = errors.New("connection refused")
	waiter := wait.NewWaiter(nil, 10*time.Millisecond)
	report, res := Repair(context.Background(), dev, waiter, repairConfig("10.0.0.9:5555"))
	if res.Outcome != TransportFailed || len(report.Failed) != 1 {
		t.Fatalf("expected transport failure, got %s %+v", res.Outcome, report)
	}
	if got := len(dev.CallsOf("connect")); got != 2 {
		t.Fatalf("expected 2 connect attempts, got %d", got)
	}
}
