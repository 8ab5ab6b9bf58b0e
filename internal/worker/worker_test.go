package worker

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/httprunner/EmuAgent/internal/metrics"
)

func TestWorkerRunsActionsSeriallyInOrder(t *testing.T) {
	w := New("127.0.0.1:5555", WithPopTimeout(10*time.Millisecond))
	w.Start()
	defer w.Stop()

	var (
		inflight atomic.Int32
		overlap  atomic.Bool
		mu       sync.Mutex
		order    []int
	)
	done := make(chan struct{})
	const total = 20
	for i := 0; i < total; i++ {
		i := i
		err := w.Submit(Action{
			Name: "step",
			Run: func(ctx context.Context) error {
				if inflight.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				inflight.Add(-1)
				if i == total-1 {
					close(done)
				}
				return nil
			},
		})
		if err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("actions did not finish")
	}
	if overlap.Load() {
		t.Fatal("two actions executed concurrently")
	}
	for idx, got := range order {
		if got != idx {
			t.Fatalf("execution order mismatch at %d: %v", idx, order)
		}
	}
}

func TestWorkerSurvivesPanicsErrorsAndTimeouts(t *testing.T) {
	w := New("emulator-5554", WithPopTimeout(10*time.Millisecond))
	w.Start()
	defer w.Stop()

	_ = w.Submit(Action{Name: "panic", Run: func(ctx context.Context) error { panic("boom") }})
	_ = w.Submit(Action{Name: "error", Run: func(ctx context.Context) error { return errors.New("tap failed") }})
	_ = w.Submit(Action{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	done := make(chan struct{})
	if err := w.Submit(Action{Name: "ok", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive faulting actions")
	}
	if w.State() != StateRunning {
		t.Fatalf("expected running worker, got %s", w.State())
	}
}

func TestWorkerStopIsIdempotentAndDoesNotBlockWhenIdle(t *testing.T) {
	w := New("emulator-5556", WithPopTimeout(10*time.Second))
	w.Start()
	w.Start()

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop blocked on an idle worker")
	}
	if w.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", w.State())
	}
	err := w.Submit(Action{Name: "late", Run: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestWorkerStopWaitsForInflightAndDropsQueued(t *testing.T) {
	w := New("emulator-5558", WithPopTimeout(10*time.Millisecond))
	w.Start()

	started := make(chan struct{})
	release := make(chan struct{})
	var queuedRan atomic.Bool
	_ = w.Submit(Action{Name: "inflight", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	_ = w.Submit(Action{Name: "queued", Run: func(ctx context.Context) error {
		queuedRan.Store(true)
		return nil
	}})
	<-started
	if w.IsIdle() {
		t.Fatal("worker should not be idle while an action runs")
	}
	if w.Current() != "inflight" {
		t.Fatalf("unexpected current action %q", w.Current())
	}

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop returned before the in-flight action finished")
	case <-time.After(50 * time.Millisecond):
	}
	if w.State() != StateDraining {
		t.Fatalf("expected draining, got %s", w.State())
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not return after in-flight action finished")
	}
	if queuedRan.Load() {
		t.Fatal("queued action should be discarded on stop")
	}

	// A stopped worker can be restarted.
	w.Start()
	defer w.Stop()
	ran := make(chan struct{})
	if err := w.Submit(Action{Name: "again", Run: func(ctx context.Context) error {
		close(ran)
		return nil
	}}); err != nil {
		t.Fatalf("submit after restart failed: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("restarted worker did not run action")
	}
}

func TestWorkerLabelsDurationByKind(t *testing.T) {
	m := metrics.New(nil)
	w := New("D1", WithPopTimeout(10*time.Millisecond), WithMetrics(m))
	w.Start()
	defer w.Stop()

	done := make(chan struct{})
	_ = w.Submit(Action{Name: "D1:sweep", Kind: "sweep", Run: func(ctx context.Context) error { return nil }})
	_ = w.Submit(Action{Name: "unlabelled", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}})
	<-done
	w.Stop()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	raw, _ := io.ReadAll(rec.Body)
	body := string(raw)
	if !strings.Contains(body, `emuagent_worker_action_seconds_count{kind="sweep"} 1`) {
		t.Fatalf("missing sweep series:\n%s", body)
	}
	if !strings.Contains(body, `emuagent_worker_action_seconds_count{kind="other"} 1`) {
		t.Fatalf("missing default kind series:\n%s", body)
	}
	if strings.Contains(body, "D1:sweep") {
		t.Fatalf("task key leaked into labels:\n%s", body)
	}
}
