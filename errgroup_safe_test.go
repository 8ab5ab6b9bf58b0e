package emuagent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestSafeGroupRestartsAfterPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, _ := NewSafeGroup(ctx)

	var runs atomic.Int32
	group.Go("flaky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("group did not finish after restart")
	}
	if runs.Load() != 2 {
		t.Fatalf("expected one restart, got %d runs", runs.Load())
	}
}

func TestSafeGroupErrorCancelsSiblings(t *testing.T) {
	group, gctx := NewSafeGroup(context.Background())
	group.Go("failing", func(context.Context) error { return errors.New("fatal") })
	group.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	if err := group.Wait(); err == nil || err.Error() != "fatal" {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if gctx.Err() == nil {
		t.Fatalf("group context should be cancelled")
	}
}

func TestSafeGroupStopsRestartingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	group, _ := NewSafeGroup(ctx)
	var runs atomic.Int32
	group.Go("always-panics", func(context.Context) error {
		runs.Add(1)
		panic("boom")
	})
	time.Sleep(50 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("group kept restarting after cancel")
	}
	if runs.Load() == 0 {
		t.Fatalf("loop never ran")
	}
}
