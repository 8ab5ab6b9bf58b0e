package emuagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	loopInitialBackoff = 200 * time.Millisecond
	loopMaxBackoff     = 30 * time.Second
)

// SafeGroup runs the agent's named background loops under one errgroup.
//
// A loop that panics is restarted with exponential backoff and does not
// cancel its siblings. A loop that returns a non-nil error cancels the
// group's context and makes Wait return that error.
//
// Panics are printed to stderr rather than through the structured logger,
// since the logger itself may be the cause.
type SafeGroup struct {
	group *errgroup.Group
	ctx   context.Context
}

// NewSafeGroup derives the group context from ctx.
func NewSafeGroup(ctx context.Context) (*SafeGroup, context.Context) {
	group, gctx := errgroup.WithContext(ctx)
	return &SafeGroup{group: group, ctx: gctx}, gctx
}

// Go starts fn as the loop called name.
func (g *SafeGroup) Go(name string, fn func(context.Context) error) {
	if g == nil || fn == nil {
		return
	}
	g.group.Go(func() error {
		backoff := loopInitialBackoff
		for {
			if g.ctx.Err() != nil {
				return nil
			}
			err, recovered, panicked := callSafe(g.ctx, fn)
			if !panicked {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			// deterministic jitter without math/rand
			jitter := time.Duration(0)
			if half := backoff / 2; half > 0 {
				jitter = time.Duration(time.Now().UnixNano() % int64(half))
			}
			timer := time.NewTimer(backoff + jitter)
			select {
			case <-g.ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			backoff *= 2
			if backoff > loopMaxBackoff {
				backoff = loopMaxBackoff
			}
		}
	})
}

// Wait blocks until every loop has returned.
func (g *SafeGroup) Wait() error {
	if g == nil {
		return nil
	}
	return g.group.Wait()
}

func callSafe(ctx context.Context, fn func(context.Context) error) (err error, recovered any, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
			panicked = true
		}
	}()
	return fn(ctx), nil, false
}
