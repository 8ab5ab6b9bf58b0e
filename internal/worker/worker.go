package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/httprunner/EmuAgent/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrNotRunning is returned by Submit when the worker cannot accept actions.
var ErrNotRunning = errors.New("device worker is not running")

const defaultPopTimeout = 500 * time.Millisecond

// State 描述 worker 的生命周期阶段。
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateDraining State = "draining"
)

// Action is one zero-argument unit of work executed on a device.
// Context, when set, is the parent of the context passed to Run; Timeout bounds
// a single execution. Kind labels the action in metrics and must come from a
// small fixed set such as routine names; Name is free-form and only logged.
type Action struct {
	Name    string
	Kind    string
	Context context.Context
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type item struct {
	action Action
	poison bool
}

// Option customizes a Worker.
type Option func(*Worker)

// WithPopTimeout sets how long an idle worker parks before re-checking stop.
func WithPopTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.popTimeout = d
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// Worker runs the actions submitted for one device strictly serially, in
// submission order, on a single goroutine.
type Worker struct {
	serial     string
	popTimeout time.Duration
	metrics    *metrics.Metrics

	mu    sync.Mutex
	state State
	queue []item
	done  chan struct{}
	wake  chan struct{}

	idle    atomic.Bool
	current atomic.Pointer[string]
}

// New builds a stopped worker for serial.
func New(serial string, opts ...Option) *Worker {
	w := &Worker{
		serial:     serial,
		popTimeout: defaultPopTimeout,
		state:      StateStopped,
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.idle.Store(true)
	return w
}

// Serial returns the device identity owned by this worker.
func (w *Worker) Serial() string {
	return w.serial
}

// Start launches the execution goroutine. Calling Start on a running worker is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateStopped {
		return
	}
	w.state = StateRunning
	w.done = make(chan struct{})
	go w.loop(w.done)
	log.Info().Str("serial", w.serial).Msg("device worker started")
}

// Stop discards queued actions, lets the in-flight action finish or fault out,
// and waits for the loop to exit. Stop is idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return
	}
	if w.state == StateRunning {
		dropped := 0
		for _, it := range w.queue {
			if !it.poison {
				dropped++
			}
		}
		w.queue = []item{{poison: true}}
		w.state = StateDraining
		if dropped > 0 {
			log.Warn().Str("serial", w.serial).Int("dropped_actions", dropped).
				Msg("device worker stopping, queued actions discarded")
		}
		w.signal()
	}
	done := w.done
	w.mu.Unlock()
	<-done
}

// Submit enqueues action without blocking. It fails only when the worker is
// not running; the failure is logged and returned.
func (w *Worker) Submit(action Action) error {
	if action.Run == nil {
		return errors.New("device worker: nil action")
	}
	w.mu.Lock()
	if w.state != StateRunning {
		state := w.state
		w.mu.Unlock()
		log.Error().
			Str("serial", w.serial).
			Str("action", action.Name).
			Str("state", string(state)).
			Msg("device worker enqueue failed")
		return errors.Wrapf(ErrNotRunning, "serial %s", w.serial)
	}
	w.queue = append(w.queue, item{action: action})
	depth := len(w.queue)
	w.signal()
	w.mu.Unlock()
	w.metrics.SetQueueDepth(w.serial, depth)
	return nil
}

// State returns the lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// QueueLen returns the number of actions waiting to run.
func (w *Worker) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, it := range w.queue {
		if !it.poison {
			n++
		}
	}
	return n
}

// IsIdle reports whether no action is executing.
func (w *Worker) IsIdle() bool {
	return w.idle.Load()
}

// Current returns the name of the executing action, or "".
func (w *Worker) Current() string {
	if name := w.current.Load(); name != nil {
		return *name
	}
	return ""
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) loop(done chan struct{}) {
	defer func() {
		w.mu.Lock()
		w.state = StateStopped
		w.queue = nil
		w.mu.Unlock()
		w.idle.Store(true)
		w.metrics.DropDevice(w.serial)
		log.Info().Str("serial", w.serial).Msg("device worker stopped")
		close(done)
	}()
	for {
		it, ok := w.pop()
		if !ok {
			if w.State() == StateDraining {
				return
			}
			continue
		}
		if it.poison {
			return
		}
		w.execute(it.action)
	}
}

// pop takes the head of the queue, parking for at most popTimeout when empty.
func (w *Worker) pop() (item, bool) {
	w.mu.Lock()
	if len(w.queue) > 0 {
		it := w.queue[0]
		w.queue[0] = item{}
		w.queue = w.queue[1:]
		depth := len(w.queue)
		w.mu.Unlock()
		w.metrics.SetQueueDepth(w.serial, depth)
		return it, true
	}
	w.mu.Unlock()

	timer := time.NewTimer(w.popTimeout)
	defer timer.Stop()
	select {
	case <-w.wake:
	case <-timer.C:
	}
	return item{}, false
}

type invocation struct {
	err       error
	recovered any
	stack     []byte
}

func (w *Worker) execute(action Action) {
	name := action.Name
	if name == "" {
		name = "anonymous"
	}
	w.idle.Store(false)
	w.current.Store(&name)
	defer func() {
		w.current.Store(nil)
		w.idle.Store(true)
	}()

	parent := action.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := parent, context.CancelFunc(func() {})
	if action.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, action.Timeout)
	}
	defer cancel()

	start := time.Now()
	res := invoke(ctx, action.Run)
	elapsed := time.Since(start)

	fault := metrics.FaultNone
	switch {
	case res.recovered != nil:
		fault = metrics.FaultPanic
		log.Error().
			Str("serial", w.serial).
			Str("action", name).
			Interface("panic", res.recovered).
			Bytes("stack", res.stack).
			Msg("device action panicked")
	case res.err == nil:
		log.Debug().Str("serial", w.serial).Str("action", name).Dur("elapsed", elapsed).Msg("device action finished")
	case errors.Is(res.err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded):
		fault = metrics.FaultTimeout
		log.Error().
			Err(res.err).
			Str("serial", w.serial).
			Str("action", name).
			Dur("timeout", action.Timeout).
			Msg("device action exceeded allotted time")
	case errors.Is(res.err, context.Canceled):
		log.Info().Str("serial", w.serial).Str("action", name).Msg("device action cancelled")
	default:
		fault = metrics.FaultError
		log.Error().Err(res.err).Str("serial", w.serial).Str("action", name).Msg("device action failed")
	}
	kind := action.Kind
	if kind == "" {
		kind = "other"
	}
	w.metrics.ObserveAction(kind, elapsed, fault)
}

func invoke(ctx context.Context, run func(context.Context) error) (res invocation) {
	defer func() {
		if r := recover(); r != nil {
			res.recovered = r
			res.stack = debug.Stack()
		}
	}()
	res.err = run(ctx)
	return res
}
