package emuagent

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/EmuAgent/internal/event"
	"github.com/httprunner/EmuAgent/internal/registry"
	"github.com/httprunner/EmuAgent/internal/routine"
	"github.com/httprunner/EmuAgent/internal/worker"
)

// launchDevice runs a device-scoped task as one action on the device worker,
// so it queues behind whatever the device is still finishing. The caller has
// already acquired w for the task.
func (o *Orchestrator) launchDevice(ctx context.Context, run *taskRun, w *worker.Worker) error {
	serial := run.key.Scope.Name
	err := w.Submit(worker.Action{
		Name:    run.key.String(),
		Kind:    run.routine.Name,
		Context: ctx,
		Run: func(actx context.Context) error {
			res := abortedResult(run.routine.Name)
			defer func() {
				o.devices.Release(serial)
				o.finish(run, res)
			}()
			res = routine.Run(actx, o.env(serial, run.params), run.routine)
			return resultErr(res)
		},
	})
	if err != nil {
		o.devices.Release(serial)
		o.finish(run, routine.Result{Routine: run.routine.Name, Outcome: routine.TransportFailed, Err: err})
		return err
	}
	return nil
}

// runBroad runs a global or group task: the routine is submitted to every
// target device's worker and the task waits for all of them.
func (o *Orchestrator) runBroad(ctx context.Context, run *taskRun) routine.Result {
	name := run.routine.Name
	targets := o.targets(run.key.Scope)
	if len(targets) == 0 {
		log.Warn().Str("key", run.key.String()).Msg("broad task has no target devices")
		return routine.Result{Routine: name, Outcome: routine.TransportFailed, Err: ErrNoDevices}
	}

	results := make([]routine.Result, len(targets))
	var wg sync.WaitGroup
	for i, serial := range targets {
		w, err := o.devices.Acquire(serial)
		if err != nil {
			results[i] = routine.Result{Routine: name, Outcome: routine.TransportFailed, Err: err}
			continue
		}
		wg.Add(1)
		err = w.Submit(worker.Action{
			Name:    run.key.String(),
			Kind:    name,
			Context: ctx,
			Run: func(actx context.Context) error {
				results[i] = abortedResult(name)
				defer func() {
					o.devices.Release(serial)
					wg.Done()
				}()
				results[i] = routine.Run(actx, o.env(serial, run.params), run.routine)
				return resultErr(results[i])
			},
		})
		if err != nil {
			o.devices.Release(serial)
			wg.Done()
			results[i] = routine.Result{Routine: name, Outcome: routine.TransportFailed, Err: err}
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-o.closed:
		// stopped workers may have discarded our actions
		select {
		case <-done:
		case <-time.After(closeTimeout):
			return routine.Result{Routine: name, Outcome: routine.Stopped}
		}
	}
	return aggregate(ctx, name, targets, results)
}

// aggregate reduces per-device results: a cancelled task is stopped,
// otherwise the first failure in serial order wins.
func aggregate(ctx context.Context, name string, targets []string, results []routine.Result) routine.Result {
	if ctx.Err() != nil {
		return routine.Result{Routine: name, Outcome: routine.Stopped}
	}
	for i, res := range results {
		if res.Outcome != routine.Completed {
			if res.Err != nil {
				res.Err = errors.Wrapf(res.Err, "device %s", targets[i])
			} else {
				res.Err = errors.Errorf("device %s: %s", targets[i], res.Outcome)
			}
			return res
		}
	}
	return routine.Result{Routine: name, Outcome: routine.Completed}
}

// targets resolves the devices a broad scope spans.
func (o *Orchestrator) targets(scope registry.Scope) []string {
	pool := o.devices.Serials()
	if scope.Kind != registry.ScopeGroup {
		return pool
	}
	members, ok := o.cfg.Groups[scope.Name]
	if !ok || len(members) == 0 {
		return pool
	}
	inPool := make(map[string]struct{}, len(pool))
	for _, serial := range pool {
		inPool[serial] = struct{}{}
	}
	out := make([]string, 0, len(members))
	for _, serial := range members {
		serial = strings.TrimSpace(serial)
		if _, ok := inPool[serial]; ok {
			out = append(out, serial)
		}
	}
	sort.Strings(out)
	return out
}

func (o *Orchestrator) env(serial string, params routine.Params) *routine.Env {
	base := routine.Params(o.cfg.Bundles.For(serial))
	return &routine.Env{
		Serial:  serial,
		Device:  o.cfg.Device,
		Matcher: o.cfg.Matcher,
		Waiter:  o.waiter,
		Params:  base.Merge(params),
		Library: o.library,
	}
}

func (o *Orchestrator) track(run *taskRun) {
	o.tasks.Add(1)
	o.runsMu.Lock()
	o.runs[run] = struct{}{}
	o.runsMu.Unlock()
}

func (o *Orchestrator) pendingRuns() []*taskRun {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	out := make([]*taskRun, 0, len(o.runs))
	for run := range o.runs {
		out = append(out, run)
	}
	return out
}

// finish releases the registration and records the terminal state. It runs
// at most once per task instance.
func (o *Orchestrator) finish(run *taskRun, res routine.Result) {
	run.once.Do(func() {
		o.registry.Release(run.reg)
		o.runsMu.Lock()
		delete(o.runs, run)
		o.runsMu.Unlock()

		status := statusFor(res.Outcome)
		ev := o.taskEvent(run, status)
		ev.Outcome = res.Outcome.String()
		ev.Step = res.Step
		if res.Err != nil {
			ev.Error = res.Err.Error()
		}
		ev.FinishedAt = time.Now()
		ev.Elapsed = ev.FinishedAt.Sub(ev.StartedAt)

		o.metrics.TaskFinished(ev.Outcome)
		logger := log.Info()
		if status == event.StatusFailed {
			logger = log.Warn().Err(res.Err)
		}
		logger.Str("key", ev.Key).Str("run_id", ev.RunID).Str("outcome", ev.Outcome).
			Str("step", ev.Step).Dur("elapsed", ev.Elapsed).Msg("task finished")

		o.emit(ev)
		o.tasks.Done()
	})
}

func (o *Orchestrator) taskEvent(run *taskRun, status event.Status) TaskEvent {
	return TaskEvent{
		RunID:     run.reg.RunID,
		Key:       run.key.String(),
		Scope:     run.key.Scope.String(),
		Task:      run.key.Task,
		Serial:    serialOf(run.key),
		Routine:   run.routine.Name,
		Status:    status,
		Host:      o.cfg.HostUUID,
		StartedAt: run.reg.Started,
	}
}

// emit queues ev for the recorder without blocking the caller. Events are
// dropped, with a warning, only when the buffer is full.
func (o *Orchestrator) emit(ev TaskEvent) {
	o.eventsMu.RLock()
	defer o.eventsMu.RUnlock()
	if o.eventsClosed {
		return
	}
	select {
	case o.events <- ev:
	default:
		log.Warn().Str("key", ev.Key).Str("status", string(ev.Status)).Msg("task event buffer full, event dropped")
	}
}

// dispatchEvents delivers events to the recorder in emission order.
func (o *Orchestrator) dispatchEvents() {
	defer close(o.eventsDone)
	for ev := range o.events {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := o.recorder.RecordTask(ctx, ev); err != nil {
			log.Warn().Err(err).Str("key", ev.Key).Msg("record task event failed")
		}
		cancel()
	}
}

func serialOf(key registry.Key) string {
	if key.Scope.Kind == registry.ScopeDevice {
		return key.Scope.Name
	}
	return ""
}

func statusFor(outcome routine.Outcome) event.Status {
	switch outcome {
	case routine.Completed:
		return event.StatusCompleted
	case routine.Stopped:
		return event.StatusStopped
	default:
		return event.StatusFailed
	}
}

// abortedResult stands in when a routine exits by panic.
func abortedResult(name string) routine.Result {
	return routine.Result{Routine: name, Outcome: routine.TransportFailed, Err: errors.New("routine aborted")}
}

func resultErr(res routine.Result) error {
	if !res.Outcome.Failed() {
		return nil
	}
	if res.Err != nil {
		return res.Err
	}
	return errors.Errorf("%s at step %q", res.Outcome, res.Step)
}
