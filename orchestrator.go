// Package emuagent coordinates long-running, cancellable automation routines
// across a pool of Android emulators.
//
// Each device has one worker executing actions in order, and a scope-keyed
// registry keeps conflicting routines apart. A repair round suspends running
// routines and resumes them once connectivity is restored. The global pause
// switch stalls cooperative waits without cancelling anything.
package emuagent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/EmuAgent/internal/config"
	"github.com/httprunner/EmuAgent/internal/control"
	"github.com/httprunner/EmuAgent/internal/device"
	"github.com/httprunner/EmuAgent/internal/event"
	"github.com/httprunner/EmuAgent/internal/metrics"
	"github.com/httprunner/EmuAgent/internal/registry"
	"github.com/httprunner/EmuAgent/internal/routine"
	"github.com/httprunner/EmuAgent/internal/wait"
	"github.com/httprunner/EmuAgent/internal/worker"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("orchestrator closed")
	// ErrReservedScope is returned when a caller tries to start a task in the
	// repair scope, which only the repair controller may register.
	ErrReservedScope = errors.New("repair scope is reserved for the repair controller")
	// ErrUnknownRoutine is returned when a routine name is not in the library.
	ErrUnknownRoutine = errors.New("unknown routine")
	// ErrNoDevices is reported by broad tasks when no device is available.
	ErrNoDevices = errors.New("no devices available")
)

const (
	defaultRefreshInterval = 15 * time.Second
	eventBuffer            = 256
	closeTimeout           = 10 * time.Second
	recordTimeout          = 30 * time.Second
)

// Config wires the orchestrator to its ports and sinks. Only Device is required.
type Config struct {
	Device  control.Device
	Matcher control.Matcher

	Recorder Recorder
	Metrics  *metrics.Metrics
	Bundles  *config.Bundles
	// Routines extend or override the built-in library.
	Routines []routine.Routine
	// Groups maps a group name to its member serials. A group without
	// members spans every device in the pool.
	Groups map[string][]string
	// Allowlist restricts the pool to these serials when non-empty.
	Allowlist []string

	PollInterval     time.Duration
	PopTimeout       time.Duration
	RefreshInterval  time.Duration
	OfflineThreshold time.Duration
	RepairInterval   time.Duration
	Repair           routine.RepairConfig

	AgentVersion string
	HostUUID     string
	FetchMeta    device.MetaFetcher
}

// Orchestrator is the control surface over the device pool.
type Orchestrator struct {
	cfg      Config
	pause    *wait.Switch
	waiter   *wait.Waiter
	registry *registry.Registry
	devices  *device.Manager
	recorder Recorder
	metrics  *metrics.Metrics
	library  map[string]routine.Routine

	ctx    context.Context
	cancel context.CancelFunc

	runsMu sync.Mutex
	runs   map[*taskRun]struct{}
	tasks  sync.WaitGroup

	eventsMu     sync.RWMutex
	events       chan TaskEvent
	eventsClosed bool
	eventsDone   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// taskRun is one started task instance.
type taskRun struct {
	key     registry.Key
	routine routine.Routine
	params  routine.Params
	reg     *registry.Registration
	once    sync.Once
}

// New builds an orchestrator with an empty device pool. Call Refresh or
// Start to populate it.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Device == nil {
		return nil, errors.New("device control port is required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.AgentVersion == "" {
		cfg.AgentVersion = Version
	}
	if cfg.HostUUID == "" {
		cfg.HostUUID = HostUUID()
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = noopRecorder{}
	}

	pause := wait.NewSwitch()
	pause.OnChange(cfg.Metrics.SetPaused)

	devices := device.NewManager(cfg.Device, rec, device.Options{
		AgentVersion:     cfg.AgentVersion,
		HostUUID:         cfg.HostUUID,
		OfflineThreshold: cfg.OfflineThreshold,
		Metrics:          cfg.Metrics,
		FetchMeta:        cfg.FetchMeta,
		Allowlist:        cfg.Allowlist,
		WorkerOptions: []worker.Option{
			worker.WithPopTimeout(cfg.PopTimeout),
			worker.WithMetrics(cfg.Metrics),
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		pause:      pause,
		waiter:     wait.NewWaiter(pause, cfg.PollInterval),
		registry:   registry.New(registry.WithMetrics(cfg.Metrics)),
		devices:    devices,
		recorder:   rec,
		metrics:    cfg.Metrics,
		library:    routine.Library(cfg.Routines...),
		ctx:        ctx,
		cancel:     cancel,
		runs:       make(map[*taskRun]struct{}),
		events:     make(chan TaskEvent, eventBuffer),
		eventsDone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
	go o.dispatchEvents()
	return o, nil
}

// Pause exposes the global pause switch.
func (o *Orchestrator) Pause() *wait.Switch { return o.pause }

// Devices exposes the device pool.
func (o *Orchestrator) Devices() *device.Manager { return o.devices }

// Routine looks up a routine by name.
func (o *Orchestrator) Routine(name string) (routine.Routine, bool) {
	r, ok := o.library[strings.TrimSpace(name)]
	return r, ok
}

// Routines lists the library names.
func (o *Orchestrator) Routines() []string {
	return routine.Names(o.library)
}

// StartTask registers key and runs r under it. Any conflicting live task is
// cancelled first. While a repair round is active the start is refused with
// a *registry.RefusedError and the caller must revert any optimistic state.
func (o *Orchestrator) StartTask(key registry.Key, r routine.Routine, handle any) error {
	return o.StartTaskWithParams(key, r, nil, handle)
}

// StartTaskWithParams is StartTask with per-start parameter overrides layered
// over the device bundle.
func (o *Orchestrator) StartTaskWithParams(key registry.Key, r routine.Routine, params routine.Params, handle any) error {
	if o.isClosed() {
		return ErrClosed
	}
	if key.Scope.Kind == registry.ScopeRepair {
		return errors.Wrapf(ErrReservedScope, "start %s", key)
	}
	if r.Name == "" {
		r.Name = key.Task
	}

	// The device is claimed before registering, so a start that cannot run
	// never cancels the live tasks it would have displaced.
	var w *worker.Worker
	if key.Scope.Kind == registry.ScopeDevice {
		acquired, err := o.devices.Acquire(key.Scope.Name)
		if err != nil {
			return errors.Wrapf(err, "start %s", key)
		}
		w = acquired
	}

	resume := func() error {
		return o.StartTaskWithParams(key, r, params, handle)
	}
	ctx, reg, err := o.registry.Open(o.ctx, key, resume, handle)
	if err != nil {
		if w != nil {
			o.devices.Release(key.Scope.Name)
		}
		if registry.IsRefused(err) {
			o.emit(TaskEvent{
				Key: key.String(), Scope: key.Scope.String(), Task: key.Task, Routine: r.Name,
				Serial: serialOf(key), Status: event.StatusRefused, Error: err.Error(),
				Host: o.cfg.HostUUID, StartedAt: time.Now(),
			})
		}
		return err
	}
	run := &taskRun{key: key, routine: r, params: params, reg: reg}
	o.track(run)
	o.metrics.TaskStarted(key.Scope.Kind.String())
	log.Info().Str("key", key.String()).Str("routine", r.Name).Str("run_id", reg.RunID).Msg("task started")
	o.emit(o.taskEvent(run, event.StatusStarted))

	if key.Scope.Kind == registry.ScopeDevice {
		return o.launchDevice(ctx, run, w)
	}
	go func() {
		res := abortedResult(r.Name)
		defer func() {
			if p := recover(); p != nil {
				log.Error().Interface("panic", p).Str("key", key.String()).Msg("broad task panicked")
				res.Err = errors.Errorf("panic: %v", p)
			}
			o.finish(run, res)
		}()
		res = o.runBroad(ctx, run)
	}()
	return nil
}

// StartTaskByKey parses "<scope>:<task>" and starts routineName (or the
// task qualifier when empty) from the library.
func (o *Orchestrator) StartTaskByKey(rawKey, routineName string, params map[string]any) error {
	key, err := registry.ParseKey(rawKey)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(routineName)
	if name == "" {
		name = key.Task
	}
	r, ok := o.Routine(name)
	if !ok {
		return errors.Wrapf(ErrUnknownRoutine, "%q", name)
	}
	return o.StartTaskWithParams(key, r, routine.Params(params), nil)
}

// StopTask cancels the task registered under key. The routine observes the
// cancellation at its next poll and records itself as stopped.
func (o *Orchestrator) StopTask(key registry.Key) bool {
	stopped := o.registry.Cancel(key)
	if stopped {
		log.Info().Str("key", key.String()).Msg("task stop requested")
	}
	return stopped
}

// StopTaskByKey parses rawKey and stops it.
func (o *Orchestrator) StopTaskByKey(rawKey string) (bool, error) {
	key, err := registry.ParseKey(rawKey)
	if err != nil {
		return false, err
	}
	return o.StopTask(key), nil
}

// IsRunning reports whether key has a live registration.
func (o *Orchestrator) IsRunning(key registry.Key) bool {
	return o.registry.IsRunning(key)
}

// Tasks lists live registrations in start order.
func (o *Orchestrator) Tasks() []registry.Entry {
	return o.registry.Snapshot()
}

// SetPause sets or clears the global pause switch. Pausing never cancels.
func (o *Orchestrator) SetPause(paused bool) {
	o.pause.Toggle(paused)
}

// Paused reports the pause switch.
func (o *Orchestrator) Paused() bool {
	return o.pause.IsSet()
}

// RoundActive reports whether a repair round is in progress.
func (o *Orchestrator) RoundActive() bool {
	return o.registry.RoundActive()
}

// BeginRepairRound suspends every non-repair task and refuses new starts
// until EndRepairRound. It returns the number of suspended tasks.
func (o *Orchestrator) BeginRepairRound() (int, error) {
	n, err := o.registry.BeginRound()
	if err != nil {
		return 0, err
	}
	log.Info().Int("suspended", n).Msg("repair round begun")
	return n, nil
}

// EndRepairRound resumes the suspended tasks in their original start order.
// A failing resume is logged and does not prevent the others.
func (o *Orchestrator) EndRepairRound() error {
	err := o.registry.EndRound()
	if err != nil {
		log.Warn().Err(err).Msg("repair round ended with resume failures")
		return err
	}
	log.Info().Msg("repair round ended")
	return nil
}

// RunRepairRound begins a round, runs the connectivity repair routine under
// the repair scope, refreshes the pool and ends the round. The round is
// ended on every exit path.
func (o *Orchestrator) RunRepairRound(ctx context.Context) (report routine.RepairReport, err error) {
	if o.isClosed() {
		return report, ErrClosed
	}
	if _, err = o.BeginRepairRound(); err != nil {
		return report, err
	}
	defer func() {
		if endErr := o.EndRepairRound(); endErr != nil && err == nil {
			err = endErr
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.ctx, cancel)
	defer stop()

	key := registry.NewKey(registry.Repair(), routine.NameRepair)
	rctx, reg, err := o.registry.Open(ctx, key, nil, nil)
	if err != nil {
		return report, err
	}
	run := &taskRun{key: key, routine: routine.Routine{Name: routine.NameRepair}, reg: reg}
	o.track(run)
	o.metrics.TaskStarted(key.Scope.Kind.String())
	o.emit(o.taskEvent(run, event.StatusStarted))

	cfg := o.cfg.Repair
	cfg.Addrs = o.repairTargets()
	var res routine.Result
	report, res = routine.Repair(rctx, o.cfg.Device, o.waiter, cfg)
	o.finish(run, res)

	if refreshErr := o.devices.Refresh(ctx); refreshErr != nil {
		log.Warn().Err(refreshErr).Msg("refresh after repair failed")
	}
	if res.Outcome.Failed() {
		if res.Err == nil {
			return report, errors.Errorf("repair %s at step %q", res.Outcome, res.Step)
		}
		return report, errors.Wrapf(res.Err, "repair %s", res.Outcome)
	}
	return report, nil
}

// RepairNow runs a repair round and drops the report.
func (o *Orchestrator) RepairNow(ctx context.Context) error {
	_, err := o.RunRepairRound(ctx)
	return err
}

// repairTargets merges configured addresses with network devices the pool
// has seen, so a dropped emulator is reattached even if not configured.
func (o *Orchestrator) repairTargets() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" || !strings.Contains(addr, ":") {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for _, addr := range o.cfg.Repair.Addrs {
		add(addr)
	}
	for _, info := range o.devices.Snapshot() {
		add(info.DeviceSerial)
	}
	return out
}

// Refresh enumerates devices once.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	if o.isClosed() {
		return ErrClosed
	}
	return o.devices.Refresh(ctx)
}

// Start runs the refresh loop and, when configured, the periodic repair
// round until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	log.Info().Dur("refresh_interval", o.cfg.RefreshInterval).
		Dur("repair_interval", o.cfg.RepairInterval).Msg("start orchestrator")

	group, _ := NewSafeGroup(ctx)
	group.Go("device-refresh", func(ctx context.Context) error {
		o.every(ctx, o.cfg.RefreshInterval, true, func() {
			if err := o.Refresh(ctx); err != nil && !errors.Is(err, ErrClosed) {
				log.Error().Err(err).Msg("device refresh failed")
			}
		})
		return nil
	})
	if o.cfg.RepairInterval > 0 {
		group.Go("repair-round", func(ctx context.Context) error {
			o.every(ctx, o.cfg.RepairInterval, false, func() {
				report, err := o.RunRepairRound(ctx)
				if err != nil {
					log.Error().Err(err).Strs("failed", report.Failed).Msg("periodic repair round failed")
					return
				}
				log.Info().Strs("reconnected", report.Reconnected).Msg("periodic repair round done")
			})
			return nil
		})
	}
	return group.Wait()
}

func (o *Orchestrator) every(ctx context.Context, interval time.Duration, immediate bool, fn func()) {
	if immediate {
		fn()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.closed:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Close cancels every task, waits briefly for them to record their terminal
// state, then stops all workers. Close is idempotent.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		log.Info().Msg("closing orchestrator")
		close(o.closed)
		o.cancel()

		done := make(chan struct{})
		go func() {
			o.tasks.Wait()
			close(done)
		}()
		timer := time.NewTimer(closeTimeout)
		select {
		case <-done:
		case <-timer.C:
			log.Warn().Dur("timeout", closeTimeout).Msg("tasks still running at close")
		}
		timer.Stop()

		o.devices.Close()
		// actions discarded by stopped workers never ran
		for _, run := range o.pendingRuns() {
			o.finish(run, routine.Result{Routine: run.routine.Name, Outcome: routine.Stopped})
		}

		o.eventsMu.Lock()
		o.eventsClosed = true
		close(o.events)
		o.eventsMu.Unlock()
		<-o.eventsDone
	})
	return nil
}

func (o *Orchestrator) isClosed() bool {
	select {
	case <-o.closed:
		return true
	default:
		return false
	}
}
