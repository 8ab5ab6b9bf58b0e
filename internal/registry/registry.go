// Package registry 负责任务注册、作用域互斥以及修复轮次的抢占与恢复。
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/EmuAgent/internal/metrics"
)

// ResumeFunc restarts a task that a repair round suspended.
type ResumeFunc func() error

// Registration is one live task. It is owned by the registry; the running
// routine keeps a pointer so it can Release exactly its own entry.
type Registration struct {
	Key     Key
	RunID   string
	Handle  any
	Started time.Time

	seq    uint64
	cancel context.CancelFunc
	resume ResumeFunc
}

// Seq is the monotonically increasing start order.
func (r *Registration) Seq() uint64 { return r.seq }

// Resumable reports whether a repair round can restart this task.
func (r *Registration) Resumable() bool { return r.resume != nil }

// Registry maps scope keys to live registrations. A single coarse lock
// guards the map together with the repair-round state.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*Registration
	seq     uint64

	phase   Phase
	resumes []suspended
	rounds  uint64

	metrics *metrics.Metrics
	now     func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithMetrics reports registration counts and refusals.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New returns an empty registry in the idle phase.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[Key]*Registration),
		phase:   PhaseIdle,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register records a live task under key. Every conflicting live
// registration has its cancel func invoked and is replaced. While a repair
// round is active every non-repair key is refused with *RefusedError.
func (r *Registry) Register(key Key, cancel context.CancelFunc, resume ResumeFunc, handle any) (*Registration, error) {
	if cancel == nil {
		cancel = func() {}
	}

	r.mu.Lock()
	if r.phase.blocksStarts() && key.Scope.Kind != ScopeRepair {
		phase := r.phase
		r.mu.Unlock()
		r.metrics.StartRefused()
		log.Warn().Str("key", key.String()).Str("phase", string(phase)).
			Msg("task start refused during repair round")
		return nil, &RefusedError{Key: key, Reason: ErrRepairRoundActive}
	}

	var displaced []Key
	for k, existing := range r.entries {
		if !Conflicts(existing.Key.Scope, key.Scope) {
			continue
		}
		existing.cancel()
		delete(r.entries, k)
		displaced = append(displaced, k)
	}

	r.seq++
	reg := &Registration{
		Key:     key,
		RunID:   uuid.NewString(),
		Handle:  handle,
		Started: r.now(),
		seq:     r.seq,
		cancel:  cancel,
		resume:  resume,
	}
	r.entries[key] = reg
	live := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetLiveRegistrations(live)
	for _, k := range displaced {
		log.Info().Str("key", k.String()).Str("by", key.String()).Msg("task displaced by conflicting start")
	}
	return reg, nil
}

// Open derives a cancellable context from parent and registers it. The
// derived context is cancelled if the registration is refused.
func (r *Registry) Open(parent context.Context, key Key, resume ResumeFunc, handle any) (context.Context, *Registration, error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	reg, err := r.Register(key, cancel, resume, handle)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return ctx, reg, nil
}

// Unregister removes the entry for key if present. It never cancels.
func (r *Registry) Unregister(key Key) bool {
	r.mu.Lock()
	_, ok := r.entries[key]
	delete(r.entries, key)
	live := len(r.entries)
	r.mu.Unlock()
	if ok {
		r.metrics.SetLiveRegistrations(live)
	}
	return ok
}

// Release removes reg only if it is still the live entry for its key, so a
// displaced routine finishing late cannot evict its successor. The
// registration's own context is always cancelled.
func (r *Registry) Release(reg *Registration) bool {
	if reg == nil {
		return false
	}
	defer reg.cancel()
	r.mu.Lock()
	current, ok := r.entries[reg.Key]
	if ok && current == reg {
		delete(r.entries, reg.Key)
	} else {
		ok = false
	}
	live := len(r.entries)
	r.mu.Unlock()
	if ok {
		r.metrics.SetLiveRegistrations(live)
	}
	return ok
}

// Cancel cancels and removes the entry for key. It reports whether one existed.
func (r *Registry) Cancel(key Key) bool {
	r.mu.Lock()
	reg, ok := r.entries[key]
	if ok {
		reg.cancel()
		delete(r.entries, key)
	}
	live := len(r.entries)
	r.mu.Unlock()
	if ok {
		r.metrics.SetLiveRegistrations(live)
	}
	return ok
}

// IsRunning reports whether key has a live registration.
func (r *Registry) IsRunning(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Lookup returns the live registration for key.
func (r *Registry) Lookup(key Key) (*Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[key]
	return reg, ok
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entry is a read-only view of a registration.
type Entry struct {
	Key       Key
	RunID     string
	Started   time.Time
	Resumable bool
}

// Snapshot lists live registrations in start order.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	list := r.orderedLocked()
	r.mu.Unlock()
	out := make([]Entry, 0, len(list))
	for _, reg := range list {
		out = append(out, Entry{Key: reg.Key, RunID: reg.RunID, Started: reg.Started, Resumable: reg.resume != nil})
	}
	return out
}

func (r *Registry) orderedLocked() []*Registration {
	list := make([]*Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		list = append(list, reg)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}
