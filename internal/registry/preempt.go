package registry

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Phase is the preemption controller state.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseSuspending    Phase = "suspending"
	PhaseRepairRunning Phase = "repair_running"
	PhaseResuming      Phase = "resuming"
)

func (p Phase) blocksStarts() bool {
	return p == PhaseSuspending || p == PhaseRepairRunning
}

type suspended struct {
	key    Key
	resume ResumeFunc
}

// Phase returns the current controller phase.
func (r *Registry) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// RoundActive reports whether non-repair starts are currently refused.
func (r *Registry) RoundActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase.blocksStarts()
}

// BeginRound cancels every live non-repair registration and records the
// resume callbacks of those that have one, in start order. From this point
// until EndRound every non-repair Register is refused.
func (r *Registry) BeginRound() (int, error) {
	r.mu.Lock()
	if r.phase != PhaseIdle {
		phase := r.phase
		r.mu.Unlock()
		return 0, errors.Wrapf(ErrRoundInProgress, "phase %s", phase)
	}
	r.phase = PhaseSuspending
	r.rounds++
	round := r.rounds

	var suspendedKeys []Key
	for _, reg := range r.orderedLocked() {
		if reg.Key.Scope.Kind == ScopeRepair {
			continue
		}
		reg.cancel()
		delete(r.entries, reg.Key)
		suspendedKeys = append(suspendedKeys, reg.Key)
		if reg.resume != nil {
			r.resumes = append(r.resumes, suspended{key: reg.Key, resume: reg.resume})
		}
	}
	resumable := len(r.resumes)
	live := len(r.entries)
	r.phase = PhaseRepairRunning
	r.mu.Unlock()

	r.metrics.RepairRoundStarted()
	r.metrics.SetLiveRegistrations(live)
	log.Info().Uint64("round", round).Int("suspended", len(suspendedKeys)).
		Int("resumable", resumable).Msg("repair round started")
	return len(suspendedKeys), nil
}

// EndRound lifts the refusal and invokes the recorded resume callbacks in
// the order they were recorded, outside the lock. A failing or panicking
// callback is logged and does not stop the others. Calling EndRound when
// no round is active is a no-op.
func (r *Registry) EndRound() error {
	r.mu.Lock()
	if r.phase == PhaseIdle {
		r.mu.Unlock()
		return nil
	}
	r.phase = PhaseResuming
	resumes := r.resumes
	r.resumes = nil
	round := r.rounds
	r.mu.Unlock()

	failed := 0
	for _, s := range resumes {
		if err := invokeResume(s); err != nil {
			failed++
			log.Error().Err(err).Uint64("round", round).Str("key", s.key.String()).
				Msg("resume suspended task failed")
		}
	}

	r.mu.Lock()
	r.phase = PhaseIdle
	r.mu.Unlock()

	log.Info().Uint64("round", round).Int("resumed", len(resumes)-failed).
		Int("failed", failed).Msg("repair round finished")
	if failed > 0 {
		return errors.Errorf("%d of %d resume callbacks failed", failed, len(resumes))
	}
	return nil
}

func invokeResume(s suspended) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("resume panic: %v", rec)
		}
	}()
	return s.resume()
}
