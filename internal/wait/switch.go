package wait

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Switch is the global pause flag. It never cancels anything: it only stalls
// the elapsed-time accounting of waits that observe it.
type Switch struct {
	paused atomic.Bool
	notify atomic.Pointer[func(bool)]
}

// NewSwitch returns a cleared pause switch.
func NewSwitch() *Switch {
	return &Switch{}
}

// Set pauses all cooperative waits sharing this switch.
func (s *Switch) Set() {
	if s == nil {
		return
	}
	if s.paused.CompareAndSwap(false, true) {
		log.Info().Msg("global pause enabled")
		s.fire(true)
	}
}

// Clear resumes waits stalled by Set.
func (s *Switch) Clear() {
	if s == nil {
		return
	}
	if s.paused.CompareAndSwap(true, false) {
		log.Info().Msg("global pause cleared")
		s.fire(false)
	}
}

// Toggle sets or clears the switch.
func (s *Switch) Toggle(paused bool) {
	if paused {
		s.Set()
		return
	}
	s.Clear()
}

// IsSet reports whether the switch is currently set. A nil switch is never set.
func (s *Switch) IsSet() bool {
	if s == nil {
		return false
	}
	return s.paused.Load()
}

// OnChange installs a callback invoked after every state transition.
func (s *Switch) OnChange(fn func(paused bool)) {
	if s == nil {
		return
	}
	if fn == nil {
		s.notify.Store(nil)
		return
	}
	s.notify.Store(&fn)
}

func (s *Switch) fire(paused bool) {
	if fn := s.notify.Load(); fn != nil {
		(*fn)(paused)
	}
}
