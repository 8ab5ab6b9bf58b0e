// Package routine 实现基于步骤表的自动化例程解释器：截图、匹配、操作、等待与决策。
package routine

import (
	"time"

	"github.com/httprunner/EmuAgent/internal/control"
)

// Outcome is the terminal state of one routine run.
type Outcome int

const (
	Completed Outcome = iota
	// Stopped means the cancellation flag was observed. It is not an error.
	Stopped
	// TransportFailed means a device call exhausted its retry budget.
	TransportFailed
	// MatchMissed means no template was accepted within the attempt budget,
	// recovery included.
	MatchMissed
	// TimedOut means a wait-until step reached its ceiling with a fail policy.
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Stopped:
		return "stopped"
	case TransportFailed:
		return "transport_failed"
	case MatchMissed:
		return "match_missed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Failed reports whether the outcome is a failure after retries.
func (o Outcome) Failed() bool {
	return o == TransportFailed || o == MatchMissed || o == TimedOut
}

// Result is what a routine reports back to its task.
type Result struct {
	Routine  string
	Outcome  Outcome
	Step     string
	Attempts int
	Err      error
	Elapsed  time.Duration
}

// Status renders a short human readable status line.
func (r Result) Status() string {
	switch r.Outcome {
	case Completed:
		return r.Routine + " completed"
	case Stopped:
		return r.Routine + " stopped at " + r.Step
	default:
		msg := r.Routine + " " + r.Outcome.String() + " at " + r.Step
		if r.Err != nil {
			msg += ": " + r.Err.Error()
		}
		return msg
	}
}

// Template is one candidate image with its own acceptance threshold. A
// step's first template is the primary, the rest are fallbacks tried in
// order; thresholds are never merged.
type Template struct {
	ID        string          `yaml:"id"`
	Threshold float64         `yaml:"threshold"`
	Region    *control.Region `yaml:"region,omitempty"`
}

// ActionKind selects what a step does once its templates matched.
type ActionKind string

const (
	ActNone     ActionKind = ""
	ActTapMatch ActionKind = "tap_match"
	ActTap      ActionKind = "tap"
	ActSwipe    ActionKind = "swipe"
	ActText     ActionKind = "text"
	ActKey      ActionKind = "key"
)

// Action is the act part of a step.
type Action struct {
	Kind     ActionKind      `yaml:"kind"`
	X        int             `yaml:"x,omitempty"`
	Y        int             `yaml:"y,omitempty"`
	X2       int             `yaml:"x2,omitempty"`
	Y2       int             `yaml:"y2,omitempty"`
	OffsetX  int             `yaml:"offset_x,omitempty"`
	OffsetY  int             `yaml:"offset_y,omitempty"`
	Duration time.Duration   `yaml:"duration,omitempty"`
	Text     string          `yaml:"text,omitempty"`
	Key      control.KeyCode `yaml:"key,omitempty"`
}

// TimeoutPolicy is the explicit branch taken when a wait-until step times out.
type TimeoutPolicy string

const (
	TimeoutFail     TimeoutPolicy = "fail"
	TimeoutContinue TimeoutPolicy = "continue"
)

// UntilPolicy polls until a template appears (or disappears when Absent).
type UntilPolicy struct {
	Templates    []Template    `yaml:"templates"`
	Absent       bool          `yaml:"absent,omitempty"`
	Interval     time.Duration `yaml:"interval"`
	Ceiling      time.Duration `yaml:"ceiling"`
	CeilingParam string        `yaml:"ceiling_param,omitempty"`
	OnTimeout    TimeoutPolicy `yaml:"on_timeout,omitempty"`
}

// MissPolicy is applied when no template of a step is accepted.
type MissPolicy string

const (
	// MissRetry retries the step, escalating to Recover when set.
	MissRetry MissPolicy = "retry"
	// MissSkip treats the step as optional.
	MissSkip MissPolicy = "skip"
	// MissFail ends the routine with MatchMissed at once.
	MissFail MissPolicy = "fail"
)

// Step is one capture, match, act, decide unit.
type Step struct {
	Name            string        `yaml:"name"`
	Templates       []Template    `yaml:"templates,omitempty"`
	Act             Action        `yaml:"act,omitempty"`
	After           time.Duration `yaml:"after,omitempty"`
	AfterParam      string        `yaml:"after_param,omitempty"`
	Attempts        int           `yaml:"attempts,omitempty"`
	RetryDelay      time.Duration `yaml:"retry_delay,omitempty"`
	CaptureAttempts int           `yaml:"capture_attempts,omitempty"`
	CaptureDelay    time.Duration `yaml:"capture_delay,omitempty"`
	Until           *UntilPolicy  `yaml:"until,omitempty"`
	OnMiss          MissPolicy    `yaml:"on_miss,omitempty"`
	Recover         string        `yaml:"recover,omitempty"`
}

// Routine is a named step table.
type Routine struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Steps       []Step `yaml:"steps"`
	// Repeat runs the whole table this many times; RepeatParam overrides it
	// from the device parameter bundle.
	Repeat      int    `yaml:"repeat,omitempty"`
	RepeatParam string `yaml:"repeat_param,omitempty"`
}

const (
	defaultAttempts        = 3
	defaultRetryDelay      = time.Second
	defaultCaptureAttempts = 3
	defaultCaptureDelay    = 500 * time.Millisecond
	defaultUntilInterval   = 2 * time.Second
	defaultUntilCeiling    = 180 * time.Second
	maxRecoveryDepth       = 2
)

func (s Step) attempts() int {
	if s.Attempts > 0 {
		return s.Attempts
	}
	return defaultAttempts
}

func (s Step) retryDelay() time.Duration {
	if s.RetryDelay > 0 {
		return s.RetryDelay
	}
	return defaultRetryDelay
}

func (s Step) captureAttempts() int {
	if s.CaptureAttempts > 0 {
		return s.CaptureAttempts
	}
	return defaultCaptureAttempts
}

func (s Step) captureDelay() time.Duration {
	if s.CaptureDelay > 0 {
		return s.CaptureDelay
	}
	return defaultCaptureDelay
}

func (s Step) missPolicy() MissPolicy {
	if s.OnMiss == "" {
		return MissRetry
	}
	return s.OnMiss
}
