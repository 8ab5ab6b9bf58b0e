// Package event 定义任务生命周期事件，供各类 recorder 共享。
package event

import "time"

// Status 是任务事件的状态。
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
	StatusRefused   Status = "refused"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s != StatusStarted
}

// Task 描述一次任务实例的状态变化。
type Task struct {
	RunID      string        `json:"run_id"`
	Key        string        `json:"key"`
	Scope      string        `json:"scope"`
	Task       string        `json:"task"`
	Serial     string        `json:"serial,omitempty"`
	Routine    string        `json:"routine,omitempty"`
	Status     Status        `json:"status"`
	Outcome    string        `json:"outcome,omitempty"`
	Step       string        `json:"step,omitempty"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	Host       string        `json:"host,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns,omitempty"`
}
