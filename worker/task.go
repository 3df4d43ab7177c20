package worker

import (
	"time"

	"github.com/zero-day-ai/probegrid/finding"
	"github.com/zero-day-ai/probegrid/probe"
	"github.com/zero-day-ai/probegrid/scanerr"
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Task is one probe execution against one target.
type Task struct {
	ID       string        `json:"id"`
	TargetID string        `json:"target_id"`
	Probe    string        `json:"probe"`
	Payload  string        `json:"payload"`
	Timeout  time.Duration `json:"timeout"`
	State    State         `json:"state"`
}

// Outcome is the result of running a Task.
type Outcome struct {
	TaskID    string           `json:"task_id"`
	Probe     string           `json:"probe"`
	WorkerID  string           `json:"worker_id"`
	State     State            `json:"state"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at"`
	Verdict   probe.Verdict    `json:"verdict"`
	Finding   *finding.Finding `json:"finding,omitempty"`
	ErrorKind scanerr.Kind     `json:"error_kind,omitempty"`
	Error     string           `json:"error,omitempty"`

	// Err is the underlying failure; it is not serialized.
	Err error `json:"-"`
}

// Duration returns how long the task ran.
func (o Outcome) Duration() time.Duration {
	return o.EndedAt.Sub(o.StartedAt)
}

// Failed reports whether the task did not complete.
func (o Outcome) Failed() bool {
	return o.State == StateFailed
}

// Clone returns a copy of o that shares no memory with it.
func (o Outcome) Clone() Outcome {
	if o.Finding != nil {
		f := *o.Finding
		o.Finding = &f
	}
	return o
}
