// Package event carries the domain events the scheduler engine fans out to
// side-channel consumers: logs, metrics, the task history sink and any
// configured message bus. Observers are capability-only; nothing in the
// engine depends on what they do with an event.
package event

import (
	"time"

	"github.com/xdevelsistemas/chronos/internal/chronos/job"
)

type Type string

const (
	JobRegistered       Type = "JOB_REGISTERED"
	JobStarted          Type = "JOB_STARTED"
	JobFinished         Type = "JOB_FINISHED"
	JobFailed           Type = "JOB_FAILED"
	JobRetriesExhausted Type = "JOB_RETRIES_EXHAUSTED"
	JobDisabled         Type = "JOB_DISABLED"
	JobSkipped          Type = "JOB_SKIPPED"
	JobRemoved          Type = "JOB_REMOVED"
)

// Event describes one domain occurrence. Job may be nil for events about
// tasks whose job is no longer known (e.g. a kill racing a deregistration);
// JobName is always set.
type Event struct {
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	JobName string    `json:"jobName"`
	Job     *job.Job  `json:"job,omitempty"`
	TaskID  string    `json:"taskId,omitempty"`
	Attempt int       `json:"attempt"`
	SlaveID string    `json:"slaveId,omitempty"`
	Message string    `json:"message,omitempty"`
	// TaskState mirrors the resource manager's state string for
	// history-sink consumers; empty for purely internal events.
	TaskState string `json:"taskState,omitempty"`
	// Failure marks terminal failure states for the history sink.
	Failure bool `json:"failure,omitempty"`
}

// Observer consumes domain events. Implementations must tolerate concurrent
// calls and should never block the scheduler for long.
type Observer interface {
	Observe(e Event) error
}
