package event

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// LogObserver writes a structured log line per domain event.
type LogObserver struct{}

func (LogObserver) Observe(e Event) error {
	entry := log.WithFields(log.Fields{
		"event":   e.Type,
		"job":     e.JobName,
		"taskId":  e.TaskID,
		"attempt": e.Attempt,
	})
	switch e.Type {
	case JobFailed, JobRetriesExhausted, JobDisabled:
		entry.Warn(e.Message)
	default:
		entry.Info(e.Message)
	}
	return nil
}

func errorsFromPanic(r interface{}) error {
	if err, ok := r.(error); ok {
		return errors.Wrap(err, "observer panicked")
	}
	return errors.Errorf("observer panicked: %v", r)
}
