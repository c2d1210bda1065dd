package metrics

import (
	"github.com/xdevelsistemas/chronos/internal/chronos/event"
)

// Observer feeds the prometheus instruments from domain events.
type Observer struct{}

func (Observer) Observe(e event.Event) error {
	switch e.Type {
	case event.JobStarted:
		TasksFired.WithLabelValues(e.JobName).Inc()
	case event.JobFailed:
		TasksFailed.WithLabelValues(e.JobName).Inc()
	case event.JobSkipped:
		TasksSkipped.WithLabelValues(e.JobName).Inc()
	case event.JobDisabled:
		JobsDisabled.Inc()
	}
	return nil
}
