package scheduler

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xdevelsistemas/chronos/internal/chronos/driver"
	"github.com/xdevelsistemas/chronos/internal/chronos/event"
	"github.com/xdevelsistemas/chronos/internal/chronos/job"
	"github.com/xdevelsistemas/chronos/internal/chronos/metrics"
	"github.com/xdevelsistemas/chronos/internal/chronos/schedule"
)

// HandleStatusUpdate dispatches one inbound status update from the
// resource-manager driver. Updates are applied in arrival order; a
// malformed or stale task id drops the update without touching state.
func (e *Engine) HandleStatusUpdate(status driver.TaskStatus) {
	switch status.State {
	case driver.TaskRunning:
		e.handleStartedTask(status)
	case driver.TaskFinished:
		e.handleFinishedTask(status, nil)
	case driver.TaskFailed, driver.TaskLost:
		e.handleFailedTask(status)
	case driver.TaskKilled:
		e.handleKilledTask(status)
	default:
		log.Warnf("unknown task state %q for task %s", status.State, status.TaskID)
	}
}

func (e *Engine) handleStartedTask(status driver.TaskStatus) {
	id, err := job.ParseTaskID(status.TaskID)
	if err != nil {
		log.Debugf("dropping started update with bad task id %s", status.TaskID)
		return
	}
	var events []event.Event
	e.mu.Lock()
	j, ok := e.graph.LookupVertex(id.JobName)
	if ok {
		events = append(events, taskEvent(event.JobStarted, e.clock.Now(), j, status, id.Attempt))
		if j.IsDependencyBased() {
			e.graph.ResetDependencyInvocations(j.Name)
		}
	}
	e.mu.Unlock()
	e.fanout.Publish(events...)
}

// HandleFinishedTask records a success: counters, latency, dependent
// launches, and the deferred disable of schedules whose recurrences have
// run out. taskDate overrides the completion instant stamped into
// dependent task ids; callers without one pass nil.
func (e *Engine) HandleFinishedTask(status driver.TaskStatus, taskDate *time.Time) {
	e.handleFinishedTask(status, taskDate)
}

func (e *Engine) handleFinishedTask(status driver.TaskStatus, taskDate *time.Time) {
	id, err := job.ParseTaskID(status.TaskID)
	if err != nil {
		log.Debugf("dropping finished update with bad task id %s", status.TaskID)
		return
	}
	var events []event.Event
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		e.fanout.Publish(events...)
	}()
	j, ok := e.graph.LookupVertex(id.JobName)
	if !ok {
		return
	}
	now := e.clock.Now()
	metrics.TaskLatency.WithLabelValues(j.Name).Observe(now.Sub(id.Due).Seconds())
	if err := e.tasks.RemoveTask(status.TaskID); err != nil {
		log.WithError(err).Warnf("error disposing task %s", status.TaskID)
	}
	events = append(events, taskEvent(event.JobFinished, now, j, status, id.Attempt))

	updated := j.DeepCopy()
	updated.SuccessCount++
	updated.ErrorsSinceLastSuccess = 0
	updated.LastSuccess = now
	if err := e.replaceJobLocked(j, updated); err != nil {
		log.WithError(err).Errorf("error persisting success of job %s", j.Name)
	}

	date := now
	if taskDate != nil {
		date = *taskDate
	}
	e.processDependenciesLocked(updated.Name, date)

	if updated.IsScheduleBased() && !updated.Disabled {
		head, err := schedule.Parse(updated.Schedule, updated.ScheduleTimeZone)
		if err == nil && head.Recurrences == 0 {
			disabled := updated.DeepCopy()
			disabled.Disabled = true
			events = append(events, event.Event{
				Type:    event.JobDisabled,
				Time:    now,
				JobName: disabled.Name,
				Job:     disabled,
				Message: fmt.Sprintf("job %s has exhausted all of its recurrences", disabled.Name),
			})
			if err := e.replaceJobLocked(updated, disabled); err != nil {
				log.WithError(err).Errorf("error persisting disable of job %s", disabled.Name)
			}
		}
	}
}

// handleFailedTask applies the retry/disable policy. A retry is only
// scheduled for a job that has never failed before or has succeeded since
// its last failure; a job that failed and never recovered goes straight to
// the error-count path. This mirrors the upstream behaviour exactly, even
// though it means such a job cannot retry again until a success lands.
func (e *Engine) handleFailedTask(status driver.TaskStatus) {
	id, err := job.ParseTaskID(status.TaskID)
	if err != nil {
		log.Debugf("dropping failed update with bad task id %s", status.TaskID)
		return
	}
	var events []event.Event
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		e.fanout.Publish(events...)
	}()
	j, ok := e.graph.LookupVertex(id.JobName)
	if !ok {
		return
	}
	now := e.clock.Now()
	if err := e.tasks.RemoveTask(status.TaskID); err != nil {
		log.WithError(err).Warnf("error disposing task %s", status.TaskID)
	}
	events = append(events, failureEvent(event.JobFailed, now, j, status, id.Attempt))

	hasAttemptsLeft := id.Attempt < j.Retries
	hadRecentSuccess := !j.LastError.IsZero() && !j.LastSuccess.IsZero() && !j.LastSuccess.Before(j.LastError)
	if hasAttemptsLeft && (j.LastError.IsZero() || hadRecentSuccess) {
		due := now.Add(e.config.FailureRetryDelay)
		retry := job.NewScheduledTask(j, due, id.Attempt+1)
		log.Infof("rescheduling task of job %s at %s, attempt %d", j.Name, due.Format(time.RFC3339), id.Attempt+1)
		if err := e.tasks.ScheduleTask(retry, e.config.FailureRetryDelay, j.HighPriority); err != nil {
			log.WithError(err).Errorf("error scheduling retry for job %s", j.Name)
		}
		return
	}

	disableJob := e.config.DisableAfterFailures > 0 &&
		j.ErrorsSinceLastSuccess+1 >= e.config.DisableAfterFailures
	updated := j.DeepCopy()
	updated.ErrorCount++
	updated.ErrorsSinceLastSuccess++
	updated.LastError = now
	if disableJob {
		updated.Disabled = true
	}
	if err := e.updateJobLocked(j, updated, &events); err != nil {
		log.WithError(err).Errorf("error persisting failure of job %s", j.Name)
	}
	if updated.SoftError {
		// Soft errors still release dependents.
		e.processDependenciesLocked(updated.Name, now)
	}
	if disableJob {
		events = append(events, event.Event{
			Type:    event.JobDisabled,
			Time:    now,
			JobName: updated.Name,
			Job:     updated,
			Message: fmt.Sprintf("job %s failed %d consecutive times and was disabled", updated.Name, updated.ErrorsSinceLastSuccess),
		})
	} else {
		events = append(events, event.Event{
			Type:    event.JobRetriesExhausted,
			Time:    now,
			JobName: updated.Name,
			Job:     updated,
			TaskID:  status.TaskID,
			Attempt: id.Attempt,
		})
	}
}

// handleKilledTask only observes; a kill changes no job state.
func (e *Engine) handleKilledTask(status driver.TaskStatus) {
	id, err := job.ParseTaskID(status.TaskID)
	if err != nil {
		log.Debugf("dropping killed update with bad task id %s", status.TaskID)
		return
	}
	var events []event.Event
	e.mu.Lock()
	if err := e.tasks.RemoveTask(status.TaskID); err != nil {
		log.WithError(err).Warnf("error disposing task %s", status.TaskID)
	}
	now := e.clock.Now()
	if j, ok := e.graph.LookupVertex(id.JobName); ok {
		events = append(events, failureEvent(event.JobFailed, now, j, status, id.Attempt))
	} else {
		events = append(events, event.Event{
			Type:    event.JobFailed,
			Time:    now,
			JobName: id.JobName,
			TaskID:  status.TaskID,
			Attempt: id.Attempt,
			SlaveID: status.SlaveID,
			Message: status.Message,
			Failure: true,
		})
	}
	e.mu.Unlock()
	e.fanout.Publish(events...)
}

// processDependenciesLocked launches every child whose parents have all
// completed this round, stamping the parent's completion date into the
// child's task id.
func (e *Engine) processDependenciesLocked(jobName string, date time.Time) {
	for _, childName := range e.graph.ExecutableChildren(jobName) {
		child, ok := e.graph.LookupVertex(childName)
		if !ok || child.Disabled {
			continue
		}
		task := job.NewScheduledTask(child, date, 0)
		if err := e.tasks.ScheduleTask(task, 0, child.HighPriority); err != nil {
			log.WithError(err).Errorf("error scheduling dependent job %s", childName)
			continue
		}
		e.graph.ResetDependencyInvocations(childName)
	}
}

func taskEvent(t event.Type, now time.Time, j *job.Job, status driver.TaskStatus, attempt int) event.Event {
	return event.Event{
		Type:      t,
		Time:      now,
		JobName:   j.Name,
		Job:       j,
		TaskID:    status.TaskID,
		Attempt:   attempt,
		SlaveID:   status.SlaveID,
		Message:   status.Message,
		TaskState: string(status.State),
	}
}

func failureEvent(t event.Type, now time.Time, j *job.Job, status driver.TaskStatus, attempt int) event.Event {
	e := taskEvent(t, now, j, status, attempt)
	e.Failure = true
	return e
}
