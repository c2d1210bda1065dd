package scheduler

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xdevelsistemas/chronos/internal/chronos/event"
	"github.com/xdevelsistemas/chronos/internal/chronos/job"
	"github.com/xdevelsistemas/chronos/internal/chronos/metrics"
	"github.com/xdevelsistemas/chronos/internal/chronos/schedule"
)

// Run drives the periodic horizon iterations until the context is
// cancelled or Stop is called. Iteration and sleep alternate; the sleep
// happens outside the critical section.
func (e *Engine) Run(ctx context.Context) {
	e.running.Store(true)
	log.Info("scheduler run loop starting")
	defer log.Info("scheduler run loop stopped")
	for e.running.Load() {
		start := e.clock.Now()
		e.Iterate(start)
		metrics.IterationDuration.Observe(e.clock.Since(start).Seconds())
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(e.config.ScheduleHorizon):
		}
	}
}

// Iterate runs a single horizon iteration against now. The run loop calls
// it once per cycle. Job updates run the same iteration (iterationLocked)
// under the lock they already hold, so a newly due firing does not wait
// out a full horizon.
func (e *Engine) Iterate(now time.Time) {
	var events []event.Event
	e.mu.Lock()
	e.streams = e.iterationLocked(now, e.streams, &events)
	e.mu.Unlock()
	e.fanout.Publish(events...)
}

// Stop halts the run loop after its current cycle.
func (e *Engine) Stop() {
	e.running.Store(false)
}

// iterationLocked advances every stream against a single now and returns
// the survivors. Each stream yields at most one task per iteration; missed
// firings are consumed inside nextTask. Whenever a stream advanced, the
// owning job's schedule is rewritten to the new head expression so that
// persisted state and stream state stay coherent.
func (e *Engine) iterationLocked(now time.Time, streams []*schedule.Stream, events *[]event.Event) []*schedule.Stream {
	surviving := make([]*schedule.Stream, 0, len(streams))
	for _, s := range streams {
		task, next := e.nextTaskLocked(now, s, events)
		if task != nil {
			delay := task.Due.Sub(now)
			if delay < 0 {
				delay = 0
			}
			if err := e.tasks.ScheduleTask(task, delay, task.Job.HighPriority); err != nil {
				log.WithError(err).Errorf("error scheduling task %s", task.ID)
			}
		}
		if next == nil {
			continue
		}
		surviving = append(surviving, next)
		if next.Expr != s.Expr {
			e.rewriteScheduleLocked(next)
		}
	}
	return surviving
}

// nextTaskLocked is the decision kernel for one stream. It returns the
// task to schedule (nil when none) and the stream to keep (nil when the
// stream is forgotten). Missed firings are skipped tail-recursively so a
// long-stopped schedule catches up in one call.
func (e *Engine) nextTaskLocked(now time.Time, s *schedule.Stream, events *[]event.Event) (*job.ScheduledTask, *schedule.Stream) {
	for {
		j, ok := e.graph.LookupVertex(s.JobName)
		if !ok {
			// The job is gone; its stream goes with it.
			return nil, nil
		}
		head, err := s.Head()
		if err != nil {
			log.WithError(err).Warnf("unparseable schedule for job %s, keeping stream", s.JobName)
			return nil, s
		}
		if head.Recurrences == 0 {
			// Exhausted. The vertex itself stays: a pending task may still
			// fire and its completion drives the deferred disable.
			return nil, nil
		}
		windowBegin := now.Add(-j.Epsilon)
		windowEnd := now.Add(e.config.ScheduleHorizon)
		nextFire := head.Start
		if !nextFire.Before(windowBegin) && nextFire.Before(windowEnd) {
			tail, err := s.Tail()
			if err != nil {
				log.WithError(err).Warnf("unparseable schedule for job %s, keeping stream", s.JobName)
				return nil, s
			}
			return job.NewScheduledTask(j, nextFire, 0), tail
		}
		if !nextFire.Before(now) {
			// Not yet time.
			return nil, s
		}
		// Missed firing: outside the epsilon window and in the past.
		*events = append(*events, event.Event{
			Type:    event.JobSkipped,
			Time:    now,
			JobName: j.Name,
			Job:     j,
			Message: fmt.Sprintf("firing at %s missed the epsilon window", nextFire.Format(time.RFC3339)),
		})
		tail, err := s.Tail()
		if err != nil || tail == nil {
			return nil, nil
		}
		s = tail
	}
}

// rewriteScheduleLocked persists the advanced head expression onto the job.
func (e *Engine) rewriteScheduleLocked(s *schedule.Stream) {
	j, ok := e.graph.LookupVertex(s.JobName)
	if !ok || !j.IsScheduleBased() || j.Schedule == s.Expr {
		return
	}
	updated := j.DeepCopy()
	updated.Schedule = s.Expr
	if err := e.replaceJobLocked(j, updated); err != nil {
		log.WithError(err).Errorf("error persisting advanced schedule of job %s", j.Name)
	}
}
