// Package scheduler contains the scheduling engine: the live set of
// schedule streams, the horizon iteration that turns them into tasks, and
// the task-status handlers that drive retries, dependencies and the
// disable policy.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/xdevelsistemas/chronos/internal/chronos/event"
	"github.com/xdevelsistemas/chronos/internal/chronos/graph"
	"github.com/xdevelsistemas/chronos/internal/chronos/job"
	"github.com/xdevelsistemas/chronos/internal/chronos/repository"
	"github.com/xdevelsistemas/chronos/internal/chronos/schedule"
)

var ErrNotLeader = errors.New("not leader")

// Config holds the engine's scheduling policy knobs.
type Config struct {
	// ScheduleHorizon is the look-ahead window within which firings are
	// materialized as tasks, and the sleep between iterations.
	ScheduleHorizon time.Duration
	// FailureRetryDelay is how long after a failure a retry attempt runs.
	FailureRetryDelay time.Duration
	// DisableAfterFailures disables a job once its consecutive failures
	// reach this count; zero turns the policy off.
	DisableAfterFailures int64
}

// TaskSink is the engine's view of the task manager.
type TaskSink interface {
	ScheduleTask(task *job.ScheduledTask, delay time.Duration, highPriority bool) error
	CancelTasks(jobName string) error
	RemoveTask(taskID string) error
	Flush() error
}

// Engine owns the stream list and arbitrates every mutation of the job
// graph and the persisted state. A single mutex serializes the run loop,
// registration calls and status callbacks; the atomic running/leader flags
// are read without it.
type Engine struct {
	mu      sync.Mutex
	config  Config
	clock   clock.Clock
	graph   *graph.JobGraph
	streams []*schedule.Stream
	jobs    repository.JobRepository
	tasks   TaskSink
	fanout  *event.Fanout

	running atomic.Bool
	leader  atomic.Bool
}

func NewEngine(config Config, c clock.Clock, jobs repository.JobRepository, tasks TaskSink, fanout *event.Fanout) *Engine {
	return &Engine{
		config: config,
		clock:  c,
		graph:  graph.New(),
		jobs:   jobs,
		tasks:  tasks,
		fanout: fanout,
	}
}

func (e *Engine) Graph() *graph.JobGraph { return e.graph }

func (e *Engine) IsLeader() bool  { return e.leader.Load() }
func (e *Engine) IsRunning() bool { return e.running.Load() }

func (e *Engine) setLeader(leader bool) { e.leader.Store(leader) }

// RegisterJobs admits a batch of jobs: vertices and edges into the graph,
// write-through persistence, and a fresh stream per enabled schedule-based
// job. Refused on non-leaders: only the leader may mutate the job set.
func (e *Engine) RegisterJobs(jobs []*job.Job, persist bool, now time.Time) error {
	if !e.leader.Load() {
		return ErrNotLeader
	}
	var events []event.Event
	e.mu.Lock()
	err := e.registerJobsLocked(jobs, persist, now, &events)
	e.mu.Unlock()
	e.fanout.Publish(events...)
	return err
}

func (e *Engine) registerJobsLocked(jobs []*job.Job, persist bool, now time.Time, events *[]event.Event) error {
	var scheduleBased, dependencyBased []*job.Job
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return err
		}
		if j.IsScheduleBased() {
			scheduleBased = append(scheduleBased, j)
		} else {
			dependencyBased = append(dependencyBased, j)
		}
	}
	for _, j := range scheduleBased {
		if err := e.registerOneLocked(j, persist, now, events); err != nil {
			return err
		}
	}
	// Dependency jobs may depend on each other; admit them in passes so
	// parents always precede children regardless of input order.
	remaining := dependencyBased
	for len(remaining) > 0 {
		var deferred []*job.Job
		progress := false
		for _, j := range remaining {
			if e.parentsPresentLocked(j) {
				if err := e.registerOneLocked(j, persist, now, events); err != nil {
					return err
				}
				progress = true
			} else {
				deferred = append(deferred, j)
			}
		}
		if !progress {
			names := make([]string, len(deferred))
			for i, j := range deferred {
				names[i] = j.Name
			}
			return errors.Wrapf(graph.ErrVertexNotFound, "unresolvable parents for jobs %v", names)
		}
		remaining = deferred
	}
	return nil
}

func (e *Engine) parentsPresentLocked(j *job.Job) bool {
	for _, parent := range j.Parents {
		if _, ok := e.graph.LookupVertex(parent); !ok {
			return false
		}
	}
	return true
}

func (e *Engine) registerOneLocked(j *job.Job, persist bool, now time.Time, events *[]event.Event) error {
	if err := e.graph.AddVertex(j); err != nil {
		return err
	}
	if j.IsDependencyBased() {
		for _, parent := range j.Parents {
			if err := e.graph.AddDependency(parent, j.Name); err != nil {
				e.graph.RemoveVertex(j)
				return err
			}
		}
	}
	if persist {
		if err := e.jobs.PersistJob(j); err != nil {
			return err
		}
	}
	if j.IsScheduleBased() && !j.Disabled {
		e.addScheduleLocked(schedule.NewStream(j.Schedule, j.Name, j.ScheduleTimeZone))
	}
	*events = append(*events, event.Event{
		Type:    event.JobRegistered,
		Time:    now,
		JobName: j.Name,
		Job:     j,
	})
	return nil
}

// UpdateJob replaces a job in place. For schedule-based jobs the stream is
// rebuilt from the new schedule (or dropped entirely when disabled) and an
// iteration runs so a newly due firing is not delayed by a full horizon.
func (e *Engine) UpdateJob(oldJob *job.Job, newJob *job.Job) error {
	var events []event.Event
	e.mu.Lock()
	err := e.updateJobLocked(oldJob, newJob, &events)
	e.mu.Unlock()
	e.fanout.Publish(events...)
	return err
}

func (e *Engine) updateJobLocked(oldJob *job.Job, newJob *job.Job, events *[]event.Event) error {
	if oldJob.Name != newJob.Name {
		return errors.Wrapf(job.ErrRenameUnsupported, "%s -> %s", oldJob.Name, newJob.Name)
	}
	if err := e.graph.ReplaceVertex(oldJob, newJob); err != nil {
		return err
	}
	if err := e.jobs.PersistJob(newJob); err != nil {
		return err
	}
	if newJob.IsScheduleBased() {
		e.removeScheduleLocked(newJob.Name)
		if !newJob.Disabled {
			// Persist before iterating: the iteration may advance the
			// fresh stream and rewrite the schedule again.
			e.addScheduleLocked(schedule.NewStream(newJob.Schedule, newJob.Name, newJob.ScheduleTimeZone))
			e.streams = e.iterationLocked(e.clock.Now(), e.streams, events)
		}
	}
	return nil
}

// ReplaceJob swaps the stored job without touching streams. Used for
// counter rewrites where the schedule itself did not change.
func (e *Engine) ReplaceJob(oldJob *job.Job, newJob *job.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replaceJobLocked(oldJob, newJob)
}

func (e *Engine) replaceJobLocked(oldJob *job.Job, newJob *job.Job) error {
	if err := e.graph.ReplaceVertex(oldJob, newJob); err != nil {
		return err
	}
	return e.jobs.PersistJob(newJob)
}

// DeregisterJob removes a job: dependents are rewritten without it, its
// stream and in-flight tasks are cancelled and its persisted state deleted.
func (e *Engine) DeregisterJob(j *job.Job, persist bool) error {
	if !e.leader.Load() {
		return ErrNotLeader
	}
	var events []event.Event
	e.mu.Lock()
	err := e.deregisterJobLocked(j, persist, &events)
	e.mu.Unlock()
	e.fanout.Publish(events...)
	return err
}

func (e *Engine) deregisterJobLocked(j *job.Job, persist bool, events *[]event.Event) error {
	for _, childName := range e.graph.GetChildren(j.Name) {
		child, ok := e.graph.LookupVertex(childName)
		if !ok || !child.IsDependencyBased() || len(child.Parents) <= 1 {
			continue
		}
		rewritten := child.DeepCopy()
		rewritten.Parents = removeString(rewritten.Parents, j.Name)
		if err := e.updateJobLocked(child, rewritten, events); err != nil {
			return err
		}
	}
	e.graph.RemoveVertex(j)
	if j.IsScheduleBased() {
		e.removeScheduleLocked(j.Name)
	}
	if err := e.tasks.CancelTasks(j.Name); err != nil {
		log.WithError(err).Errorf("error cancelling tasks of job %s", j.Name)
	}
	*events = append(*events, event.Event{
		Type:    event.JobRemoved,
		Time:    e.clock.Now(),
		JobName: j.Name,
		Job:     j,
	})
	if persist {
		return e.jobs.RemoveJob(j.Name)
	}
	return nil
}

// Reset discards all in-memory scheduling state, optionally flushing the
// task manager's queue too.
func (e *Engine) Reset(purgeQueue bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streams = nil
	e.graph.Reset()
	if purgeQueue {
		if err := e.tasks.Flush(); err != nil {
			log.WithError(err).Error("error flushing task queue")
		}
	}
}

// RunImmediately enqueues a one-off task for a job right now, bypassing
// its schedule or dependencies.
func (e *Engine) RunImmediately(jobName string) error {
	if !e.leader.Load() {
		return ErrNotLeader
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.graph.LookupVertex(jobName)
	if !ok {
		return errors.Wrapf(graph.ErrVertexNotFound, "job %s", jobName)
	}
	now := e.clock.Now()
	return e.tasks.ScheduleTask(job.NewScheduledTask(j, now, 0), 0, j.HighPriority)
}

func (e *Engine) addScheduleLocked(s *schedule.Stream) {
	e.removeScheduleLocked(s.JobName)
	e.streams = append(e.streams, s)
}

func (e *Engine) removeScheduleLocked(jobName string) {
	kept := e.streams[:0]
	for _, s := range e.streams {
		if s.JobName != jobName {
			kept = append(kept, s)
		}
	}
	e.streams = kept
}

// Streams returns a snapshot of the live stream list.
func (e *Engine) Streams() []*schedule.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := make([]*schedule.Stream, len(e.streams))
	copy(snapshot, e.streams)
	return snapshot
}

func removeString(values []string, drop string) []string {
	kept := make([]string, 0, len(values))
	for _, v := range values {
		if v != drop {
			kept = append(kept, v)
		}
	}
	return kept
}
