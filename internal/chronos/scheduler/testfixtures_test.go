package scheduler

import (
	"sync"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/xdevelsistemas/chronos/internal/chronos/event"
	"github.com/xdevelsistemas/chronos/internal/chronos/job"
	"github.com/xdevelsistemas/chronos/internal/chronos/repository"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// memJobRepository is an in-memory stand-in for the Redis job store.
type memJobRepository struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
}

func newMemJobRepository() *memJobRepository {
	return &memJobRepository{jobs: map[string]*job.Job{}}
}

func (r *memJobRepository) PersistJob(j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.Name] = j.DeepCopy()
	return nil
}

func (r *memJobRepository) RemoveJob(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, name)
	return nil
}

func (r *memJobRepository) GetJob(name string) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[name]; ok {
		return j.DeepCopy(), nil
	}
	return nil, repository.ErrJobNotFound
}

func (r *memJobRepository) GetJobs() ([]*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]*job.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j.DeepCopy())
	}
	return jobs, nil
}

// memTaskRepository is an in-memory stand-in for the pending-task store.
type memTaskRepository struct {
	mu    sync.Mutex
	tasks map[string]repository.PersistedTask
}

func newMemTaskRepository() *memTaskRepository {
	return &memTaskRepository{tasks: map[string]repository.PersistedTask{}}
}

func (r *memTaskRepository) PersistTask(t repository.PersistedTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
	return nil
}

func (r *memTaskRepository) RemoveTask(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

func (r *memTaskRepository) RemoveTasksForJob(jobName string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, t := range r.tasks {
		if t.JobName == jobName {
			delete(r.tasks, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func (r *memTaskRepository) GetTasks() ([]repository.PersistedTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := make([]repository.PersistedTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (r *memTaskRepository) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = map[string]repository.PersistedTask{}
	return nil
}

// scheduledCall records one ScheduleTask invocation on the fake sink.
type scheduledCall struct {
	task         *job.ScheduledTask
	delay        time.Duration
	highPriority bool
}

// fakeTaskSink records what the engine asks the task manager to do.
type fakeTaskSink struct {
	mu        sync.Mutex
	scheduled []scheduledCall
	cancelled []string
	removed   []string
	flushed   bool
}

func (s *fakeTaskSink) ScheduleTask(task *job.ScheduledTask, delay time.Duration, highPriority bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, scheduledCall{task: task, delay: delay, highPriority: highPriority})
	return nil
}

func (s *fakeTaskSink) CancelTasks(jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, jobName)
	return nil
}

func (s *fakeTaskSink) RemoveTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, taskID)
	return nil
}

func (s *fakeTaskSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = true
	return nil
}

func (s *fakeTaskSink) calls() []scheduledCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]scheduledCall, len(s.scheduled))
	copy(snapshot, s.scheduled)
	return snapshot
}

// recordingObserver captures every published event.
type recordingObserver struct {
	mu     sync.Mutex
	events []event.Event
}

func (o *recordingObserver) Observe(e event.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
	return nil
}

func (o *recordingObserver) ofType(t event.Type) []event.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	var matched []event.Event
	for _, e := range o.events {
		if e.Type == t {
			matched = append(matched, e)
		}
	}
	return matched
}

type engineFixture struct {
	engine   *Engine
	clock    *testingclock.FakeClock
	jobs     *memJobRepository
	sink     *fakeTaskSink
	observer *recordingObserver
}

func newEngineFixture(config Config) *engineFixture {
	if config.ScheduleHorizon == 0 {
		config.ScheduleHorizon = time.Minute
	}
	if config.FailureRetryDelay == 0 {
		config.FailureRetryDelay = 30 * time.Second
	}
	fc := testingclock.NewFakeClock(baseTime)
	jobs := newMemJobRepository()
	sink := &fakeTaskSink{}
	observer := &recordingObserver{}
	engine := NewEngine(config, fc, jobs, sink, event.NewFanout(observer))
	engine.setLeader(true)
	return &engineFixture{engine: engine, clock: fc, jobs: jobs, sink: sink, observer: observer}
}

func scheduleJob(name string, expr string) *job.Job {
	return &job.Job{Name: name, Kind: job.KindScheduleBased, Schedule: expr}
}

func dependencyJob(name string, parents ...string) *job.Job {
	return &job.Job{Name: name, Kind: job.KindDependencyBased, Parents: parents}
}
