// Package taskmanager queues tasks for launch by the resource-manager
// driver. The engine treats it as an opaque sink: it hands over tasks with
// a delay and forgets about them until a status update comes back.
package taskmanager

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/xdevelsistemas/chronos/internal/chronos/job"
	"github.com/xdevelsistemas/chronos/internal/chronos/repository"
)

type TaskManager struct {
	mu    sync.Mutex
	clock clock.WithDelayedExecution
	repo  repository.TaskRepository

	// Launch-ready tasks, high priority drained first.
	highPriority []*job.ScheduledTask
	normal       []*job.ScheduledTask
	// Tracked tasks by id: waiting on a delay timer, ready, or handed out
	// by PollNext and not yet removed.
	pending map[string]*pendingTask

	closed bool
}

type pendingTask struct {
	task  *job.ScheduledTask
	timer clock.Timer
}

func New(c clock.WithDelayedExecution, repo repository.TaskRepository) *TaskManager {
	return &TaskManager{
		clock:   c,
		repo:    repo,
		pending: map[string]*pendingTask{},
	}
}

// ScheduleTask persists the task and makes it launchable after delay. A
// task id already known to the manager is not scheduled twice; this is what
// keeps hydration (pending tasks loaded before jobs) from duplicating a
// task the first post-election iteration also produces.
func (m *TaskManager) ScheduleTask(task *job.ScheduledTask, delay time.Duration, highPriority bool) error {
	parsed, err := job.ParseTaskID(task.ID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if _, ok := m.pending[task.ID]; ok {
		log.Debugf("task %s already scheduled, skipping", task.ID)
		return nil
	}
	err = m.repo.PersistTask(repository.PersistedTask{
		ID:      task.ID,
		JobName: parsed.JobName,
		Due:     task.Due,
		Attempt: parsed.Attempt,
	})
	if err != nil {
		return err
	}
	entry := &pendingTask{task: task}
	m.pending[task.ID] = entry
	if delay <= 0 {
		m.enqueueLocked(task, highPriority)
		return nil
	}
	entry.timer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		if _, ok := m.pending[task.ID]; !ok {
			return
		}
		m.pending[task.ID].timer = nil
		m.enqueueLocked(task, highPriority)
	})
	return nil
}

// RestoreTask re-registers a task loaded from the store during hydration.
// Nothing is persisted again; the job reference is resolved lazily at
// launch time since jobs load after tasks.
func (m *TaskManager) RestoreTask(t repository.PersistedTask, highPriority bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.pending[t.ID]; ok {
		return
	}
	task := &job.ScheduledTask{ID: t.ID, Due: t.Due}
	entry := &pendingTask{task: task}
	m.pending[t.ID] = entry
	delay := t.Due.Sub(m.clock.Now())
	if delay <= 0 {
		m.enqueueLocked(task, highPriority)
		return
	}
	entry.timer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		if _, ok := m.pending[t.ID]; !ok {
			return
		}
		m.pending[t.ID].timer = nil
		m.enqueueLocked(task, highPriority)
	})
}

// PollNext hands out the next launch-ready task, high priority first.
func (m *TaskManager) PollNext() (*job.ScheduledTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.highPriority) > 0 {
		task := m.highPriority[0]
		m.highPriority = m.highPriority[1:]
		return task, true
	}
	if len(m.normal) > 0 {
		task := m.normal[0]
		m.normal = m.normal[1:]
		return task, true
	}
	return nil, false
}

// QueueSize reports how many tasks are tracked: delayed, ready, or handed
// out by PollNext and not yet removed.
func (m *TaskManager) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// TimeUntilExecution reports how long until the task is due, negative when
// overdue.
func (m *TaskManager) TimeUntilExecution(taskID string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pending[taskID]
	if !ok {
		return 0, errors.Errorf("task %s is not pending", taskID)
	}
	return entry.task.Due.Sub(m.clock.Now()), nil
}

// CancelTasks drops every pending task of jobName, durable state included.
func (m *TaskManager) CancelTasks(jobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed, err := m.repo.RemoveTasksForJob(jobName)
	for _, id := range removed {
		m.dropLocked(id)
	}
	// Also drop in-memory tasks whose persistence already failed.
	for id := range m.pending {
		if parsed, parseErr := job.ParseTaskID(id); parseErr == nil && parsed.JobName == jobName {
			m.dropLocked(id)
		}
	}
	return err
}

// RemoveTask disposes a task that reached a terminal state.
func (m *TaskManager) RemoveTask(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(taskID)
	return m.repo.RemoveTask(taskID)
}

// Flush discards all pending tasks, durable state included.
func (m *TaskManager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.pending {
		m.dropLocked(id)
	}
	m.highPriority = nil
	m.normal = nil
	return m.repo.Flush()
}

// Suspend stops all timers and turns further scheduling into a no-op.
// Called on leadership loss so that a retry timer firing late cannot
// enqueue anything; durable state is left for the next leader.
func (m *TaskManager) Suspend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id := range m.pending {
		m.stopTimerLocked(id)
	}
	m.pending = map[string]*pendingTask{}
	m.highPriority = nil
	m.normal = nil
}

// Resume re-enables scheduling after an election.
func (m *TaskManager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
}

func (m *TaskManager) stopTimerLocked(id string) {
	if entry, ok := m.pending[id]; ok && entry.timer != nil {
		entry.timer.Stop()
	}
}

func (m *TaskManager) enqueueLocked(task *job.ScheduledTask, highPriority bool) {
	if highPriority {
		m.highPriority = append(m.highPriority, task)
	} else {
		m.normal = append(m.normal, task)
	}
	log.Infof("task %s ready for launch", task.ID)
}

func (m *TaskManager) dropLocked(id string) {
	entry, ok := m.pending[id]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(m.pending, id)
	m.highPriority = filterOut(m.highPriority, id)
	m.normal = filterOut(m.normal, id)
}

func filterOut(tasks []*job.ScheduledTask, id string) []*job.ScheduledTask {
	kept := tasks[:0]
	for _, t := range tasks {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	return kept
}
