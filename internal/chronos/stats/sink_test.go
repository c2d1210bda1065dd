package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xdevelsistemas/chronos/internal/chronos/event"
	"github.com/xdevelsistemas/chronos/internal/chronos/job"
)

type execCall struct {
	sql  string
	args []interface{}
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []execCall
	err   error
}

func (f *fakeExecutor) Exec(ctx context.Context, sql string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return f.err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func startedEvent(jobName string, taskID string) event.Event {
	return event.Event{
		Type:      event.JobStarted,
		Time:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		JobName:   jobName,
		Job:       &job.Job{Name: jobName, Kind: job.KindScheduleBased, Schedule: "R/2024-01-01T00:00:00Z/PT1H", Owner: "ops"},
		TaskID:    taskID,
		SlaveID:   "slave-1",
		TaskState: "RUNNING",
	}
}

func TestSinkTracksJobStates(t *testing.T) {
	s := NewSinkWithExecutor(&fakeExecutor{})

	assert.Equal(t, StateIdle, s.JobState("a"))

	require.NoError(t, s.Observe(event.Event{Type: event.JobRegistered, JobName: "a"}))
	assert.Equal(t, StateIdle, s.JobState("a"))

	s.TaskQueued("a")
	assert.Equal(t, StateQueued, s.JobState("a"))

	require.NoError(t, s.Observe(startedEvent("a", "ct2:a:1704067200000:0")))
	assert.Equal(t, StateRunning, s.JobState("a"))

	// Running is never downgraded by a late queued signal.
	s.TaskQueued("a")
	assert.Equal(t, StateRunning, s.JobState("a"))

	require.NoError(t, s.Observe(event.Event{Type: event.JobFinished, JobName: "a", TaskID: "ct2:a:1704067200000:0", TaskState: "FINISHED"}))
	assert.Equal(t, StateIdle, s.JobState("a"))

	require.NoError(t, s.Observe(event.Event{Type: event.JobRemoved, JobName: "a"}))
	assert.Equal(t, StateIdle, s.JobState("a"))
}

func TestSinkWritesHistoryRows(t *testing.T) {
	db := &fakeExecutor{}
	s := NewSinkWithExecutor(db)

	require.NoError(t, s.Observe(startedEvent("a", "ct2:a:1704067200000:0")))
	require.Equal(t, 1, db.callCount())
	assert.Contains(t, db.calls[0].sql, "task_history")

	// Events without a task id (registrations, removals) produce no rows.
	require.NoError(t, s.Observe(event.Event{Type: event.JobRegistered, JobName: "a"}))
	assert.Equal(t, 1, db.callCount())
}

func TestSinkIsBestEffort(t *testing.T) {
	db := &fakeExecutor{err: errors.New("connection reset")}
	s := NewSinkWithExecutor(db)

	// Store failures are retried once and then dropped, never surfaced.
	err := s.Observe(startedEvent("a", "ct2:a:1704067200000:0"))
	assert.NoError(t, err)
	assert.Equal(t, storeAttempts, db.callCount())
}

func TestUpdateElementsProcessed(t *testing.T) {
	db := &fakeExecutor{}
	s := NewSinkWithExecutor(db)

	s.UpdateElementsProcessed("ct2:a:1704067200000:0", "a", 1500)

	require.Equal(t, 1, db.callCount())
	assert.Contains(t, db.calls[0].sql, "task_counters")
	assert.Contains(t, db.calls[0].sql, "ON CONFLICT")
	assert.Equal(t, []interface{}{"ct2:a:1704067200000:0", "a", int64(1500)}, db.calls[0].args)
}
