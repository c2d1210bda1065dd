package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/xdevelsistemas/chronos/internal/chronos/driver"
	"github.com/xdevelsistemas/chronos/internal/chronos/event"
	"github.com/xdevelsistemas/chronos/internal/chronos/job"
	"github.com/xdevelsistemas/chronos/internal/chronos/taskmanager"
)

// recordingDriver is a resource-manager driver fake.
type recordingDriver struct {
	mu      sync.Mutex
	started int
	closed  int
}

func (d *recordingDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started++
	return nil
}

func (d *recordingDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

func (d *recordingDriver) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started, d.closed
}

func TestLeaderLifecycleElectionAndDefeat(t *testing.T) {
	jobStore := newMemJobRepository()
	taskStore := newMemTaskRepository()
	require.NoError(t, jobStore.PersistJob(scheduleJob("nightly", "R/2024-06-01T00:00:00Z/P1D")))

	fc := testingclock.NewFakeClock(baseTime)
	tm := taskmanager.New(fc, taskStore)
	engine := NewEngine(Config{ScheduleHorizon: time.Hour}, fc, jobStore, tm, event.NewFanout())
	d := &recordingDriver{}
	lifecycle := NewLeaderLifecycle(engine, tm, jobStore, taskStore, func(handler driver.StatusHandler) (driver.Driver, error) {
		return d, nil
	})
	lifecycle.fatalf = func(format string, args ...interface{}) {
		t.Fatalf("unexpected fatal: "+format, args...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lifecycle.OnStartedLeading(ctx)

	assert.True(t, engine.IsLeader())
	started, closed := d.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 0, closed)
	// Jobs were hydrated and the run loop came up.
	assert.Equal(t, 1, engine.Graph().Size())
	require.Eventually(t, engine.IsRunning, time.Second, 5*time.Millisecond)

	lifecycle.OnStoppedLeading()
	assert.False(t, engine.IsLeader())
	assert.False(t, engine.IsRunning())
	_, closed = d.counts()
	assert.Equal(t, 1, closed)
	// In-memory state is discarded for the next election.
	assert.Zero(t, engine.Graph().Size())
	assert.Empty(t, engine.Streams())
}

func TestLeaderLifecycleHydrationFailureIsFatal(t *testing.T) {
	jobStore := newMemJobRepository()
	// A dependency job whose parent does not exist cannot be hydrated.
	require.NoError(t, jobStore.PersistJob(dependencyJob("orphan", "missing")))

	taskStore := newMemTaskRepository()
	fc := testingclock.NewFakeClock(baseTime)
	tm := taskmanager.New(fc, taskStore)
	engine := NewEngine(Config{}, fc, jobStore, tm, event.NewFanout())
	lifecycle := NewLeaderLifecycle(engine, tm, jobStore, taskStore, func(handler driver.StatusHandler) (driver.Driver, error) {
		return driver.NoopDriver{}, nil
	})

	var fatal string
	lifecycle.fatalf = func(format string, args ...interface{}) {
		fatal = fmt.Sprintf(format, args...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lifecycle.OnStartedLeading(ctx)
	assert.Contains(t, fatal, "loading jobs")
}

// Failover: a task enqueued by the old leader for the future is enqueued
// exactly once by the new leader under normal conditions.
func TestFailoverResumesPendingTaskExactlyOnce(t *testing.T) {
	jobStore := newMemJobRepository()
	taskStore := newMemTaskRepository()

	// Leader 1 registers a job due at T+30s and materializes the task.
	fc1 := testingclock.NewFakeClock(baseTime)
	tm1 := taskmanager.New(fc1, taskStore)
	engine1 := NewEngine(Config{ScheduleHorizon: time.Minute}, fc1, jobStore, tm1, event.NewFanout())
	engine1.setLeader(true)
	j := scheduleJob("soon", "R1/2024-01-01T00:00:30Z/PT1H")
	require.NoError(t, engine1.RegisterJobs([]*job.Job{j}, true, fc1.Now()))
	engine1.Iterate(fc1.Now())
	require.Equal(t, 1, tm1.QueueSize())

	// Leader 1 is defeated at T+10s; its timer dies with it.
	fc1.SetTime(baseTime.Add(10 * time.Second))
	engine1.setLeader(false)
	engine1.Stop()
	tm1.Suspend()
	engine1.Reset(false)
	fc1.SetTime(baseTime.Add(30 * time.Second))
	_, ok := tm1.PollNext()
	assert.False(t, ok)

	// Leader 2 comes up at T+12s and hydrates: tasks before jobs.
	fc2 := testingclock.NewFakeClock(baseTime.Add(12 * time.Second))
	tm2 := taskmanager.New(fc2, taskStore)
	engine2 := NewEngine(Config{ScheduleHorizon: time.Minute}, fc2, jobStore, tm2, event.NewFanout())
	engine2.setLeader(true)

	restored, err := LoadTasks(tm2, taskStore)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)
	loaded, err := LoadJobs(engine2, jobStore)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	// The first post-election iteration sees the already-consumed
	// schedule and produces nothing new; the restored task stands alone.
	engine2.Iterate(fc2.Now())
	assert.Equal(t, 1, tm2.QueueSize())

	// Step to the due instant; the restore timer fires.
	fc2.Step(18 * time.Second)

	task, ok := tm2.PollNext()
	require.True(t, ok)
	assert.Equal(t, job.NewTaskID("soon", baseTime.Add(30*time.Second), 0), task.ID)
	_, ok = tm2.PollNext()
	assert.False(t, ok)
}
