package scheduler

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/xdevelsistemas/chronos/internal/chronos/driver"
	"github.com/xdevelsistemas/chronos/internal/chronos/metrics"
	"github.com/xdevelsistemas/chronos/internal/chronos/repository"
	"github.com/xdevelsistemas/chronos/internal/chronos/taskmanager"
)

// LeaderLifecycle reacts to leadership transitions: on election it hydrates
// durable state and starts the engine and driver; on defeat it tears both
// down and discards in-memory state so a future election starts clean.
// It satisfies the leader controller's listener interface.
type LeaderLifecycle struct {
	engine        *Engine
	taskManager   *taskmanager.TaskManager
	jobStore      repository.JobRepository
	taskStore     repository.TaskRepository
	driverFactory driver.Factory

	activeDriver driver.Driver
	cancelRun    context.CancelFunc

	// fatalf aborts the process on unrecoverable hydration failures.
	// Overridable so tests can assert on it.
	fatalf func(format string, args ...interface{})
}

func NewLeaderLifecycle(
	engine *Engine,
	taskManager *taskmanager.TaskManager,
	jobStore repository.JobRepository,
	taskStore repository.TaskRepository,
	driverFactory driver.Factory,
) *LeaderLifecycle {
	return &LeaderLifecycle{
		engine:        engine,
		taskManager:   taskManager,
		jobStore:      jobStore,
		taskStore:     taskStore,
		driverFactory: driverFactory,
		fatalf:        log.Fatalf,
	}
}

func (l *LeaderLifecycle) OnStartedLeading(ctx context.Context) {
	log.Info("elected leader, hydrating state")
	metrics.Leader.Set(1)
	l.engine.setLeader(true)
	l.taskManager.Resume()

	// Pending tasks strictly before jobs; see LoadTasks.
	taskCount, err := LoadTasks(l.taskManager, l.taskStore)
	if err != nil {
		l.fatalf("unrecoverable error loading pending tasks: %v", err)
		return
	}
	jobCount, err := LoadJobs(l.engine, l.jobStore)
	if err != nil {
		l.fatalf("unrecoverable error loading jobs: %v", err)
		return
	}
	log.Infof("hydrated %d pending tasks and %d jobs", taskCount, jobCount)

	d, err := l.driverFactory(l.engine)
	if err != nil {
		l.fatalf("error creating resource manager driver: %v", err)
		return
	}
	if err := d.Start(); err != nil {
		l.fatalf("error starting resource manager driver: %v", err)
		return
	}
	l.activeDriver = d

	runCtx, cancel := context.WithCancel(ctx)
	l.cancelRun = cancel
	go l.engine.Run(runCtx)
}

func (l *LeaderLifecycle) OnStoppedLeading() {
	log.Warn("lost leadership, halting scheduling")
	metrics.Leader.Set(0)
	l.engine.setLeader(false)
	if l.activeDriver != nil {
		if err := l.activeDriver.Close(); err != nil {
			log.WithError(err).Error("error closing resource manager driver")
		}
		l.activeDriver = nil
	}
	l.engine.Stop()
	if l.cancelRun != nil {
		l.cancelRun()
		l.cancelRun = nil
	}
	l.taskManager.Suspend()
	// Discard in-memory state; it is rebuilt from the store on the next
	// election. The durable queue stays for the new leader.
	l.engine.Reset(false)
}

// Shutdown halts scheduling on process exit.
func (l *LeaderLifecycle) Shutdown() {
	l.engine.Stop()
	if l.activeDriver != nil {
		if err := l.activeDriver.Close(); err != nil {
			log.WithError(err).Error("error closing resource manager driver")
		}
		l.activeDriver = nil
	}
}
