package scheduler

import (
	log "github.com/sirupsen/logrus"

	"github.com/xdevelsistemas/chronos/internal/chronos/repository"
	"github.com/xdevelsistemas/chronos/internal/chronos/taskmanager"
)

// LoadTasks restores persisted pending tasks into the task manager. It
// must run before LoadJobs: registering jobs first could let an iteration
// produce a task whose pending twin has not been restored yet, and the
// task would launch twice.
func LoadTasks(tm *taskmanager.TaskManager, store repository.TaskRepository) (int, error) {
	tasks, err := store.GetTasks()
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		tm.RestoreTask(t, false)
	}
	return len(tasks), nil
}

// LoadJobs registers all persisted jobs with the engine.
func LoadJobs(e *Engine, store repository.JobRepository) (int, error) {
	jobs, err := store.GetJobs()
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	if err := e.RegisterJobs(jobs, false, e.clock.Now()); err != nil {
		return 0, err
	}
	log.Infof("loaded %d jobs from the store", len(jobs))
	return len(jobs), nil
}
