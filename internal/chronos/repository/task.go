package repository

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const (
	taskObjectPrefix = "Task:"
	taskQueueKey     = "Task:Queue"
)

// PersistedTask is the durable record of a not-yet-terminal task. The job
// itself lives in the job store; only the routing key and due instant are
// needed to resume.
type PersistedTask struct {
	ID      string    `json:"id"`
	JobName string    `json:"jobName"`
	Due     time.Time `json:"due"`
	Attempt int       `json:"attempt"`
}

type TaskRepository interface {
	PersistTask(t PersistedTask) error
	RemoveTask(id string) error
	RemoveTasksForJob(jobName string) ([]string, error)
	GetTasks() ([]PersistedTask, error)
	Flush() error
}

// RedisTaskRepository keeps one entry per task plus a sorted set scored by
// due instant, so hydration reads tasks back in firing order.
type RedisTaskRepository struct {
	db redis.UniversalClient
}

func NewRedisTaskRepository(db redis.UniversalClient) *RedisTaskRepository {
	return &RedisTaskRepository{db: db}
}

func (repo *RedisTaskRepository) PersistTask(t PersistedTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return errors.Wrapf(err, "error marshalling task %s", t.ID)
	}
	pipe := repo.db.TxPipeline()
	pipe.Set(taskObjectPrefix+t.ID, data, 0)
	pipe.ZAdd(taskQueueKey, redis.Z{Member: t.ID, Score: float64(t.Due.UnixMilli())})
	_, err = pipe.Exec()
	return errors.Wrapf(err, "error persisting task %s", t.ID)
}

func (repo *RedisTaskRepository) RemoveTask(id string) error {
	pipe := repo.db.TxPipeline()
	pipe.Del(taskObjectPrefix + id)
	pipe.ZRem(taskQueueKey, id)
	_, err := pipe.Exec()
	return errors.Wrapf(err, "error removing task %s", id)
}

// RemoveTasksForJob drops every pending task belonging to jobName and
// returns the removed ids so in-memory timers can be cancelled too.
func (repo *RedisTaskRepository) RemoveTasksForJob(jobName string) ([]string, error) {
	tasks, err := repo.GetTasks()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, t := range tasks {
		if t.JobName != jobName {
			continue
		}
		if err := repo.RemoveTask(t.ID); err != nil {
			return removed, err
		}
		removed = append(removed, t.ID)
	}
	return removed, nil
}

func (repo *RedisTaskRepository) GetTasks() ([]PersistedTask, error) {
	ids, err := repo.db.ZRange(taskQueueKey, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "error listing tasks")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := repo.db.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(taskObjectPrefix + id)
	}
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "error loading tasks")
	}
	tasks := make([]PersistedTask, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		t := PersistedTask{}
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, errors.Wrap(err, "error unmarshalling task")
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (repo *RedisTaskRepository) Flush() error {
	ids, err := repo.db.ZRange(taskQueueKey, 0, -1).Result()
	if err != nil {
		return errors.Wrap(err, "error flushing tasks")
	}
	pipe := repo.db.TxPipeline()
	for _, id := range ids {
		pipe.Del(taskObjectPrefix + id)
	}
	pipe.Del(taskQueueKey)
	_, err = pipe.Exec()
	return errors.Wrap(err, "error flushing tasks")
}
