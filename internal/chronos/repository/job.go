// Package repository holds the Redis-backed durable state: the job store
// read on leader election and written through on every mutation, and the
// pending-task store that lets a new leader resume in-flight work.
package repository

import (
	"github.com/go-redis/redis"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/xdevelsistemas/chronos/internal/chronos/job"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const jobObjectPrefix = "Job:"

var ErrJobNotFound = errors.New("job not found")

type JobRepository interface {
	PersistJob(j *job.Job) error
	RemoveJob(name string) error
	GetJob(name string) (*job.Job, error)
	GetJobs() ([]*job.Job, error)
}

type RedisJobRepository struct {
	db redis.UniversalClient
}

func NewRedisJobRepository(db redis.UniversalClient) *RedisJobRepository {
	return &RedisJobRepository{db: db}
}

func (repo *RedisJobRepository) PersistJob(j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return errors.Wrapf(err, "error marshalling job %s", j.Name)
	}
	return repo.db.Set(jobObjectPrefix+j.Name, data, 0).Err()
}

func (repo *RedisJobRepository) RemoveJob(name string) error {
	return repo.db.Del(jobObjectPrefix + name).Err()
}

func (repo *RedisJobRepository) GetJob(name string) (*job.Job, error) {
	data, err := repo.db.Get(jobObjectPrefix + name).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrapf(ErrJobNotFound, "job %s", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading job %s", name)
	}
	j := &job.Job{}
	if err := json.Unmarshal(data, j); err != nil {
		return nil, errors.Wrapf(err, "error unmarshalling job %s", name)
	}
	return j, nil
}

func (repo *RedisJobRepository) GetJobs() ([]*job.Job, error) {
	keys, err := repo.db.Keys(jobObjectPrefix + "*").Result()
	if err != nil {
		return nil, errors.Wrap(err, "error listing jobs")
	}
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := repo.db.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(key)
	}
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "error loading jobs")
	}
	jobs := make([]*job.Job, 0, len(keys))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		j := &job.Job{}
		if err := json.Unmarshal(data, j); err != nil {
			return nil, errors.Wrap(err, "error unmarshalling job")
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
