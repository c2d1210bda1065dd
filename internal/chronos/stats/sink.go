// Package stats maintains per-job execution state and appends per-task
// history rows to an external store. Everything here is best effort: the
// scheduling path never fails because history is unavailable.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/xdevelsistemas/chronos/internal/chronos/event"
)

// JobState is the coarse per-job execution state kept in memory.
type JobState string

const (
	StateIdle    JobState = "idle"
	StateQueued  JobState = "queued"
	StateRunning JobState = "running"
)

const (
	historyTable  = "task_history"
	counterTable  = "task_counters"
	storeAttempts = 2
)

var dialect = goqu.Dialect("postgres")

// Executor is the slice of pgxpool.Pool the sink needs; narrowed so tests
// can substitute a fake.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...interface{}) error
}

type poolExecutor struct {
	pool *pgxpool.Pool
}

func (p poolExecutor) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := p.pool.Exec(ctx, sql, args...)
	return err
}

// Sink consumes domain events. The state map may be hit concurrently by
// status callbacks, hence sync.Map; the store session is reset (the pool's
// broken connections dropped) on write failures.
type Sink struct {
	db     Executor
	pool   *pgxpool.Pool
	states sync.Map // jobName -> JobState
}

func NewSink(pool *pgxpool.Pool) *Sink {
	return &Sink{db: poolExecutor{pool: pool}, pool: pool}
}

// NewSinkWithExecutor is used by tests.
func NewSinkWithExecutor(db Executor) *Sink {
	return &Sink{db: db}
}

// Schema for the history store. job_parents is a set of parent names;
// the counter table accumulates per-task element counts for
// data-processing jobs.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS task_history (
	id           varchar      NOT NULL,
	ts           timestamptz  NOT NULL,
	job_name     varchar,
	job_owner    varchar,
	job_schedule varchar,
	job_parents  varchar[],
	task_state   varchar,
	slave_id     varchar,
	message      varchar,
	attempt      int,
	is_failure   boolean,
	PRIMARY KEY (id, ts)
)`,
	`CREATE TABLE IF NOT EXISTS task_counters (
	task_id            varchar NOT NULL,
	job_name           varchar NOT NULL,
	elements_processed bigint  NOT NULL DEFAULT 0,
	PRIMARY KEY (job_name, task_id)
)`,
}

// EnsureSchema creates the history tables when missing.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if err := s.db.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "error creating history schema")
		}
	}
	return nil
}

// JobState reports the current in-memory state of a job.
func (s *Sink) JobState(jobName string) JobState {
	if state, ok := s.states.Load(jobName); ok {
		return state.(JobState)
	}
	return StateIdle
}

// TaskQueued marks a job queued. A job already observed running stays
// running: queued updates can arrive late and must not downgrade.
func (s *Sink) TaskQueued(jobName string) {
	for {
		current, loaded := s.states.LoadOrStore(jobName, StateQueued)
		if !loaded {
			return
		}
		state := current.(JobState)
		if state == StateRunning || state == StateQueued {
			return
		}
		if s.states.CompareAndSwap(jobName, current, StateQueued) {
			return
		}
	}
}

// Observe appends a history row for task-carrying events and keeps the
// state map current. Store failures are logged, never returned upward as
// scheduling failures.
func (s *Sink) Observe(e event.Event) error {
	s.updateState(e)
	if e.TaskID == "" {
		return nil
	}
	row := goqu.Record{
		"id":         e.TaskID,
		"ts":         e.Time.UTC(),
		"job_name":   e.JobName,
		"task_state": e.TaskState,
		"slave_id":   e.SlaveID,
		"message":    e.Message,
		"attempt":    e.Attempt,
		"is_failure": e.Failure,
	}
	if e.Job != nil {
		row["job_owner"] = e.Job.Owner
		if e.Job.IsScheduleBased() {
			row["job_schedule"] = e.Job.Schedule
		}
		if e.Job.IsDependencyBased() {
			row["job_parents"] = e.Job.Parents
		}
	}
	sql, args, err := dialect.Insert(historyTable).Prepared(true).Rows(row).ToSQL()
	if err != nil {
		return errors.Wrap(err, "error building history insert")
	}
	s.execBestEffort(sql, args)
	return nil
}

// UpdateElementsProcessed accumulates per-task element counts for
// data-processing jobs. The increment is conditional on the row key, not
// on the value: replays of the same report add again.
func (s *Sink) UpdateElementsProcessed(taskID string, jobName string, additional int64) {
	sql := `INSERT INTO ` + counterTable + ` (task_id, job_name, elements_processed) VALUES ($1, $2, $3)
ON CONFLICT (job_name, task_id) DO UPDATE SET elements_processed = ` + counterTable + `.elements_processed + EXCLUDED.elements_processed`
	s.execBestEffort(sql, []interface{}{taskID, jobName, additional})
}

func (s *Sink) updateState(e event.Event) {
	switch e.Type {
	case event.JobRegistered:
		s.states.LoadOrStore(e.JobName, StateIdle)
	case event.JobStarted:
		s.states.Store(e.JobName, StateRunning)
	case event.JobFinished, event.JobFailed, event.JobRetriesExhausted, event.JobDisabled:
		s.states.Store(e.JobName, StateIdle)
	case event.JobRemoved:
		s.states.Delete(e.JobName)
	}
}

func (s *Sink) execBestEffort(sql string, args []interface{}) {
	err := retry.Do(
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.db.Exec(ctx, sql, args...)
		},
		retry.Attempts(storeAttempts),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("history store write failed (attempt %d), resetting session", n+1)
			s.resetSession()
		}),
	)
	if err != nil {
		log.WithError(err).Error("history store write dropped")
	}
}

// resetSession logs the pool state; broken connections are discarded by the
// pool itself on the next acquire, which is the retry that follows.
func (s *Sink) resetSession() {
	if s.pool == nil {
		return
	}
	log.Infof("history store session reset, %d pooled connections", s.pool.Stat().TotalConns())
}
