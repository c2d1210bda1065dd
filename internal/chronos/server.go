// Package chronos wires the scheduler service together: durable stores,
// observers, leader election and the scheduling engine.
package chronos

import (
	"context"
	"net/http"
	"time"

	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/utils/clock"

	"github.com/xdevelsistemas/chronos/internal/chronos/configuration"
	"github.com/xdevelsistemas/chronos/internal/chronos/driver"
	"github.com/xdevelsistemas/chronos/internal/chronos/event"
	"github.com/xdevelsistemas/chronos/internal/chronos/leader"
	"github.com/xdevelsistemas/chronos/internal/chronos/metrics"
	"github.com/xdevelsistemas/chronos/internal/chronos/repository"
	"github.com/xdevelsistemas/chronos/internal/chronos/scheduler"
	"github.com/xdevelsistemas/chronos/internal/chronos/stats"
	"github.com/xdevelsistemas/chronos/internal/chronos/taskmanager"
	"github.com/xdevelsistemas/chronos/internal/common/health"
	"github.com/xdevelsistemas/chronos/internal/common/task"
	"github.com/xdevelsistemas/chronos/internal/common/util"
)

// Serve runs the scheduler until ctx is cancelled.
func Serve(ctx context.Context, config *configuration.ChronosConfig, healthChecks *health.MultiChecker) error {
	log.Info("chronos scheduler starting")
	defer log.Info("chronos scheduler shutting down")

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks.Add(startupCompleteCheck)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// Redis holds the jobs and the pending-task queue.
	db := redis.NewUniversalClient(&config.Redis)
	defer util.CloseResource("redis client", db)
	healthChecks.Add(repository.NewRedisHealth(db))

	jobRepository := repository.NewRedisJobRepository(db)
	taskRepository := repository.NewRedisTaskRepository(db)

	fanout := event.NewFanout(event.LogObserver{}, metrics.Observer{})

	// The history store is optional; scheduling never depends on it.
	if config.Postgres.ConnectionString != "" {
		pool, err := pgxpool.Connect(ctx, config.Postgres.ConnectionString)
		if err != nil {
			return errors.Wrap(err, "error connecting to the history store")
		}
		defer pool.Close()
		sink := stats.NewSink(pool)
		if err := sink.EnsureSchema(ctx); err != nil {
			log.WithError(err).Warn("could not create history schema, continuing without it")
		}
		fanout.Register(sink)
	}

	if len(config.EventsNats.Servers) > 0 {
		publisher, err := event.ConnectStanPublisher(
			config.EventsNats.ClusterID,
			"chronos-"+util.NewULID(),
			config.EventsNats.Servers,
			config.EventsNats.Subject,
		)
		if err != nil {
			return err
		}
		defer util.CloseResource("event publisher", publisher)
		fanout.Register(publisher)
	}

	realClock := clock.RealClock{}
	taskManager := taskmanager.New(realClock, taskRepository)
	engine := scheduler.NewEngine(
		scheduler.Config{
			ScheduleHorizon:      config.Scheduling.ScheduleHorizon,
			FailureRetryDelay:    config.Scheduling.FailureRetryDelay,
			DisableAfterFailures: config.Scheduling.DisableAfterFailures,
		},
		realClock,
		jobRepository,
		taskManager,
		fanout,
	)

	driverFactory := func(handler driver.StatusHandler) (driver.Driver, error) {
		// The resource-manager driver is an external collaborator; local
		// runs use the no-op driver and tasks stay queued.
		return driver.NoopDriver{}, nil
	}

	lifecycle := scheduler.NewLeaderLifecycle(engine, taskManager, jobRepository, taskRepository, driverFactory)
	controller, err := newLeaderController(&config.Leader)
	if err != nil {
		return err
	}
	controller.RegisterListener(lifecycle)

	backgroundTasks := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	backgroundTasks.Register(func() {
		metrics.PendingTasks.Set(float64(taskManager.QueueSize()))
	}, 15*time.Second, "pending_tasks_refresh")
	defer backgroundTasks.StopAll(5 * time.Second)

	g.Go(func() error {
		defer lifecycle.Shutdown()
		return controller.Run(ctx)
	})

	startupCompleteCheck.MarkComplete()
	return g.Wait()
}

func newLeaderController(config *configuration.LeaderConfig) (leader.Controller, error) {
	switch config.Mode {
	case "", "standalone":
		return leader.NewStandaloneController(), nil
	case "kubernetes":
		restConfig, err := rest.InClusterConfig()
		if err != nil {
			return nil, errors.Wrap(err, "error loading in-cluster coordination config")
		}
		client, err := kubernetes.NewForConfig(restConfig)
		if err != nil {
			return nil, errors.Wrap(err, "error creating coordination client")
		}
		return leader.NewKubernetesController(leader.Config{
			InstanceName:  config.InstanceName,
			LockName:      config.LockName,
			LockNamespace: config.LockNamespace,
			LeaseDuration: config.LeaseDuration,
			RenewDeadline: config.RenewDeadline,
			RetryPeriod:   config.RetryPeriod,
		}, client), nil
	default:
		return nil, errors.Errorf("unknown leader mode %q", config.Mode)
	}
}

// HealthMux builds the HTTP mux serving the health endpoints.
func HealthMux(checker health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	health.SetupHttpMux(mux, checker)
	return mux
}
