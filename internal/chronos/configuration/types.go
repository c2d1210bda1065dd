package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

type ChronosConfig struct {
	MetricsPort uint16
	HttpPort    uint16

	Redis      redis.UniversalOptions
	Postgres   PostgresConfig
	EventsNats NatsConfig
	Leader     LeaderConfig
	Scheduling SchedulingConfig
}

type PostgresConfig struct {
	// ConnectionString in pgx URL or DSN form. Empty disables the
	// task-stat history store.
	ConnectionString string
}

type NatsConfig struct {
	// Servers of the NATS streaming cluster. Empty disables the event
	// publisher.
	Servers   []string
	ClusterID string
	Subject   string
}

type LeaderConfig struct {
	// Mode is "standalone" or "kubernetes".
	Mode          string
	InstanceName  string
	LockName      string
	LockNamespace string
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

type SchedulingConfig struct {
	ScheduleHorizon      time.Duration
	FailureRetryDelay    time.Duration
	DisableAfterFailures int64
	// FailoverTimeout is how long the resource manager keeps unacked
	// tasks attributed to this framework across a crash.
	FailoverTimeout time.Duration
}
