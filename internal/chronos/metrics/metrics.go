// Package metrics registers the prometheus instruments for the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricPrefix = "chronos_"

var (
	TasksFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: MetricPrefix + "tasks_fired_total",
		Help: "Number of tasks reported as started by the resource manager",
	}, []string{"job"})

	TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: MetricPrefix + "tasks_failed_total",
		Help: "Number of task failures reported by the resource manager",
	}, []string{"job"})

	TasksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: MetricPrefix + "tasks_skipped_total",
		Help: "Number of firings skipped because they fell outside the epsilon window",
	}, []string{"job"})

	JobsDisabled = promauto.NewCounter(prometheus.CounterOpts{
		Name: MetricPrefix + "jobs_disabled_total",
		Help: "Number of jobs disabled by exhausted recurrences or failure policy",
	})

	TaskLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    MetricPrefix + "task_latency_seconds",
		Help:    "Time from a task's planned start to its completion report",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
	}, []string{"job"})

	IterationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    MetricPrefix + "iteration_duration_seconds",
		Help:    "Duration of one horizon iteration over all streams",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	Leader = promauto.NewGauge(prometheus.GaugeOpts{
		Name: MetricPrefix + "leader",
		Help: "1 while this replica is the elected leader",
	})

	PendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: MetricPrefix + "pending_tasks",
		Help: "Tasks tracked by the task manager: waiting on a delay, queued, or handed out and not yet terminal",
	})
)
