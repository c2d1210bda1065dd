package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type task struct {
	function    func()
	interval    time.Duration
	metricName  string
	stopChannel chan bool
}

// BackgroundTaskManager runs periodic maintenance functions (metric
// refreshes and the like) on their own goroutines. It is not threadsafe;
// register everything from the wiring goroutine before serving.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		wg:            &sync.WaitGroup{},
	}
}

func (m *BackgroundTaskManager) Register(backgroundTask func(), interval time.Duration, metricName string) {
	t := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan bool),
	}
	m.startBackgroundTask(t)
	m.tasks = append(m.tasks, t)
}

// StopAll signals every task to stop and waits up to timeout for them to
// finish their current run.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	for _, t := range m.tasks {
		close(t.stopChannel)
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (m *BackgroundTaskManager) startBackgroundTask(t *task) {
	taskDurationHistogram := promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + t.metricName + "_latency_seconds",
			Help:    "Background loop " + t.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			start := time.Now()
			t.function()
			taskDurationHistogram.Observe(time.Since(start).Seconds())
			select {
			case <-time.After(t.interval):
			case <-t.stopChannel:
				return
			}
		}
	}()
}
