package task

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

type task struct {
	name     string
	function func(ctx context.Context)
	interval time.Duration
}

// BackgroundTaskManager runs functions periodically until StopAll is called.
// It is not threadsafe; register and stop tasks from a single goroutine.
type BackgroundTaskManager struct {
	tasks   []*task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	latency *prometheus.HistogramVec
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &BackgroundTaskManager{
		tasks:  []*task{},
		ctx:    ctx,
		cancel: cancel,
		wg:     &sync.WaitGroup{},
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricsPrefix + "background_task_latency_seconds",
				Help:    "Background loop latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
			},
			[]string{"task"},
		),
	}
}

// Register runs backgroundTask immediately and then every interval.
func (m *BackgroundTaskManager) Register(name string, interval time.Duration, backgroundTask func(ctx context.Context)) {
	t := &task{
		name:     name,
		function: backgroundTask,
		interval: interval,
	}
	m.startBackgroundTask(t)
	m.tasks = append(m.tasks, t)
}

// StopAll cancels every task and waits up to timeout for them to return. Returns true on timeout.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.cancel()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(t *task) {
	histogram := m.latency.WithLabelValues(t.name)
	log.Infof("Starting background task %s every %s", t.name, t.interval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			start := time.Now()
			t.function(m.ctx)
			histogram.Observe(time.Since(start).Seconds())

			select {
			case <-ticker.C:
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}
