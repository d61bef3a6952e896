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
	function   func(ctx context.Context)
	interval   time.Duration
	metricName string
	latency    prometheus.Histogram
}

// BackgroundTaskManager runs functions periodically until stopped.
// BackgroundTaskManager is not threadsafe, it should only be accessed from a single goroutine.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	registerer    prometheus.Registerer
	ctx           context.Context
	cancel        context.CancelFunc
	wg            *sync.WaitGroup
}

// NewBackgroundTaskManager creates a manager whose latency histograms are registered with
// registerer under metricsPrefix.
func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		ctx:           ctx,
		cancel:        cancel,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts backgroundTask immediately and then once per interval.
func (m *BackgroundTaskManager) Register(backgroundTask func(ctx context.Context), interval time.Duration, metricName string) {
	t := &task{
		function:   backgroundTask,
		interval:   interval,
		metricName: metricName,
		latency: promauto.With(m.registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    m.metricsPrefix + metricName + "_latency_seconds",
				Help:    "Background loop " + metricName + " latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
			}),
	}
	m.startBackgroundTask(t)
	m.tasks = append(m.tasks, t)
}

// StopAll stops every task and waits at most timeout for them to finish.
// Returns true if the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.cancel()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(t *task) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			m.run(t)
			select {
			case <-ticker.C:
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

func (m *BackgroundTaskManager) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("task", t.metricName).Errorf("background task panicked: %v", r)
		}
	}()
	start := time.Now()
	t.function(m.ctx)
	t.latency.Observe(time.Since(start).Seconds())
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
