package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report task execution.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	taskOutcomes  *prometheus.CounterVec
	taskRetries   prometheus.Counter
	tasksActive   prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered
// with the global Prometheus registry, created only once to avoid
// duplicate registration panics when multiple orchestrators exist in
// one process.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs the collectors against the provided
// registerer. Tests pass a fresh registry; a duplicate registration of
// a matching collector is reused rather than failed.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex",
			Subsystem: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each workflow stage execution.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)
	taskOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "orchestrator",
			Name:      "task_outcomes_total",
			Help:      "Terminal task outcomes by status.",
		},
		[]string{"status"},
	)
	taskRetries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "orchestrator",
			Name:      "task_retries_total",
			Help:      "Failed task executions that were re-queued.",
		},
	)
	tasksActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "orchestrator",
			Name:      "tasks_active",
			Help:      "Tasks currently executing.",
		},
	)

	for _, collector := range []prometheus.Collector{stageDuration, taskOutcomes, taskRetries, tasksActive} {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector.(type) {
				case *prometheus.HistogramVec:
					stageDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					taskOutcomes = already.ExistingCollector.(*prometheus.CounterVec)
				// Gauge must precede Counter: every Gauge also satisfies
				// the Counter interface.
				case prometheus.Gauge:
					tasksActive = already.ExistingCollector.(prometheus.Gauge)
				case prometheus.Counter:
					taskRetries = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		stageDuration: stageDuration,
		taskOutcomes:  taskOutcomes,
		taskRetries:   taskRetries,
		tasksActive:   tasksActive,
	}
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage, status string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// CountOutcome records a terminal task status.
func (m *Metrics) CountOutcome(status string) {
	if m == nil || m.taskOutcomes == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(status).Inc()
}

// CountRetry records a failed execution that was re-queued.
func (m *Metrics) CountRetry() {
	if m == nil || m.taskRetries == nil {
		return
	}
	m.taskRetries.Inc()
}

// TaskStarted and TaskEnded track the active-task gauge.
func (m *Metrics) TaskStarted() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Inc()
}

func (m *Metrics) TaskEnded() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Dec()
}
