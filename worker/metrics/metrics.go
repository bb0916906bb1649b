package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "image_batch"

// Metrics holds the scheduler collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	activeWorkers   prometheus.Gauge
	ceiling         prometheus.Gauge
	dispatched      prometheus.Counter
	taskOutcomes    *prometheus.CounterVec
	queuesFinalized *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "active_workers",
			Help:      "Number of tasks currently executing",
		}),
		ceiling: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "concurrency_ceiling",
			Help:      "Maximum number of tasks allowed to execute at once",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dispatched_total",
			Help:      "Total number of tasks handed to a worker",
		}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "outcomes_total",
			Help:      "Task attempts by outcome",
		}, []string{"outcome"}), // completed, failed, retried, interrupted
		queuesFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "finalized_total",
			Help:      "Queues that reached a terminal status",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Duration of a single task attempt",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.activeWorkers,
		m.ceiling,
		m.dispatched,
		m.taskOutcomes,
		m.queuesFinalized,
		m.taskDuration,
	)
	return m
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.activeWorkers.Set(float64(n))
}

func (m *Metrics) SetCeiling(n int) {
	if m == nil {
		return
	}
	m.ceiling.Set(float64(n))
}

func (m *Metrics) Dispatched() {
	if m == nil {
		return
	}
	m.dispatched.Inc()
}

func (m *Metrics) TaskFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(outcome).Inc()
	m.taskDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) QueueFinalized(status string) {
	if m == nil {
		return
	}
	m.queuesFinalized.WithLabelValues(status).Inc()
}
