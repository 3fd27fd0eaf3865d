// Package metrics exposes the control plane's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "conductor"

var workerStatuses = []string{"stopped", "running", "paused", "crashed"}

// Metrics groups every collector. A nil *Metrics records nothing.
type Metrics struct {
	Transitions    *prometheus.CounterVec
	Failures       *prometheus.CounterVec
	BreakerTrips   prometheus.Counter
	LoopDetections *prometheus.CounterVec
	Checkpoints    *prometheus.CounterVec
	TasksCompleted prometheus.Counter
	WorkerStarts   prometheus.Counter
	WorkerStatus   *prometheus.GaugeVec
	TaskDuration   prometheus.Histogram
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Lifecycle state transitions by source and target state.",
		}, []string{"from", "to"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Worker failures by classified kind.",
		}, []string{"kind"}),
		BreakerTrips: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Times the failure tracker tripped.",
		}),
		LoopDetections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_detections_total",
			Help:      "Loop patterns detected in worker output by type.",
		}, []string{"pattern"}),
		Checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint operations by outcome.",
		}, []string{"outcome"}),
		TasksCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks the worker finished successfully.",
		}),
		WorkerStarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_starts_total",
			Help:      "Worker process launches.",
		}),
		WorkerStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_status",
			Help:      "1 for the worker's current status, 0 otherwise.",
		}, []string{"status"}),
		TaskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of worker runs, successful or not.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
}

// Transition counts a lifecycle transition.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

// Failure counts a classified failure.
func (m *Metrics) Failure(kind string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(kind).Inc()
}

// Trip counts a failure-tracker trip.
func (m *Metrics) Trip() {
	if m == nil {
		return
	}
	m.BreakerTrips.Inc()
}

// Loop counts a detected loop pattern.
func (m *Metrics) Loop(pattern string) {
	if m == nil {
		return
	}
	m.LoopDetections.WithLabelValues(pattern).Inc()
}

// Checkpoint counts a checkpoint operation outcome.
func (m *Metrics) Checkpoint(outcome string) {
	if m == nil {
		return
	}
	m.Checkpoints.WithLabelValues(outcome).Inc()
}

// TaskFinished observes a run's duration and counts it when it succeeded.
func (m *Metrics) TaskFinished(seconds float64, succeeded bool) {
	if m == nil {
		return
	}
	m.TaskDuration.Observe(seconds)
	if succeeded {
		m.TasksCompleted.Inc()
	}
}

// WorkerStarted counts a worker launch.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.WorkerStarts.Inc()
}

// SetWorkerStatus marks status as the current one.
func (m *Metrics) SetWorkerStatus(status string) {
	if m == nil {
		return
	}
	for _, s := range workerStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.WorkerStatus.WithLabelValues(s).Set(v)
	}
}
