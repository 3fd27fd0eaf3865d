package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Transition("planning", "coding")
	m.Transition("planning", "coding")
	m.Failure("rate_limit")
	m.Trip()
	m.Loop("exact_repetition")
	m.Checkpoint("created")
	m.TaskFinished(12, true)
	m.TaskFinished(3, false)
	m.WorkerStarted()
	m.SetWorkerStatus("paused")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("planning", "coding")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("rate_limit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTrips))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoopDetections.WithLabelValues("exact_repetition")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checkpoints.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerStarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerStatus.WithLabelValues("paused")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WorkerStatus.WithLabelValues("running")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Transition("idle", "initializing")
		m.Failure("network")
		m.Trip()
		m.Loop("error_loop")
		m.Checkpoint("failed")
		m.TaskFinished(1, true)
		m.WorkerStarted()
		m.SetWorkerStatus("running")
	})
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
