package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AlertRaised()
	m.AlertRaised()
	m.Dispatch("email", true)
	m.Dispatch("email", false)
	m.Dispatch("email", false)
	m.TaskDone("evaluate", TaskFailed)
	m.SetQueueDepth(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.alertsRaised))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatches.WithLabelValues("email", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("evaluate", TaskFailed)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AlertRaised()
		m.AlertSuppressed()
		m.Dispatch("log", true)
		m.TaskDone("evaluate", TaskSucceeded)
		m.TaskDropped("evaluate")
		m.SampleIngested()
		m.SetQueueDepth(1)
		m.WorkflowExecution("completed")
		m.ActionOutcome("notify", "success")
	})
}
