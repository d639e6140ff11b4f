package kmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew_RegistersAllCollectors(t *testing.T) {
	m := New()

	m.DispatchLatency.WithLabelValues("implementation").Observe(0.5)
	m.HeartbeatMissedTotal.WithLabelValues("worker").Inc()
	m.ValidationIterations.WithLabelValues("implementation").Observe(2)
	m.SupervisorActions.WithLabelValues("cancel_task").Inc()
	m.TaskQueueDepth.WithLabelValues("implementation").Set(3)
	m.DiagnosticRunsTotal.WithLabelValues("stuck_workflow").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.HeartbeatMissedTotal.WithLabelValues("worker")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SupervisorActions.WithLabelValues("cancel_task")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.TaskQueueDepth.WithLabelValues("implementation")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DiagnosticRunsTotal.WithLabelValues("stuck_workflow")))

	count, err := testutil.GatherAndCount(m.Registry)
	assert.NoError(t, err)
	assert.Equal(t, 6, count)
}
