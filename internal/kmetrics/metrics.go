// Package kmetrics exposes the kernel's Prometheus instrumentation: one
// counter/gauge/histogram per component named in the orchestration spec's
// observability surface, registered against a private registry rather
// than the global default (the same isolation pattern the pack's gateway
// metrics tests use against prometheus.NewRegistry()).
package kmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the kernel emits during dispatch,
// heartbeat tracking, the validation loop, and supervisor actions.
type Metrics struct {
	Registry *prometheus.Registry

	DispatchLatency      *prometheus.HistogramVec
	HeartbeatMissedTotal *prometheus.CounterVec
	ValidationIterations *prometheus.HistogramVec
	SupervisorActions    *prometheus.CounterVec
	TaskQueueDepth       *prometheus.GaugeVec
	DiagnosticRunsTotal  *prometheus.CounterVec
}

// New builds a Metrics bundle registered against a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kernel_task_dispatch_latency_seconds",
			Help:    "Time from task becoming ready to agent assignment.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase_id"}),
		HeartbeatMissedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_agent_heartbeat_missed_total",
			Help: "Total heartbeat deadlines missed by an agent.",
		}, []string{"agent_type"}),
		ValidationIterations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kernel_validation_iterations",
			Help:    "Number of validation iterations a task went through before a terminal verdict.",
			Buckets: []float64{1, 2, 3, 4, 5, 10},
		}, []string{"phase_id"}),
		SupervisorActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_supervisor_actions_total",
			Help: "Total supervisor actions issued, by action type.",
		}, []string{"action_type"}),
		TaskQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kernel_task_queue_depth",
			Help: "Pending tasks per phase awaiting dispatch.",
		}, []string{"phase_id"}),
		DiagnosticRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_diagnostic_runs_total",
			Help: "Total diagnostic runs triggered for stuck workflows.",
		}, []string{"trigger_reason"}),
	}

	reg.MustRegister(
		m.DispatchLatency,
		m.HeartbeatMissedTotal,
		m.ValidationIterations,
		m.SupervisorActions,
		m.TaskQueueDepth,
		m.DiagnosticRunsTotal,
	)
	return m
}
