// Package metrics holds the Prometheus collectors of the automation core.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rmm"

// Task outcomes recorded by the worker pool.
const (
	TaskSucceeded = "success"
	TaskFailed    = "failure"
	TaskPanicked  = "panic"
)

// Metrics groups the collectors shared by the pipeline components.
type Metrics struct {
	queueDepth         prometheus.Gauge
	tasks              *prometheus.CounterVec
	tasksDropped       *prometheus.CounterVec
	samplesIngested    prometheus.Counter
	alertsRaised       prometheus.Counter
	alertsSuppressed   prometheus.Counter
	dispatches         *prometheus.CounterVec
	workflowExecutions *prometheus.CounterVec
	actionOutcomes     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Number of tasks waiting in the worker queue.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Tasks processed by the worker pool, by task name and outcome.",
		}, []string{"task", "outcome"}),
		tasksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tasks_dropped_total",
			Help:      "Tasks rejected because the worker queue was full.",
		}, []string{"task"}),
		samplesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "samples_total",
			Help:      "Telemetry samples accepted at the ingestion boundary.",
		}),
		alertsRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "alerts_raised_total",
			Help:      "Alerts persisted by the alert sink.",
		}),
		alertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "alerts_suppressed_total",
			Help:      "Alert intents coalesced by the dedup strategy.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "dispatches_total",
			Help:      "Notification dispatches by channel and result.",
		}, []string{"channel", "result"}),
		workflowExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "executions_total",
			Help:      "Workflow executions by final state.",
		}, []string{"state"}),
		actionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "action_outcomes_total",
			Help:      "Executed workflow actions by kind and status.",
		}, []string{"action", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.queueDepth,
			m.tasks,
			m.tasksDropped,
			m.samplesIngested,
			m.alertsRaised,
			m.alertsSuppressed,
			m.dispatches,
			m.workflowExecutions,
			m.actionOutcomes,
		)
	}
	return m
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) TaskDone(task, outcome string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(task, outcome).Inc()
}

func (m *Metrics) TaskDropped(task string) {
	if m == nil {
		return
	}
	m.tasksDropped.WithLabelValues(task).Inc()
}

func (m *Metrics) SampleIngested() {
	if m == nil {
		return
	}
	m.samplesIngested.Inc()
}

func (m *Metrics) AlertRaised() {
	if m == nil {
		return
	}
	m.alertsRaised.Inc()
}

func (m *Metrics) AlertSuppressed() {
	if m == nil {
		return
	}
	m.alertsSuppressed.Inc()
}

// Dispatch records one notification attempt. ok=false covers timeouts.
func (m *Metrics) Dispatch(channel string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.dispatches.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) WorkflowExecution(state string) {
	if m == nil {
		return
	}
	m.workflowExecutions.WithLabelValues(state).Inc()
}

func (m *Metrics) ActionOutcome(action, status string) {
	if m == nil {
		return
	}
	m.actionOutcomes.WithLabelValues(action, status).Inc()
}
