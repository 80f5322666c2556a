// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pageglot"

// Metrics holds every collector the orchestrator records into. Construct it
// with New; a Metrics built against a nil registerer still records, it just
// is not scraped anywhere.
type Metrics struct {
	// StepDuration observes scheduler step latency per stage.
	StepDuration *prometheus.HistogramVec

	// ToolExecutions counts settled tool calls by tool and status.
	ToolExecutions *prometheus.CounterVec

	// ToolQueueDepth tracks the per-tool execution queue depth.
	ToolQueueDepth *prometheus.GaugeVec

	// DispatchQueueLength tracks the remote-executor dispatch queue length.
	DispatchQueueLength prometheus.Gauge

	// CoalesceFlushes counts debounce-window flushes by tool.
	CoalesceFlushes *prometheus.CounterVec

	// Sweeps counts sweeper cycles that expired at least one lease.
	Sweeps prometheus.Counter

	// ModelRequestDuration observes end-to-end model request latency by
	// task type and outcome.
	ModelRequestDuration *prometheus.HistogramVec
}

// New builds and registers all collectors against reg. Pass
// prometheus.DefaultRegisterer to publish on the default registry, or a
// fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Scheduler step latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"stage"}),

		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Settled tool calls by tool and status",
		}, []string{"tool", "status"}),

		ToolQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tool_queue_depth",
			Help:      "Queued executions per tool",
		}, []string{"tool"}),

		DispatchQueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_length",
			Help:      "Requests waiting in the remote-executor dispatch queue",
		}),

		CoalesceFlushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesce_flushes_total",
			Help:      "Debounce-window flushes by tool",
		}, []string{"tool"}),

		Sweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Sweeper cycles that expired at least one lease",
		}),

		ModelRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_request_duration_seconds",
			Help:      "Model request latency in seconds by task type and outcome",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		}, []string{"task_type", "status"}),
	}
}

// ObserveStep records one scheduler step.
func (m *Metrics) ObserveStep(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordToolExecution records one settled tool call.
func (m *Metrics) RecordToolExecution(tool, status string) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
}

// SetToolQueueDepth publishes the current queue depth for a tool.
func (m *Metrics) SetToolQueueDepth(tool string, depth int) {
	if m == nil {
		return
	}
	m.ToolQueueDepth.WithLabelValues(tool).Set(float64(depth))
}

// SetDispatchQueueLength publishes the dispatch queue length.
func (m *Metrics) SetDispatchQueueLength(n int) {
	if m == nil {
		return
	}
	m.DispatchQueueLength.Set(float64(n))
}

// RecordCoalesceFlush records one debounce-window flush.
func (m *Metrics) RecordCoalesceFlush(tool string) {
	if m == nil {
		return
	}
	m.CoalesceFlushes.WithLabelValues(tool).Inc()
}

// RecordSweep records one sweeper cycle that expired leases.
func (m *Metrics) RecordSweep() {
	if m == nil {
		return
	}
	m.Sweeps.Inc()
}

// ObserveModelRequest records one model request round trip.
func (m *Metrics) ObserveModelRequest(taskType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ModelRequestDuration.WithLabelValues(taskType, status).Observe(seconds)
}
