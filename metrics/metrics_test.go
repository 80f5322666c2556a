package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordToolExecution("page.apply_delta", "ok")
	m.RecordToolExecution("page.apply_delta", "ok")
	m.RecordToolExecution("page.apply_delta", "error")
	m.RecordCoalesceFlush("page.apply_delta")
	m.RecordSweep()

	if got := testutil.ToFloat64(m.ToolExecutions.WithLabelValues("page.apply_delta", "ok")); got != 2 {
		t.Errorf("tool_executions ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutions.WithLabelValues("page.apply_delta", "error")); got != 1 {
		t.Errorf("tool_executions error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CoalesceFlushes.WithLabelValues("page.apply_delta")); got != 1 {
		t.Errorf("coalesce_flushes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Sweeps); got != 1 {
		t.Errorf("sweeps = %v, want 1", got)
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetToolQueueDepth("translator.translate_block_stream", 7)
	m.SetDispatchQueueLength(42)
	m.SetToolQueueDepth("translator.translate_block_stream", 3)

	if got := testutil.ToFloat64(m.ToolQueueDepth.WithLabelValues("translator.translate_block_stream")); got != 3 {
		t.Errorf("tool_queue_depth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.DispatchQueueLength); got != 42 {
		t.Errorf("dispatch_queue_length = %v, want 42", got)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics

	m.ObserveStep("execution", 0.1)
	m.RecordToolExecution("proof.finish", "ok")
	m.SetToolQueueDepth("proof.finish", 1)
	m.SetDispatchQueueLength(0)
	m.RecordCoalesceFlush("proof.finish")
	m.RecordSweep()
	m.ObserveModelRequest("planning", "ok", 1.5)
}
