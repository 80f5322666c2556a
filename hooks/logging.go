package hooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/storage"
)

// LoggingHooks logs lifecycle events through slog.
type LoggingHooks struct {
	logger *slog.Logger
}

// NewLoggingHooks creates logging hooks writing to logger, or slog.Default()
// when nil.
func NewLoggingHooks(logger *slog.Logger) *LoggingHooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingHooks{logger: logger}
}

// Attach registers every logging hook on r.
func (h *LoggingHooks) Attach(r *Registry) {
	r.OnJobTransition(h.JobTransition)
	r.OnLoopFinish(h.LoopFinish)
	r.OnToolExecuted(h.ToolExecuted)
	r.OnStepDone(h.StepDone)
}

// JobTransition logs job status changes.
func (h *LoggingHooks) JobTransition(ctx context.Context, jobID string, from, to jobstate.JobStatus) error {
	h.logger.InfoContext(ctx, "job transition", "jobId", jobID, "from", from, "to", to)
	return nil
}

// LoopFinish logs agent-loop completion.
func (h *LoggingHooks) LoopFinish(ctx context.Context, jobID string, stage jobstate.Stage, status jobstate.LoopStatus) error {
	h.logger.InfoContext(ctx, "agent loop finished", "jobId", jobID, "stage", stage, "status", status)
	return nil
}

// ToolExecuted logs settled tool calls.
func (h *LoggingHooks) ToolExecuted(ctx context.Context, jobID string, trace storage.ToolTraceRecord) error {
	if trace.ErrorCode != "" {
		h.logger.WarnContext(ctx, "tool failed",
			"jobId", jobID, "tool", trace.ToolName, "callId", trace.CallID,
			"code", trace.ErrorCode, "latencyMs", trace.QoS.LatencyMs)
		return nil
	}
	h.logger.DebugContext(ctx, "tool executed",
		"jobId", jobID, "tool", trace.ToolName, "callId", trace.CallID,
		"status", trace.Status, "latencyMs", trace.QoS.LatencyMs)
	return nil
}

// StepDone logs completed scheduler steps.
func (h *LoggingHooks) StepDone(ctx context.Context, jobID string, status jobstate.JobStatus, took time.Duration) error {
	h.logger.DebugContext(ctx, "step done", "jobId", jobID, "status", status, "tookMs", took.Milliseconds())
	return nil
}
