package runner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/modelio"
	"github.com/pageglot/pageglot/storage"
)

const (
	maxReportedOrphans = 20
	maxRunnerWarnings  = 50
	maxRecoveryTrace   = 12
)

// sanitizePendingInput drops function_call_output items whose call_id the
// model never issued (or no longer awaits) and duplicate outputs for the
// same call_id, keeping the first. The model API rejects outputs for
// unknown calls, so orphans must never reach a request.
func (r *Runner) sanitizePendingInput(job *storage.JobRecord, stage jobstate.Stage, items []modelio.Item) []modelio.Item {
	state := job.EnsureAgentState()
	var removed []string
	seen := map[string]bool{}
	out := make([]modelio.Item, 0, len(items))
	for _, it := range items {
		if it.Type != modelio.ItemTypeFunctionCallOutput {
			out = append(out, it)
			continue
		}
		if _, known := state.PendingToolCalls[it.CallID]; !known || seen[it.CallID] {
			removed = append(removed, it.CallID)
			continue
		}
		seen[it.CallID] = true
		out = append(out, it)
	}
	if len(removed) == 0 {
		return items
	}
	reported := removed
	if len(reported) > maxReportedOrphans {
		reported = reported[:maxReportedOrphans]
	}
	state.RunnerWarnings = append(state.RunnerWarnings, storage.RunnerWarning{
		Code:           jobstate.CodeDroppedOrphanFunctionOutputs,
		Mode:           string(stage),
		RemovedCallIDs: reported,
		Ts:             r.clock.NowMs(),
	})
	if n := len(state.RunnerWarnings); n > maxRunnerWarnings {
		state.RunnerWarnings = state.RunnerWarnings[n-maxRunnerWarnings:]
	}
	r.log.Warn("dropped orphan function outputs",
		"jobId", job.JobID,
		"mode", stage,
		"removed", len(removed))
	return out
}

// isToolStateMismatch reports whether a model-side error means the provider
// no longer recognizes our tool-call chain, for example after the response
// behind previous_response_id was evicted from its cache.
func isToolStateMismatch(err error) bool {
	re, ok := modelio.AsRequestError(err)
	if !ok || re.HTTPStatus != 400 {
		return false
	}
	if strings.Contains(strings.ToLower(re.Code), "tool") {
		return true
	}
	msg := strings.ToLower(re.Message)
	for _, needle := range []string{"tool call", "tool output", "call_id", "previous_response_id"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	if i := strings.Index(msg, "previous response"); i >= 0 {
		return strings.Contains(msg[i:], "not found")
	}
	return false
}

// buildRecoveryInput reassembles a full model input after a chain reset:
// the phase's initial input plus a synthetic user turn that summarizes
// where the loop stands so the model can continue without the lost chain.
func (r *Runner) buildRecoveryInput(job *storage.JobRecord, loop *storage.LoopRecord, ph phase) []modelio.Item {
	state := job.EnsureAgentState()
	var b strings.Builder
	fmt.Fprintf(&b, "The previous conversation state was lost and has been reset. Mode: %s. Loop iteration: %d.\n", ph.stage(), loop.Iteration)

	trace := state.ToolExecutionTrace
	if len(trace) > maxRecoveryTrace {
		trace = trace[len(trace)-maxRecoveryTrace:]
	}
	if len(trace) > 0 {
		b.WriteString("Recent tool executions:\n")
		for _, tr := range trace {
			fmt.Fprintf(&b, "- %s -> %s", tr.ToolName, tr.Status)
			if tr.CallID != "" {
				fmt.Fprintf(&b, " (call %s)", tr.CallID)
			}
			b.WriteString("\n")
		}
	}

	if len(state.PendingToolCalls) > 0 {
		ids := make([]string, 0, len(state.PendingToolCalls))
		for id := range state.PendingToolCalls {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		b.WriteString("Tool calls already executed and awaiting acknowledgement:\n")
		for _, id := range ids {
			fmt.Fprintf(&b, "- %s (call %s)\n", state.PendingToolCalls[id].ToolName, id)
		}
	}
	b.WriteString("Do not resend outputs for the calls listed above. Continue from the current job state.")

	items := append([]modelio.Item{}, ph.initialInput(job)...)
	return append(items, modelio.UserMessage(b.String()))
}
