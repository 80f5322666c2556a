package jobstate

// Code is a machine-readable error code surfaced in reports, trace records,
// tool outputs, and the job runtime lastError. Codes travel inside persisted
// records and across the worker port; they are not Go error identities.
type Code string

const (
	// =========================================================================
	// Component availability
	// =========================================================================

	CodePlannerUnavailable      Code = "PLANNER_UNAVAILABLE"
	CodeExecutorUnavailable     Code = "EXECUTOR_UNAVAILABLE"
	CodeProofreaderUnavailable  Code = "PROOFREADER_UNAVAILABLE"
	CodeToolRegistryUnavailable Code = "TOOL_REGISTRY_UNAVAILABLE"

	// =========================================================================
	// Agent loop
	// =========================================================================

	CodeAgentLoopGuardStop           Code = "AGENT_LOOP_GUARD_STOP"
	CodeAgentNoProgress              Code = "AGENT_NO_PROGRESS"
	CodePlanningRequestFailed        Code = "PLANNING_REQUEST_FAILED"
	CodeExecutionRequestFailed       Code = "EXECUTION_REQUEST_FAILED"
	CodeProofreadingRequestFailed    Code = "PROOFREADING_REQUEST_FAILED"
	CodePlanningFallbackFailed       Code = "PLANNING_FALLBACK_FAILED"
	CodePlanningFallbackTaxonomy     Code = "PLANNING_FALLBACK_TAXONOMY_FAILED"
	CodePlanningFallbackPipeline     Code = "PLANNING_FALLBACK_PIPELINE_FAILED"
	CodePlanningFallbackIncomplete   Code = "PLANNING_FALLBACK_FINISH_INCOMPLETE"
	CodePlanningFallbackAsk          Code = "PLANNING_FALLBACK_ASK_FAILED"
	CodePlanningFallbackError        Code = "PLANNING_FALLBACK_ERROR"
	CodeToolStateMismatchRecovery    Code = "TOOL_STATE_MISMATCH_RECOVERY"
	CodeDroppedOrphanFunctionOutputs Code = "DROPPED_ORPHAN_FUNCTION_OUTPUTS"

	// =========================================================================
	// Tool execution engine
	// =========================================================================

	CodeToolArgsInvalid      Code = "TOOL_ARGS_INVALID"
	CodeToolQueueBackpressure Code = "TOOL_QUEUE_BACKPRESSURE"
	CodeToolPayloadTooLarge  Code = "TOOL_PAYLOAD_TOO_LARGE"
	CodeToolExecFailed       Code = "TOOL_EXEC_FAILED"

	// =========================================================================
	// Offscreen transport
	// =========================================================================

	CodeOffscreenUnavailable      Code = "OFFSCREEN_UNAVAILABLE"
	CodeOffscreenPortDisconnected Code = "OFFSCREEN_PORT_DISCONNECTED"
	CodeOffscreenRequestTimeout   Code = "OFFSCREEN_REQUEST_TIMEOUT"
	CodeOffscreenBackpressure     Code = "OFFSCREEN_BACKPRESSURE"
	CodeOffscreenRequestLost      Code = "OFFSCREEN_REQUEST_LOST"
	CodeOffscreenExecuteFailed    Code = "OFFSCREEN_EXECUTE_FAILED"

	// =========================================================================
	// Scheduling
	// =========================================================================

	CodeLeaseExpired           Code = "LEASE_EXPIRED"
	CodeLeaseExpiredNoRecovery Code = "LEASE_EXPIRED_NO_RECOVERY"
	CodeNoProgressWatchdog     Code = "NO_PROGRESS_WATCHDOG"
	CodeTabGone                Code = "TAB_GONE"
	CodeContentScriptNoAck     Code = "CS_NO_ACK"
	CodeTimeout                Code = "TIMEOUT"
	CodeAborted                Code = "ABORTED"
)

// String returns the string representation of the code.
func (c Code) String() string {
	return string(c)
}

// Retryable reports whether a job-level error with this code defaults to a
// scheduled retry rather than a terminal failure. The scheduler's retry
// policy consults this map and may still exhaust attempts.
//
// NO_PROGRESS_WATCHDOG is always terminal. ABORTED is never retried.
func (c Code) Retryable() bool {
	switch c {
	case CodePlannerUnavailable, CodeExecutorUnavailable, CodeProofreaderUnavailable,
		CodeToolRegistryUnavailable,
		CodePlanningRequestFailed, CodeExecutionRequestFailed, CodeProofreadingRequestFailed,
		CodeOffscreenUnavailable, CodeOffscreenPortDisconnected, CodeOffscreenRequestTimeout,
		CodeOffscreenBackpressure, CodeOffscreenRequestLost, CodeOffscreenExecuteFailed,
		CodeLeaseExpired, CodeContentScriptNoAck, CodeTimeout:
		return true
	default:
		return false
	}
}
