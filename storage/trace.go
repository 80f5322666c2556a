package storage

import "github.com/pageglot/pageglot/jobstate"

// ToolTraceRecord is one entry of the tool execution trace (record v1).
// Timestamps are epoch milliseconds.
type ToolTraceRecord struct {
	Seq         int                 `json:"seq"`
	TsStart     int64               `json:"tsStart"`
	TsEnd       int64               `json:"tsEnd"`
	ResponseID  string              `json:"responseId,omitempty"`
	CallID      string              `json:"callId,omitempty"`
	Stage       jobstate.Stage      `json:"stage,omitempty"`
	ToolName    string              `json:"toolName"`
	ToolVersion string              `json:"toolVersion"`
	ArgsHash    string              `json:"argsHash"`
	Status      jobstate.CallStatus `json:"status"`
	ErrorCode   string              `json:"errorCode,omitempty"`

	// ResultPreview is capped at 280 characters.
	ResultPreview string `json:"resultPreview"`

	QoS          TraceQoS `json:"qos"`
	LeaseUntilTs int64    `json:"leaseUntilTs,omitempty"`
}

// TraceQoS carries the queue and coalescing conditions at execution time.
type TraceQoS struct {
	QueueDepth     int   `json:"queueDepth"`
	DebounceMs     int   `json:"debounceMs"`
	CoalescedCount int   `json:"coalescedCount,omitempty"`
	LatencyMs      int64 `json:"latencyMs,omitempty"`
}

// Report is a user-visible report line appended by tools or the runner.
type Report struct {
	Level string `json:"level"`
	Text  string `json:"text"`
	Code  string `json:"code,omitempty"`
	Ts    int64  `json:"ts"`
}

// ChecklistEntry is one item of the agent's progress checklist.
type ChecklistEntry struct {
	Item   string `json:"item"`
	Status string `json:"status"`
	Ts     int64  `json:"ts"`
}

// Audit is one progress-audit note.
type Audit struct {
	Kind string `json:"kind"`
	Note string `json:"note,omitempty"`
	Ts   int64  `json:"ts"`
}

// RunnerWarning is a bounded warning recorded by the agent runner, for
// example when orphan function outputs were dropped from pending input.
type RunnerWarning struct {
	Code           jobstate.Code `json:"code"`
	Mode           string        `json:"mode"`
	RemovedCallIDs []string      `json:"removedCallIds,omitempty"`
	Ts             int64         `json:"ts"`
}
