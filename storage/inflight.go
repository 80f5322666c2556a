package storage

import (
	"encoding/json"

	"github.com/pageglot/pageglot/jobstate"
)

// InflightRow is the durable record of one remote model request. Rows are
// created on dispatch, heartbeated while streaming, and moved to a terminal
// status; terminal rows keep RawResult until a retention sweep removes them.
//
// A pending row whose LeaseUntilTs has passed is abandoned: the sweeper
// either adopts a cached result or fails it.
type InflightRow struct {
	RequestID   string `json:"requestId"`
	RequestKey  string `json:"requestKey"`
	PayloadHash string `json:"payloadHash,omitempty"`
	TaskType    string `json:"taskType,omitempty"`
	Attempt     int    `json:"attempt"`

	Status jobstate.InflightStatus `json:"status"`
	Mode   jobstate.RequestMode    `json:"mode"`
	Stage  jobstate.Stage          `json:"stage,omitempty"`

	Meta InflightMeta `json:"meta"`

	StartedAt         int64 `json:"startedAt"`
	AttemptDeadlineTs int64 `json:"attemptDeadlineTs,omitempty"`
	LeaseUntilTs      int64 `json:"leaseUntilTs,omitempty"`

	StreamPreview string          `json:"streamPreview,omitempty"`
	RawResult     json.RawMessage `json:"rawResult,omitempty"`
	Error         *ErrorInfo      `json:"error,omitempty"`
}

// InflightMeta ties a request back to the job and block it serves.
type InflightMeta struct {
	JobID   string `json:"jobId,omitempty"`
	BlockID string `json:"blockId,omitempty"`
	TabID   int    `json:"tabId,omitempty"`
}

// Expired reports whether a pending row's lease has passed.
func (r *InflightRow) Expired(nowMs int64) bool {
	return r.Status == jobstate.InflightPending && r.LeaseUntilTs > 0 && r.LeaseUntilTs < nowMs
}
