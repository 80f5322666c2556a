package jobstate

// ExecState is the execution state of a cached tool output.
//
// State transitions:
//
//	accepted_pending -> completed   (coalesced flush wrote the real output)
//	accepted_pending -> (evicted)   (lease expired before the flush)
//
// A completed output is replayed verbatim for a repeated call_id. An
// accepted_pending output is a coalescing placeholder; once its lease
// expires it is evicted and the call re-executes.
type ExecState string

const (
	ExecStateCompleted       ExecState = "completed"
	ExecStateAcceptedPending ExecState = "accepted_pending"
)

// IsValid returns true if the state is a known ExecState value.
func (s ExecState) IsValid() bool {
	switch s {
	case ExecStateCompleted, ExecStateAcceptedPending:
		return true
	default:
		return false
	}
}

// String returns the string representation of the state.
func (s ExecState) String() string {
	return string(s)
}

// CallStatus is the terminal outcome of one tool call as recorded in the
// execution trace and returned to the agent runner.
type CallStatus string

const (
	// CallOK indicates the tool executed and produced an output.
	CallOK CallStatus = "ok"

	// CallFailed indicates validation, backpressure, payload, or executor
	// failure; the error output is still cached by call_id.
	CallFailed CallStatus = "failed"

	// CallSkipped indicates an idempotency hit replayed a cached output.
	CallSkipped CallStatus = "skipped"

	// CallCoalesced indicates the call was absorbed into a debounced
	// coalescing entry; the real output arrives at flush time.
	CallCoalesced CallStatus = "coalesced"
)

// IsValid returns true if the status is a known CallStatus value.
func (s CallStatus) IsValid() bool {
	switch s {
	case CallOK, CallFailed, CallSkipped, CallCoalesced:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s CallStatus) String() string {
	return string(s)
}
