package jobstate

// RuntimeStatus is the scheduler-facing status of a job's runtime record.
// It mirrors the scheduler's view, not the job lifecycle: a job in status
// planning may be QUEUED (waiting for a retry slot) or RUNNING (a step is
// executing) or IDLE (awaiting user input, no lease held).
type RuntimeStatus string

const (
	RuntimeIdle      RuntimeStatus = "IDLE"
	RuntimeQueued    RuntimeStatus = "QUEUED"
	RuntimeRunning   RuntimeStatus = "RUNNING"
	RuntimeDone      RuntimeStatus = "DONE"
	RuntimeFailed    RuntimeStatus = "FAILED"
	RuntimeCancelled RuntimeStatus = "CANCELLED"
)

// IsValid returns true if the status is a known RuntimeStatus value.
func (s RuntimeStatus) IsValid() bool {
	switch s {
	case RuntimeIdle, RuntimeQueued, RuntimeRunning, RuntimeDone,
		RuntimeFailed, RuntimeCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for runtime statuses of finished jobs.
func (s RuntimeStatus) IsTerminal() bool {
	switch s {
	case RuntimeDone, RuntimeFailed, RuntimeCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s RuntimeStatus) String() string {
	return string(s)
}

// InflightStatus is the status of a row in the durable in-flight request
// table owned by the remote-executor transport.
//
// Lifecycle: a row is created pending on dispatch, heartbeated while
// streaming, and moved to done/failed/cancelled. A pending row whose lease
// expired is abandoned: the sweeper either adopts a cached result or fails
// the row.
type InflightStatus string

const (
	InflightPending   InflightStatus = "pending"
	InflightDone      InflightStatus = "done"
	InflightFailed    InflightStatus = "failed"
	InflightCancelled InflightStatus = "cancelled"
)

// IsValid returns true if the status is a known InflightStatus value.
func (s InflightStatus) IsValid() bool {
	switch s {
	case InflightPending, InflightDone, InflightFailed, InflightCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the row will never be dispatched again.
func (s InflightStatus) IsTerminal() bool {
	switch s {
	case InflightDone, InflightFailed, InflightCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s InflightStatus) String() string {
	return string(s)
}

// RequestMode distinguishes streaming from non-streaming remote requests.
type RequestMode string

const (
	RequestModeStream    RequestMode = "stream"
	RequestModeNonStream RequestMode = "nonstream"
)

// String returns the string representation of the mode.
func (m RequestMode) String() string {
	return string(m)
}
