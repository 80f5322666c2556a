package jobstate

import (
	"database/sql/driver"
	"fmt"
)

// LoopStatus represents the state of one agent loop (planning, execution,
// or proofreading) inside a job.
//
// State transitions:
//
//	running -> yielded      (per-tick iteration budget reached)
//	running -> done         (phase completed)
//	running -> stopped      (job left the running status underneath the loop)
//	running -> guard_stop   (step or tool-call guard tripped)
//	running -> failed       (terminal loop error)
//	yielded -> running      (next scheduler tick resumes)
//	stopped -> running      (job became workable again)
type LoopStatus string

const (
	// LoopRunning indicates the loop is actively taking model turns.
	LoopRunning LoopStatus = "running"

	// LoopYielded indicates the loop gave control back to the scheduler
	// after exhausting its per-tick iteration budget. Resumable.
	LoopYielded LoopStatus = "yielded"

	// LoopStopped indicates the loop halted because the job status changed
	// underneath it (cancel, failure elsewhere). Resumable if the job
	// becomes workable again.
	LoopStopped LoopStatus = "stopped"

	// LoopDone indicates the phase completed successfully.
	LoopDone LoopStatus = "done"

	// LoopGuardStop indicates a step or tool-call guard tripped before the
	// phase could complete.
	LoopGuardStop LoopStatus = "guard_stop"

	// LoopFailed indicates the loop hit a terminal error.
	LoopFailed LoopStatus = "failed"
)

// IsValid returns true if the status is a known LoopStatus value.
func (s LoopStatus) IsValid() bool {
	switch s {
	case LoopRunning, LoopYielded, LoopStopped, LoopDone, LoopGuardStop, LoopFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the loop cannot be resumed.
func (s LoopStatus) IsTerminal() bool {
	switch s {
	case LoopDone, LoopGuardStop, LoopFailed:
		return true
	default:
		return false
	}
}

// IsResumable returns true if a scheduler tick may continue this loop.
func (s LoopStatus) IsResumable() bool {
	switch s {
	case LoopRunning, LoopYielded, LoopStopped:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s LoopStatus) String() string {
	return string(s)
}

// Value implements driver.Valuer for database serialization.
func (s LoopStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner for database deserialization.
func (s *LoopStatus) Scan(src any) error {
	switch v := src.(type) {
	case string:
		status := LoopStatus(v)
		if !status.IsValid() {
			return fmt.Errorf("jobstate: invalid loop status %q", v)
		}
		*s = status
		return nil
	case []byte:
		status := LoopStatus(v)
		if !status.IsValid() {
			return fmt.Errorf("jobstate: invalid loop status %q", v)
		}
		*s = status
		return nil
	default:
		return fmt.Errorf("jobstate: cannot scan type %T into LoopStatus", src)
	}
}
