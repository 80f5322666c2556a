// Package jobstate provides the state machine definitions for translation
// jobs and their agent loops.
//
// A job moves through three agent phases (planning, execution, proofreading),
// each a restart-safe loop over model turns. The job status is the outer
// state machine driven by the scheduler; loop status is the inner one driven
// by the agent runner.
//
// Job state machine:
//
//	preparing -> planning               (page scan delivered)
//	planning -> awaiting_categories     (plan complete, user picks categories)
//	awaiting_categories -> running      (categories selected)
//	running -> completing               (all blocks translated, proofreading)
//	running -> done                     (proofreading disabled)
//	completing -> done                  (proofreading finished)
//	* -> cancelled                      (user/system cancellation)
//	* -> failed                         (terminal error)
//
// Terminal statuses (done, cancelled, failed) cannot transition further.
package jobstate

import (
	"database/sql/driver"
	"fmt"
)

// JobStatus represents the lifecycle status of a translation job.
type JobStatus string

const (
	// JobStatusPreparing indicates the job is created and waiting for the
	// page scan to deliver translatable blocks.
	JobStatusPreparing JobStatus = "preparing"

	// JobStatusPlanning indicates the planning agent loop is driving the
	// taxonomy, pipeline, and category analysis.
	JobStatusPlanning JobStatus = "planning"

	// JobStatusAwaitingCategories indicates planning finished and the job
	// is idle until the user selects categories.
	JobStatusAwaitingCategories JobStatus = "awaiting_categories"

	// JobStatusRunning indicates the execution agent loop is translating
	// the pending blocks.
	JobStatusRunning JobStatus = "running"

	// JobStatusCompleting indicates translation finished and the
	// proofreading agent loop is reviewing blocks.
	JobStatusCompleting JobStatus = "completing"

	// JobStatusDone indicates the job finished successfully.
	JobStatusDone JobStatus = "done"

	// JobStatusFailed indicates the job failed with a terminal error.
	// The runtime lastError fields carry the classified code.
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled indicates the job was cancelled.
	JobStatusCancelled JobStatus = "cancelled"
)

// AllStatuses returns all possible job statuses.
func AllStatuses() []JobStatus {
	return []JobStatus{
		JobStatusPreparing,
		JobStatusPlanning,
		JobStatusAwaitingCategories,
		JobStatusRunning,
		JobStatusCompleting,
		JobStatusDone,
		JobStatusFailed,
		JobStatusCancelled,
	}
}

// TerminalStatuses returns all terminal (final) statuses.
func TerminalStatuses() []JobStatus {
	return []JobStatus{
		JobStatusDone,
		JobStatusFailed,
		JobStatusCancelled,
	}
}

// WorkableStatuses returns all statuses the scheduler actively works on.
// awaiting_categories is excluded: the job idles without a lease until the
// user selects categories.
func WorkableStatuses() []JobStatus {
	return []JobStatus{
		JobStatusPreparing,
		JobStatusPlanning,
		JobStatusRunning,
		JobStatusCompleting,
	}
}

// IsValid returns true if the status is a known JobStatus value.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPreparing, JobStatusPlanning, JobStatusAwaitingCategories,
		JobStatusRunning, JobStatusCompleting, JobStatusDone, JobStatusFailed,
		JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status is a terminal (final) status.
// Terminal statuses cannot transition to any other status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsWorkable returns true if the scheduler should hold a lease and drive
// the job forward in this status.
func (s JobStatus) IsWorkable() bool {
	switch s {
	case JobStatusPreparing, JobStatusPlanning, JobStatusRunning, JobStatusCompleting:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if a transition from this status to the
// target status is valid.
//
// Valid transitions:
//   - preparing -> planning
//   - planning -> awaiting_categories
//   - awaiting_categories -> running
//   - running -> completing
//   - running -> done (proofreading disabled)
//   - completing -> done
//   - any non-terminal -> failed | cancelled
//
// Invalid transitions:
//   - Any terminal status to any other status
//   - Same status to same status (no-op)
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if s == target {
		return false
	}
	if target == JobStatusFailed || target == JobStatusCancelled {
		return true
	}

	switch s {
	case JobStatusPreparing:
		return target == JobStatusPlanning
	case JobStatusPlanning:
		return target == JobStatusAwaitingCategories
	case JobStatusAwaitingCategories:
		return target == JobStatusRunning
	case JobStatusRunning:
		return target == JobStatusCompleting || target == JobStatusDone
	case JobStatusCompleting:
		return target == JobStatusDone
	}

	return false
}

// String returns the string representation of the status.
func (s JobStatus) String() string {
	return string(s)
}

// Value implements driver.Valuer for database serialization.
func (s JobStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner for database deserialization.
func (s *JobStatus) Scan(src any) error {
	switch v := src.(type) {
	case string:
		status := JobStatus(v)
		if !status.IsValid() {
			return fmt.Errorf("jobstate: invalid job status %q", v)
		}
		*s = status
		return nil
	case []byte:
		status := JobStatus(v)
		if !status.IsValid() {
			return fmt.Errorf("jobstate: invalid job status %q", v)
		}
		*s = status
		return nil
	default:
		return fmt.Errorf("jobstate: cannot scan type %T into JobStatus", src)
	}
}

// Transition represents a job status transition with validation.
type Transition struct {
	From JobStatus
	To   JobStatus
}

// Validate returns an error if the transition is invalid.
func (t Transition) Validate() error {
	if !t.From.IsValid() {
		return fmt.Errorf("jobstate: invalid source status %q", t.From)
	}
	if !t.To.IsValid() {
		return fmt.Errorf("jobstate: invalid target status %q", t.To)
	}
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("jobstate: invalid transition from %q to %q", t.From, t.To)
	}
	return nil
}

// ValidTransitions returns all valid job status transitions.
func ValidTransitions() []Transition {
	var out []Transition
	for _, from := range AllStatuses() {
		for _, to := range AllStatuses() {
			if from.CanTransitionTo(to) {
				out = append(out, Transition{From: from, To: to})
			}
		}
	}
	return out
}

// Stage identifies the scheduler-visible phase of a job. It is coarser
// than the loop state and drives lease ops and step metrics labels.
type Stage string

const (
	StageScanning           Stage = "scanning"
	StagePlanning           Stage = "planning"
	StageAwaitingCategories Stage = "awaiting_categories"
	StageExecution          Stage = "execution"
	StageProofreading       Stage = "proofreading"
)

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// IsValid returns true if the stage is a known value.
func (s Stage) IsValid() bool {
	switch s {
	case StageScanning, StagePlanning, StageAwaitingCategories,
		StageExecution, StageProofreading:
		return true
	default:
		return false
	}
}

// StageForStatus infers the stage from a non-terminal job status.
// Terminal statuses return the empty stage; callers keep the last
// recorded stage in that case.
func StageForStatus(s JobStatus) Stage {
	switch s {
	case JobStatusPreparing:
		return StageScanning
	case JobStatusPlanning:
		return StagePlanning
	case JobStatusAwaitingCategories:
		return StageAwaitingCategories
	case JobStatusRunning:
		return StageExecution
	case JobStatusCompleting:
		return StageProofreading
	default:
		return Stage("")
	}
}
