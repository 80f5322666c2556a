package jobstate

import (
	"testing"
)

func TestJobStatus_IsValid(t *testing.T) {
	tests := []struct {
		status JobStatus
		valid  bool
	}{
		{JobStatusPreparing, true},
		{JobStatusPlanning, true},
		{JobStatusAwaitingCategories, true},
		{JobStatusRunning, true},
		{JobStatusCompleting, true},
		{JobStatusDone, true},
		{JobStatusFailed, true},
		{JobStatusCancelled, true},
		{JobStatus("invalid"), false},
		{JobStatus(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobStatusPreparing, false},
		{JobStatusPlanning, false},
		{JobStatusAwaitingCategories, false},
		{JobStatusRunning, false},
		{JobStatusCompleting, false},
		{JobStatusDone, true},
		{JobStatusFailed, true},
		{JobStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestJobStatus_IsWorkable(t *testing.T) {
	tests := []struct {
		status   JobStatus
		workable bool
	}{
		{JobStatusPreparing, true},
		{JobStatusPlanning, true},
		{JobStatusRunning, true},
		{JobStatusCompleting, true},

		// Idles without a lease until the user picks categories.
		{JobStatusAwaitingCategories, false},

		{JobStatusDone, false},
		{JobStatusFailed, false},
		{JobStatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsWorkable(); got != tt.workable {
				t.Errorf("IsWorkable() = %v, want %v", got, tt.workable)
			}
		})
	}
}

func TestJobStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  JobStatus
		to    JobStatus
		valid bool
	}{
		// Forward path
		{JobStatusPreparing, JobStatusPlanning, true},
		{JobStatusPlanning, JobStatusAwaitingCategories, true},
		{JobStatusAwaitingCategories, JobStatusRunning, true},
		{JobStatusRunning, JobStatusCompleting, true},
		{JobStatusRunning, JobStatusDone, true},
		{JobStatusCompleting, JobStatusDone, true},

		// Any non-terminal status may fail or cancel
		{JobStatusPreparing, JobStatusFailed, true},
		{JobStatusPreparing, JobStatusCancelled, true},
		{JobStatusAwaitingCategories, JobStatusCancelled, true},
		{JobStatusCompleting, JobStatusFailed, true},

		// Invalid: skipping stages
		{JobStatusPreparing, JobStatusRunning, false},
		{JobStatusPlanning, JobStatusRunning, false},
		{JobStatusPreparing, JobStatusDone, false},
		{JobStatusAwaitingCategories, JobStatusCompleting, false},

		// Invalid: backwards
		{JobStatusRunning, JobStatusPlanning, false},
		{JobStatusCompleting, JobStatusRunning, false},

		// Invalid: same status
		{JobStatusRunning, JobStatusRunning, false},

		// Invalid: terminal statuses cannot transition
		{JobStatusDone, JobStatusRunning, false},
		{JobStatusFailed, JobStatusRunning, false},
		{JobStatusCancelled, JobStatusFailed, false},
	}

	for _, tt := range tests {
		name := string(tt.from) + "->" + string(tt.to)
		t.Run(name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestTransition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		tr      Transition
		wantErr bool
	}{
		{"valid: preparing->planning", Transition{JobStatusPreparing, JobStatusPlanning}, false},
		{"valid: running->completing", Transition{JobStatusRunning, JobStatusCompleting}, false},
		{"valid: running->cancelled", Transition{JobStatusRunning, JobStatusCancelled}, false},
		{"invalid: done->running", Transition{JobStatusDone, JobStatusRunning}, true},
		{"invalid: invalid source", Transition{JobStatus("bad"), JobStatusDone}, true},
		{"invalid: invalid target", Transition{JobStatusRunning, JobStatus("bad")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tr.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJobStatus_Scan(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    JobStatus
		wantErr bool
	}{
		{"string preparing", "preparing", JobStatusPreparing, false},
		{"string running", "running", JobStatusRunning, false},
		{"bytes completing", []byte("completing"), JobStatusCompleting, false},
		{"bytes cancelled", []byte("cancelled"), JobStatusCancelled, false},
		{"invalid string", "invalid", JobStatus(""), true},
		{"invalid type", 123, JobStatus(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s JobStatus
			err := s.Scan(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Scan() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && s != tt.want {
				t.Errorf("Scan() got = %v, want %v", s, tt.want)
			}
		})
	}
}

func TestAllStatuses(t *testing.T) {
	statuses := AllStatuses()
	if len(statuses) != 8 {
		t.Errorf("AllStatuses() returned %d statuses, want 8", len(statuses))
	}

	for _, s := range statuses {
		if !s.IsValid() {
			t.Errorf("AllStatuses() returned invalid status: %s", s)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	statuses := TerminalStatuses()
	if len(statuses) != 3 {
		t.Errorf("TerminalStatuses() returned %d statuses, want 3", len(statuses))
	}

	for _, s := range statuses {
		if !s.IsTerminal() {
			t.Errorf("TerminalStatuses() returned non-terminal status: %s", s)
		}
	}
}

func TestWorkableStatuses(t *testing.T) {
	statuses := WorkableStatuses()
	if len(statuses) != 4 {
		t.Errorf("WorkableStatuses() returned %d statuses, want 4", len(statuses))
	}

	for _, s := range statuses {
		if !s.IsWorkable() {
			t.Errorf("WorkableStatuses() returned non-workable status: %s", s)
		}
	}
}

func TestValidTransitions(t *testing.T) {
	transitions := ValidTransitions()

	// 5 non-terminal statuses x {failed, cancelled} plus the 6 forward edges.
	if len(transitions) != 16 {
		t.Errorf("ValidTransitions() returned %d transitions, want 16", len(transitions))
	}

	for _, tr := range transitions {
		if err := tr.Validate(); err != nil {
			t.Errorf("ValidTransitions() returned invalid transition: %v", err)
		}
	}
}

func TestStageForStatus(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   Stage
	}{
		{JobStatusPreparing, StageScanning},
		{JobStatusPlanning, StagePlanning},
		{JobStatusAwaitingCategories, StageAwaitingCategories},
		{JobStatusRunning, StageExecution},
		{JobStatusCompleting, StageProofreading},
		{JobStatusDone, Stage("")},
		{JobStatusFailed, Stage("")},
		{JobStatusCancelled, Stage("")},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := StageForStatus(tt.status); got != tt.want {
				t.Errorf("StageForStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoopStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   LoopStatus
		terminal bool
	}{
		{LoopRunning, false},
		{LoopYielded, false},
		{LoopStopped, false},
		{LoopDone, true},
		{LoopGuardStop, true},
		{LoopFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
			if tt.status.IsResumable() == tt.terminal {
				t.Errorf("IsResumable() should be the complement of IsTerminal() for valid statuses")
			}
		})
	}
}

func TestLoopStatus_Scan(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    LoopStatus
		wantErr bool
	}{
		{"string running", "running", LoopRunning, false},
		{"string guard_stop", "guard_stop", LoopGuardStop, false},
		{"bytes yielded", []byte("yielded"), LoopYielded, false},
		{"invalid string", "paused", LoopStatus(""), true},
		{"invalid type", 7, LoopStatus(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s LoopStatus
			err := s.Scan(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Scan() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && s != tt.want {
				t.Errorf("Scan() got = %v, want %v", s, tt.want)
			}
		})
	}
}

func TestCode_Retryable(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
	}{
		// Transport and availability errors retry.
		{CodeOffscreenUnavailable, true},
		{CodeOffscreenPortDisconnected, true},
		{CodeOffscreenRequestTimeout, true},
		{CodeOffscreenBackpressure, true},
		{CodeOffscreenRequestLost, true},
		{CodeOffscreenExecuteFailed, true},
		{CodePlannerUnavailable, true},
		{CodeExecutorUnavailable, true},
		{CodeProofreaderUnavailable, true},
		{CodeToolRegistryUnavailable, true},
		{CodePlanningRequestFailed, true},
		{CodeExecutionRequestFailed, true},
		{CodeProofreadingRequestFailed, true},
		{CodeLeaseExpired, true},
		{CodeContentScriptNoAck, true},
		{CodeTimeout, true},

		// Watchdog trips are always terminal.
		{CodeNoProgressWatchdog, false},

		// Deliberate local decisions never retry.
		{CodeAborted, false},
		{CodeTabGone, false},
		{CodeAgentLoopGuardStop, false},
		{CodeAgentNoProgress, false},
		{CodeLeaseExpiredNoRecovery, false},
		{CodePlanningFallbackFailed, false},
		{CodePlanningFallbackError, false},
		{CodeToolArgsInvalid, false},
		{CodeToolExecFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.Retryable(); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestExecState_IsValid(t *testing.T) {
	tests := []struct {
		state ExecState
		valid bool
	}{
		{ExecStateCompleted, true},
		{ExecStateAcceptedPending, true},
		{ExecState("queued"), false},
		{ExecState(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestCallStatus_IsValid(t *testing.T) {
	tests := []struct {
		status CallStatus
		valid  bool
	}{
		{CallOK, true},
		{CallFailed, true},
		{CallSkipped, true},
		{CallCoalesced, true},
		{CallStatus("pending"), false},
		{CallStatus(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
		})
	}
}
