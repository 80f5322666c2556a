// Package hooks exposes lifecycle callbacks for observing the orchestrator:
// job status transitions, agent-loop completion, tool executions, and
// scheduler steps. Hooks run synchronously on the orchestrator's goroutine;
// a hook returning an error aborts the remaining hooks for that trigger but
// never the orchestration itself.
package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/storage"
)

// JobTransitionHook is called after a job's status changes.
type JobTransitionHook func(ctx context.Context, jobID string, from, to jobstate.JobStatus) error

// LoopFinishHook is called when an agent loop reaches a terminal status.
type LoopFinishHook func(ctx context.Context, jobID string, stage jobstate.Stage, status jobstate.LoopStatus) error

// ToolExecutedHook is called after a tool call settles, with its trace record.
type ToolExecutedHook func(ctx context.Context, jobID string, trace storage.ToolTraceRecord) error

// StepDoneHook is called after each scheduler step for a job.
type StepDoneHook func(ctx context.Context, jobID string, status jobstate.JobStatus, took time.Duration) error

// Registry holds all registered hooks.
type Registry struct {
	mu            sync.RWMutex
	jobTransition []JobTransitionHook
	loopFinish    []LoopFinishHook
	toolExecuted  []ToolExecutedHook
	stepDone      []StepDoneHook
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// OnJobTransition registers a hook for job status changes.
func (r *Registry) OnJobTransition(hook JobTransitionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobTransition = append(r.jobTransition, hook)
}

// OnLoopFinish registers a hook for agent-loop completion.
func (r *Registry) OnLoopFinish(hook LoopFinishHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loopFinish = append(r.loopFinish, hook)
}

// OnToolExecuted registers a hook for settled tool calls.
func (r *Registry) OnToolExecuted(hook ToolExecutedHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolExecuted = append(r.toolExecuted, hook)
}

// OnStepDone registers a hook for completed scheduler steps.
func (r *Registry) OnStepDone(hook StepDoneHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepDone = append(r.stepDone, hook)
}

// TriggerJobTransition calls all registered job-transition hooks.
func (r *Registry) TriggerJobTransition(ctx context.Context, jobID string, from, to jobstate.JobStatus) error {
	r.mu.RLock()
	hooks := make([]JobTransitionHook, len(r.jobTransition))
	copy(hooks, r.jobTransition)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, jobID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// TriggerLoopFinish calls all registered loop-finish hooks.
func (r *Registry) TriggerLoopFinish(ctx context.Context, jobID string, stage jobstate.Stage, status jobstate.LoopStatus) error {
	r.mu.RLock()
	hooks := make([]LoopFinishHook, len(r.loopFinish))
	copy(hooks, r.loopFinish)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, jobID, stage, status); err != nil {
			return err
		}
	}
	return nil
}

// TriggerToolExecuted calls all registered tool-executed hooks.
func (r *Registry) TriggerToolExecuted(ctx context.Context, jobID string, trace storage.ToolTraceRecord) error {
	r.mu.RLock()
	hooks := make([]ToolExecutedHook, len(r.toolExecuted))
	copy(hooks, r.toolExecuted)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, jobID, trace); err != nil {
			return err
		}
	}
	return nil
}

// TriggerStepDone calls all registered step-done hooks.
func (r *Registry) TriggerStepDone(ctx context.Context, jobID string, status jobstate.JobStatus, took time.Duration) error {
	r.mu.RLock()
	hooks := make([]StepDoneHook, len(r.stepDone))
	copy(hooks, r.stepDone)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, jobID, status, took); err != nil {
			return err
		}
	}
	return nil
}
