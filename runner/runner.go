// Package runner drives the per-job agent loops: planning, execution and
// proofreading. A loop keeps all of its progress in the job record's
// LoopRecord, so a loop that yielded, crashed or lost its lease resumes
// exactly where it stopped once the job record is reloaded.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pageglot/pageglot/hooks"
	"github.com/pageglot/pageglot/internal/clock"
	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/modelio"
	"github.com/pageglot/pageglot/settings"
	"github.com/pageglot/pageglot/storage"
	"github.com/pageglot/pageglot/tool"
	"github.com/pageglot/pageglot/tool/builtin"
)

// PersistFunc writes the job record back to its store.
type PersistFunc func(ctx context.Context, job *storage.JobRecord) error

// ModelCall is one model request together with the job context it belongs
// to, so the transport can key inflight rows and route by task type.
type ModelCall struct {
	Job      *storage.JobRecord
	Stage    jobstate.Stage
	TaskType string
	Request  modelio.Request
}

// ModelFunc performs one model turn. Implementations are expected to honor
// ctx and to return *modelio.RequestError for provider-side rejections.
type ModelFunc func(ctx context.Context, call ModelCall) (*modelio.Response, error)

// ModelMap resolves a routing tier to a concrete model id.
type ModelMap map[settings.Tier]string

// DefaultModels returns the stock tier routing table.
func DefaultModels() ModelMap {
	return ModelMap{
		settings.TierLite:     "gpt-4o-mini",
		settings.TierStandard: "gpt-4o",
		settings.TierPro:      "o3",
	}
}

// Budgets are the guard limits for one loop. Zero fields fall back to the
// stage defaults.
type Budgets struct {
	MaxSteps                int
	MaxToolCalls            int
	MaxIterationsPerTick    int
	MaxStepAttempts         int
	MaxNoProgressIterations int
	AutoCompressEvery       int
}

func defaultBudgets(stage jobstate.Stage) Budgets {
	switch stage {
	case jobstate.StagePlanning:
		// Per-tick budget covers the five required planning tools plus a
		// closing turn without yielding in between.
		return Budgets{
			MaxSteps:             8,
			MaxToolCalls:         40,
			MaxIterationsPerTick: 6,
			MaxStepAttempts:      3,
		}
	case jobstate.StageProofreading:
		return Budgets{
			MaxSteps:                48,
			MaxToolCalls:            128,
			MaxIterationsPerTick:    6,
			MaxStepAttempts:         3,
			MaxNoProgressIterations: 6,
			AutoCompressEvery:       8,
		}
	default:
		return Budgets{
			MaxSteps:                64,
			MaxToolCalls:            256,
			MaxIterationsPerTick:    6,
			MaxStepAttempts:         3,
			MaxNoProgressIterations: 6,
			AutoCompressEvery:       8,
		}
	}
}

func mergeBudgets(base Budgets, over *Budgets) Budgets {
	if over == nil {
		return base
	}
	if over.MaxSteps > 0 {
		base.MaxSteps = over.MaxSteps
	}
	if over.MaxToolCalls > 0 {
		base.MaxToolCalls = over.MaxToolCalls
	}
	if over.MaxIterationsPerTick > 0 {
		base.MaxIterationsPerTick = over.MaxIterationsPerTick
	}
	if over.MaxStepAttempts > 0 {
		base.MaxStepAttempts = over.MaxStepAttempts
	}
	if over.MaxNoProgressIterations > 0 {
		base.MaxNoProgressIterations = over.MaxNoProgressIterations
	}
	if over.AutoCompressEvery > 0 {
		base.AutoCompressEvery = over.AutoCompressEvery
	}
	return base
}

// Config wires a Runner. Engine, Registry, Model and Persist are required.
type Config struct {
	Engine   *tool.Engine
	Registry *tool.Registry
	Model    ModelFunc
	Persist  PersistFunc

	// Models routes tiers to model ids; nil uses DefaultModels.
	Models ModelMap

	Clock  clock.Clock
	Logger *slog.Logger
	Hooks  *hooks.Registry

	// Per-stage budget overrides. Nil keeps the stage defaults.
	Planning     *Budgets
	Execution    *Budgets
	Proofreading *Budgets
}

// Runner executes agent loops against a tool engine and a model transport.
type Runner struct {
	engine   *tool.Engine
	registry *tool.Registry
	model    ModelFunc
	persist  PersistFunc
	models   ModelMap
	clock    clock.Clock
	log      *slog.Logger
	hooks    *hooks.Registry

	planning     Budgets
	execution    Budgets
	proofreading Budgets
}

// New validates cfg and returns a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Engine == nil {
		return nil, errors.New("runner: requires a tool engine")
	}
	if cfg.Registry == nil {
		return nil, errors.New("runner: requires a tool registry")
	}
	if cfg.Model == nil {
		return nil, errors.New("runner: requires a model func")
	}
	if cfg.Persist == nil {
		return nil, errors.New("runner: requires a persist func")
	}
	r := &Runner{
		engine:       cfg.Engine,
		registry:     cfg.Registry,
		model:        cfg.Model,
		persist:      cfg.Persist,
		models:       cfg.Models,
		clock:        cfg.Clock,
		log:          cfg.Logger,
		hooks:        cfg.Hooks,
		planning:     mergeBudgets(defaultBudgets(jobstate.StagePlanning), cfg.Planning),
		execution:    mergeBudgets(defaultBudgets(jobstate.StageExecution), cfg.Execution),
		proofreading: mergeBudgets(defaultBudgets(jobstate.StageProofreading), cfg.Proofreading),
	}
	if r.models == nil {
		r.models = DefaultModels()
	}
	if r.clock == nil {
		r.clock = clock.System()
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.hooks == nil {
		r.hooks = hooks.NewRegistry()
	}
	return r, nil
}

// RunPlanning advances the planning loop until it yields or terminates.
func (r *Runner) RunPlanning(ctx context.Context, job *storage.JobRecord, eff settings.Effective) (jobstate.LoopStatus, error) {
	return r.run(ctx, job, eff, planningPhase{})
}

// RunExecution advances the execution loop until it yields or terminates.
func (r *Runner) RunExecution(ctx context.Context, job *storage.JobRecord, eff settings.Effective) (jobstate.LoopStatus, error) {
	return r.run(ctx, job, eff, executionPhase{})
}

// RunProofreading advances the proofreading loop until it yields or
// terminates.
func (r *Runner) RunProofreading(ctx context.Context, job *storage.JobRecord, eff settings.Effective) (jobstate.LoopStatus, error) {
	return r.run(ctx, job, eff, proofreadingPhase{})
}

// phase customizes the shared loop skeleton per stage.
type phase interface {
	stage() jobstate.Stage
	taskType() string
	tier(eff settings.Effective) settings.Tier
	requestFailedCode() jobstate.Code
	instructions(job *storage.JobRecord) string
	initialInput(job *storage.JobRecord) []modelio.Item
	pendingCount(job *storage.JobRecord) int

	// loopTop runs before the shared guards. A non-empty status ends the
	// loop with that status.
	loopTop(ctx context.Context, t *turn) (jobstate.LoopStatus, error)
	// noCalls handles a model turn that produced no tool calls.
	noCalls(ctx context.Context, t *turn) (jobstate.LoopStatus, error)
	// postTools runs after every call of a turn executed.
	postTools(ctx context.Context, t *turn) (jobstate.LoopStatus, error)
}

// turn is the mutable context shared between the skeleton and the phase
// hooks during one Run call.
type turn struct {
	r     *Runner
	job   *storage.JobRecord
	loop  *storage.LoopRecord
	eff   settings.Effective
	stage jobstate.Stage

	pendingAtTurnStart int
	calls              []modelio.ToolCall
}

func (r *Runner) run(ctx context.Context, job *storage.JobRecord, eff settings.Effective, ph phase) (jobstate.LoopStatus, error) {
	if job == nil {
		return "", errors.New("runner: run requires a job")
	}
	state := job.EnsureAgentState()
	loop := state.Loop(ph.stage())
	r.ensureLoop(loop, ph.stage())
	if loop.Status.IsTerminal() {
		return loop.Status, nil
	}
	loop.Status = jobstate.LoopRunning

	t := &turn{r: r, job: job, loop: loop, eff: eff, stage: ph.stage()}
	iterationsThisTick := 0
	for {
		if err := ctx.Err(); err != nil {
			// State persisted at the end of the previous iteration.
			return loop.Status, err
		}

		if st, err := ph.loopTop(ctx, t); err != nil {
			return loop.Status, err
		} else if st != "" {
			return r.finish(ctx, t, st)
		}

		if loop.Iteration >= loop.MaxSteps || loop.ToolCallsExecuted >= loop.MaxToolCalls {
			state.AppendReport(storage.Report{
				Level: "warning",
				Text:  fmt.Sprintf("Agent loop stopped by guard after %d steps and %d tool calls.", loop.Iteration, loop.ToolCallsExecuted),
				Code:  string(jobstate.CodeAgentLoopGuardStop),
				Ts:    r.clock.NowMs(),
			})
			loop.LastError = &storage.ErrorInfo{Code: jobstate.CodeAgentLoopGuardStop, Message: "loop guard reached"}
			return r.finish(ctx, t, jobstate.LoopGuardStop)
		}

		if iterationsThisTick >= loop.MaxIterationsPerTick {
			loop.Status = jobstate.LoopYielded
			loop.UpdatedAt = r.clock.NowMs()
			if err := r.persist(ctx, job); err != nil {
				return loop.Status, err
			}
			return loop.Status, nil
		}

		t.pendingAtTurnStart = ph.pendingCount(job)

		input := loop.PendingInputItems
		if len(input) == 0 {
			input = ph.initialInput(job)
		}
		input = r.sanitizePendingInput(job, ph.stage(), input)
		loop.PendingInputItems = input

		req := modelio.Request{
			Model:              r.modelFor(ph.tier(eff)),
			Instructions:       ph.instructions(job),
			Input:              input,
			Tools:              r.registry.SpecForScope(ph.stage()),
			ToolChoice:         "auto",
			PreviousResponseID: loop.PreviousResponseID,
			MaxOutputTokens:    eff.MaxOutputTokens,
			Stream:             eff.StreamEnabled,
		}
		if eff.ReasoningEffort != "" {
			req.Reasoning = &modelio.Reasoning{Effort: eff.ReasoningEffort}
		}

		resp, err := r.model(ctx, ModelCall{Job: job, Stage: ph.stage(), TaskType: ph.taskType(), Request: req})
		if err != nil {
			if herr := r.handleModelError(ctx, t, ph, err); herr != nil {
				if loop.Status.IsTerminal() {
					_ = r.hooks.TriggerLoopFinish(ctx, job.JobID, ph.stage(), loop.Status)
				}
				return loop.Status, herr
			}
			iterationsThisTick++
			continue
		}

		loop.StepAttempt = 1
		for _, id := range loop.AwaitingAckCallIDs {
			delete(state.PendingToolCalls, id)
		}
		loop.AwaitingAckCallIDs = nil
		if resp.ID != "" {
			loop.PreviousResponseID = resp.ID
			loop.LastResponseID = resp.ID
		}

		calls, reasoning := modelio.ExtractToolCalls(resp.Output)
		_ = reasoning // consumed; reasoning items are never echoed back
		t.calls = calls

		var st jobstate.LoopStatus
		var perr error
		if len(calls) == 0 {
			st, perr = ph.noCalls(ctx, t)
		} else {
			perr = r.executeCalls(ctx, t, resp, calls)
			if perr == nil {
				st, perr = ph.postTools(ctx, t)
			}
		}
		if perr != nil {
			loop.UpdatedAt = r.clock.NowMs()
			return loop.Status, perr
		}

		loop.Iteration++
		loop.UpdatedAt = r.clock.NowMs()
		if st != "" {
			return r.finish(ctx, t, st)
		}
		if err := r.persist(ctx, job); err != nil {
			return loop.Status, err
		}
		iterationsThisTick++
	}
}

// ensureLoop seeds budgets and bookkeeping the first time a loop runs.
func (r *Runner) ensureLoop(loop *storage.LoopRecord, stage jobstate.Stage) {
	b := r.budgets(stage)
	now := r.clock.NowMs()
	if loop.StartedAt == 0 {
		loop.StartedAt = now
	}
	if loop.MaxSteps == 0 {
		loop.MaxSteps = b.MaxSteps
	}
	if loop.MaxToolCalls == 0 {
		loop.MaxToolCalls = b.MaxToolCalls
	}
	if loop.MaxIterationsPerTick == 0 {
		loop.MaxIterationsPerTick = b.MaxIterationsPerTick
	}
	if loop.MaxStepAttempts == 0 {
		loop.MaxStepAttempts = b.MaxStepAttempts
	}
	if loop.MaxNoProgressIterations == 0 {
		loop.MaxNoProgressIterations = b.MaxNoProgressIterations
	}
	if loop.AutoCompressEvery == 0 {
		loop.AutoCompressEvery = b.AutoCompressEvery
	}
	if loop.StepAttempt == 0 {
		loop.StepAttempt = 1
	}
	if loop.LastProgressAt == 0 {
		loop.LastProgressAt = now
	}
}

func (r *Runner) budgets(stage jobstate.Stage) Budgets {
	switch stage {
	case jobstate.StagePlanning:
		return r.planning
	case jobstate.StageProofreading:
		return r.proofreading
	default:
		return r.execution
	}
}

func (r *Runner) modelFor(tier settings.Tier) string {
	if m, ok := r.models[tier]; ok {
		return m
	}
	return r.models[settings.TierStandard]
}

// finish marks the loop terminal (or stopped), persists and fires the
// loop-finish hook.
func (r *Runner) finish(ctx context.Context, t *turn, st jobstate.LoopStatus) (jobstate.LoopStatus, error) {
	t.loop.Status = st
	t.loop.UpdatedAt = r.clock.NowMs()
	if err := r.persist(ctx, t.job); err != nil {
		return st, err
	}
	_ = r.hooks.TriggerLoopFinish(ctx, t.job.JobID, t.stage, st)
	r.log.Info("agent loop finished",
		"jobId", t.job.JobID,
		"stage", t.stage,
		"status", st,
		"iterations", t.loop.Iteration,
		"toolCalls", t.loop.ToolCallsExecuted)
	return st, nil
}

// executeCalls runs every tool call of one model turn in order and builds
// the next pending input from their outputs.
func (r *Runner) executeCalls(ctx context.Context, t *turn, resp *modelio.Response, calls []modelio.ToolCall) error {
	state := t.job.EnsureAgentState()
	now := r.clock.NowMs()
	next := make([]modelio.Item, 0, len(calls))
	executed := make([]string, 0, len(calls))
	for _, call := range calls {
		args := json.RawMessage(call.Arguments)
		state.PendingToolCalls[call.CallID] = storage.PendingToolCall{
			ToolName:  call.Name,
			ArgsHash:  tool.ArgsHash(tool.NormalizeName(call.Name), args),
			CreatedTs: now,
		}
		t.loop.ToolCallsExecuted++
		res, err := r.engine.Execute(ctx, tool.Request{
			Job:        t.job,
			Stage:      t.stage,
			ResponseID: resp.ID,
			CallID:     call.CallID,
			RequestID:  uuid.NewString(),
			ToolName:   call.Name,
			Args:       args,
			Source:     tool.SourceModel,
			Settings:   t.eff,
		})
		if err != nil {
			return err
		}
		next = append(next, modelio.FunctionCallOutput(call.CallID, res.OutputString))
		executed = append(executed, call.CallID)
	}
	t.loop.AwaitingAckCallIDs = executed
	t.loop.PendingInputItems = next
	return nil
}

// systemCall runs a tool on the runner's own behalf, outside the model
// turn protocol. System calls never enter pendingToolCalls.
func (r *Runner) systemCall(ctx context.Context, t *turn, name string, args any) (tool.Result, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return tool.Result{}, fmt.Errorf("runner: encode %s args: %w", name, err)
	}
	return r.engine.Execute(ctx, tool.Request{
		Job:       t.job,
		Stage:     t.stage,
		CallID:    "sys_" + uuid.NewString(),
		RequestID: uuid.NewString(),
		ToolName:  name,
		Args:      raw,
		Source:    tool.SourceSystem,
		Settings:  t.eff,
	})
}

// handleModelError deals with one failed model request. A nil return means
// the loop should continue (chain reset or step retry); otherwise the
// error carries the stage's request-failed code and the loop is already
// marked failed and persisted.
func (r *Runner) handleModelError(ctx context.Context, t *turn, ph phase, err error) error {
	loop := t.loop
	if isToolStateMismatch(err) && loop.PreviousResponseID != "" {
		loop.RecoveryAttempts++
		loop.PreviousResponseID = ""
		loop.PendingInputItems = r.buildRecoveryInput(t.job, loop, ph)
		if _, terr := r.systemCall(ctx, t, builtin.NameAppendReport, map[string]any{
			"level": "warning",
			"text":  "Model rejected the tool-call chain; restarting the conversation from current job state.",
			"code":  string(jobstate.CodeToolStateMismatchRecovery),
		}); terr != nil {
			return terr
		}
		r.log.Warn("tool state mismatch, chain reset",
			"jobId", t.job.JobID,
			"stage", t.stage,
			"recoveryAttempts", loop.RecoveryAttempts)
		return r.persist(ctx, t.job)
	}

	loop.LastError = &storage.ErrorInfo{Code: ph.requestFailedCode(), Message: err.Error()}
	if loop.StepAttempt < loop.MaxStepAttempts {
		loop.StepAttempt++
		loop.UpdatedAt = r.clock.NowMs()
		r.log.Warn("model request failed, retrying",
			"jobId", t.job.JobID,
			"stage", t.stage,
			"stepAttempt", loop.StepAttempt,
			"err", err)
		return r.persist(ctx, t.job)
	}

	loop.Status = jobstate.LoopFailed
	loop.UpdatedAt = r.clock.NowMs()
	if perr := r.persist(ctx, t.job); perr != nil {
		return perr
	}
	return tool.WithCode(ph.requestFailedCode(), fmt.Errorf("runner: %s model request: %w", t.stage, err))
}

// failNoProgress records the watchdog breach and fails the loop.
func (r *Runner) failNoProgress(t *turn, pending int) jobstate.LoopStatus {
	msg := fmt.Sprintf("No progress after %d model turns; %d blocks still pending.", t.loop.NoProgressIterations, pending)
	t.job.EnsureAgentState().AppendReport(storage.Report{
		Level: "error",
		Text:  msg,
		Code:  string(jobstate.CodeAgentNoProgress),
		Ts:    r.clock.NowMs(),
	})
	t.loop.LastError = &storage.ErrorInfo{Code: jobstate.CodeAgentNoProgress, Message: msg}
	return jobstate.LoopFailed
}
