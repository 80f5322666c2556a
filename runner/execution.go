package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/modelio"
	"github.com/pageglot/pageglot/settings"
	"github.com/pageglot/pageglot/shaper"
	"github.com/pageglot/pageglot/storage"
	"github.com/pageglot/pageglot/tool/builtin"
)

const executionInstructions = `You are the execution agent of a page translation engine. Translate the
pending blocks in batches: request translations with
translator.translate_block_stream, then apply each result with
page.apply_delta. Respect the selected categories and the glossary. Report
notable issues with agent.append_report; never invent block ids.`

const proofreadingInstructions = `You are the proofreading agent of a page translation engine. Re-check the
translated blocks listed as pending: fix mistranslations and awkward
phrasing with translator.translate_block_stream plus page.apply_delta, then
call proof.finish with a short summary once nothing is left.`

type executionPhase struct{}

func (executionPhase) stage() jobstate.Stage { return jobstate.StageExecution }

func (executionPhase) taskType() string { return "execution" }

func (executionPhase) tier(eff settings.Effective) settings.Tier { return eff.Routing.Execution }

func (executionPhase) requestFailedCode() jobstate.Code { return jobstate.CodeExecutionRequestFailed }

func (executionPhase) instructions(job *storage.JobRecord) string { return executionInstructions }

func (executionPhase) initialInput(job *storage.JobRecord) []modelio.Item {
	var b strings.Builder
	fmt.Fprintf(&b, "Translate the remaining page blocks into %q.\n", job.TargetLang)
	fmt.Fprintf(&b, "%d blocks pending", len(job.PendingBlockIDs))
	if len(job.SelectedCategories) > 0 {
		fmt.Fprintf(&b, " in the selected categories: %s", strings.Join(job.SelectedCategories, ", "))
	}
	b.WriteString(".\nBatch related blocks per translator.translate_block_stream call and apply every result with page.apply_delta.")
	return []modelio.Item{modelio.UserMessage(b.String())}
}

func (executionPhase) pendingCount(job *storage.JobRecord) int { return len(job.PendingBlockIDs) }

func (p executionPhase) loopTop(ctx context.Context, t *turn) (jobstate.LoopStatus, error) {
	if err := autoCompress(ctx, t); err != nil {
		return "", err
	}
	if p.pendingCount(t.job) == 0 {
		return finalizeExecution(ctx, t)
	}
	if t.job.Status != jobstate.JobStatusRunning {
		return jobstate.LoopStopped, nil
	}
	if t.loop.ToolCallsExecuted >= t.loop.MaxToolCalls {
		return guardFailure(t), nil
	}
	return "", nil
}

func (p executionPhase) noCalls(ctx context.Context, t *turn) (jobstate.LoopStatus, error) {
	return nudgeNoCalls(t, p.pendingCount(t.job)), nil
}

func (p executionPhase) postTools(ctx context.Context, t *turn) (jobstate.LoopStatus, error) {
	return trackProgress(t, p.pendingCount(t.job)), nil
}

type proofreadingPhase struct{}

func (proofreadingPhase) stage() jobstate.Stage { return jobstate.StageProofreading }

func (proofreadingPhase) taskType() string { return "proofreading" }

func (proofreadingPhase) tier(eff settings.Effective) settings.Tier {
	return eff.Routing.Proofreading
}

func (proofreadingPhase) requestFailedCode() jobstate.Code {
	return jobstate.CodeProofreadingRequestFailed
}

func (proofreadingPhase) instructions(job *storage.JobRecord) string {
	return proofreadingInstructions
}

func (p proofreadingPhase) initialInput(job *storage.JobRecord) []modelio.Item {
	return []modelio.Item{modelio.UserMessage(fmt.Sprintf(
		"Proofread the translated page. %d blocks are queued for review; target language %q.",
		p.pendingCount(job), job.TargetLang))}
}

func (proofreadingPhase) pendingCount(job *storage.JobRecord) int {
	if job.Proofreading == nil {
		return 0
	}
	return len(job.Proofreading.PendingBlockIDs)
}

func (p proofreadingPhase) loopTop(ctx context.Context, t *turn) (jobstate.LoopStatus, error) {
	if err := autoCompress(ctx, t); err != nil {
		return "", err
	}
	state := t.job.EnsureAgentState()
	if p.pendingCount(t.job) == 0 && len(state.Plan) > 0 {
		if _, err := t.r.systemCall(ctx, t, builtin.NameProofFinish, map[string]any{
			"summary": "Proofreading pass complete.",
		}); err != nil {
			return "", err
		}
		return jobstate.LoopDone, nil
	}
	if t.job.Status != jobstate.JobStatusCompleting {
		return jobstate.LoopStopped, nil
	}
	if t.loop.ToolCallsExecuted >= t.loop.MaxToolCalls {
		return guardFailure(t), nil
	}
	return "", nil
}

func (p proofreadingPhase) noCalls(ctx context.Context, t *turn) (jobstate.LoopStatus, error) {
	return nudgeNoCalls(t, p.pendingCount(t.job)), nil
}

func (p proofreadingPhase) postTools(ctx context.Context, t *turn) (jobstate.LoopStatus, error) {
	return trackProgress(t, p.pendingCount(t.job)), nil
}

// autoCompress asks the agent to fold its context every AutoCompressEvery
// iterations. The last compressed iteration is persisted on the loop, so
// neither a step retry nor a tick resumed at the same iteration fires it
// twice.
func autoCompress(ctx context.Context, t *turn) error {
	loop := t.loop
	if loop.AutoCompressEvery <= 0 || loop.Iteration == 0 {
		return nil
	}
	if loop.Iteration%loop.AutoCompressEvery != 0 || loop.LastCompressIteration == loop.Iteration {
		return nil
	}
	loop.LastCompressIteration = loop.Iteration
	_, err := t.r.systemCall(ctx, t, builtin.NameCompressContext, map[string]any{})
	return err
}

// finalizeExecution fires the closing report and checklist update once no
// blocks remain pending.
func finalizeExecution(ctx context.Context, t *turn) (jobstate.LoopStatus, error) {
	summary := fmt.Sprintf("Translation complete: %d blocks translated, %d failed.",
		t.job.CompletedBlocks, len(t.job.FailedBlockIDs))
	if _, err := t.r.systemCall(ctx, t, builtin.NameAppendReport, map[string]any{
		"level": "info",
		"text":  summary,
	}); err != nil {
		return "", err
	}
	if _, err := t.r.systemCall(ctx, t, builtin.NameUpdateChecklist, map[string]any{
		"item":   shaper.ChecklistExecuteBatches,
		"status": shaper.StatusDone,
	}); err != nil {
		return "", err
	}
	return jobstate.LoopDone, nil
}

// guardFailure records a tool budget breach and fails the loop.
func guardFailure(t *turn) jobstate.LoopStatus {
	msg := fmt.Sprintf("Tool call budget exhausted after %d calls.", t.loop.ToolCallsExecuted)
	t.job.EnsureAgentState().AppendReport(storage.Report{
		Level: "error",
		Text:  msg,
		Code:  string(jobstate.CodeAgentLoopGuardStop),
		Ts:    t.r.clock.NowMs(),
	})
	t.loop.LastError = &storage.ErrorInfo{Code: jobstate.CodeAgentLoopGuardStop, Message: msg}
	return jobstate.LoopFailed
}

// nudgeNoCalls counts a call-less turn against the watchdog and pushes a
// reminder turn.
func nudgeNoCalls(t *turn, pending int) jobstate.LoopStatus {
	t.loop.NoProgressIterations++
	if t.loop.MaxNoProgressIterations > 0 && t.loop.NoProgressIterations >= t.loop.MaxNoProgressIterations {
		return t.r.failNoProgress(t, pending)
	}
	t.loop.PendingInputItems = []modelio.Item{
		modelio.UserMessage(fmt.Sprintf(
			"No tool calls received. %d blocks are still pending; call translator.translate_block_stream to continue.",
			pending)),
	}
	return ""
}

// trackProgress updates the no-progress watchdog after a turn with tool
// calls. Only a strict decrease of the pending set counts as progress.
func trackProgress(t *turn, pending int) jobstate.LoopStatus {
	if pending < t.pendingAtTurnStart {
		t.loop.NoProgressIterations = 0
		t.loop.LastProgressAt = t.r.clock.NowMs()
		return ""
	}
	t.loop.NoProgressIterations++
	if t.loop.MaxNoProgressIterations > 0 && t.loop.NoProgressIterations >= t.loop.MaxNoProgressIterations {
		return t.r.failNoProgress(t, pending)
	}
	return ""
}
