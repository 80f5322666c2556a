package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/modelio"
	"github.com/pageglot/pageglot/settings"
	"github.com/pageglot/pageglot/storage"
)

const planningInstructions = `You are the planning agent of a page translation engine. Inspect the page
pre-analysis, group blocks into a small taxonomy, pick a pipeline, then hand
the category choice to the user. Required tools, in order:
page.get_preanalysis, agent.plan.set_taxonomy, agent.plan.set_pipeline,
agent.plan.request_finish_analysis, agent.ui.ask_user_categories.
Never invent block ids. Keep report lines short.`

type planningPhase struct{}

func (planningPhase) stage() jobstate.Stage { return jobstate.StagePlanning }

func (planningPhase) taskType() string { return "planning" }

func (planningPhase) tier(eff settings.Effective) settings.Tier { return eff.Routing.Planning }

func (planningPhase) requestFailedCode() jobstate.Code { return jobstate.CodePlanningRequestFailed }

func (planningPhase) instructions(job *storage.JobRecord) string { return planningInstructions }

func (planningPhase) initialInput(job *storage.JobRecord) []modelio.Item {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan the translation of a captured page into %q.\n", job.TargetLang)
	fmt.Fprintf(&b, "Blocks: %d total, %d pending", len(job.BlocksByID), len(job.PendingBlockIDs))
	if n := len(job.PreRangesByID); n > 0 {
		fmt.Fprintf(&b, ", %d pre-analysis ranges available", n)
	}
	b.WriteString(".\nWork through the required planning tools, then ask the user which categories to translate.")
	return []modelio.Item{modelio.UserMessage(b.String())}
}

func (planningPhase) pendingCount(job *storage.JobRecord) int { return len(job.PendingBlockIDs) }

func (planningPhase) loopTop(ctx context.Context, t *turn) (jobstate.LoopStatus, error) {
	if t.job.Status != jobstate.JobStatusPlanning {
		return jobstate.LoopStopped, nil
	}
	return "", nil
}

func (p planningPhase) noCalls(ctx context.Context, t *turn) (jobstate.LoopStatus, error) {
	missing := t.job.EnsureAgentState().PlanningMarkers.Missing()
	if len(missing) > 0 {
		if t.loop.Iteration >= fallbackThreshold(t.loop.MaxSteps) {
			return t.r.completePlanningByFallback(ctx, t)
		}
		t.loop.PendingInputItems = []modelio.Item{
			modelio.UserMessage("Continue planning. Missing required tools: " + strings.Join(missing, ", ") + "."),
		}
		return "", nil
	}
	if t.job.Status != jobstate.JobStatusAwaitingCategories {
		t.loop.PendingInputItems = []modelio.Item{
			modelio.UserMessage("Planning is not complete: call agent.ui.ask_user_categories after agent.plan.request_finish_analysis succeeds."),
		}
		return "", nil
	}
	return jobstate.LoopDone, nil
}

func (p planningPhase) postTools(ctx context.Context, t *turn) (jobstate.LoopStatus, error) {
	missing := t.job.EnsureAgentState().PlanningMarkers.Missing()
	if len(missing) > 0 && t.loop.Iteration >= fallbackThreshold(t.loop.MaxSteps) {
		return t.r.completePlanningByFallback(ctx, t)
	}
	if len(missing) == 0 && t.job.Status == jobstate.JobStatusAwaitingCategories {
		return jobstate.LoopDone, nil
	}
	return "", nil
}

// fallbackThreshold is the step index at which a stalled planner gets
// force-completed: maxSteps-1, clamped into [4, 6].
func fallbackThreshold(maxSteps int) int {
	th := maxSteps - 1
	if th < 4 {
		th = 4
	}
	if th > 6 {
		th = 6
	}
	return th
}

// completePlanningByFallback runs the deterministic completion sequence and
// translates its result into a loop status.
func (r *Runner) completePlanningByFallback(ctx context.Context, t *turn) (jobstate.LoopStatus, error) {
	res, err := r.runPlanningFallback(ctx, t)
	if err != nil {
		return "", err
	}
	if res.OK && t.job.Status == jobstate.JobStatusAwaitingCategories {
		return jobstate.LoopDone, nil
	}
	code := res.Code
	if code == "" {
		code = jobstate.CodePlanningFallbackFailed
	}
	t.loop.LastError = &storage.ErrorInfo{Code: code, Message: "planning fallback did not complete"}
	return jobstate.LoopFailed, nil
}
