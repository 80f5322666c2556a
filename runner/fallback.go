package runner

import (
	"context"
	"encoding/json"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/shaper"
	"github.com/pageglot/pageglot/tool/builtin"
)

// fallbackResult is the outcome of the forced planning completion.
type fallbackResult struct {
	OK      bool          `json:"ok"`
	Summary string        `json:"summary,omitempty"`
	Code    jobstate.Code `json:"code,omitempty"`
}

// runPlanningFallback force-completes a stuck planning phase by running the
// required tools itself, with a taxonomy derived from the pre-analysis
// ranges (or block hints when no ranges exist). Every step must settle
// ok:true; the first failure aborts the sequence with that step's code.
func (r *Runner) runPlanningFallback(ctx context.Context, t *turn) (fallbackResult, error) {
	r.log.Warn("planning stalled, forcing completion",
		"jobId", t.job.JobID,
		"iteration", t.loop.Iteration,
		"missing", t.job.EnsureAgentState().PlanningMarkers.Missing())

	payload := shaper.FallbackTaxonomy(t.job)
	steps := []struct {
		name string
		args map[string]any
		code jobstate.Code
	}{
		{
			name: builtin.NameAppendReport,
			args: map[string]any{"level": "warning", "text": "Planning fallback: auto-completing the remaining planning steps."},
			code: jobstate.CodePlanningFallbackError,
		},
		{
			// The model may have stalled before ever reading the
			// pre-analysis; finish_analysis requires the marker, so the
			// fallback reads it on the model's behalf.
			name: builtin.NameGetPreanalysis,
			args: map[string]any{},
			code: jobstate.CodePlanningFallbackError,
		},
		{
			name: builtin.NameSetTaxonomy,
			args: map[string]any{"categories": payload.Categories, "mapping": payload.Mapping},
			code: jobstate.CodePlanningFallbackTaxonomy,
		},
		{
			name: builtin.NameSetPipeline,
			args: map[string]any{"strategy": "balanced", "glossary": true, "qc": map[string]any{"level": "standard"}},
			code: jobstate.CodePlanningFallbackPipeline,
		},
		{
			name: builtin.NameRequestFinishAnalysis,
			args: map[string]any{"reason": "Fallback auto-complete planning"},
			code: jobstate.CodePlanningFallbackIncomplete,
		},
		{
			name: builtin.NameAskUserCategories,
			args: map[string]any{"categories": payload.Ask.Categories, "prompt": payload.Ask.Prompt},
			code: jobstate.CodePlanningFallbackAsk,
		},
	}

	for _, step := range steps {
		res, err := r.systemCall(ctx, t, step.name, step.args)
		if err != nil {
			return fallbackResult{}, err
		}
		if !outputOK(res.OutputString) {
			r.log.Error("planning fallback step failed",
				"jobId", t.job.JobID,
				"tool", step.name,
				"code", step.code)
			return fallbackResult{Code: step.code}, nil
		}
	}
	return fallbackResult{OK: true, Summary: "fallback_planning_complete"}, nil
}

// outputOK reports whether a tool output envelope carries ok:true.
func outputOK(output string) bool {
	var env struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal([]byte(output), &env); err != nil {
		return false
	}
	return env.OK
}
