package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pageglot/pageglot/events"
	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/shaper"
	"github.com/pageglot/pageglot/storage"
	"github.com/pageglot/pageglot/tool"
)

const schemaGetPreanalysis = `{
	"type": "object",
	"additionalProperties": false
}`

// getPreanalysis exposes the page scanner's pre-analysis to the planner:
// block ranges with their hints and inferred categories.
func getPreanalysis(deps Deps) tool.Definition {
	return tool.Definition{
		Name:        NameGetPreanalysis,
		Description: "Read the page pre-analysis: block ranges with scanner hints and inferred content categories.",
		Scope:       []jobstate.Stage{jobstate.StagePlanning},
		Parameters:  json.RawMessage(schemaGetPreanalysis),
		Idempotency: tool.IdempotencyByArgsHash,
		QoS:         tool.QoS{CacheTtlMs: 30_000},
		Handler: func(ctx context.Context, inv tool.Invocation) (any, error) {
			state := inv.Job.EnsureAgentState()
			state.PlanningMarkers.PreanalysisReadByTool = true

			type rangeInfo struct {
				ID       string `json:"id"`
				Category string `json:"category"`
				Hint     string `json:"hint,omitempty"`
			}
			var ranges []rangeInfo
			if len(inv.Job.PreRangesByID) > 0 {
				for id, r := range inv.Job.PreRangesByID {
					ranges = append(ranges, rangeInfo{
						ID:       id,
						Category: shaper.CategoryFromHint(firstNonEmpty(r.Category, r.Hint)),
						Hint:     r.Hint,
					})
				}
			} else {
				for id, b := range inv.Job.BlocksByID {
					ranges = append(ranges, rangeInfo{
						ID:       id,
						Category: shaper.CategoryFromHint(firstNonEmpty(b.Category, b.Hint)),
						Hint:     b.Hint,
					})
				}
			}
			sort.Slice(ranges, func(i, j int) bool { return ranges[i].ID < ranges[j].ID })

			return map[string]any{
				"ok":           true,
				"ranges":       ranges,
				"blockCount":   len(inv.Job.BlocksByID),
				"pendingCount": len(inv.Job.PendingBlockIDs),
			}, nil
		},
	}
}

const schemaSetTaxonomy = `{
	"type": "object",
	"properties": {
		"categories": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"minItems": 1
		},
		"mapping": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	},
	"required": ["categories"],
	"additionalProperties": false
}`

// setTaxonomy stores the planner-authored category scheme.
func setTaxonomy(deps Deps) tool.Definition {
	return tool.Definition{
		Name:        NameSetTaxonomy,
		Description: "Set the content taxonomy for the page: the category list and the optional blockId-to-category mapping.",
		Scope:       []jobstate.Stage{jobstate.StagePlanning},
		Parameters:  json.RawMessage(schemaSetTaxonomy),
		Idempotency: tool.IdempotencyByCallID,
		SideEffects: tool.SideEffectStorageWrite,
		Handler: func(ctx context.Context, inv tool.Invocation) (any, error) {
			var args struct {
				Categories []string          `json:"categories"`
				Mapping    map[string]string `json:"mapping"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}

			seen := map[string]bool{}
			categories := make([]string, 0, len(args.Categories))
			for _, c := range args.Categories {
				c = strings.ToLower(strings.TrimSpace(c))
				if c == "" || seen[c] {
					continue
				}
				seen[c] = true
				categories = append(categories, c)
			}
			if len(categories) == 0 {
				return nil, tool.WithCode(jobstate.CodeToolArgsInvalid,
					fmt.Errorf("categories must contain at least one non-empty entry"))
			}

			state := inv.Job.EnsureAgentState()
			state.Taxonomy = &storage.Taxonomy{Categories: categories, Mapping: args.Mapping}
			state.PlanningMarkers.TaxonomySetByTool = true

			return map[string]any{
				"ok":         true,
				"categories": len(categories),
				"mapped":     len(args.Mapping),
			}, nil
		},
	}
}

const schemaSetPipeline = `{
	"type": "object",
	"properties": {
		"strategy": {"type": "string", "enum": ["fast", "balanced", "quality"]},
		"glossary": {"type": "boolean"},
		"qc": {
			"type": "object",
			"properties": {
				"level": {"type": "string", "enum": ["basic", "standard", "strict"]}
			},
			"additionalProperties": false
		}
	},
	"additionalProperties": false
}`

// setPipeline stores the pipeline configuration, filling omitted fields
// from the default pipeline.
func setPipeline(deps Deps) tool.Definition {
	return tool.Definition{
		Name:        NameSetPipeline,
		Description: "Configure the translation pipeline: strategy, glossary usage, and quality-control level. Omitted fields take defaults.",
		Scope:       []jobstate.Stage{jobstate.StagePlanning},
		Parameters:  json.RawMessage(schemaSetPipeline),
		Idempotency: tool.IdempotencyByCallID,
		SideEffects: tool.SideEffectStorageWrite,
		Handler: func(ctx context.Context, inv tool.Invocation) (any, error) {
			var args struct {
				Strategy string `json:"strategy"`
				Glossary *bool  `json:"glossary"`
				QC       *struct {
					Level string `json:"level"`
				} `json:"qc"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}

			p := shaper.DefaultPipeline()
			if args.Strategy != "" {
				p.Strategy = args.Strategy
			}
			if args.Glossary != nil {
				p.Glossary = *args.Glossary
			}
			if args.QC != nil && args.QC.Level != "" {
				p.QC.Level = args.QC.Level
			}

			state := inv.Job.EnsureAgentState()
			state.Pipeline = &p
			state.PlanningMarkers.PipelineSetByTool = true

			return map[string]any{
				"ok":       true,
				"strategy": p.Strategy,
				"glossary": p.Glossary,
				"qcLevel":  p.QC.Level,
			}, nil
		},
	}
}

const schemaRequestFinishAnalysis = `{
	"type": "object",
	"properties": {
		"reason": {"type": "string"}
	},
	"additionalProperties": false
}`

// requestFinishAnalysis verifies the required planning actions ran and, on
// success, derives the batch plan, glossary, and checklist from the
// authored taxonomy and pipeline.
func requestFinishAnalysis(deps Deps) tool.Definition {
	return tool.Definition{
		Name:        NameRequestFinishAnalysis,
		Description: "Declare the page analysis complete. Fails with the missing tool names if pre-analysis, taxonomy, or pipeline have not been set.",
		Scope:       []jobstate.Stage{jobstate.StagePlanning},
		Parameters:  json.RawMessage(schemaRequestFinishAnalysis),
		Idempotency: tool.IdempotencyByCallID,
		SideEffects: tool.SideEffectStorageWrite,
		Handler: func(ctx context.Context, inv tool.Invocation) (any, error) {
			var args struct {
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}

			state := inv.Job.EnsureAgentState()
			m := &state.PlanningMarkers
			m.FinishAnalysisRequestedByTool = true

			var missing []string
			if !m.PreanalysisReadByTool {
				missing = append(missing, NameGetPreanalysis)
			}
			if !m.TaxonomySetByTool {
				missing = append(missing, NameSetTaxonomy)
			}
			if !m.PipelineSetByTool {
				missing = append(missing, NameSetPipeline)
			}
			if len(missing) > 0 {
				m.FinishAnalysisOk = false
				return map[string]any{"ok": false, "missing": missing}, nil
			}
			m.FinishAnalysisOk = true

			now := deps.Clock.NowMs()
			if len(state.Plan) == 0 && state.Taxonomy != nil {
				state.Plan = shaper.InitialPlan(inv.Job, shaper.TaxonomyPayload{
					Categories: state.Taxonomy.Categories,
					Mapping:    state.Taxonomy.Mapping,
				})
			}
			if state.Glossary == nil && state.Pipeline != nil && state.Pipeline.Glossary {
				terms := shaper.GlossaryTerms(inv.Job, 0)
				if len(terms) > 0 {
					state.Glossary = map[string]string{}
					for _, t := range terms {
						state.Glossary[t] = ""
					}
				}
			}
			if len(state.Checklist) == 0 {
				state.Checklist = shaper.InitialChecklist(now, inv.Settings.ProofreadingEnabled)
			}
			markChecklist(state, shaper.ChecklistPlanTaxonomy, shaper.StatusDone, now)

			out := map[string]any{"ok": true}
			if args.Reason != "" {
				out["reason"] = args.Reason
			}
			return out, nil
		},
	}
}

const schemaAskUserCategories = `{
	"type": "object",
	"properties": {
		"categories": {
			"type": "array",
			"items": {"type": "string"}
		},
		"prompt": {"type": "string"}
	},
	"additionalProperties": false
}`

// askUserCategories parks the job in awaiting_categories until the user
// selects which content categories to translate.
func askUserCategories(deps Deps) tool.Definition {
	return tool.Definition{
		Name:        NameAskUserCategories,
		Description: "Ask the user which content categories to translate. Moves the job to awaiting_categories.",
		Scope:       []jobstate.Stage{jobstate.StagePlanning},
		Parameters:  json.RawMessage(schemaAskUserCategories),
		Idempotency: tool.IdempotencyByCallID,
		SideEffects: tool.SideEffectStorageWrite,
		Handler: func(ctx context.Context, inv tool.Invocation) (any, error) {
			var args struct {
				Categories []string `json:"categories"`
				Prompt     string   `json:"prompt"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}

			state := inv.Job.EnsureAgentState()
			state.PlanningMarkers.AskUserCategoriesByTool = true

			categories := args.Categories
			if len(categories) == 0 && state.Taxonomy != nil {
				categories = state.Taxonomy.Categories
			}
			prompt := args.Prompt
			if prompt == "" {
				prompt = shaper.FallbackTaxonomy(inv.Job).Ask.Prompt
			}

			now := deps.Clock.NowMs()
			markChecklist(state, shaper.ChecklistSelectCategories, shaper.StatusInProgress, now)

			from := inv.Job.Status
			if from != jobstate.JobStatusAwaitingCategories {
				if !from.CanTransitionTo(jobstate.JobStatusAwaitingCategories) {
					return nil, tool.WithCode(jobstate.CodeToolExecFailed,
						fmt.Errorf("cannot await categories from status %q", from))
				}
				inv.Job.Status = jobstate.JobStatusAwaitingCategories
				publish(deps, events.TopicJobTransition, inv.Job.JobID, map[string]any{
					"from": from, "to": jobstate.JobStatusAwaitingCategories,
				})
			}

			return map[string]any{
				"ok":         true,
				"awaiting":   "categories",
				"categories": categories,
				"prompt":     prompt,
			}, nil
		},
	}
}

// markChecklist updates the named item in place or appends it.
func markChecklist(state *storage.AgentState, item, status string, nowMs int64) {
	for i := range state.Checklist {
		if state.Checklist[i].Item == item {
			state.Checklist[i].Status = status
			state.Checklist[i].Ts = nowMs
			return
		}
	}
	state.Checklist = append(state.Checklist, storage.ChecklistEntry{Item: item, Status: status, Ts: nowMs})
}
