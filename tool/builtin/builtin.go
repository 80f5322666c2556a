// Package builtin ships the product tool set the agent loops call through
// the tool engine: planning tools that author the taxonomy and pipeline,
// execution tools that translate blocks and apply them to the page, and
// bookkeeping tools shared by every stage.
//
// Handlers mutate only the job fields they own and return plain objects;
// serialization, idempotent replay, coalescing, and trace appends are the
// engine's job.
package builtin

import (
	"context"
	"encoding/json"

	"github.com/pageglot/pageglot/events"
	"github.com/pageglot/pageglot/internal/clock"
	"github.com/pageglot/pageglot/tool"
)

// Dotted tool names, exported so the runner and the planning fallback can
// invoke tools without restating strings.
const (
	NameGetPreanalysis        = "page.get_preanalysis"
	NameSetTaxonomy           = "agent.plan.set_taxonomy"
	NameSetPipeline           = "agent.plan.set_pipeline"
	NameRequestFinishAnalysis = "agent.plan.request_finish_analysis"
	NameAskUserCategories     = "agent.ui.ask_user_categories"
	NameAppendReport          = "agent.append_report"
	NameUpdateChecklist       = "agent.update_checklist"
	NameCompressContext       = "agent.compress_context"
	NameTranslateBlockStream  = "translator.translate_block_stream"
	NameApplyDelta            = "page.apply_delta"
	NameProofFinish           = "proof.finish"
)

// TranslateBlock is one block handed to the translator transport.
type TranslateBlock struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// TranslateRequest asks the remote executor to translate a set of blocks.
type TranslateRequest struct {
	JobID      string
	TabID      int
	TargetLang string
	Blocks     []TranslateBlock
	Stream     bool
}

// TranslateResult carries the translations keyed by block id.
type TranslateResult struct {
	Translations map[string]string
}

// TranslateFunc is the translator transport, normally backed by the
// offscreen executor. Implementations return errors built with
// tool.WithCode so failures classify.
type TranslateFunc func(ctx context.Context, req TranslateRequest) (TranslateResult, error)

// Deps carries what the built-in tools need from the host.
type Deps struct {
	// Translate reaches the remote executor. Nil makes
	// translator.translate_block_stream fail with OFFSCREEN_UNAVAILABLE.
	Translate TranslateFunc

	// Events receives ui_patch and job_transition notifications. Optional.
	Events *events.Bus

	// Clock defaults to the system clock.
	Clock clock.Clock
}

// All returns the full product tool set, ready for Registry.RegisterAll.
func All(deps Deps) []tool.Definition {
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	return []tool.Definition{
		getPreanalysis(deps),
		setTaxonomy(deps),
		setPipeline(deps),
		requestFinishAnalysis(deps),
		askUserCategories(deps),
		appendReport(deps),
		updateChecklist(deps),
		compressContext(deps),
		translateBlockStream(deps),
		applyDelta(deps),
		proofFinish(deps),
	}
}

func publish(deps Deps, topic events.Topic, jobID string, payload any) {
	if deps.Events == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	deps.Events.Publish(events.Event{Topic: topic, JobID: jobID, Payload: raw})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
