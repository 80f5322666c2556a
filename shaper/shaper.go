// Package shaper derives deterministic planning state from scanned page
// data: taxonomy payloads, the default pipeline, batch plans, glossary
// candidates, category selection, and bounded context summaries. The agent
// runner falls back to it whenever the model's plan is unavailable or
// incomplete, so every function here must be a pure function of the job
// record.
package shaper

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/pageglot/pageglot/storage"
)

// Canonical category names produced by CategoryFromHint.
const (
	CategoryHeadings    = "headings"
	CategoryCode        = "code"
	CategoryNavigation  = "navigation"
	CategoryTables      = "tables"
	CategoryUIControls  = "ui_controls"
	CategoryMainContent = "main_content"
)

// Checklist item names shared with the execution loop.
const (
	ChecklistScanPage         = "scan_page"
	ChecklistPlanTaxonomy     = "plan_taxonomy"
	ChecklistSelectCategories = "select_categories"
	ChecklistExecuteBatches   = "execute_batches"
	ChecklistProofread        = "proofread"
)

// Checklist statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusSkipped    = "skipped"
)

// Pipeline strategies.
const (
	StrategyFast     = "fast"
	StrategyBalanced = "balanced"
	StrategyQuality  = "quality"
)

const planBatchSize = 8

// CategoryFromHint maps a scanner hint onto a canonical category. Unknown
// or empty hints land in main_content.
func CategoryFromHint(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	switch {
	case strings.Contains(h, "heading"):
		return CategoryHeadings
	case strings.Contains(h, "code"):
		return CategoryCode
	case strings.Contains(h, "nav"):
		return CategoryNavigation
	case strings.Contains(h, "table"):
		return CategoryTables
	case strings.Contains(h, "button"),
		strings.Contains(h, "label"),
		strings.Contains(h, "input"),
		strings.Contains(h, "form"):
		return CategoryUIControls
	default:
		return CategoryMainContent
	}
}

// AskPayload is the user-facing category question built alongside a
// fallback taxonomy.
type AskPayload struct {
	Prompt     string   `json:"prompt"`
	Categories []string `json:"categories"`
}

// TaxonomyPayload is the deterministic taxonomy the planning fallback
// feeds into agent.plan.set_taxonomy and agent.ui.ask_user_categories.
type TaxonomyPayload struct {
	Categories []string          `json:"categories"`
	Mapping    map[string]string `json:"mapping"`
	Ask        AskPayload        `json:"ask"`
}

// FallbackTaxonomy builds a taxonomy from the pre-analysis ranges when
// present, otherwise from block hints. Categories come out sorted so the
// payload is stable across runs.
func FallbackTaxonomy(job *storage.JobRecord) TaxonomyPayload {
	mapping := map[string]string{}
	if len(job.PreRangesByID) > 0 {
		for id, r := range job.PreRangesByID {
			mapping[id] = CategoryFromHint(firstNonEmpty(r.Category, r.Hint))
		}
	} else {
		for id, b := range job.BlocksByID {
			mapping[id] = CategoryFromHint(firstNonEmpty(b.Category, b.Hint))
		}
	}

	seen := map[string]bool{}
	var categories []string
	for _, c := range mapping {
		if !seen[c] {
			seen[c] = true
			categories = append(categories, c)
		}
	}
	if len(categories) == 0 {
		categories = []string{CategoryMainContent}
	}
	sort.Strings(categories)

	return TaxonomyPayload{
		Categories: categories,
		Mapping:    mapping,
		Ask: AskPayload{
			Prompt:     "Select the content categories to translate.",
			Categories: categories,
		},
	}
}

// DefaultPipeline is the pipeline the fallback authors when the model
// never called set_pipeline.
func DefaultPipeline() storage.Pipeline {
	return storage.Pipeline{
		Strategy: StrategyBalanced,
		Glossary: true,
		QC:       storage.QC{Level: "standard"},
	}
}

// PlanBatch is one unit of the deterministic batch plan.
type PlanBatch struct {
	Category string   `json:"category"`
	BlockIDs []string `json:"blockIds"`
}

type plan struct {
	Version  int         `json:"version"`
	Strategy string      `json:"strategy"`
	Batches  []PlanBatch `json:"batches"`
}

// InitialPlan groups the pending blocks, in document order, into
// per-category batches of at most eight blocks. The result is the plan
// document stored in agentState.plan when the model did not author one.
func InitialPlan(job *storage.JobRecord, tax TaxonomyPayload) json.RawMessage {
	strategy := StrategyBalanced
	if job.AgentState != nil && job.AgentState.Pipeline != nil && job.AgentState.Pipeline.Strategy != "" {
		strategy = job.AgentState.Pipeline.Strategy
	}

	var batches []PlanBatch
	index := map[string]int{} // category -> open batch position
	for _, id := range job.PendingBlockIDs {
		cat, ok := tax.Mapping[id]
		if !ok {
			cat = CategoryMainContent
		}
		at, open := index[cat]
		if !open || len(batches[at].BlockIDs) >= planBatchSize {
			batches = append(batches, PlanBatch{Category: cat})
			at = len(batches) - 1
			index[cat] = at
		}
		batches[at].BlockIDs = append(batches[at].BlockIDs, id)
	}

	raw, err := json.Marshal(plan{Version: 1, Strategy: strategy, Batches: batches})
	if err != nil {
		return json.RawMessage(`{"version":1,"batches":[]}`)
	}
	return raw
}

// InitialChecklist seeds the job checklist. scan_page is already done by
// the time planning starts.
func InitialChecklist(nowMs int64, proofreading bool) []storage.ChecklistEntry {
	entries := []storage.ChecklistEntry{
		{Item: ChecklistScanPage, Status: StatusDone, Ts: nowMs},
		{Item: ChecklistPlanTaxonomy, Status: StatusPending, Ts: nowMs},
		{Item: ChecklistSelectCategories, Status: StatusPending, Ts: nowMs},
		{Item: ChecklistExecuteBatches, Status: StatusPending, Ts: nowMs},
	}
	if proofreading {
		entries = append(entries, storage.ChecklistEntry{Item: ChecklistProofread, Status: StatusPending, Ts: nowMs})
	}
	return entries
}

// AuditProgress snapshots the externally observable progress counters.
func AuditProgress(job *storage.JobRecord, nowMs int64) storage.Audit {
	return storage.Audit{
		Kind: "progress",
		Note: fmt.Sprintf("completed %d, failed %d, pending %d",
			job.CompletedBlocks, len(job.FailedBlockIDs), len(job.PendingBlockIDs)),
		Ts: nowMs,
	}
}

// SelectCategories partitions the pending block ids by the user's category
// choice. Blocks without a taxonomy mapping fall back to their hint; an
// empty selection keeps everything. Order is preserved.
func SelectCategories(job *storage.JobRecord, selected []string) (kept, dropped []string) {
	if len(selected) == 0 {
		return append([]string(nil), job.PendingBlockIDs...), nil
	}
	want := map[string]bool{}
	for _, c := range selected {
		want[strings.ToLower(strings.TrimSpace(c))] = true
	}
	var mapping map[string]string
	if job.AgentState != nil && job.AgentState.Taxonomy != nil {
		mapping = job.AgentState.Taxonomy.Mapping
	}
	for _, id := range job.PendingBlockIDs {
		cat, ok := mapping[id]
		if !ok {
			if b, found := job.BlocksByID[id]; found {
				cat = CategoryFromHint(firstNonEmpty(b.Category, b.Hint))
			}
		}
		if cat == "" || want[cat] {
			kept = append(kept, id)
		} else {
			dropped = append(dropped, id)
		}
	}
	return kept, dropped
}

// GlossaryTerms proposes terms worth translating consistently: a term
// qualifies when it is at least four letters long and occurs in at least
// three distinct blocks. The result is lowercased, sorted, and capped.
func GlossaryTerms(job *storage.JobRecord, max int) []string {
	if max <= 0 {
		max = 24
	}
	blockCount := map[string]int{}
	for _, b := range job.BlocksByID {
		seen := map[string]bool{}
		for _, tok := range splitWords(b.Text) {
			term := strings.ToLower(tok)
			if len([]rune(term)) < 4 || stopwords[term] || seen[term] {
				continue
			}
			seen[term] = true
			blockCount[term]++
		}
	}
	var terms []string
	for term, n := range blockCount {
		if n >= 3 {
			terms = append(terms, term)
		}
	}
	sort.Strings(terms)
	if len(terms) > max {
		terms = terms[:max]
	}
	return terms
}

var stopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true,
	"will": true, "your": true, "about": true, "they": true, "their": true,
	"more": true, "when": true, "what": true, "which": true, "into": true,
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
