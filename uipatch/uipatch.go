// Package uipatch builds the user-facing view of a translation job: status,
// block progress, the last report lines, and the tail of the tool trace.
// The popup applies patches verbatim, so report markdown is rendered to
// HTML and sanitized here rather than client-side.
package uipatch

import (
	"bytes"
	"html/template"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/storage"
)

const (
	// DefaultReportTail is how many report lines a patch carries.
	DefaultReportTail = 8

	// DefaultTraceTail is how many trace records a patch carries.
	DefaultTraceTail = 12
)

// Patch is one immutable snapshot of a job for the UI.
type Patch struct {
	JobID      string             `json:"jobId"`
	TabID      int                `json:"tabId"`
	Status     jobstate.JobStatus `json:"status"`
	Stage      jobstate.Stage     `json:"stage,omitempty"`
	TargetLang string             `json:"targetLang,omitempty"`

	Progress Progress `json:"progress"`

	// Categories is set while the job awaits a category selection.
	Categories []string `json:"categories,omitempty"`

	LastError *storage.ErrorInfo `json:"lastError,omitempty"`

	Reports   []Report    `json:"reports,omitempty"`
	TraceTail []TraceLine `json:"traceTail,omitempty"`

	UpdatedAt int64 `json:"updatedAt"`
}

// Progress summarizes block completion counts.
type Progress struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// Report is one rendered report line. HTML is sanitized and safe to inject.
type Report struct {
	Level string        `json:"level"`
	Code  string        `json:"code,omitempty"`
	HTML  template.HTML `json:"html"`
	Ts    int64         `json:"ts"`
}

// TraceLine is the compact trace view shown in the popup's activity log.
type TraceLine struct {
	Seq       int                 `json:"seq"`
	ToolName  string              `json:"toolName"`
	Status    jobstate.CallStatus `json:"status"`
	ErrorCode string              `json:"errorCode,omitempty"`
	LatencyMs int64               `json:"latencyMs,omitempty"`
	TsEnd     int64               `json:"tsEnd"`
}

// Builder renders patches. It is safe for concurrent use.
type Builder struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy

	reportTail int
	traceTail  int
}

// Option adjusts a Builder.
type Option func(*Builder)

// WithReportTail overrides how many report lines a patch carries.
func WithReportTail(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.reportTail = n
		}
	}
}

// WithTraceTail overrides how many trace records a patch carries.
func WithTraceTail(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.traceTail = n
		}
	}
}

// NewBuilder returns a Builder with a GFM markdown renderer and the
// bluemonday UGC policy.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		md:         goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy:     bluemonday.UGCPolicy(),
		reportTail: DefaultReportTail,
		traceTail:  DefaultTraceTail,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles a patch from the persisted job record.
func (b *Builder) Build(job *storage.JobRecord) Patch {
	p := Patch{
		JobID:      job.JobID,
		TabID:      job.TabID,
		Status:     job.Status,
		Stage:      jobstate.StageForStatus(job.Status),
		TargetLang: job.TargetLang,
		Progress:   buildProgress(job),
		UpdatedAt:  job.UpdatedAt,
	}
	if job.Runtime != nil {
		if job.Runtime.Stage != "" {
			p.Stage = job.Runtime.Stage
		}
		p.LastError = job.Runtime.Retry.LastError
	}

	state := job.AgentState
	if state == nil {
		return p
	}

	if p.LastError == nil {
		if loop := loopFor(state, p.Stage); loop != nil {
			p.LastError = loop.LastError
		}
	}
	if job.Status == jobstate.JobStatusAwaitingCategories && state.Taxonomy != nil {
		p.Categories = state.Taxonomy.Categories
	}

	reports := tail(state.Reports, b.reportTail)
	for _, r := range reports {
		p.Reports = append(p.Reports, Report{
			Level: r.Level,
			Code:  r.Code,
			HTML:  b.Render(r.Text),
			Ts:    r.Ts,
		})
	}
	for _, rec := range tail(state.ToolExecutionTrace, b.traceTail) {
		p.TraceTail = append(p.TraceTail, TraceLine{
			Seq:       rec.Seq,
			ToolName:  rec.ToolName,
			Status:    rec.Status,
			ErrorCode: rec.ErrorCode,
			LatencyMs: rec.QoS.LatencyMs,
			TsEnd:     rec.TsEnd,
		})
	}
	return p
}

// Render converts report markdown to sanitized HTML. Render failures fall
// back to the escaped source text so a bad report never blanks the UI.
func (b *Builder) Render(markdown string) template.HTML {
	var buf bytes.Buffer
	if err := b.md.Convert([]byte(markdown), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(markdown))
	}
	return template.HTML(b.policy.SanitizeBytes(buf.Bytes()))
}

func buildProgress(job *storage.JobRecord) Progress {
	p := Progress{
		Completed: job.CompletedBlocks,
		Failed:    len(job.FailedBlockIDs),
		Pending:   len(job.PendingBlockIDs),
	}
	p.Total = p.Completed + p.Failed + p.Pending
	switch {
	case p.Total > 0:
		p.Percent = p.Completed * 100 / p.Total
	case job.Status == jobstate.JobStatusDone:
		p.Percent = 100
	}
	return p
}

func loopFor(state *storage.AgentState, stage jobstate.Stage) *storage.LoopRecord {
	switch stage {
	case jobstate.StagePlanning:
		return state.PlanningLoop
	case jobstate.StageExecution:
		return state.Execution
	case jobstate.StageProofreading:
		return state.ProofreadingExecution
	default:
		return nil
	}
}

func tail[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
