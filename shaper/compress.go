package shaper

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/pageglot/pageglot/storage"
)

const (
	compressEncoding     = "cl100k_base"
	defaultSummaryTokens = 512
	reportTail           = 10
	traceTailLines       = 8
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func tokenEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(compressEncoding)
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CountTokens estimates the token weight of text with the cl100k_base
// encoding, falling back to the chars/4 heuristic when the encoding cannot
// be loaded.
func CountTokens(text string) int {
	if enc := tokenEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// CompressContext renders the agent state into a bounded plain-text
// summary: progress counters, the authored taxonomy and pipeline, the
// checklist, the report tail, and the most recent tool executions. The
// summary stays under maxTokens (default 512) by dropping report and trace
// lines, oldest first.
func CompressContext(job *storage.JobRecord, maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = defaultSummaryTokens
	}

	head := []string{
		fmt.Sprintf("progress: completed %d, failed %d, pending %d",
			job.CompletedBlocks, len(job.FailedBlockIDs), len(job.PendingBlockIDs)),
	}
	var tail []string

	state := job.AgentState
	if state != nil {
		if state.Taxonomy != nil {
			head = append(head, "taxonomy: "+strings.Join(state.Taxonomy.Categories, ", "))
		}
		if state.Pipeline != nil {
			head = append(head, fmt.Sprintf("pipeline: %s (qc %s)", state.Pipeline.Strategy, state.Pipeline.QC.Level))
		}
		if len(state.Checklist) > 0 {
			var items []string
			for _, c := range state.Checklist {
				items = append(items, c.Item+"="+c.Status)
			}
			head = append(head, "checklist: "+strings.Join(items, ", "))
		}

		reports := state.Reports
		if len(reports) > reportTail {
			reports = reports[len(reports)-reportTail:]
		}
		for _, r := range reports {
			tail = append(tail, fmt.Sprintf("report [%s] %s", r.Level, r.Text))
		}

		trace := state.ToolExecutionTrace
		if len(trace) > traceTailLines {
			trace = trace[len(trace)-traceTailLines:]
		}
		for _, rec := range trace {
			line := fmt.Sprintf("tool %s %s", rec.ToolName, rec.Status)
			if rec.ErrorCode != "" {
				line += " " + rec.ErrorCode
			}
			tail = append(tail, line)
		}
	}

	summary := strings.Join(append(append([]string{}, head...), tail...), "\n")
	for len(tail) > 0 && CountTokens(summary) > maxTokens {
		tail = tail[1:]
		summary = strings.Join(append(append([]string{}, head...), tail...), "\n")
	}
	if CountTokens(summary) > maxTokens {
		runes := []rune(summary)
		if limit := maxTokens * 4; len(runes) > limit {
			summary = string(runes[:limit])
		}
	}
	return summary
}
