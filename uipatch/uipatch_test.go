package uipatch

import (
	"strings"
	"testing"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/storage"
)

func TestBuildProgress(t *testing.T) {
	job := &storage.JobRecord{
		JobID:           "job-1",
		Status:          jobstate.JobStatusRunning,
		CompletedBlocks: 6,
		FailedBlockIDs:  []string{"b9"},
		PendingBlockIDs: []string{"b10", "b11", "b12"},
	}
	p := NewBuilder().Build(job)

	if p.Progress.Total != 10 {
		t.Errorf("total = %d, want 10", p.Progress.Total)
	}
	if p.Progress.Percent != 60 {
		t.Errorf("percent = %d, want 60", p.Progress.Percent)
	}
	if p.Stage != jobstate.StageExecution {
		t.Errorf("stage = %q, want execution", p.Stage)
	}
}

func TestBuildEmptyDoneJobIsComplete(t *testing.T) {
	p := NewBuilder().Build(&storage.JobRecord{JobID: "job-1", Status: jobstate.JobStatusDone})
	if p.Progress.Percent != 100 {
		t.Errorf("percent = %d, want 100 for a done job", p.Progress.Percent)
	}
}

func TestBuildRendersAndSanitizesReports(t *testing.T) {
	state := storage.NewAgentState()
	state.AppendReport(storage.Report{Level: "warning", Text: "**3 blocks** skipped", Ts: 1})
	state.AppendReport(storage.Report{Level: "info", Text: `done <script>alert("x")</script>`, Ts: 2})

	p := NewBuilder().Build(&storage.JobRecord{
		JobID:      "job-1",
		Status:     jobstate.JobStatusRunning,
		AgentState: state,
	})
	if len(p.Reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(p.Reports))
	}
	if !strings.Contains(string(p.Reports[0].HTML), "<strong>3 blocks</strong>") {
		t.Errorf("markdown not rendered: %q", p.Reports[0].HTML)
	}
	if strings.Contains(string(p.Reports[1].HTML), "<script") {
		t.Errorf("script survived sanitization: %q", p.Reports[1].HTML)
	}
}

func TestBuildReportTailBounded(t *testing.T) {
	state := storage.NewAgentState()
	for i := 0; i < 20; i++ {
		state.AppendReport(storage.Report{Level: "info", Text: "line", Ts: int64(i)})
	}
	p := NewBuilder(WithReportTail(3)).Build(&storage.JobRecord{
		JobID:      "job-1",
		Status:     jobstate.JobStatusRunning,
		AgentState: state,
	})
	if len(p.Reports) != 3 {
		t.Fatalf("reports = %d, want 3", len(p.Reports))
	}
	if p.Reports[2].Ts != 19 {
		t.Errorf("tail end ts = %d, want the newest report", p.Reports[2].Ts)
	}
}

func TestBuildTraceTail(t *testing.T) {
	state := storage.NewAgentState()
	for i := 1; i <= 30; i++ {
		state.ToolExecutionTrace = append(state.ToolExecutionTrace, storage.ToolTraceRecord{
			Seq:      i,
			ToolName: "page.apply_delta",
			Status:   jobstate.CallOK,
			QoS:      storage.TraceQoS{LatencyMs: 5},
		})
	}
	p := NewBuilder().Build(&storage.JobRecord{
		JobID:      "job-1",
		Status:     jobstate.JobStatusRunning,
		AgentState: state,
	})
	if len(p.TraceTail) != DefaultTraceTail {
		t.Fatalf("trace tail = %d, want %d", len(p.TraceTail), DefaultTraceTail)
	}
	if p.TraceTail[len(p.TraceTail)-1].Seq != 30 {
		t.Errorf("tail end seq = %d, want 30", p.TraceTail[len(p.TraceTail)-1].Seq)
	}
}

func TestBuildCategoriesOnlyWhileAwaiting(t *testing.T) {
	state := storage.NewAgentState()
	state.Taxonomy = &storage.Taxonomy{Categories: []string{"navigation", "content", "legal"}}

	p := NewBuilder().Build(&storage.JobRecord{
		JobID:      "job-1",
		Status:     jobstate.JobStatusAwaitingCategories,
		AgentState: state,
	})
	if len(p.Categories) != 3 {
		t.Errorf("categories = %v, want the taxonomy categories", p.Categories)
	}

	p = NewBuilder().Build(&storage.JobRecord{
		JobID:      "job-1",
		Status:     jobstate.JobStatusRunning,
		AgentState: state,
	})
	if p.Categories != nil {
		t.Errorf("categories = %v, want none while running", p.Categories)
	}
}

func TestBuildLastError(t *testing.T) {
	job := &storage.JobRecord{
		JobID:  "job-1",
		Status: jobstate.JobStatusFailed,
		Runtime: &storage.Runtime{
			Stage: jobstate.StageExecution,
			Retry: storage.Retry{LastError: &storage.ErrorInfo{
				Code:    jobstate.CodeAgentNoProgress,
				Message: "no progress over 4 iterations",
			}},
		},
	}
	p := NewBuilder().Build(job)
	if p.LastError == nil || p.LastError.Code != jobstate.CodeAgentNoProgress {
		t.Errorf("lastError = %+v", p.LastError)
	}

	// Without a runtime error the stage loop's error shows through.
	state := storage.NewAgentState()
	state.Execution = &storage.LoopRecord{LastError: &storage.ErrorInfo{
		Code:    jobstate.CodeToolExecFailed,
		Message: "apply failed",
	}}
	job = &storage.JobRecord{
		JobID:      "job-1",
		Status:     jobstate.JobStatusRunning,
		Runtime:    &storage.Runtime{Stage: jobstate.StageExecution},
		AgentState: state,
	}
	p = NewBuilder().Build(job)
	if p.LastError == nil || p.LastError.Code != jobstate.CodeToolExecFailed {
		t.Errorf("loop lastError = %+v", p.LastError)
	}
}

func TestRenderFallsBackOnRawText(t *testing.T) {
	b := NewBuilder()
	out := b.Render("plain text, no markup")
	if !strings.Contains(string(out), "plain text") {
		t.Errorf("render = %q", out)
	}
}
