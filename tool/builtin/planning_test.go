package builtin

import (
	"testing"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/shaper"
	"github.com/pageglot/pageglot/storage"
)

func TestHappyPlanningSequence(t *testing.T) {
	f := newFixture(t, nil)
	job := planningJob()

	res := f.run(job, jobstate.StagePlanning, "call-1", NameGetPreanalysis, `{}`)
	out := decodeOutput(t, res)
	if out["ok"] != true {
		t.Fatalf("get_preanalysis ok = %v, want true", out["ok"])
	}
	if got := out["blockCount"].(float64); got != 3 {
		t.Errorf("blockCount = %v, want 3", got)
	}

	res = f.run(job, jobstate.StagePlanning, "call-2", NameSetTaxonomy,
		`{"categories":[" Main_Content ","HEADINGS","headings"],"mapping":{"b2":"navigation"}}`)
	if decodeOutput(t, res)["ok"] != true {
		t.Fatalf("set_taxonomy failed: %s", res.OutputString)
	}

	res = f.run(job, jobstate.StagePlanning, "call-3", NameSetPipeline, `{}`)
	if decodeOutput(t, res)["ok"] != true {
		t.Fatalf("set_pipeline failed: %s", res.OutputString)
	}

	res = f.run(job, jobstate.StagePlanning, "call-4", NameRequestFinishAnalysis,
		`{"reason":"analysis complete"}`)
	if decodeOutput(t, res)["ok"] != true {
		t.Fatalf("request_finish_analysis failed: %s", res.OutputString)
	}

	res = f.run(job, jobstate.StagePlanning, "call-5", NameAskUserCategories, `{"prompt":"Pick"}`)
	if decodeOutput(t, res)["ok"] != true {
		t.Fatalf("ask_user_categories failed: %s", res.OutputString)
	}

	if job.Status != jobstate.JobStatusAwaitingCategories {
		t.Errorf("job.Status = %s, want awaiting_categories", job.Status)
	}

	state := job.AgentState
	if missing := state.PlanningMarkers.Missing(); len(missing) != 0 {
		t.Errorf("Missing() = %v, want empty", missing)
	}
	if state.Taxonomy == nil {
		t.Fatal("taxonomy not set")
	}
	wantCats := []string{"main_content", "headings"}
	if len(state.Taxonomy.Categories) != len(wantCats) {
		t.Fatalf("taxonomy categories = %v, want %v", state.Taxonomy.Categories, wantCats)
	}
	for i, c := range wantCats {
		if state.Taxonomy.Categories[i] != c {
			t.Errorf("categories[%d] = %q, want %q", i, state.Taxonomy.Categories[i], c)
		}
	}
	if state.Pipeline == nil || state.Pipeline.Strategy != shaper.StrategyBalanced {
		t.Errorf("pipeline = %+v, want balanced defaults", state.Pipeline)
	}
	if len(state.Plan) == 0 {
		t.Error("plan not derived on finish_analysis")
	}
	if len(state.Checklist) == 0 {
		t.Fatal("checklist not seeded")
	}

	byItem := map[string]string{}
	for _, e := range state.Checklist {
		byItem[e.Item] = e.Status
	}
	if byItem[shaper.ChecklistPlanTaxonomy] != shaper.StatusDone {
		t.Errorf("plan_taxonomy = %q, want done", byItem[shaper.ChecklistPlanTaxonomy])
	}
	if byItem[shaper.ChecklistSelectCategories] != shaper.StatusInProgress {
		t.Errorf("select_categories = %q, want in_progress", byItem[shaper.ChecklistSelectCategories])
	}
}

func TestGetPreanalysisPrefersPreRanges(t *testing.T) {
	f := newFixture(t, nil)
	job := planningJob()
	job.PreRangesByID = map[string]storage.PreRange{
		"r1": {Hint: "h2 heading"},
		"r2": {Category: "code"},
	}

	res := f.run(job, jobstate.StagePlanning, "call-1", NameGetPreanalysis, `{}`)
	out := decodeOutput(t, res)

	ranges, ok := out["ranges"].([]any)
	if !ok || len(ranges) != 2 {
		t.Fatalf("ranges = %v, want 2 entries", out["ranges"])
	}
	first := ranges[0].(map[string]any)
	if first["id"] != "r1" || first["category"] != shaper.CategoryHeadings {
		t.Errorf("ranges[0] = %v, want r1/headings", first)
	}
	second := ranges[1].(map[string]any)
	if second["category"] != shaper.CategoryCode {
		t.Errorf("ranges[1].category = %v, want code", second["category"])
	}

	if !job.AgentState.PlanningMarkers.PreanalysisReadByTool {
		t.Error("preanalysisReadByTool not set")
	}

	again := f.run(job, jobstate.StagePlanning, "call-2", NameGetPreanalysis, `{}`)
	if !again.Replayed {
		t.Error("identical args within TTL should replay")
	}
}

func TestRequestFinishAnalysisReportsMissing(t *testing.T) {
	f := newFixture(t, nil)
	job := planningJob()

	res := f.run(job, jobstate.StagePlanning, "call-1", NameRequestFinishAnalysis, `{}`)
	out := decodeOutput(t, res)
	if out["ok"] != false {
		t.Fatalf("ok = %v, want false", out["ok"])
	}

	missing, _ := out["missing"].([]any)
	want := []string{NameGetPreanalysis, NameSetTaxonomy, NameSetPipeline}
	if len(missing) != len(want) {
		t.Fatalf("missing = %v, want %v", missing, want)
	}
	for i, name := range want {
		if missing[i] != name {
			t.Errorf("missing[%d] = %v, want %s", i, missing[i], name)
		}
	}

	m := job.AgentState.PlanningMarkers
	if !m.FinishAnalysisRequestedByTool || m.FinishAnalysisOk {
		t.Errorf("markers = %+v, want requested without ok", m)
	}
}

func TestSetTaxonomyRejectsBlankCategories(t *testing.T) {
	f := newFixture(t, nil)
	job := planningJob()

	res := f.run(job, jobstate.StagePlanning, "call-1", NameSetTaxonomy, `{"categories":["  "]}`)
	if res.Status != jobstate.CallFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if code := envelopeCode(t, res); code != string(jobstate.CodeToolArgsInvalid) {
		t.Errorf("code = %s, want TOOL_ARGS_INVALID", code)
	}
	if job.AgentState.PlanningMarkers.TaxonomySetByTool {
		t.Error("taxonomySetByTool set on failure")
	}
}

func TestSetPipelineOverrides(t *testing.T) {
	f := newFixture(t, nil)
	job := planningJob()

	f.run(job, jobstate.StagePlanning, "call-1", NameSetPipeline,
		`{"strategy":"quality","glossary":false,"qc":{"level":"strict"}}`)

	p := job.AgentState.Pipeline
	if p == nil {
		t.Fatal("pipeline not set")
	}
	if p.Strategy != shaper.StrategyQuality || p.Glossary || p.QC.Level != "strict" {
		t.Errorf("pipeline = %+v, want quality/false/strict", p)
	}
}

func TestAskUserCategoriesRejectsBadTransition(t *testing.T) {
	f := newFixture(t, nil)
	job := runningJob()

	res := f.run(job, jobstate.StagePlanning, "call-1", NameAskUserCategories, `{}`)
	if res.Status != jobstate.CallFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if code := envelopeCode(t, res); code != string(jobstate.CodeToolExecFailed) {
		t.Errorf("code = %s, want TOOL_EXEC_FAILED", code)
	}
	if job.Status != jobstate.JobStatusRunning {
		t.Errorf("job.Status = %s, want running unchanged", job.Status)
	}
}
