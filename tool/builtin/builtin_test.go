package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pageglot/pageglot/internal/clock"
	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/settings"
	"github.com/pageglot/pageglot/storage"
	"github.com/pageglot/pageglot/tool"
)

type fixture struct {
	t      *testing.T
	fake   *clock.Fake
	engine *tool.Engine
	deps   Deps
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	deps := Deps{Clock: fake}
	if mutate != nil {
		mutate(&deps)
	}

	registry := tool.NewRegistry()
	if err := registry.RegisterAll(All(deps)); err != nil {
		t.Fatalf("RegisterAll() error = %v", err)
	}
	engine, err := tool.NewEngine(registry, tool.EngineConfig{
		Persist: func(context.Context, *storage.JobRecord) error { return nil },
		Clock:   fake,
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(engine.Close)

	return &fixture{t: t, fake: fake, engine: engine, deps: deps}
}

func (f *fixture) run(job *storage.JobRecord, stage jobstate.Stage, callID, name, args string) tool.Result {
	f.t.Helper()
	res, err := f.engine.Execute(context.Background(), tool.Request{
		Job:      job,
		Stage:    stage,
		CallID:   callID,
		ToolName: name,
		Args:     json.RawMessage(args),
		Source:   tool.SourceModel,
		Settings: settings.Resolve(settings.Normalize(nil)),
	})
	if err != nil {
		f.t.Fatalf("Execute(%s) error = %v", name, err)
	}
	return res
}

func decodeOutput(t *testing.T, res tool.Result) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(res.OutputString), &out); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, res.OutputString)
	}
	return out
}

func envelopeCode(t *testing.T, res tool.Result) string {
	t.Helper()
	out := decodeOutput(t, res)
	errObj, ok := out["error"].(map[string]any)
	if !ok {
		t.Fatalf("output has no error object: %s", res.OutputString)
	}
	code, _ := errObj["code"].(string)
	return code
}

func planningJob() *storage.JobRecord {
	return &storage.JobRecord{
		JobID:           "job-1",
		TabID:           7,
		TargetLang:      "de",
		Status:          jobstate.JobStatusPlanning,
		PendingBlockIDs: []string{"b1", "b2", "b3"},
		BlocksByID: map[string]storage.Block{
			"b1": {ID: "b1", Text: "Welcome to the orchestration console", Hint: "h1 heading"},
			"b2": {ID: "b2", Text: "Home", Hint: "nav menu"},
			"b3": {ID: "b3", Text: "The translation engine batches blocks."},
		},
	}
}

func runningJob() *storage.JobRecord {
	job := planningJob()
	job.Status = jobstate.JobStatusRunning
	return job
}

func TestAllCoversEveryStage(t *testing.T) {
	f := newFixture(t, nil)

	defs := All(f.deps)
	if len(defs) != 11 {
		t.Fatalf("len(All()) = %d, want 11", len(defs))
	}

	registry := tool.NewRegistry()
	if err := registry.RegisterAll(defs); err != nil {
		t.Fatalf("RegisterAll() error = %v", err)
	}
	if got := registry.Count(); got != 11 {
		t.Fatalf("Count() = %d, want 11", got)
	}

	tests := []struct {
		stage jobstate.Stage
		want  int
	}{
		{jobstate.StagePlanning, 8},
		{jobstate.StageExecution, 5},
		{jobstate.StageProofreading, 6},
	}
	for _, tt := range tests {
		if got := len(registry.SpecForScope(tt.stage)); got != tt.want {
			t.Errorf("SpecForScope(%s) = %d tools, want %d", tt.stage, got, tt.want)
		}
	}

	for _, spec := range registry.SpecForScope(jobstate.StageExecution) {
		if spec.Name == NameProofFinish {
			t.Errorf("SpecForScope(execution) includes %s", NameProofFinish)
		}
	}
}
