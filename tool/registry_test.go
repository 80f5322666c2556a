package tool

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/pageglot/pageglot/jobstate"
)

func okHandler(ctx context.Context, inv Invocation) (any, error) {
	return map[string]any{"ok": true}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Definition{Name: "  Page.Apply_Delta  ", Handler: okHandler})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	def, ok := r.Get("page.apply_delta")
	if !ok {
		t.Fatal("Get(page.apply_delta) = false")
	}
	if def.Name != "page.apply_delta" {
		t.Fatalf("Name = %q, want %q", def.Name, "page.apply_delta")
	}
	if def.Version != defaultToolVersion {
		t.Fatalf("Version = %q, want %q", def.Version, defaultToolVersion)
	}
	if def.Idempotency != IdempotencyNone {
		t.Fatalf("Idempotency = %q, want %q", def.Idempotency, IdempotencyNone)
	}
	if def.QoS.QueueDepthLimit != defaultQueueDepthLimit {
		t.Fatalf("QueueDepthLimit = %d, want %d", def.QoS.QueueDepthLimit, defaultQueueDepthLimit)
	}
	if !r.Has("PAGE.APPLY_DELTA") {
		t.Fatal("Has is not case-insensitive")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Definition{Name: "proof.finish", Handler: okHandler}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(Definition{Name: "Proof.Finish", Handler: okHandler})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("err = %v, want ErrAlreadyRegistered", err)
	}
}

func TestRegistryRejectsInvalidDefinitions(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Definition{Handler: okHandler}); err == nil {
		t.Fatal("Register accepted empty name")
	}
	if err := r.Register(Definition{Name: "x"}); err == nil {
		t.Fatal("Register accepted nil handler")
	}
	err := r.Register(Definition{
		Name:       "bad.schema",
		Handler:    okHandler,
		Parameters: []byte(`{"type": 42}`),
	})
	if err == nil {
		t.Fatal("Register accepted a broken schema")
	}
}

func TestRegistryNormalizesQoS(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Definition{
		Name:    "translator.translate_block_stream",
		Handler: okHandler,
		QoS:     QoS{QueueDepthLimit: 3, DebounceMs: 2, CoalesceKey: "key"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	def, _ := r.Get("translator.translate_block_stream")
	if def.QoS.QueueDepthLimit != minQueueDepthLimit {
		t.Fatalf("QueueDepthLimit = %d, want %d", def.QoS.QueueDepthLimit, minQueueDepthLimit)
	}
	if def.QoS.DebounceMs != minDebounceMs {
		t.Fatalf("DebounceMs = %d, want %d", def.QoS.DebounceMs, minDebounceMs)
	}
}

func TestSpecForScope(t *testing.T) {
	r := NewRegistry()
	defs := []Definition{
		{Name: "agent.plan.set_taxonomy", Handler: okHandler, Scope: []jobstate.Stage{jobstate.StagePlanning}},
		{Name: "page.apply_delta", Handler: okHandler, Scope: []jobstate.Stage{jobstate.StageExecution, jobstate.StageProofreading}},
		{Name: "agent.append_report", Handler: okHandler}, // all stages
		{Name: "proof.finish", Handler: okHandler, Scope: []jobstate.Stage{jobstate.StageProofreading}},
	}
	if err := r.RegisterAll(defs); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	names := func(stage jobstate.Stage) []string {
		specs := r.SpecForScope(stage)
		out := make([]string, 0, len(specs))
		for _, s := range specs {
			out = append(out, s.Name)
		}
		return out
	}

	wantPlanning := []string{"agent.append_report", "agent.plan.set_taxonomy"}
	if got := names(jobstate.StagePlanning); !reflect.DeepEqual(got, wantPlanning) {
		t.Fatalf("planning scope = %v, want %v", got, wantPlanning)
	}
	wantProof := []string{"agent.append_report", "page.apply_delta", "proof.finish"}
	if got := names(jobstate.StageProofreading); !reflect.DeepEqual(got, wantProof) {
		t.Fatalf("proofreading scope = %v, want %v", got, wantProof)
	}
	if got := r.Count(); got != 4 {
		t.Fatalf("Count = %d, want 4", got)
	}
	wantList := []string{"agent.append_report", "agent.plan.set_taxonomy", "page.apply_delta", "proof.finish"}
	if got := r.List(); !reflect.DeepEqual(got, wantList) {
		t.Fatalf("List = %v, want %v", got, wantList)
	}
}
