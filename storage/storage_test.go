package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/pageglot/pageglot/jobstate"
)

// mapKV is a minimal in-memory KV for exercising the typed adapters.
type mapKV struct {
	mu    sync.Mutex
	areas map[Area]map[string][]byte
}

func newMapKV() *mapKV {
	return &mapKV{areas: map[Area]map[string][]byte{}}
}

func (m *mapKV) bucket(area Area) map[string][]byte {
	if m.areas[area] == nil {
		m.areas[area] = map[string][]byte{}
	}
	return m.areas[area]
}

func (m *mapKV) Get(_ context.Context, area Area, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.bucket(area)[key]
	return v, ok, nil
}

func (m *mapKV) Set(_ context.Context, area Area, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.bucket(area)[key] = cp
	return nil
}

func (m *mapKV) Delete(_ context.Context, area Area, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bucket(area), key)
	return nil
}

func (m *mapKV) List(_ context.Context, area Area, prefix string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.bucket(area) {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var out []Entry
	for _, k := range keys {
		out = append(out, Entry{Key: k, Value: m.bucket(area)[k]})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func TestJobStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(newMapKV())

	job := &JobRecord{
		JobID:           "job-1",
		TabID:           7,
		TargetLang:      "de",
		Status:          jobstate.JobStatusPlanning,
		PendingBlockIDs: []string{"b1", "b2"},
		CreatedAt:       1000,
		UpdatedAt:       1000,
	}
	if err := store.Put(ctx, job); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.TargetLang != "de" || got.Status != jobstate.JobStatusPlanning {
		t.Errorf("Get() = %+v, want the stored record", got)
	}
	if len(got.PendingBlockIDs) != 2 {
		t.Errorf("Get() pendingBlockIds = %v, want 2 entries", got.PendingBlockIDs)
	}

	if _, err := store.Get(ctx, "missing"); err == nil {
		t.Error("Get() on missing job returned nil error, want ErrNotFound")
	}

	if err := store.Delete(ctx, "job-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "job-1"); err == nil {
		t.Error("Get() after Delete() returned nil error")
	}
}

func TestJobStore_ListWorkable(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(newMapKV())

	statuses := map[string]jobstate.JobStatus{
		"a": jobstate.JobStatusPreparing,
		"b": jobstate.JobStatusAwaitingCategories,
		"c": jobstate.JobStatusRunning,
		"d": jobstate.JobStatusDone,
	}
	for id, st := range statuses {
		if err := store.Put(ctx, &JobRecord{JobID: id, Status: st}); err != nil {
			t.Fatalf("Put(%s) error = %v", id, err)
		}
	}

	workable, err := store.ListWorkable(ctx)
	if err != nil {
		t.Fatalf("ListWorkable() error = %v", err)
	}
	if len(workable) != 2 {
		t.Fatalf("ListWorkable() returned %d jobs, want 2", len(workable))
	}
	for _, job := range workable {
		if !job.Status.IsWorkable() {
			t.Errorf("ListWorkable() returned job %s in status %s", job.JobID, job.Status)
		}
	}
}

func TestInflightStore_FindByKeyPrefersNewest(t *testing.T) {
	ctx := context.Background()
	store := NewInflightStore(newMapKV())

	rows := []*InflightRow{
		{RequestID: "r1", RequestKey: "k", Status: jobstate.InflightFailed, StartedAt: 100},
		{RequestID: "r2", RequestKey: "k", Status: jobstate.InflightPending, StartedAt: 300},
		{RequestID: "r3", RequestKey: "other", Status: jobstate.InflightPending, StartedAt: 500},
	}
	for _, row := range rows {
		if err := store.Put(ctx, row); err != nil {
			t.Fatalf("Put(%s) error = %v", row.RequestID, err)
		}
	}

	got, err := store.FindByKey(ctx, "k")
	if err != nil {
		t.Fatalf("FindByKey() error = %v", err)
	}
	if got.RequestID != "r2" {
		t.Errorf("FindByKey() = %s, want r2 (newest)", got.RequestID)
	}

	if _, err := store.FindByKey(ctx, "nope"); err == nil {
		t.Error("FindByKey() on unknown key returned nil error")
	}
}

func TestInflightStore_ListExpired(t *testing.T) {
	ctx := context.Background()
	store := NewInflightStore(newMapKV())

	rows := []*InflightRow{
		{RequestID: "live", Status: jobstate.InflightPending, LeaseUntilTs: 2000},
		{RequestID: "expired", Status: jobstate.InflightPending, LeaseUntilTs: 999},
		{RequestID: "done", Status: jobstate.InflightDone, LeaseUntilTs: 1},
		{RequestID: "noLease", Status: jobstate.InflightPending},
	}
	for _, row := range rows {
		if err := store.Put(ctx, row); err != nil {
			t.Fatalf("Put(%s) error = %v", row.RequestID, err)
		}
	}

	expired, err := store.ListExpired(ctx, 1000)
	if err != nil {
		t.Fatalf("ListExpired() error = %v", err)
	}
	if len(expired) != 1 || expired[0].RequestID != "expired" {
		t.Errorf("ListExpired() = %+v, want exactly the expired row", expired)
	}
}

func TestInflightStore_Transitions(t *testing.T) {
	ctx := context.Background()
	store := NewInflightStore(newMapKV())

	row := &InflightRow{RequestID: "r1", RequestKey: "k", Status: jobstate.InflightPending, StartedAt: 50}
	if err := store.Put(ctx, row); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := store.TouchStreamHeartbeat(ctx, "r1", strings.Repeat("x", 500), 9000); err != nil {
		t.Fatalf("TouchStreamHeartbeat() error = %v", err)
	}
	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.StreamPreview) != streamPreviewMax {
		t.Errorf("StreamPreview length = %d, want capped at %d", len(got.StreamPreview), streamPreviewMax)
	}
	if got.LeaseUntilTs != 9000 {
		t.Errorf("LeaseUntilTs = %d, want 9000", got.LeaseUntilTs)
	}

	if err := store.MarkDone(ctx, "r1", []byte(`{"id":"resp_1"}`)); err != nil {
		t.Fatalf("MarkDone() error = %v", err)
	}
	got, _ = store.Get(ctx, "r1")
	if got.Status != jobstate.InflightDone {
		t.Errorf("status after MarkDone = %s, want done", got.Status)
	}
	if len(got.RawResult) == 0 {
		t.Error("RawResult empty after MarkDone")
	}

	if err := store.MarkFailed(ctx, "r1", ErrorInfo{Code: jobstate.CodeOffscreenRequestLost, Message: "gone"}); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	got, _ = store.Get(ctx, "r1")
	if got.Status != jobstate.InflightFailed || got.Error == nil {
		t.Errorf("row after MarkFailed = %+v, want failed with error info", got)
	}
}

func TestPageCacheStore_HonorsTTL(t *testing.T) {
	ctx := context.Background()
	kv := newMapKV()
	store := NewPageCacheStore(kv)

	entry := &PageCacheEntry{
		TabID:      7,
		URL:        "https://example.test/page",
		Blocks:     []Block{{ID: "b1", Text: "Welcome"}, {ID: "b2", Text: "Home"}},
		CapturedAt: 1000,
		ExpiresAt:  2000,
	}
	if err := store.Put(ctx, entry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get(ctx, 7, 1500)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Blocks) != 2 || got.Blocks[0].ID != "b1" || got.Blocks[1].ID != "b2" {
		t.Errorf("Get() blocks = %+v, want the stored order", got.Blocks)
	}

	// Past the expiry the entry reads as missing and is removed.
	if _, err := store.Get(ctx, 7, 2001); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() past expiry err = %v, want ErrNotFound", err)
	}
	if _, found, _ := kv.Get(ctx, AreaSession, "pagecache:7"); found {
		t.Error("expired entry still present in the KV")
	}

	// No expiry means the entry never ages out.
	if err := store.Put(ctx, &PageCacheEntry{TabID: 8, CapturedAt: 1000}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := store.Get(ctx, 8, 1_000_000); err != nil {
		t.Errorf("Get() without expiry err = %v, want found", err)
	}

	if _, err := store.Get(ctx, 99, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() unknown tab err = %v, want ErrNotFound", err)
	}
}

func TestJobRecord_ProgressKey(t *testing.T) {
	job := &JobRecord{
		Status:          jobstate.JobStatusRunning,
		CompletedBlocks: 3,
		FailedBlockIDs:  []string{"b9"},
		PendingBlockIDs: []string{"b1", "b2"},
		LastAppliedSeq:  17,
	}

	if got, want := job.ProgressKey(), "3:1:2:17:execution"; got != want {
		t.Errorf("ProgressKey() = %q, want %q", got, want)
	}

	// Terminal status falls back to the runtime stage.
	job.Status = jobstate.JobStatusDone
	job.Runtime = &Runtime{Stage: jobstate.StageProofreading}
	if got, want := job.ProgressKey(), "3:1:2:17:proofreading"; got != want {
		t.Errorf("ProgressKey() = %q, want %q", got, want)
	}
}

func TestPlanningMarkers_Missing(t *testing.T) {
	var m PlanningMarkers
	if got := m.Missing(); len(got) != 5 {
		t.Errorf("Missing() on zero markers = %v, want all 5", got)
	}

	m = PlanningMarkers{
		PreanalysisReadByTool:         true,
		TaxonomySetByTool:             true,
		PipelineSetByTool:             true,
		FinishAnalysisRequestedByTool: true,
		FinishAnalysisOk:              false,
		AskUserCategoriesByTool:       true,
	}
	got := m.Missing()
	if len(got) != 1 || got[0] != "agent.plan.request_finish_analysis" {
		t.Errorf("Missing() = %v, want finish_analysis only (requested but not ok)", got)
	}

	m.FinishAnalysisOk = true
	if got := m.Missing(); len(got) != 0 {
		t.Errorf("Missing() on satisfied markers = %v, want empty", got)
	}
}

func TestAgentState_Loop(t *testing.T) {
	s := NewAgentState()

	planning := s.Loop(jobstate.StagePlanning)
	if planning == nil {
		t.Fatal("Loop(planning) returned nil")
	}
	planning.Iteration = 3

	if s.Loop(jobstate.StagePlanning).Iteration != 3 {
		t.Error("Loop(planning) did not return the same record")
	}
	if s.Loop(jobstate.StageExecution) == s.PlanningLoop {
		t.Error("Loop(execution) aliased the planning record")
	}
	if s.Loop(jobstate.StageScanning) != nil {
		t.Error("Loop(scanning) should return nil, scanning has no loop")
	}
}
