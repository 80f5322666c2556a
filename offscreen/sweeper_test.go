package offscreen

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pageglot/pageglot/driver"
	"github.com/pageglot/pageglot/internal/clock"
	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/modelio"
	"github.com/pageglot/pageglot/storage"
)

func TestSweeperRunOnce(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	store := storage.NewInflightStore(driver.NewMemory().GetStore())
	now := fc.NowMs()

	adopted := &modelio.Response{ID: "resp-adopted", Status: "completed"}
	port := newScriptPort(t)
	port.statuses["req-adopt"] = RequestStatus{State: StatusStateDone, Response: adopted}
	port.statuses["req-lost"] = RequestStatus{State: StatusStateUnknown}
	x := newScriptExecutor(t, fc, store, port)

	pending := func(id string) *storage.InflightRow {
		return &storage.InflightRow{
			RequestID:    id,
			RequestKey:   "key-" + id,
			Status:       jobstate.InflightPending,
			Mode:         jobstate.RequestModeNonStream,
			Meta:         storage.InflightMeta{JobID: "job-1"},
			StartedAt:    now - 60_000,
			LeaseUntilTs: now - 5_000,
		}
	}
	for _, row := range []*storage.InflightRow{pending("req-adopt"), pending("req-lost"), pending("req-awaited")} {
		if err := store.Put(ctx, row); err != nil {
			t.Fatalf("put %s: %v", row.RequestID, err)
		}
	}

	// A terminal row past the retention window.
	raw, _ := json.Marshal(&modelio.Response{ID: "resp-old"})
	if err := store.Put(ctx, &storage.InflightRow{
		RequestID:  "req-old",
		RequestKey: "key-req-old",
		Status:     jobstate.InflightDone,
		StartedAt:  now - 16*60_000,
		RawResult:  raw,
	}); err != nil {
		t.Fatalf("put req-old: %v", err)
	}

	// req-awaited still has a live local waiter; only its lease lapsed.
	x.registerWaiter("req-awaited", "job-1", nil, jobstate.RequestModeNonStream)
	defer x.dropWaiter("req-awaited")

	s, err := NewSweeper(SweeperConfig{Store: store, Executor: x, Clock: fc, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	res := s.RunOnce(ctx)
	for _, err := range res.Errors {
		t.Errorf("sweep error: %v", err)
	}
	if res.Adopted != 1 || res.Abandoned != 1 || res.Renewed != 1 || res.Retired != 1 {
		t.Fatalf("RunOnce = adopted %d abandoned %d renewed %d retired %d, want 1/1/1/1",
			res.Adopted, res.Abandoned, res.Renewed, res.Retired)
	}

	row, err := store.Get(ctx, "req-adopt")
	if err != nil {
		t.Fatalf("get req-adopt: %v", err)
	}
	if row.Status != jobstate.InflightDone {
		t.Fatalf("req-adopt status = %s, want done", row.Status)
	}
	var got modelio.Response
	if err := json.Unmarshal(row.RawResult, &got); err != nil {
		t.Fatalf("decode adopted result: %v", err)
	}
	if got.ID != "resp-adopted" {
		t.Fatalf("adopted result id = %q, want resp-adopted", got.ID)
	}

	row, err = store.Get(ctx, "req-lost")
	if err != nil {
		t.Fatalf("get req-lost: %v", err)
	}
	if row.Status != jobstate.InflightFailed {
		t.Fatalf("req-lost status = %s, want failed", row.Status)
	}
	if row.Error == nil || row.Error.Code != jobstate.CodeOffscreenRequestLost {
		t.Fatalf("req-lost error = %+v, want code %s", row.Error, jobstate.CodeOffscreenRequestLost)
	}

	row, err = store.Get(ctx, "req-awaited")
	if err != nil {
		t.Fatalf("get req-awaited: %v", err)
	}
	if row.Status != jobstate.InflightPending {
		t.Fatalf("req-awaited status = %s, want still pending", row.Status)
	}
	if want := store.NextLease(now); row.LeaseUntilTs != want {
		t.Fatalf("req-awaited lease = %d, want renewed to %d", row.LeaseUntilTs, want)
	}

	if _, err := store.Get(ctx, "req-old"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get req-old after retention: err = %v, want ErrNotFound", err)
	}
}

func TestSweeperRunOnceNoExpiredRows(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	store := storage.NewInflightStore(driver.NewMemory().GetStore())
	port := newScriptPort(t)
	x := newScriptExecutor(t, fc, store, port)

	// A pending row with a live lease is untouched.
	if err := store.Put(ctx, &storage.InflightRow{
		RequestID:    "req-live",
		RequestKey:   "key-req-live",
		Status:       jobstate.InflightPending,
		StartedAt:    fc.NowMs(),
		LeaseUntilTs: store.NextLease(fc.NowMs()),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	s, err := NewSweeper(SweeperConfig{Store: store, Executor: x, Clock: fc, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	res := s.RunOnce(ctx)
	if res.Adopted != 0 || res.Abandoned != 0 || res.Renewed != 0 || res.Retired != 0 {
		t.Fatalf("RunOnce on live row = %+v, want all zero", res)
	}
	row, err := store.Get(ctx, "req-live")
	if err != nil {
		t.Fatalf("get req-live: %v", err)
	}
	if row.Status != jobstate.InflightPending {
		t.Fatalf("req-live status = %s, want pending", row.Status)
	}
}
