package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pageglot/pageglot/jobstate"
)

const inflightKeyPrefix = "inflight:"

// DefaultInflightLeaseMs is how far a dispatch or stream heartbeat pushes a
// pending row's lease into the future.
const DefaultInflightLeaseMs = 15_000

// streamPreviewMax caps the persisted stream preview.
const streamPreviewMax = 280

// InflightStore is a typed adapter over the raw KV for the durable in-flight
// request table. Each row is owner-exclusive: only the transport that created
// a request mutates its row, so load-modify-save per key is race-free.
type InflightStore struct {
	kv KV

	// LeaseMs overrides DefaultInflightLeaseMs when > 0.
	LeaseMs int64
}

// NewInflightStore returns an in-flight store over kv.
func NewInflightStore(kv KV) *InflightStore {
	return &InflightStore{kv: kv}
}

// NextLease computes the lease deadline for a row touched at nowMs.
func (s *InflightStore) NextLease(nowMs int64) int64 {
	lease := s.LeaseMs
	if lease <= 0 {
		lease = DefaultInflightLeaseMs
	}
	return nowMs + lease
}

// Put writes the row, replacing any previous version.
func (s *InflightStore) Put(ctx context.Context, row *InflightRow) error {
	if row.RequestID == "" {
		return fmt.Errorf("storage: inflight row missing requestId")
	}
	return SetJSON(ctx, s.kv, AreaLocal, inflightKeyPrefix+row.RequestID, row)
}

// Get loads a row. Returns ErrNotFound if it does not exist.
func (s *InflightStore) Get(ctx context.Context, requestID string) (*InflightRow, error) {
	var row InflightRow
	found, err := GetJSON(ctx, s.kv, AreaLocal, inflightKeyPrefix+requestID, &row)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("inflight %s: %w", requestID, ErrNotFound)
	}
	return &row, nil
}

// FindByKey returns the row with the given request key, preferring the most
// recently started when several exist. Returns ErrNotFound if none match.
func (s *InflightStore) FindByKey(ctx context.Context, requestKey string) (*InflightRow, error) {
	rows, err := s.list(ctx, 0)
	if err != nil {
		return nil, err
	}
	var best *InflightRow
	for _, row := range rows {
		if row.RequestKey != requestKey {
			continue
		}
		if best == nil || row.StartedAt > best.StartedAt {
			best = row
		}
	}
	if best == nil {
		return nil, fmt.Errorf("inflight key %s: %w", requestKey, ErrNotFound)
	}
	return best, nil
}

// ListExpired returns pending rows whose lease has passed.
func (s *InflightStore) ListExpired(ctx context.Context, nowMs int64) ([]*InflightRow, error) {
	rows, err := s.list(ctx, 0)
	if err != nil {
		return nil, err
	}
	var out []*InflightRow
	for _, row := range rows {
		if row.Expired(nowMs) {
			out = append(out, row)
		}
	}
	return out, nil
}

// ListPending returns up to limit pending rows. limit <= 0 means all.
func (s *InflightStore) ListPending(ctx context.Context, limit int) ([]*InflightRow, error) {
	rows, err := s.list(ctx, 0)
	if err != nil {
		return nil, err
	}
	var out []*InflightRow
	for _, row := range rows {
		if row.Status != jobstate.InflightPending {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListFinishedBefore returns terminal rows (done, failed, cancelled) whose
// StartedAt is older than cutoffMs. The sweeper uses it to retire rows past
// the retention window.
func (s *InflightStore) ListFinishedBefore(ctx context.Context, cutoffMs int64) ([]*InflightRow, error) {
	rows, err := s.list(ctx, 0)
	if err != nil {
		return nil, err
	}
	var out []*InflightRow
	for _, row := range rows {
		if row.Status == jobstate.InflightPending {
			continue
		}
		if row.StartedAt < cutoffMs {
			out = append(out, row)
		}
	}
	return out, nil
}

// MarkDone moves the row to done and stores the raw result.
func (s *InflightStore) MarkDone(ctx context.Context, requestID string, rawResult json.RawMessage) error {
	return s.update(ctx, requestID, func(row *InflightRow) {
		row.Status = jobstate.InflightDone
		row.RawResult = rawResult
		row.Error = nil
	})
}

// MarkFailed moves the row to failed with the classified error.
func (s *InflightStore) MarkFailed(ctx context.Context, requestID string, errInfo ErrorInfo) error {
	return s.update(ctx, requestID, func(row *InflightRow) {
		row.Status = jobstate.InflightFailed
		row.Error = &errInfo
	})
}

// MarkCancelled moves the row to cancelled.
func (s *InflightStore) MarkCancelled(ctx context.Context, requestID string) error {
	return s.update(ctx, requestID, func(row *InflightRow) {
		row.Status = jobstate.InflightCancelled
	})
}

// TouchStreamHeartbeat updates the stream preview and pushes the lease.
func (s *InflightStore) TouchStreamHeartbeat(ctx context.Context, requestID, preview string, leaseUntilTs int64) error {
	if len(preview) > streamPreviewMax {
		preview = preview[:streamPreviewMax]
	}
	return s.update(ctx, requestID, func(row *InflightRow) {
		row.StreamPreview = preview
		row.LeaseUntilTs = leaseUntilTs
	})
}

// Delete removes the row. Deleting a missing row is not an error.
func (s *InflightStore) Delete(ctx context.Context, requestID string) error {
	return s.kv.Delete(ctx, AreaLocal, inflightKeyPrefix+requestID)
}

func (s *InflightStore) list(ctx context.Context, limit int) ([]*InflightRow, error) {
	entries, err := s.kv.List(ctx, AreaLocal, inflightKeyPrefix, limit)
	if err != nil {
		return nil, err
	}
	rows := make([]*InflightRow, 0, len(entries))
	for _, e := range entries {
		var row InflightRow
		if err := decodeEntry(e, &row); err != nil {
			return nil, err
		}
		rows = append(rows, &row)
	}
	return rows, nil
}

func (s *InflightStore) update(ctx context.Context, requestID string, mutate func(*InflightRow)) error {
	row, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	mutate(row)
	return s.Put(ctx, row)
}

func decodeEntry(e Entry, out any) error {
	if err := json.Unmarshal(e.Value, out); err != nil {
		return fmt.Errorf("storage: decode %q: %w", e.Key, err)
	}
	return nil
}
