package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	eventKeyPrefix = "event:"
	eventSeqKey    = "event_seq"

	// DefaultEventRetention is how many event records Append keeps.
	DefaultEventRetention = 500
)

// EventRecord is one append-only orchestration event (job transition, tool
// execution, sweep) kept for diagnostics.
type EventRecord struct {
	Seq     int64           `json:"seq"`
	Topic   string          `json:"topic"`
	Ts      int64           `json:"ts"`
	JobID   string          `json:"jobId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventLog is a typed adapter over the raw KV for the bounded event log.
// Append is single-writer: the orchestrator process owns the log.
type EventLog struct {
	kv KV

	// Retention overrides DefaultEventRetention when > 0.
	Retention int
}

// NewEventLog returns an event log over kv.
func NewEventLog(kv KV) *EventLog {
	return &EventLog{kv: kv}
}

func eventKey(seq int64) string {
	// Zero-padded so key order equals seq order.
	return fmt.Sprintf("%s%012d", eventKeyPrefix, seq)
}

// Append assigns the next sequence number, writes the record, and prunes
// entries beyond the retention window.
func (l *EventLog) Append(ctx context.Context, rec EventRecord) (int64, error) {
	var seq int64
	if _, err := GetJSON(ctx, l.kv, AreaLocal, eventSeqKey, &seq); err != nil {
		return 0, err
	}
	seq++
	rec.Seq = seq

	if err := SetJSON(ctx, l.kv, AreaLocal, eventKey(seq), &rec); err != nil {
		return 0, err
	}
	if err := SetJSON(ctx, l.kv, AreaLocal, eventSeqKey, seq); err != nil {
		return 0, err
	}

	retention := l.Retention
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	if drop := seq - int64(retention); drop > 0 {
		if err := l.kv.Delete(ctx, AreaLocal, eventKey(drop)); err != nil {
			return seq, err
		}
	}
	return seq, nil
}

// ListRecent returns the most recent limit records in ascending seq order.
func (l *EventLog) ListRecent(ctx context.Context, limit int) ([]EventRecord, error) {
	entries, err := l.kv.List(ctx, AreaLocal, eventKeyPrefix, 0)
	if err != nil {
		return nil, err
	}
	records := make([]EventRecord, 0, len(entries))
	for _, e := range entries {
		var rec EventRecord
		if err := decodeEntry(e, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}
