// Package storage defines the key-value store contract the orchestrator
// persists through, the persisted record types (jobs, agent state, tool
// trace, in-flight requests), and typed store adapters over the raw KV.
//
// The KV model is deliberately narrow: string keys, opaque byte values,
// last-write-wins, no multi-key transactions. Each record is owner-exclusive
// (see the ownership rules on the entities), so single-key atomicity is
// enough. Predicate queries (expired leases, pending rows) are computed
// adapter-side over prefix scans.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Area selects one of the two storage areas.
type Area string

const (
	// AreaLocal persists across restarts.
	AreaLocal Area = "local"

	// AreaSession is cleared when the host process restarts. Rows that are
	// only meaningful while a worker is alive (dispatch bookkeeping) go here.
	AreaSession Area = "session"
)

// ErrNotFound is returned by typed store adapters when a record does not
// exist. Raw KV Get reports absence via its found return instead.
var ErrNotFound = errors.New("storage: not found")

// Entry is one key-value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// KV is the raw storage contract implemented by drivers.
//
// Implementations must be safe for concurrent use. Writes are last-write-wins
// per key. List returns entries whose key starts with prefix, in ascending
// key order; limit <= 0 means no limit.
type KV interface {
	Get(ctx context.Context, area Area, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, area Area, key string, value []byte) error
	Delete(ctx context.Context, area Area, key string) error
	List(ctx context.Context, area Area, prefix string, limit int) ([]Entry, error)
}

// GetJSON reads key and unmarshals it into out. Returns false if the key
// does not exist.
func GetJSON(ctx context.Context, kv KV, area Area, key string, out any) (bool, error) {
	raw, found, err := kv.Get(ctx, area, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("storage: decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and writes it under key.
func SetJSON(ctx context.Context, kv KV, area Area, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", key, err)
	}
	return kv.Set(ctx, area, key, raw)
}
