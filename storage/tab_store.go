package storage

import (
	"context"
	"fmt"
)

const tabKeyPrefix = "tab:"

// TabState mirrors what the orchestrator knows about one browser tab: the
// page it shows and the job currently attached to it. A missing record means
// the tab is gone.
type TabState struct {
	TabID       int    `json:"tabId"`
	URL         string `json:"url,omitempty"`
	ActiveJobID string `json:"activeJobId,omitempty"`
	LastSeenTs  int64  `json:"lastSeenTs,omitempty"`
}

// TabStateStore is a typed adapter over the raw KV for tab state. Tab state
// lives in the session area: it does not outlive the host process.
type TabStateStore struct {
	kv KV
}

// NewTabStateStore returns a tab-state store over kv.
func NewTabStateStore(kv KV) *TabStateStore {
	return &TabStateStore{kv: kv}
}

func tabKey(tabID int) string {
	return fmt.Sprintf("%s%d", tabKeyPrefix, tabID)
}

// Get loads a tab's state. Returns ErrNotFound if the tab is unknown.
func (s *TabStateStore) Get(ctx context.Context, tabID int) (*TabState, error) {
	var state TabState
	found, err := GetJSON(ctx, s.kv, AreaSession, tabKey(tabID), &state)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("tab %d: %w", tabID, ErrNotFound)
	}
	return &state, nil
}

// Put writes the tab's state.
func (s *TabStateStore) Put(ctx context.Context, state *TabState) error {
	return SetJSON(ctx, s.kv, AreaSession, tabKey(state.TabID), state)
}

// Delete removes the tab's state, marking the tab gone.
func (s *TabStateStore) Delete(ctx context.Context, tabID int) error {
	return s.kv.Delete(ctx, AreaSession, tabKey(tabID))
}

// Exists reports whether the tab is still known.
func (s *TabStateStore) Exists(ctx context.Context, tabID int) (bool, error) {
	_, found, err := s.kv.Get(ctx, AreaSession, tabKey(tabID))
	return found, err
}

// ClearActiveJob removes the tab's active-job pointer if it still points at
// jobID. Clearing a pointer someone else replaced is a no-op.
func (s *TabStateStore) ClearActiveJob(ctx context.Context, tabID int, jobID string) error {
	state, err := s.Get(ctx, tabID)
	if err != nil {
		return nil
	}
	if state.ActiveJobID != jobID {
		return nil
	}
	state.ActiveJobID = ""
	return s.Put(ctx, state)
}
