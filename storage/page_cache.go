package storage

import (
	"context"
	"fmt"
)

const pageCacheKeyPrefix = "pagecache:"

// PageCacheEntry is a cached page pre-analysis snapshot: the translatable
// blocks and category pre-ranges the scanner delivered for one tab. Blocks
// keep document order so a job seeded from the snapshot builds the same
// pending queue a live scan would.
type PageCacheEntry struct {
	TabID         int                 `json:"tabId"`
	URL           string              `json:"url,omitempty"`
	Blocks        []Block             `json:"blocks,omitempty"`
	PreRangesByID map[string]PreRange `json:"preRangesById,omitempty"`
	CapturedAt    int64               `json:"capturedAt"`
	ExpiresAt     int64               `json:"expiresAt,omitempty"`
}

// PageCacheStore is a typed adapter over the raw KV for pre-analysis
// snapshots. Entries live in the session area and honor a TTL.
type PageCacheStore struct {
	kv KV
}

// NewPageCacheStore returns a page-cache store over kv.
func NewPageCacheStore(kv KV) *PageCacheStore {
	return &PageCacheStore{kv: kv}
}

func pageCacheKey(tabID int) string {
	return fmt.Sprintf("%s%d", pageCacheKeyPrefix, tabID)
}

// Get loads the snapshot for a tab. Expired entries are treated as missing
// and removed.
func (s *PageCacheStore) Get(ctx context.Context, tabID int, nowMs int64) (*PageCacheEntry, error) {
	var entry PageCacheEntry
	found, err := GetJSON(ctx, s.kv, AreaSession, pageCacheKey(tabID), &entry)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("page cache for tab %d: %w", tabID, ErrNotFound)
	}
	if entry.ExpiresAt > 0 && entry.ExpiresAt < nowMs {
		_ = s.kv.Delete(ctx, AreaSession, pageCacheKey(tabID))
		return nil, fmt.Errorf("page cache for tab %d: %w", tabID, ErrNotFound)
	}
	return &entry, nil
}

// Put writes the snapshot for a tab.
func (s *PageCacheStore) Put(ctx context.Context, entry *PageCacheEntry) error {
	return SetJSON(ctx, s.kv, AreaSession, pageCacheKey(entry.TabID), entry)
}

// Delete removes the snapshot for a tab.
func (s *PageCacheStore) Delete(ctx context.Context, tabID int) error {
	return s.kv.Delete(ctx, AreaSession, pageCacheKey(tabID))
}
