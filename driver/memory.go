package driver

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pageglot/pageglot/storage"
)

// MemoryDriver is an in-memory driver for tests and single-process setups.
// Data does not survive the process.
type MemoryDriver struct {
	store *memoryKV
}

// NewMemory creates a new in-memory driver.
func NewMemory() *MemoryDriver {
	return &MemoryDriver{store: &memoryKV{areas: map[storage.Area]map[string][]byte{}}}
}

// GetStore returns the in-memory key-value store.
func (d *MemoryDriver) GetStore() storage.KV {
	return d.store
}

// BackendIsSet returns true; the memory backend is always available.
func (d *MemoryDriver) BackendIsSet() bool {
	return d.store != nil
}

type memoryKV struct {
	mu    sync.RWMutex
	areas map[storage.Area]map[string][]byte
}

func (m *memoryKV) bucketLocked(area storage.Area) map[string][]byte {
	b, ok := m.areas[area]
	if !ok {
		b = map[string][]byte{}
		m.areas[area] = b
	}
	return b
}

func (m *memoryKV) Get(ctx context.Context, area storage.Area, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.areas[area]
	if !ok {
		return nil, false, nil
	}
	v, ok := b[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (m *memoryKV) Set(ctx context.Context, area storage.Area, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.bucketLocked(area)[key] = cp
	return nil
}

func (m *memoryKV) Delete(ctx context.Context, area storage.Area, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.areas[area]; ok {
		delete(b, key)
	}
	return nil
}

func (m *memoryKV) List(ctx context.Context, area storage.Area, prefix string, limit int) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.areas[area]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]storage.Entry, 0, len(keys))
	for _, k := range keys {
		v := b[k]
		cp := make([]byte, len(v))
		copy(cp, v)
		out = append(out, storage.Entry{Key: k, Value: cp})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
