package settings

import (
	"context"
	"sync"

	"github.com/pageglot/pageglot/storage"
)

const settingsKey = "settings"

// Store persists user settings in the key-value store and notifies
// subscribers on change. Reads always return normalized settings; unknown
// or missing keys resolve to profile defaults.
type Store struct {
	kv storage.KV

	mu          sync.Mutex
	nextSubID   int
	subscribers map[int]func(Settings)
}

// NewStore returns a settings store over kv.
func NewStore(kv storage.KV) *Store {
	return &Store{kv: kv, subscribers: map[int]func(Settings){}}
}

// Get loads and normalizes the persisted settings. A missing record yields
// the default profile.
func (s *Store) Get(ctx context.Context) (Settings, error) {
	raw, err := s.raw(ctx)
	if err != nil {
		return Settings{}, err
	}
	return Normalize(raw), nil
}

// GetKeys returns the requested raw keys; keys absent from the persisted
// record fall back to their effective defaults. Keys the settings schema
// does not know are omitted from the result.
func (s *Store) GetKeys(ctx context.Context, keys []string) (map[string]any, error) {
	raw, err := s.raw(ctx)
	if err != nil {
		return nil, err
	}
	defaults := effectiveMap(Resolve(Normalize(raw)))
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			out[k] = v
			continue
		}
		if v, ok := defaults[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func effectiveMap(eff Effective) map[string]any {
	return map[string]any{
		"profile":         string(eff.Profile),
		"targetLang":      eff.TargetLang,
		"reasoningEffort": eff.ReasoningEffort,
		"cacheEnabled":    eff.CacheEnabled,
		"streamEnabled":   eff.StreamEnabled,
		"proofreading":    eff.ProofreadingEnabled,
		"maxOutputTokens": eff.MaxOutputTokens,
	}
}

// Set merges patch into the persisted settings, normalizes, writes the
// normalized form back, and notifies subscribers. Returns the new settings.
func (s *Store) Set(ctx context.Context, patch map[string]any) (Settings, error) {
	current, err := s.Get(ctx)
	if err != nil {
		return Settings{}, err
	}
	next := ApplyPatch(current, patch)
	if err := storage.SetJSON(ctx, s.kv, storage.AreaLocal, settingsKey, ToMap(next)); err != nil {
		return Settings{}, err
	}
	s.notify(next)
	return next, nil
}

// OnChanged registers fn to run after every successful Set. The returned
// function unsubscribes. Callbacks run synchronously on the caller of Set
// and must not block.
func (s *Store) OnChanged(fn func(Settings)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Store) notify(next Settings) {
	s.mu.Lock()
	fns := make([]func(Settings), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(next)
	}
}

func (s *Store) raw(ctx context.Context) (map[string]any, error) {
	raw := map[string]any{}
	if _, err := storage.GetJSON(ctx, s.kv, storage.AreaLocal, settingsKey, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
