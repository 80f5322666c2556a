package host

import (
	"fmt"
	"sync"

	"github.com/pageglot/pageglot/modelio"
	"github.com/pageglot/pageglot/offscreen"
)

// chainCache maps response ids to the full conversation that produced them.
// Entries are evicted oldest-first once the cache is full; a request that
// references an evicted id gets the HTTP 400 the orchestrator recovers from
// by resetting its chain.
type chainCache struct {
	mu      sync.Mutex
	max     int
	entries map[string][]modelio.Item
	order   []string
}

func newChainCache(max int) *chainCache {
	return &chainCache{max: max, entries: make(map[string][]modelio.Item)}
}

// resolve expands (previousResponseID, delta) into a full conversation.
func (c *chainCache) resolve(prevID string, delta []modelio.Item) ([]modelio.Item, *modelio.RequestError) {
	if prevID == "" {
		return delta, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	hist, ok := c.entries[prevID]
	if !ok {
		return nil, &modelio.RequestError{
			HTTPStatus: 400,
			Message:    fmt.Sprintf("previous response %s not found", prevID),
		}
	}
	out := make([]modelio.Item, 0, len(hist)+len(delta))
	out = append(out, hist...)
	return append(out, delta...), nil
}

func (c *chainCache) store(id string, input, output []modelio.Item) {
	conv := make([]modelio.Item, 0, len(input)+len(output))
	conv = append(conv, input...)
	conv = append(conv, output...)

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.order) >= c.max {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	c.entries[id] = conv
	c.order = append(c.order, id)
}

func (c *chainCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// resultCache keeps settled results so duplicate EXECUTE frames and
// QUERY_STATUS after an orchestrator restart can be answered without
// running the model again. Only successful results join the request-key
// index: a failure must not shadow a fresh attempt of the same key.
type resultCache struct {
	mu      sync.Mutex
	max     int
	results map[string]cachedResult
	byKeyID map[string]string
	order   []string
}

type cachedResult struct {
	payload offscreen.ResultPayload
	key     string
	hash    string
}

func newResultCache(max int) *resultCache {
	return &resultCache{
		max:     max,
		results: make(map[string]cachedResult),
		byKeyID: make(map[string]string),
	}
}

func (c *resultCache) put(requestID, key, hash string, res offscreen.ResultPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.results[requestID]; ok {
		return
	}
	for len(c.order) >= c.max {
		evict := c.order[0]
		c.order = c.order[1:]
		if old, ok := c.results[evict]; ok {
			delete(c.results, evict)
			if old.key != "" && c.byKeyID[old.key] == evict {
				delete(c.byKeyID, old.key)
			}
		}
	}
	entry := cachedResult{payload: res, hash: hash}
	if key != "" && res.OK {
		entry.key = key
		c.byKeyID[key] = requestID
	}
	c.results[requestID] = entry
	c.order = append(c.order, requestID)
}

func (c *resultCache) get(requestID string) (offscreen.ResultPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.results[requestID]
	return entry.payload, ok
}

// byKey returns the stored successful result for key when the payload hash
// matches. A key reused with different content never joins an old result.
func (c *resultCache) byKey(key, hash string) (offscreen.ResultPayload, bool) {
	if key == "" {
		return offscreen.ResultPayload{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byKeyID[key]
	if !ok {
		return offscreen.ResultPayload{}, false
	}
	entry, ok := c.results[id]
	if !ok {
		return offscreen.ResultPayload{}, false
	}
	if entry.hash != "" && hash != "" && entry.hash != hash {
		return offscreen.ResultPayload{}, false
	}
	return entry.payload, true
}
