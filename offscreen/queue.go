package offscreen

import (
	"context"
	"fmt"
	"sync"

	"github.com/pageglot/pageglot/metrics"
)

const (
	defaultMaxQueuedRequests     = 120
	defaultMaxConcurrentRequests = 1
	maxConcurrentRequestsCap     = 2
	backpressureFloorWaitMs      = 500
	backpressureSlotWaitMs       = 250
)

// BackpressureError reports a full dispatch queue together with a hint for
// how long the caller should wait before retrying.
type BackpressureError struct {
	WaitMs int64
}

// Error returns the error message.
func (e *BackpressureError) Error() string {
	return fmt.Sprintf("offscreen: dispatch queue full, retry in %dms", e.WaitMs)
}

type queueEntry struct {
	jobID string
	tabID int

	// ready is closed when the entry is granted a concurrency slot.
	ready chan struct{}
}

// dispatchQueue serializes worker access: a bounded FIFO feeding at most
// maxActive concurrent requests, with a fairness rule that prefers the
// active tab but never serves the same job or tab back to back while other
// work is queued.
type dispatchQueue struct {
	mu      sync.Mutex
	entries []*queueEntry
	active  int

	maxQueued int
	maxActive int

	// cursor indexes the next scan start; it advances past served slots.
	cursor    int
	lastJobID string
	lastTabID int

	activeTab func() int
	metrics   *metrics.Metrics
}

func newDispatchQueue(maxQueued, maxActive int, activeTab func() int, m *metrics.Metrics) *dispatchQueue {
	if maxQueued <= 0 {
		maxQueued = defaultMaxQueuedRequests
	}
	if maxActive <= 0 {
		maxActive = defaultMaxConcurrentRequests
	}
	if maxActive > maxConcurrentRequestsCap {
		maxActive = maxConcurrentRequestsCap
	}
	return &dispatchQueue{
		maxQueued: maxQueued,
		maxActive: maxActive,
		activeTab: activeTab,
		metrics:   m,
	}
}

// Acquire waits for a concurrency slot. It rejects immediately with a
// BackpressureError when the queue is full, and abandons the wait when ctx
// is cancelled. The returned release func must be called exactly once.
func (q *dispatchQueue) Acquire(ctx context.Context, jobID string, tabID int) (func(), error) {
	q.mu.Lock()
	if len(q.entries) >= q.maxQueued {
		waitMs := q.rejectWaitMsLocked()
		q.mu.Unlock()
		return nil, &BackpressureError{WaitMs: waitMs}
	}
	entry := &queueEntry{jobID: jobID, tabID: tabID, ready: make(chan struct{})}
	q.entries = append(q.entries, entry)
	q.reportLenLocked()
	q.pumpLocked()
	q.mu.Unlock()

	select {
	case <-entry.ready:
		return q.release, nil
	case <-ctx.Done():
		q.abandon(entry)
		return nil, ctx.Err()
	}
}

// Len returns the number of queued (not yet granted) entries.
func (q *dispatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Active returns the number of granted slots not yet released.
func (q *dispatchQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

func (q *dispatchQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	q.pumpLocked()
}

// abandon removes a still-queued entry after a context cancellation. When
// the grant raced the cancellation, the won slot is released instead.
func (q *dispatchQueue) abandon(entry *queueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e == entry {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			if q.cursor > i {
				q.cursor--
			}
			q.reportLenLocked()
			return
		}
	}
	q.active--
	q.pumpLocked()
}

func (q *dispatchQueue) rejectWaitMsLocked() int64 {
	slots := (len(q.entries) + q.maxActive - 1) / q.maxActive
	waitMs := int64(slots) * backpressureSlotWaitMs
	if waitMs < backpressureFloorWaitMs {
		waitMs = backpressureFloorWaitMs
	}
	return waitMs
}

func (q *dispatchQueue) pumpLocked() {
	for q.active < q.maxActive && len(q.entries) > 0 {
		idx := q.pickLocked()
		entry := q.entries[idx]
		q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
		q.cursor = idx
		q.lastJobID = entry.jobID
		q.lastTabID = entry.tabID
		q.active++
		close(entry.ready)
	}
	q.reportLenLocked()
}

// pickLocked selects the next entry to serve:
//
//  1. Scanning from the cursor, the first entry on the active tab, unless
//     other work is queued and that entry repeats the last dispatched job
//     or tab.
//  2. Otherwise the first entry whose job differs from the last dispatched
//     job.
//  3. Otherwise the cursor position.
func (q *dispatchQueue) pickLocked() int {
	n := len(q.entries)
	start := 0
	if n > 0 {
		start = q.cursor % n
	}
	if n <= 1 {
		return start
	}

	if q.activeTab != nil {
		if activeTab := q.activeTab(); activeTab != 0 {
			for i := 0; i < n; i++ {
				idx := (start + i) % n
				e := q.entries[idx]
				if e.tabID != activeTab {
					continue
				}
				if e.jobID == q.lastJobID || e.tabID == q.lastTabID {
					continue
				}
				return idx
			}
		}
	}

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if q.entries[idx].jobID != q.lastJobID {
			return idx
		}
	}
	return start
}

func (q *dispatchQueue) reportLenLocked() {
	if q.metrics != nil {
		q.metrics.SetDispatchQueueLength(len(q.entries))
	}
}
