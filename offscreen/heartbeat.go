package offscreen

import (
	"sync"
	"time"

	"github.com/pageglot/pageglot/internal/clock"
)

// streamHeartbeatDebounceMs is the minimum spacing between heartbeat
// writes during a streaming burst.
const streamHeartbeatDebounceMs = 120

const streamPreviewMax = 160

// streamHeartbeat coalesces per-event heartbeats into at most one store
// write per debounce window. Note accumulates a rolling preview; the timer
// flushes the latest preview and a renewed lease.
type streamHeartbeat struct {
	clock clock.Clock
	touch func(preview string, leaseUntilTs int64)
	lease func(nowMs int64) int64

	mu      sync.Mutex
	timer   clock.Timer
	preview []rune
	stopped bool
}

func newStreamHeartbeat(c clock.Clock, lease func(nowMs int64) int64, touch func(preview string, leaseUntilTs int64)) *streamHeartbeat {
	return &streamHeartbeat{clock: c, touch: touch, lease: lease}
}

// Note records delta text and arms the debounce timer if idle.
func (h *streamHeartbeat) Note(delta string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.preview = append(h.preview, []rune(delta)...)
	if over := len(h.preview) - streamPreviewMax; over > 0 {
		h.preview = h.preview[over:]
	}
	if h.timer != nil {
		return
	}
	h.timer = h.clock.AfterFunc(streamHeartbeatDebounceMs*time.Millisecond, h.flush)
}

func (h *streamHeartbeat) flush() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.timer = nil
	preview := string(h.preview)
	h.mu.Unlock()

	now := h.clock.NowMs()
	h.touch(preview, h.lease(now))
}

// Stop cancels any armed timer. No heartbeat is written after Stop.
func (h *streamHeartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
