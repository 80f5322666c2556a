// Package clock abstracts wall-clock time and timer scheduling so that
// debounce windows, lease math, and retry backoff can be driven
// deterministically in tests.
package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock provides the time operations the orchestrator depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NowMs returns the current time in Unix milliseconds.
	NowMs() int64

	// AfterFunc schedules fn to run after d elapses and returns a Timer
	// that can cancel the pending call.
	AfterFunc(d time.Duration, fn func()) Timer

	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// Timer is a handle on a scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call was prevented.
	Stop() bool
}

// System returns a Clock backed by the time package.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NowMs() int64 { return time.Now().UnixMilli() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{t: time.AfterFunc(d, fn)}
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) Stop() bool { return s.t.Stop() }

// Fake is a manually advanced Clock for tests. Timers fire synchronously
// inside Advance, in deadline order, on the calling goroutine.
type Fake struct {
	mu       sync.Mutex
	now      time.Time
	seq      int
	timers   []*fakeTimer
	sleepers []*sleeper
}

// NewFake returns a Fake positioned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NowMs returns the fake current time in Unix milliseconds.
func (f *Fake) NowMs() int64 {
	return f.Now().UnixMilli()
}

// AfterFunc schedules fn at now+d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	ft := &fakeTimer{
		clock:    f,
		deadline: f.now.Add(d),
		seq:      f.seq,
		fn:       fn,
	}
	f.timers = append(f.timers, ft)
	return ft
}

// Sleep blocks until Advance moves the clock past now+d or ctx is done.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	f.mu.Lock()
	s := &sleeper{deadline: f.now.Add(d), ch: make(chan struct{})}
	f.sleepers = append(f.sleepers, s)
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ch:
		return nil
	}
}

// Advance moves the clock forward by d, firing due timers in deadline
// order and releasing due sleepers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		ft := f.nextDueLocked(target)
		if ft == nil {
			break
		}
		if ft.deadline.After(f.now) {
			f.now = ft.deadline
		}
		f.mu.Unlock()
		ft.fn()
		f.mu.Lock()
	}
	f.now = target
	remaining := f.sleepers[:0]
	for _, s := range f.sleepers {
		if !s.deadline.After(f.now) {
			close(s.ch)
		} else {
			remaining = append(remaining, s)
		}
	}
	f.sleepers = remaining
	f.mu.Unlock()
}

// nextDueLocked pops the earliest timer with deadline <= target.
func (f *Fake) nextDueLocked(target time.Time) *fakeTimer {
	sort.SliceStable(f.timers, func(i, j int) bool {
		if f.timers[i].deadline.Equal(f.timers[j].deadline) {
			return f.timers[i].seq < f.timers[j].seq
		}
		return f.timers[i].deadline.Before(f.timers[j].deadline)
	})
	for i, ft := range f.timers {
		if ft.stopped {
			continue
		}
		if ft.deadline.After(target) {
			return nil
		}
		f.timers = append(f.timers[:i], f.timers[i+1:]...)
		return ft
	}
	return nil
}

// PendingTimers reports how many timers are scheduled and not stopped.
func (f *Fake) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ft := range f.timers {
		if !ft.stopped {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	seq      int
	fn       func()
	stopped  bool
}

func (ft *fakeTimer) Stop() bool {
	ft.clock.mu.Lock()
	defer ft.clock.mu.Unlock()
	if ft.stopped {
		return false
	}
	ft.stopped = true
	for i, t := range ft.clock.timers {
		if t == ft {
			ft.clock.timers = append(ft.clock.timers[:i], ft.clock.timers[i+1:]...)
			return true
		}
	}
	return false
}

type sleeper struct {
	deadline time.Time
	ch       chan struct{}
}
