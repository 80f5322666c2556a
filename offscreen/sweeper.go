package offscreen

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pageglot/pageglot/internal/clock"
	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/metrics"
	"github.com/pageglot/pageglot/storage"
)

// Default sweeper configuration values.
const (
	DefaultSweepInterval  = 30 * time.Second
	DefaultSweepRetention = 15 * time.Minute
)

// Errors returned by the sweeper lifecycle.
var (
	ErrSweeperAlreadyStarted = errors.New("offscreen: sweeper already started")
	ErrSweeperNotStarted     = errors.New("offscreen: sweeper not started")
)

// SweeperConfig holds configuration for the in-flight sweeper.
type SweeperConfig struct {
	Store    *storage.InflightStore
	Executor *Executor

	// Interval is how often to sweep. Default: 30 seconds.
	Interval time.Duration

	// Retention is how long terminal rows keep their raw result before
	// being removed. Default: 15 minutes.
	Retention time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// SweepResult holds the results of one sweep pass.
type SweepResult struct {
	// Adopted is the number of expired rows whose result was recovered
	// from the worker's cache.
	Adopted int

	// Abandoned is the number of expired rows failed as lost.
	Abandoned int

	// Renewed is the number of expired rows skipped because a local
	// waiter is still attached; their lease was pushed forward.
	Renewed int

	// Retired is the number of terminal rows removed by retention.
	Retired int

	Errors []error
}

// Sweeper reconciles expired in-flight leases on a periodic tick: results
// the worker finished while nobody was listening are adopted, truly
// abandoned requests are failed, and terminal rows past the retention
// window are removed.
type Sweeper struct {
	store     *storage.InflightStore
	executor  *Executor
	clock     clock.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	retention time.Duration

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewSweeper creates a sweeper over the given store and executor.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("offscreen: sweeper config requires an inflight store")
	}
	if cfg.Executor == nil {
		return nil, errors.New("offscreen: sweeper config requires an executor")
	}
	s := &Sweeper{
		store:     cfg.Store,
		executor:  cfg.Executor,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		done:      make(chan struct{}),
	}
	if s.clock == nil {
		s.clock = clock.System()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	if s.retention <= 0 {
		s.retention = DefaultSweepRetention
	}
	return s, nil
}

// Start begins the sweep loop. It returns immediately and sweeps in a
// goroutine, once right away and then on every interval tick.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSweeperAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	return nil
}

// Stop stops the sweep loop and waits for the current pass to finish.
func (s *Sweeper) Stop() error {
	if !s.started.Load() {
		return ErrSweeperNotStarted
	}
	s.cancel()
	<-s.done
	s.started.Store(false)
	return nil
}

// IsRunning returns true if the sweep loop is active.
func (s *Sweeper) IsRunning() bool {
	return s.started.Load()
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)
	for {
		if err := s.clock.Sleep(ctx, s.interval); err != nil {
			return
		}
		s.sweep(ctx)
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	result := s.RunOnce(ctx)
	for _, err := range result.Errors {
		s.log.Warn("offscreen: sweep error", "error", err)
	}
}

// RunOnce performs one sweep pass and returns the result. It can be called
// directly for testing or one-off reconciliation.
func (s *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	result := &SweepResult{}
	now := s.clock.NowMs()

	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return result
	}

	for _, row := range expired {
		// A row with a live local waiter is not abandoned; the lease
		// merely lapsed between heartbeats. Push it forward instead.
		if s.executor.Awaited(row.RequestID) {
			row.LeaseUntilTs = s.store.NextLease(now)
			if err := s.store.Put(ctx, row); err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			result.Renewed++
			continue
		}

		if res, ok := s.executor.CachedResult(ctx, row.RequestID); ok {
			raw, mErr := json.Marshal(res)
			if mErr != nil {
				result.Errors = append(result.Errors, mErr)
				continue
			}
			if err := s.store.MarkDone(ctx, row.RequestID, raw); err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			s.log.Info("offscreen: adopted cached offscreen result",
				"requestId", row.RequestID, "jobId", row.Meta.JobID, "taskType", row.TaskType)
			result.Adopted++
			continue
		}

		if err := s.store.MarkFailed(ctx, row.RequestID, storage.ErrorInfo{
			Code:    jobstate.CodeOffscreenRequestLost,
			Message: "lease expired without a cached result",
		}); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		s.log.Warn("offscreen: abandoned expired request",
			"requestId", row.RequestID, "jobId", row.Meta.JobID, "taskType", row.TaskType,
			"expiredMs", now-row.LeaseUntilTs)
		result.Abandoned++
	}

	cutoff := now - s.retention.Milliseconds()
	finished, err := s.store.ListFinishedBefore(ctx, cutoff)
	if err != nil {
		result.Errors = append(result.Errors, err)
	} else {
		for _, row := range finished {
			if err := s.store.Delete(ctx, row.RequestID); err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			result.Retired++
		}
	}

	if s.metrics != nil {
		s.metrics.RecordSweep()
	}
	return result
}
