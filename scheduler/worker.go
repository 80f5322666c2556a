package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pageglot/pageglot/events"
	"github.com/pageglot/pageglot/storage"
)

// WorkerConfig configures the background job worker.
type WorkerConfig struct {
	// Runner steps the jobs. Required.
	Runner *JobRunner

	// Jobs lists the workable jobs each sweep. Required.
	Jobs *storage.JobStore

	// Bus wakes the worker on job_enqueued events. Optional; without it
	// the worker is purely interval-driven.
	Bus *events.Bus

	// PollInterval is the sweep interval. Default 1s.
	PollInterval time.Duration

	// MaxConcurrent bounds parallel steps across jobs. Default 4.
	MaxConcurrent int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Worker sweeps the workable jobs on an interval and whenever a
// job-enqueued event fires, stepping each one. Same-job steps stay
// single-flight through the runner; the worker only bounds cross-job
// parallelism.
type Worker struct {
	runner       *JobRunner
	jobs         *storage.JobStore
	bus          *events.Bus
	pollInterval time.Duration
	logger       *slog.Logger

	sem         chan struct{}
	triggerCh   chan struct{}
	started     atomic.Bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewWorker builds a Worker from cfg.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Runner == nil {
		return nil, errors.New("scheduler: WorkerConfig.Runner is required")
	}
	if cfg.Jobs == nil {
		return nil, errors.New("scheduler: WorkerConfig.Jobs is required")
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	concurrent := cfg.MaxConcurrent
	if concurrent <= 0 {
		concurrent = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		runner:       cfg.Runner,
		jobs:         cfg.Jobs,
		bus:          cfg.Bus,
		pollInterval: interval,
		logger:       logger,
		sem:          make(chan struct{}, concurrent),
		triggerCh:    make(chan struct{}, 1),
	}, nil
}

// Start launches the sweep loop and subscribes to wake-up events. An
// immediate first sweep adopts any jobs left over from a previous process.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("scheduler: worker already started")
	}
	ctx, w.cancel = context.WithCancel(ctx)

	if w.bus != nil {
		w.unsubscribe = w.bus.Subscribe(events.TopicJobEnqueued, func(events.Event) {
			w.Trigger()
		})
	}

	w.wg.Add(1)
	go w.run(ctx)
	w.Trigger()
	return nil
}

// Stop halts the sweep loop and waits for in-flight steps, bounded by ctx.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.started.Load() {
		return nil
	}
	if w.unsubscribe != nil {
		w.unsubscribe()
		w.unsubscribe = nil
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.started.Store(false)
	return nil
}

// Trigger wakes the worker outside its poll interval. Non-blocking;
// coalesces with an already-pending wake-up.
func (w *Worker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx, StepReasonTick)
		case <-w.triggerCh:
			w.sweep(ctx, StepReasonEvent)
		}
	}
}

// sweep steps every workable job once and wakes itself again if any step
// reported immediate follow-up work.
func (w *Worker) sweep(ctx context.Context, reason string) {
	jobs, err := w.jobs.ListWorkable(ctx)
	if err != nil {
		w.logger.Warn("list workable jobs", "error", err)
		return
	}

	var wg sync.WaitGroup
	var more atomic.Bool
	for _, job := range jobs {
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-w.sem }()
			res, stepErr := w.runner.Step(ctx, id, reason)
			if stepErr != nil {
				w.logger.Warn("step failed", "jobId", id, "reason", reason, "error", stepErr)
				return
			}
			if res.HasMoreWork {
				more.Store(true)
			}
		}(job.JobID)
	}
	wg.Wait()

	if more.Load() && ctx.Err() == nil {
		w.Trigger()
	}
}
