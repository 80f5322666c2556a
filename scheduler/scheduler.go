// Package scheduler drives jobs forward one bounded step at a time.
//
// A step reloads the job, enforces the lease, retry, and watchdog rules,
// and dispatches to the agent loop that matches the job status. Steps for
// the same job are single-flight within a process; steps for different
// jobs run in parallel. Every observable decision is persisted before the
// step returns, so a crashed or interrupted step is recovered by the next
// one through lease expiry.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/pageglot/pageglot/events"
	"github.com/pageglot/pageglot/hooks"
	"github.com/pageglot/pageglot/internal/clock"
	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/metrics"
	"github.com/pageglot/pageglot/runner"
	"github.com/pageglot/pageglot/settings"
	"github.com/pageglot/pageglot/storage"
	"github.com/pageglot/pageglot/tool"
)

// Step reasons, recorded in step logs.
const (
	StepReasonTick   = "tick"
	StepReasonEvent  = "event"
	StepReasonManual = "manual"
)

const (
	// DefaultLeaseMs is how long one step may hold a job before another
	// owner may adopt it.
	DefaultLeaseMs = 30_000

	// DefaultWatchdogMs fails a job whose progress key has not changed for
	// this long. Floored at MinWatchdogMs.
	DefaultWatchdogMs = 120_000

	// MinWatchdogMs is the lowest accepted watchdog interval.
	MinWatchdogMs = 30_000

	// scanStalledAfterMs is how long a preparing job waits for scan results
	// before the scan request is re-sent.
	scanStalledAfterMs = 8_000

	// scanNudgeEveryMs spaces consecutive re-sends.
	scanNudgeEveryMs = 4_000

	// pageCacheTtlMs bounds how long a delivered scan may seed a job
	// restarted on the same tab. Navigation invalidates the page outside
	// this process; the TTL is the backstop.
	pageCacheTtlMs = 300_000

	// cancelBatchLimit bounds how many outstanding remote calls one
	// recovery pass cancels.
	cancelBatchLimit = 32
)

// StepResult is the outcome of one scheduler step.
type StepResult struct {
	// OK reports that the step ran to a decision. False means the step
	// itself errored and changed nothing it can vouch for.
	OK bool

	// Terminal reports that the job is now in a terminal status.
	Terminal bool

	// HasMoreWork reports that another step right away would make
	// progress.
	HasMoreWork bool

	// Requeued reports that the job was parked behind a retry delay.
	Requeued bool
}

// ScanRequester re-sends the page scan request for a job stuck in
// preparing. Hosts wire this to whatever re-injects their capture runtime.
type ScanRequester func(ctx context.Context, job *storage.JobRecord) error

// Canceller aborts outstanding remote worker calls for a job. The remote
// executor implements it; recovery calls it before queueing a retry so a
// lost call cannot race the next attempt.
type Canceller interface {
	CancelByJob(ctx context.Context, jobID string, maxRequests int) (int, error)
}

// Config configures a JobRunner.
type Config struct {
	// Jobs is the job store. Required.
	Jobs *storage.JobStore

	// Tabs is the tab state store. Required.
	Tabs *storage.TabStateStore

	// Pages is the page scan cache. Required.
	Pages *storage.PageCacheStore

	// Agents runs the per-stage agent loops. Required.
	Agents *runner.Runner

	// Engine flushes due coalesced tool calls at step boundaries.
	// Required.
	Engine *tool.Engine

	// Settings resolves the effective settings each step runs under.
	// Required.
	Settings *settings.Store

	// Instance identifies this worker instance in adopted runtimes.
	// Defaults to a random id.
	Instance string

	// Retry is the retry policy. Zero value means DefaultRetryPolicy.
	Retry RetryPolicy

	// Cancel aborts outstanding remote calls during recovery. Optional.
	Cancel Canceller

	// RequestScan re-sends the page scan for preparing jobs. Optional.
	RequestScan ScanRequester

	// LeaseMs overrides DefaultLeaseMs.
	LeaseMs int64

	// WatchdogMs overrides DefaultWatchdogMs. Floored at MinWatchdogMs.
	WatchdogMs int64

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Bus receives job_transition events. Optional.
	Bus *events.Bus

	// Hooks receives job transition and step callbacks. Optional.
	Hooks *hooks.Registry

	// Metrics records step durations. Optional.
	Metrics *metrics.Metrics
}

// JobRunner owns the step state machine.
type JobRunner struct {
	jobs        *storage.JobStore
	tabs        *storage.TabStateStore
	pages       *storage.PageCacheStore
	agents      *runner.Runner
	engine      *tool.Engine
	settings    *settings.Store
	instance    string
	retry       RetryPolicy
	cancel      Canceller
	requestScan ScanRequester
	leaseMs     int64
	watchdogMs  int64
	clock       clock.Clock
	logger      *slog.Logger
	bus         *events.Bus
	hooks       *hooks.Registry
	metrics     *metrics.Metrics

	mu        sync.Mutex
	inprocess map[string]chan struct{}
}

// NewJobRunner builds a JobRunner from cfg.
func NewJobRunner(cfg Config) (*JobRunner, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("scheduler: Config.Jobs is required")
	}
	if cfg.Tabs == nil {
		return nil, errors.New("scheduler: Config.Tabs is required")
	}
	if cfg.Pages == nil {
		return nil, errors.New("scheduler: Config.Pages is required")
	}
	if cfg.Agents == nil {
		return nil, errors.New("scheduler: Config.Agents is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("scheduler: Config.Engine is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("scheduler: Config.Settings is required")
	}

	instance := cfg.Instance
	if instance == "" {
		instance = "sched-" + uuid.NewString()
	}
	leaseMs := cfg.LeaseMs
	if leaseMs <= 0 {
		leaseMs = DefaultLeaseMs
	}
	watchdogMs := cfg.WatchdogMs
	if watchdogMs <= 0 {
		watchdogMs = DefaultWatchdogMs
	}
	if watchdogMs < MinWatchdogMs {
		watchdogMs = MinWatchdogMs
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.System()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobRunner{
		jobs:        cfg.Jobs,
		tabs:        cfg.Tabs,
		pages:       cfg.Pages,
		agents:      cfg.Agents,
		engine:      cfg.Engine,
		settings:    cfg.Settings,
		instance:    instance,
		retry:       cfg.Retry.normalized(),
		cancel:      cfg.Cancel,
		requestScan: cfg.RequestScan,
		leaseMs:     leaseMs,
		watchdogMs:  watchdogMs,
		clock:       cl,
		logger:      logger,
		bus:         cfg.Bus,
		hooks:       cfg.Hooks,
		metrics:     cfg.Metrics,
		inprocess:   make(map[string]chan struct{}),
	}, nil
}

// Instance returns this runner's instance id.
func (s *JobRunner) Instance() string {
	return s.instance
}

// Step runs one scheduler decision for jobID. It is safe to call
// concurrently; overlapping calls for the same job collapse into one.
func (s *JobRunner) Step(ctx context.Context, jobID, reason string) (StepResult, error) {
	if !s.acquire(jobID) {
		// A step for this job is already running in this process. Its own
		// result drives any follow-up.
		return StepResult{OK: true, HasMoreWork: true}, nil
	}
	defer s.release(jobID)

	started := s.clock.Now()

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return StepResult{}, fmt.Errorf("scheduler: load job %s: %w", jobID, err)
	}

	res, err := s.step(ctx, job, reason)

	stage := jobstate.StageForStatus(job.Status)
	if stage == "" && job.Runtime != nil {
		stage = job.Runtime.Stage
	}
	took := s.clock.Now().Sub(started)
	s.metrics.ObserveStep(string(stage), took.Seconds())
	if s.hooks != nil {
		_ = s.hooks.TriggerStepDone(ctx, jobID, job.Status, took)
	}
	s.logger.Debug("step finished",
		"jobId", jobID,
		"reason", reason,
		"stage", string(stage),
		"terminal", res.Terminal,
		"hasMoreWork", res.HasMoreWork,
		"requeued", res.Requeued,
	)
	return res, err
}

func (s *JobRunner) acquire(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inprocess[jobID]; busy {
		return false
	}
	s.inprocess[jobID] = make(chan struct{})
	return true
}

// acquireWait blocks until the job's step slot is free, then takes it.
// Lifecycle operations use it so they never interleave with a running step's
// read-modify-write of the job record.
func (s *JobRunner) acquireWait(ctx context.Context, jobID string) error {
	for {
		s.mu.Lock()
		busy, ok := s.inprocess[jobID]
		if !ok {
			s.inprocess[jobID] = make(chan struct{})
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-busy:
		}
	}
}

func (s *JobRunner) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.inprocess[jobID]; ok {
		close(ch)
		delete(s.inprocess, jobID)
	}
}

func (s *JobRunner) step(ctx context.Context, job *storage.JobRecord, reason string) (StepResult, error) {
	now := s.clock.NowMs()
	rt := job.EnsureRuntime()

	// Terminal jobs only need their runtime settled.
	if job.Status.IsTerminal() {
		rt.Lease = storage.Lease{}
		rt.Status = terminalRuntimeStatus(job.Status)
		job.LeaseUntilTs = 0
		s.clearActiveJob(ctx, job)
		job.Touch(now)
		if err := s.jobs.Put(ctx, job); err != nil {
			return StepResult{}, fmt.Errorf("scheduler: persist job %s: %w", job.JobID, err)
		}
		return StepResult{OK: true, Terminal: true}, nil
	}

	// Adopt the runtime. First writer after a crash wins.
	rt.OwnerInstanceID = s.instance
	stage := jobstate.StageForStatus(job.Status)
	rt.Stage = stage

	// Watchdog: any change of the progress key counts as progress.
	key := job.ProgressKey()
	if key != rt.Watchdog.LastProgressKey {
		rt.Watchdog.LastProgressKey = key
		rt.Watchdog.LastProgressTs = now
	} else if rt.Watchdog.LastProgressTs > 0 && now-rt.Watchdog.LastProgressTs > s.watchdogMs {
		return s.recover(ctx, job, s.retry.ClassifyCode(jobstate.CodeNoProgressWatchdog,
			fmt.Sprintf("no observable progress for %dms", now-rt.Watchdog.LastProgressTs)))
	}

	// A scheduled retry parks the job until its slot arrives.
	if rt.Retry.NextRetryAtTs > now {
		rt.Status = jobstate.RuntimeQueued
		job.Touch(now)
		if err := s.jobs.Put(ctx, job); err != nil {
			return StepResult{}, fmt.Errorf("scheduler: persist job %s: %w", job.JobID, err)
		}
		return StepResult{OK: true, Requeued: true}, nil
	}

	// An expired lease means a previous step died mid-operation.
	if rt.Lease.LeaseUntilTs > 0 && rt.Lease.LeaseUntilTs < now {
		return s.recover(ctx, job, s.retry.ClassifyCode(jobstate.CodeLeaseExpired,
			fmt.Sprintf("lease expired during %s (op %s)", rt.Lease.Op, rt.Lease.OpID)))
	}

	// The owning tab must still exist.
	if job.TabID != 0 {
		exists, err := s.tabs.Exists(ctx, job.TabID)
		if err != nil {
			return StepResult{}, fmt.Errorf("scheduler: tab %d lookup: %w", job.TabID, err)
		}
		if !exists {
			// The page left with its tab; its scan snapshot is garbage now.
			if err := s.pages.Delete(ctx, job.TabID); err != nil {
				s.logger.Warn("drop page cache", "tabId", job.TabID, "error", err)
			}
			return s.fail(ctx, job, jobstate.CodeTabGone, fmt.Sprintf("tab %d is gone", job.TabID))
		}
	}

	// Awaiting user input holds no lease.
	if job.Status == jobstate.JobStatusAwaitingCategories {
		return s.park(ctx, job, now)
	}

	// Renew the lease for this step's work.
	rt.Status = jobstate.RuntimeRunning
	rt.Lease = storage.Lease{
		LeaseUntilTs: now + s.leaseMs,
		HeartbeatTs:  now,
		Op:           string(stage),
		OpID:         uuid.NewString(),
	}
	job.LeaseUntilTs = rt.Lease.LeaseUntilTs
	job.Touch(now)
	if err := s.jobs.Put(ctx, job); err != nil {
		return StepResult{}, fmt.Errorf("scheduler: persist job %s: %w", job.JobID, err)
	}

	switch job.Status {
	case jobstate.JobStatusPreparing:
		return s.stepPreparing(ctx, job, now)
	case jobstate.JobStatusPlanning:
		return s.stepPlanning(ctx, job)
	case jobstate.JobStatusRunning, jobstate.JobStatusCompleting:
		return s.stepExecution(ctx, job)
	}
	return StepResult{OK: true}, nil
}

// park clears the lease and idles the runtime for a job waiting on user
// input.
func (s *JobRunner) park(ctx context.Context, job *storage.JobRecord, now int64) (StepResult, error) {
	rt := job.EnsureRuntime()
	rt.Status = jobstate.RuntimeIdle
	rt.Lease = storage.Lease{}
	rt.Retry = storage.Retry{}
	job.LeaseUntilTs = 0
	job.Touch(now)
	if err := s.jobs.Put(ctx, job); err != nil {
		return StepResult{}, fmt.Errorf("scheduler: persist job %s: %w", job.JobID, err)
	}
	return StepResult{OK: true}, nil
}

// stepPreparing re-sends the page scan request when the scan has been
// silent past the stall threshold.
func (s *JobRunner) stepPreparing(ctx context.Context, job *storage.JobRecord, now int64) (StepResult, error) {
	if now-job.LastScanRequestTs <= scanStalledAfterMs || now-job.LastScanNudgeTs <= scanNudgeEveryMs {
		return StepResult{OK: true}, nil
	}

	if s.requestScan != nil {
		if err := s.requestScan(ctx, job); err != nil {
			s.logger.Warn("scan re-request failed",
				"jobId", job.JobID, "tabId", job.TabID, "error", err)
			return StepResult{OK: true}, nil
		}
	}
	job.LastScanRequestTs = now
	job.LastScanNudgeTs = now
	job.Touch(now)
	if err := s.jobs.Put(ctx, job); err != nil {
		return StepResult{}, fmt.Errorf("scheduler: persist job %s: %w", job.JobID, err)
	}
	s.logger.Info("scan request re-sent", "jobId", job.JobID, "tabId", job.TabID)
	return StepResult{OK: true}, nil
}

// stepPlanning runs one planning tick and settles its outcome.
func (s *JobRunner) stepPlanning(ctx context.Context, job *storage.JobRecord) (StepResult, error) {
	eff, err := s.effective(ctx)
	if err != nil {
		return StepResult{}, err
	}

	st, runErr := s.agents.RunPlanning(ctx, job, eff)
	if runErr != nil {
		return s.recover(ctx, job, s.retry.Classify(runErr))
	}

	if job.Status == jobstate.JobStatusAwaitingCategories {
		// The planner asked the user; park until categories arrive.
		return s.park(ctx, job, s.clock.NowMs())
	}

	switch st {
	case jobstate.LoopFailed, jobstate.LoopGuardStop:
		code, msg := loopError(job, jobstate.StagePlanning)
		return s.fail(ctx, job, code, msg)
	default:
		// Yielded mid-plan, stopped by a status change, or done without a
		// transition; either way the next step looks again.
		return StepResult{OK: true, HasMoreWork: true}, nil
	}
}

// stepExecution runs one execution or proofreading tick and settles its
// outcome.
func (s *JobRunner) stepExecution(ctx context.Context, job *storage.JobRecord) (StepResult, error) {
	eff, err := s.effective(ctx)
	if err != nil {
		return StepResult{}, err
	}
	stage := jobstate.StageForStatus(job.Status)

	// Deliver coalesced writes whose debounce window elapsed while no loop
	// was running.
	if n, flushErr := s.engine.FlushDue(ctx, job, stage, eff); flushErr != nil {
		s.logger.Warn("coalesce flush failed", "jobId", job.JobID, "error", flushErr)
	} else if n > 0 {
		s.logger.Debug("flushed coalesced calls", "jobId", job.JobID, "count", n)
	}

	var st jobstate.LoopStatus
	var runErr error
	if job.Status == jobstate.JobStatusRunning {
		st, runErr = s.agents.RunExecution(ctx, job, eff)
	} else {
		st, runErr = s.agents.RunProofreading(ctx, job, eff)
	}
	if runErr != nil {
		return s.recover(ctx, job, s.retry.Classify(runErr))
	}

	switch st {
	case jobstate.LoopDone:
		return s.advance(ctx, job, eff)
	case jobstate.LoopFailed, jobstate.LoopGuardStop:
		code, msg := loopError(job, stage)
		return s.fail(ctx, job, code, msg)
	default:
		return StepResult{OK: true, HasMoreWork: true}, nil
	}
}

// advance moves a job whose loop completed into its next status.
func (s *JobRunner) advance(ctx context.Context, job *storage.JobRecord, eff settings.Effective) (StepResult, error) {
	now := s.clock.NowMs()

	if job.Status == jobstate.JobStatusRunning && s.proofreadingWanted(job, eff) {
		seedProofreading(job)
		if err := s.transition(ctx, job, jobstate.JobStatusCompleting, now); err != nil {
			return StepResult{}, err
		}
		return StepResult{OK: true, HasMoreWork: true}, nil
	}

	rt := job.EnsureRuntime()
	rt.Status = jobstate.RuntimeDone
	rt.Lease = storage.Lease{}
	rt.Retry = storage.Retry{}
	job.LeaseUntilTs = 0
	s.clearActiveJob(ctx, job)
	if err := s.transition(ctx, job, jobstate.JobStatusDone, now); err != nil {
		return StepResult{}, err
	}
	return StepResult{OK: true, Terminal: true}, nil
}

// proofreadingWanted decides whether the completing phase runs. An explicit
// per-job decision wins; otherwise settings plus the planner's pipeline
// decide, and a job with nothing translated skips straight to done.
func (s *JobRunner) proofreadingWanted(job *storage.JobRecord, eff settings.Effective) bool {
	if job.Proofreading != nil {
		return job.Proofreading.Enabled
	}
	if !eff.ProofreadingEnabled {
		return false
	}
	if state := job.AgentState; state != nil && state.Pipeline != nil && state.Pipeline.QC.Level == "off" {
		return false
	}
	return translatedCount(job) > 0
}

// seedProofreading fills the proofreading pending set with every translated
// block, unless a set already exists.
func seedProofreading(job *storage.JobRecord) {
	if job.Proofreading == nil {
		job.Proofreading = &storage.Proofreading{Enabled: true}
	}
	job.Proofreading.Enabled = true
	if len(job.Proofreading.PendingBlockIDs) > 0 {
		return
	}
	ids := make([]string, 0, len(job.BlocksByID))
	for id, b := range job.BlocksByID {
		if b.Translated != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	job.Proofreading.PendingBlockIDs = ids
}

func translatedCount(job *storage.JobRecord) int {
	n := 0
	for _, b := range job.BlocksByID {
		if b.Translated != "" {
			n++
		}
	}
	return n
}

// recover handles a classified failure: retryable errors park the job
// behind a backoff slot, everything else fails it.
func (s *JobRunner) recover(ctx context.Context, job *storage.JobRecord, c Classified) (StepResult, error) {
	rt := job.EnsureRuntime()
	now := s.clock.NowMs()

	if rt.Retry.MaxAttempts <= 0 || rt.Retry.MaxAttempts > maxRetryAttempts {
		rt.Retry.MaxAttempts = s.retry.MaxAttempts
	}

	next := rt.Retry.Attempt + 1
	if !c.Retryable || next > rt.Retry.MaxAttempts {
		return s.fail(ctx, job, c.Code, c.Message)
	}

	// Outstanding remote calls must not race the retried attempt.
	s.cancelOutstanding(ctx, job.JobID)

	backoff := c.RetryAfterMs
	if backoff <= 0 {
		backoff = s.retry.ComputeBackoffMs(rt.Retry.Attempt)
	}
	rt.Retry.Attempt = next
	if rt.Retry.FirstAttemptTs == 0 {
		rt.Retry.FirstAttemptTs = now
	}
	rt.Retry.NextRetryAtTs = now + backoff
	rt.Retry.LastError = &storage.ErrorInfo{Code: c.Code, Message: c.Message}
	rt.Status = jobstate.RuntimeQueued
	rt.Lease = storage.Lease{}
	job.LeaseUntilTs = 0
	job.Touch(now)
	if err := s.jobs.Put(ctx, job); err != nil {
		return StepResult{}, fmt.Errorf("scheduler: persist job %s: %w", job.JobID, err)
	}

	s.logger.Warn("step will be retried",
		"jobId", job.JobID,
		"code", string(c.Code),
		"attempt", next,
		"maxAttempts", rt.Retry.MaxAttempts,
		"backoffMs", backoff,
	)
	return StepResult{OK: true, Requeued: true}, nil
}

// fail moves the job to failed, records the error, and releases everything
// it held.
func (s *JobRunner) fail(ctx context.Context, job *storage.JobRecord, code jobstate.Code, msg string) (StepResult, error) {
	now := s.clock.NowMs()
	from := job.Status

	s.cancelOutstanding(ctx, job.JobID)

	rt := job.EnsureRuntime()
	rt.Status = jobstate.RuntimeFailed
	rt.Lease = storage.Lease{}
	rt.Retry.LastError = &storage.ErrorInfo{Code: code, Message: msg}
	job.LeaseUntilTs = 0

	state := job.EnsureAgentState()
	state.AppendReport(storage.Report{
		Level: "error",
		Text:  msg,
		Code:  string(code),
		Ts:    now,
	})

	if from.CanTransitionTo(jobstate.JobStatusFailed) {
		job.Status = jobstate.JobStatusFailed
	}
	s.clearActiveJob(ctx, job)
	job.Touch(now)
	if err := s.jobs.Put(ctx, job); err != nil {
		return StepResult{}, fmt.Errorf("scheduler: persist job %s: %w", job.JobID, err)
	}
	s.publishTransition(ctx, job, from, job.Status)

	s.logger.Error("job failed",
		"jobId", job.JobID, "code", string(code), "message", msg)
	return StepResult{OK: true, Terminal: true}, nil
}

// transition validates and applies a status change, persists, and notifies.
func (s *JobRunner) transition(ctx context.Context, job *storage.JobRecord, to jobstate.JobStatus, now int64) error {
	from := job.Status
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("scheduler: invalid transition %s -> %s for job %s", from, to, job.JobID)
	}
	job.Status = to
	job.EnsureRuntime().Stage = jobstate.StageForStatus(to)
	job.Touch(now)
	if err := s.jobs.Put(ctx, job); err != nil {
		return fmt.Errorf("scheduler: persist job %s: %w", job.JobID, err)
	}
	s.publishTransition(ctx, job, from, to)
	return nil
}

func (s *JobRunner) publishTransition(ctx context.Context, job *storage.JobRecord, from, to jobstate.JobStatus) {
	if from == to {
		return
	}
	if s.bus != nil {
		payload, _ := json.Marshal(map[string]string{
			"from": string(from),
			"to":   string(to),
		})
		s.bus.Publish(events.Event{
			Topic:   events.TopicJobTransition,
			JobID:   job.JobID,
			Payload: payload,
		})
	}
	if s.hooks != nil {
		_ = s.hooks.TriggerJobTransition(ctx, job.JobID, from, to)
	}
	s.logger.Info("job transition",
		"jobId", job.JobID, "from", string(from), "to", string(to))
}

func (s *JobRunner) cancelOutstanding(ctx context.Context, jobID string) {
	if s.cancel == nil {
		return
	}
	if n, err := s.cancel.CancelByJob(ctx, jobID, cancelBatchLimit); err != nil {
		s.logger.Warn("cancel outstanding calls", "jobId", jobID, "error", err)
	} else if n > 0 {
		s.logger.Info("cancelled outstanding calls", "jobId", jobID, "count", n)
	}
}

func (s *JobRunner) clearActiveJob(ctx context.Context, job *storage.JobRecord) {
	if job.TabID == 0 {
		return
	}
	if err := s.tabs.ClearActiveJob(ctx, job.TabID, job.JobID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("clear active job pointer",
			"tabId", job.TabID, "jobId", job.JobID, "error", err)
	}
}

func (s *JobRunner) effective(ctx context.Context) (settings.Effective, error) {
	st, err := s.settings.Get(ctx)
	if err != nil {
		return settings.Effective{}, fmt.Errorf("scheduler: load settings: %w", err)
	}
	return settings.Resolve(st), nil
}

// loopError extracts the failure recorded by a finished loop.
func loopError(job *storage.JobRecord, stage jobstate.Stage) (jobstate.Code, string) {
	loop := job.EnsureAgentState().Loop(stage)
	if loop != nil && loop.LastError != nil {
		return loop.LastError.Code, loop.LastError.Message
	}
	return jobstate.CodeAgentLoopGuardStop, string(stage) + " loop stopped without a recorded error"
}

func terminalRuntimeStatus(status jobstate.JobStatus) jobstate.RuntimeStatus {
	switch status {
	case jobstate.JobStatusDone:
		return jobstate.RuntimeDone
	case jobstate.JobStatusCancelled:
		return jobstate.RuntimeCancelled
	default:
		return jobstate.RuntimeFailed
	}
}
