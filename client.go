package pageglot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/pageglot/pageglot/driver"
	"github.com/pageglot/pageglot/events"
	"github.com/pageglot/pageglot/hooks"
	"github.com/pageglot/pageglot/internal/clock"
	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/metrics"
	"github.com/pageglot/pageglot/modelio"
	"github.com/pageglot/pageglot/offscreen"
	"github.com/pageglot/pageglot/runner"
	"github.com/pageglot/pageglot/scheduler"
	"github.com/pageglot/pageglot/settings"
	"github.com/pageglot/pageglot/storage"
	"github.com/pageglot/pageglot/tool"
	"github.com/pageglot/pageglot/tool/builtin"
	"github.com/pageglot/pageglot/uipatch"
)

// Version is the current PageGlot version
const Version = "1.0.0"

// recoverInflightLimit bounds how many pending rows one startup recovery
// pass reconciles with the worker.
const recoverInflightLimit = 256

// StartJobParams describes a new translation job.
type StartJobParams = scheduler.StartJobParams

// ScanResult is the scanned page content delivered via SubmitScan.
type ScanResult = scheduler.ScanResult

// StepResult reports the outcome of one manually triggered step.
type StepResult = scheduler.StepResult

// Client is the orchestration engine: it owns the durable stores, the tool
// engine, the three agent loops, the job scheduler, and the transport to the
// out-of-process model worker. One Client serves one browser profile; state
// lives in the driver's store, so a Client can be stopped and a new one
// started over the same store without losing jobs.
type Client struct {
	driver   driver.Driver
	config   *internalConfig
	instance string
	log      *slog.Logger

	// Durable stores (typed adapters over the driver's KV)
	jobs     *storage.JobStore
	tabs     *storage.TabStateStore
	pages    *storage.PageCacheStore
	inflight *storage.InflightStore
	prefs    *settings.Store
	eventLog *storage.EventLog

	// Orchestration
	bus      *events.Bus
	hks      *hooks.Registry
	mtx      *metrics.Metrics
	registry *tool.Registry
	engine   *tool.Engine
	executor *offscreen.Executor
	agents   *runner.Runner
	sched    *scheduler.JobRunner
	worker   *scheduler.Worker
	sweeper  *offscreen.Sweeper
	patches  *uipatch.Builder

	// Serializes event log appends across bus handler goroutines.
	logMu       sync.Mutex
	unsubscribe []func()

	// State
	started atomic.Bool

	// Cancellation
	cancel context.CancelFunc
}

// NewClient creates a new PageGlot client with the given driver and
// configuration.
//
// Example:
//
//	drv := pgxv5.New(pool)
//	client, err := pageglot.NewClient(drv, pageglot.Config{
//	    Dial: wsport.Dialer("ws://127.0.0.1:8765/port", nil),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(ctx)
//
//	job, err := client.StartJob(ctx, pageglot.StartJobParams{TabID: 7})
func NewClient(drv driver.Driver, cfg Config, opts ...Option) (*Client, error) {
	// Validate driver
	if drv == nil {
		return nil, fmt.Errorf("%w: driver is required", ErrInvalidConfig)
	}
	if !drv.BackendIsSet() {
		return nil, fmt.Errorf("%w: driver backend is not set", ErrInvalidConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ic := newInternalConfig(cfg)
	for _, opt := range opts {
		if err := opt(ic); err != nil {
			return nil, err
		}
	}
	if ic.logger == nil {
		ic.logger = slog.Default()
	}
	if ic.clk == nil {
		ic.clk = clock.System()
	}

	// Generate instance ID if not provided
	instanceID := ic.instanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	c := &Client{
		driver:   drv,
		config:   ic,
		instance: instanceID,
		log:      ic.logger,
		bus:      events.NewBus(),
		hks:      ic.hooks,
	}

	kv := drv.GetStore()
	c.jobs = storage.NewJobStore(kv)
	c.tabs = storage.NewTabStateStore(kv)
	c.pages = storage.NewPageCacheStore(kv)
	c.inflight = storage.NewInflightStore(kv)
	c.prefs = settings.NewStore(kv)
	c.eventLog = storage.NewEventLog(kv)

	if ic.metricsReg != nil {
		c.mtx = metrics.New(ic.metricsReg)
	}

	executor, err := offscreen.NewExecutor(offscreen.Config{
		Store:            c.inflight,
		Dial:             ic.dial,
		ActiveTabID:      ic.activeTab,
		Clock:            ic.clk,
		Logger:           ic.logger,
		Metrics:          c.mtx,
		DefaultTimeoutMs: ic.requestTimeoutMs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	c.executor = executor

	translate := ic.translate
	if translate == nil {
		translate = c.translateBlocks
	}

	c.registry = tool.NewRegistry()
	if err := c.registry.RegisterAll(builtin.All(builtin.Deps{
		Translate: translate,
		Events:    c.bus,
		Clock:     ic.clk,
	})); err != nil {
		return nil, fmt.Errorf("failed to register built-in tools: %w", err)
	}
	for _, def := range ic.tools {
		if err := c.registry.Register(def); err != nil {
			return nil, fmt.Errorf("failed to register tool %q: %w", def.Name, err)
		}
	}

	persist := func(ctx context.Context, job *storage.JobRecord) error {
		return c.jobs.Put(ctx, job)
	}

	engine, err := tool.NewEngine(c.registry, tool.EngineConfig{
		Persist: persist,
		Nudge:   c.nudgeJob,
		Clock:   ic.clk,
		Logger:  ic.logger,
		Metrics: c.mtx,
		Hooks:   c.hks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tool engine: %w", err)
	}
	c.engine = engine

	agents, err := runner.New(runner.Config{
		Engine:       engine,
		Registry:     c.registry,
		Model:        c.modelTurn,
		Persist:      persist,
		Models:       ic.models,
		Clock:        ic.clk,
		Logger:       ic.logger,
		Hooks:        c.hks,
		Planning:     ic.planning,
		Execution:    ic.execution,
		Proofreading: ic.proofreading,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent runner: %w", err)
	}
	c.agents = agents

	sched, err := scheduler.NewJobRunner(scheduler.Config{
		Jobs:        c.jobs,
		Tabs:        c.tabs,
		Pages:       c.pages,
		Agents:      agents,
		Engine:      engine,
		Settings:    c.prefs,
		Instance:    instanceID,
		Retry:       ic.retry,
		Cancel:      executor,
		RequestScan: ic.requestScan,
		LeaseMs:     ic.leaseMs,
		WatchdogMs:  ic.watchdogMs,
		Clock:       ic.clk,
		Logger:      ic.logger,
		Bus:         c.bus,
		Hooks:       c.hks,
		Metrics:     c.mtx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job runner: %w", err)
	}
	c.sched = sched

	worker, err := scheduler.NewWorker(scheduler.WorkerConfig{
		Runner:        sched,
		Jobs:          c.jobs,
		Bus:           c.bus,
		PollInterval:  ic.pollInterval,
		MaxConcurrent: ic.maxConcurrentSteps,
		Logger:        ic.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job worker: %w", err)
	}
	c.worker = worker

	sweeper, err := offscreen.NewSweeper(offscreen.SweeperConfig{
		Store:     c.inflight,
		Executor:  executor,
		Interval:  ic.sweepInterval,
		Retention: ic.sweepRetention,
		Clock:     ic.clk,
		Logger:    ic.logger,
		Metrics:   c.mtx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight sweeper: %w", err)
	}
	c.sweeper = sweeper

	c.patches = uipatch.NewBuilder()

	// Settled tool calls reach the bus through the engine's hook, so the
	// event log and external subscribers see one stream for transitions and
	// tool activity alike.
	c.hks.OnToolExecuted(func(_ context.Context, jobID string, trace storage.ToolTraceRecord) error {
		payload, _ := json.Marshal(trace)
		c.bus.Publish(events.Event{Topic: events.TopicToolExecuted, JobID: jobID, Payload: payload})
		return nil
	})

	c.unsubscribe = append(c.unsubscribe,
		c.prefs.OnChanged(func(s settings.Settings) {
			payload, _ := json.Marshal(s)
			c.bus.Publish(events.Event{Topic: events.TopicSettingsChanged, Payload: payload})
		}),
		c.bus.Subscribe(events.TopicJobTransition, c.recordEvent),
		c.bus.Subscribe(events.TopicToolExecuted, c.recordEvent),
	)

	return c, nil
}

// Start begins background operations: it reconciles the durable in-flight
// table with the worker, then starts the sweeper and the job worker.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrClientAlreadyStarted
	}

	// Create cancellable context
	ctx, c.cancel = context.WithCancel(ctx)

	// Adopt or fail requests that were in flight when the previous process
	// died. An unreachable worker marks them lost; only a store failure
	// aborts startup.
	if _, err := c.executor.RecoverInflight(ctx, recoverInflightLimit); err != nil {
		c.cancel()
		c.started.Store(false)
		return fmt.Errorf("failed to recover in-flight requests: %w", err)
	}

	if err := c.sweeper.Start(ctx); err != nil {
		c.cancel()
		c.started.Store(false)
		return fmt.Errorf("failed to start inflight sweeper: %w", err)
	}

	if err := c.worker.Start(ctx); err != nil {
		_ = c.sweeper.Stop() // best-effort cleanup
		c.cancel()
		c.started.Store(false)
		return fmt.Errorf("failed to start job worker: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the client.
// It stops all background services and closes the worker transport.
func (c *Client) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return ErrClientNotStarted
	}

	// Cancel background context
	if c.cancel != nil {
		c.cancel()
	}

	// Stop services in reverse order (best-effort, continue on errors)
	if c.worker != nil {
		_ = c.worker.Stop(ctx)
	}

	if c.sweeper != nil && c.sweeper.IsRunning() {
		_ = c.sweeper.Stop()
	}

	if c.engine != nil {
		c.engine.Close()
	}

	if c.executor != nil {
		_ = c.executor.Close()
	}

	for _, unsubscribe := range c.unsubscribe {
		unsubscribe()
	}
	c.bus.Close()

	c.started.Store(false)
	return nil
}

// =============================================================================
// Job Lifecycle
// =============================================================================

// StartJob creates a translation job for a tab and requests the initial page
// scan. Starting a job on a tab that already has one restarts it: the old
// job is cancelled first.
func (c *Client) StartJob(ctx context.Context, params StartJobParams) (*storage.JobRecord, error) {
	if !c.started.Load() {
		return nil, ErrClientNotStarted
	}

	job, err := c.sched.StartJob(ctx, params)
	if err != nil {
		return nil, c.jobError("StartJob", params.JobID, err)
	}
	return job, nil
}

// SubmitScan delivers the scanned page blocks to a preparing job, moving it
// to planning.
func (c *Client) SubmitScan(ctx context.Context, jobID string, scan ScanResult) (*storage.JobRecord, error) {
	if !c.started.Load() {
		return nil, ErrClientNotStarted
	}

	job, err := c.sched.DeliverScan(ctx, jobID, scan)
	if err != nil {
		return nil, c.jobError("SubmitScan", jobID, err)
	}
	return job, nil
}

// RemoveTab reacts to a closed tab: its state and cached scan are dropped,
// and a job still attached to the tab fails with TAB_GONE on its next step.
func (c *Client) RemoveTab(ctx context.Context, tabID int) error {
	if !c.started.Load() {
		return ErrClientNotStarted
	}

	if err := c.sched.RemoveTab(ctx, tabID); err != nil {
		return NewClientError("RemoveTab", err)
	}
	return nil
}

// SetSelectedCategories resumes a job parked in awaiting_categories with the
// user's category choice. An empty selection keeps every block.
func (c *Client) SetSelectedCategories(ctx context.Context, jobID string, categories []string) (*storage.JobRecord, error) {
	if !c.started.Load() {
		return nil, ErrClientNotStarted
	}

	job, err := c.sched.SelectCategories(ctx, jobID, categories)
	if err != nil {
		return nil, c.jobError("SetSelectedCategories", jobID, err)
	}
	return job, nil
}

// CancelJob cancels a job and aborts its outstanding worker requests.
// Cancelling a job that already finished is a no-op.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	if !c.started.Load() {
		return ErrClientNotStarted
	}

	if err := c.sched.Cancel(ctx, jobID); err != nil {
		return c.jobError("CancelJob", jobID, err)
	}
	return nil
}

// Job returns the current job record.
func (c *Client) Job(ctx context.Context, jobID string) (*storage.JobRecord, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, c.jobError("Job", jobID, err)
	}
	return job, nil
}

// UIPatch renders the job's user-facing state snapshot.
func (c *Client) UIPatch(ctx context.Context, jobID string) (uipatch.Patch, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return uipatch.Patch{}, c.jobError("UIPatch", jobID, err)
	}
	return c.patches.Build(job), nil
}

// TriggerStep runs one scheduler step for the job immediately instead of
// waiting for the worker's next sweep.
func (c *Client) TriggerStep(ctx context.Context, jobID string) (StepResult, error) {
	if !c.started.Load() {
		return StepResult{}, ErrClientNotStarted
	}

	res, err := c.sched.Step(ctx, jobID, scheduler.StepReasonManual)
	if err != nil {
		return StepResult{}, c.jobError("TriggerStep", jobID, err)
	}
	return res, nil
}

// UpdateSettings applies a partial settings patch and returns the stored
// settings. Subscribers on the settings_changed topic are notified.
func (c *Client) UpdateSettings(ctx context.Context, patch map[string]any) (settings.Settings, error) {
	return c.prefs.Set(ctx, patch)
}

// jobError maps subsystem errors onto the client's sentinel errors.
func (c *Client) jobError(op, jobID string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return NewClientErrorWithJob(op, jobID, ErrJobNotFound)
	case errors.Is(err, scheduler.ErrJobExists):
		return NewClientErrorWithJob(op, jobID, ErrJobExists)
	case errors.Is(err, scheduler.ErrStatusConflict):
		return NewClientErrorWithJob(op, jobID, ErrInvalidJobStatus).
			WithContext("cause", err.Error())
	default:
		return NewClientErrorWithJob(op, jobID, err)
	}
}

// nudgeJob wakes the job worker; the tool engine calls it when a debounce
// timer or lease expiry makes a parked job workable again.
func (c *Client) nudgeJob(jobID string) {
	c.bus.Publish(events.Event{Topic: events.TopicJobEnqueued, JobID: jobID})
}

// recordEvent appends a bus event to the durable diagnostics log.
func (c *Client) recordEvent(ev events.Event) {
	c.logMu.Lock()
	defer c.logMu.Unlock()

	_, err := c.eventLog.Append(context.Background(), storage.EventRecord{
		Topic:   string(ev.Topic),
		Ts:      ev.OccurredAt.UnixMilli(),
		JobID:   ev.JobID,
		Payload: ev.Payload,
	})
	if err != nil {
		c.log.Warn("event log append failed", "topic", ev.Topic, "error", err)
	}
}

// RecentEvents returns the tail of the durable event log: job transitions
// and tool executions recorded for diagnostics.
func (c *Client) RecentEvents(ctx context.Context, limit int) ([]storage.EventRecord, error) {
	return c.eventLog.ListRecent(ctx, limit)
}

// =============================================================================
// Accessors
// =============================================================================

// InstanceID returns the unique identifier for this client instance.
func (c *Client) InstanceID() string {
	return c.instance
}

// IsRunning returns true if the client is running.
func (c *Client) IsRunning() bool {
	return c.started.Load()
}

// Driver returns the storage driver.
func (c *Client) Driver() driver.Driver {
	return c.driver
}

// Settings returns the settings store for direct reads and writes.
func (c *Client) Settings() *settings.Store {
	return c.prefs
}

// Hooks returns the lifecycle hook registry. Register hooks before Start.
func (c *Client) Hooks() *hooks.Registry {
	return c.hks
}

// Bus returns the event bus.
func (c *Client) Bus() *events.Bus {
	return c.bus
}

// Metrics returns the metric set, or nil when WithMetrics was not used.
func (c *Client) Metrics() *metrics.Metrics {
	return c.mtx
}

// =============================================================================
// Worker transport adapters
// =============================================================================

// modelTurn is the runner's model transport: one agent-loop turn dispatched
// through the offscreen executor. The request key pins the turn to the
// loop's persisted position, so a crash-resumed step replays the stored
// result instead of re-running the model.
func (c *Client) modelTurn(ctx context.Context, call runner.ModelCall) (*modelio.Response, error) {
	// A cancel can land while a step is mid-turn; don't dispatch work for a
	// job that is no longer active.
	if job, err := c.jobs.Get(ctx, call.Job.JobID); err == nil && job.Status.IsTerminal() {
		return nil, tool.WithCode(jobstate.CodeAborted, errors.New("job is no longer active"))
	}

	loop := call.Job.EnsureAgentState().Loop(call.Stage)
	spec := offscreen.ExecuteSpec{
		RequestKey: fmt.Sprintf("%s:%s:i%d:a%d", call.Job.JobID, call.Stage, loop.Iteration, loop.StepAttempt),
		TaskType:   call.TaskType,
		Stage:      call.Stage,
		Meta:       storage.InflightMeta{JobID: call.Job.JobID, TabID: call.Job.TabID},
		Request:    call.Request,
	}
	if call.Request.Stream {
		// Streaming keeps the in-flight lease fresh on long turns; the
		// runner only consumes the final response.
		spec.OnEvent = func(modelio.StreamEvent) {}
	}
	return c.executor.Execute(ctx, spec)
}

const translateInstructions = "You are a translation engine. Translate the text of every block " +
	"into the target language. Preserve inline markup, placeholders, and numbers exactly. " +
	"Reply with a single JSON object mapping each block id to its translated text, with no commentary."

// translateBlocks is the default translator transport behind
// translator.translate_block_stream: a lite-tier worker request whose key is
// derived from the block payload, so a retried tool call with the same
// blocks adopts the stored translation.
func (c *Client) translateBlocks(ctx context.Context, req builtin.TranslateRequest) (builtin.TranslateResult, error) {
	body, err := json.Marshal(struct {
		TargetLang string                   `json:"targetLang"`
		Blocks     []builtin.TranslateBlock `json:"blocks"`
	}{TargetLang: req.TargetLang, Blocks: req.Blocks})
	if err != nil {
		return builtin.TranslateResult{}, tool.WithCode(jobstate.CodeToolExecFailed,
			fmt.Errorf("encode translate request: %w", err))
	}

	spec := offscreen.ExecuteSpec{
		RequestKey: "translate:" + req.JobID + ":" + tool.ArgsHash(builtin.NameTranslateBlockStream, body),
		TaskType:   "translate",
		Stage:      jobstate.StageExecution,
		Meta:       storage.InflightMeta{JobID: req.JobID, TabID: req.TabID},
		Request: modelio.Request{
			Model:        c.config.models[settings.TierLite],
			Instructions: translateInstructions,
			Input:        []modelio.Item{modelio.UserMessage(string(body))},
			Stream:       req.Stream,
		},
	}
	if req.Stream {
		spec.OnEvent = func(modelio.StreamEvent) {}
	}

	resp, err := c.executor.Execute(ctx, spec)
	if err != nil {
		return builtin.TranslateResult{}, err
	}

	text := strings.TrimSpace(modelio.FinalText(resp.Output))
	var translations map[string]string
	if err := json.Unmarshal([]byte(text), &translations); err != nil {
		return builtin.TranslateResult{}, tool.WithCode(jobstate.CodeToolExecFailed,
			fmt.Errorf("translator returned malformed output: %w", err))
	}
	return builtin.TranslateResult{Translations: translations}, nil
}
