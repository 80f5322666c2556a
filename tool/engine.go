package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pageglot/pageglot/hooks"
	"github.com/pageglot/pageglot/internal/clock"
	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/metrics"
	"github.com/pageglot/pageglot/settings"
	"github.com/pageglot/pageglot/storage"
)

const (
	// DefaultLeaseMs is how long a side-effecting tool output is
	// considered in flight before a replay may re-execute it.
	DefaultLeaseMs = 15_000

	defaultMaxTrace      = 200
	maxCoalescedCallIDs  = 400
	coalesceLeaseSlackMs = 1500
	resultPreviewMax     = 280
)

// acceptedOutput is the placeholder cached for a coalesced call until its
// entry flushes. It must be a fixed literal: replays of the same callId
// have to return byte-equal output.
const acceptedOutput = `{"ok":true,"accepted":true,"coalesced":true}`

// PersistFunc saves the job record after the engine mutated its agent
// state. The engine calls it once per Execute or FlushDue.
type PersistFunc func(ctx context.Context, job *storage.JobRecord) error

// NudgeFunc asks the scheduler to step a job soon. Debounce timers use it
// instead of touching the job themselves: all job mutation stays on the
// single cooperative step path.
type NudgeFunc func(jobID string)

// EngineConfig configures an Engine. Persist is required.
type EngineConfig struct {
	Persist PersistFunc
	Nudge   NudgeFunc
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Hooks   *hooks.Registry

	// DefaultLeaseMs overrides DefaultLeaseMs when > 0.
	DefaultLeaseMs int64

	// MaxTrace bounds the per-job execution trace. Defaults to 200.
	MaxTrace int
}

// Engine executes tool calls against a job's agent state: schema
// validation, idempotent replay, queue-depth backpressure, debounced
// coalescing, output caching, and the execution trace.
//
// The engine never runs concurrently for the same job; the scheduler
// guarantees single ownership of a job per step. Timers scheduled here
// only nudge the scheduler, they never mutate job state.
type Engine struct {
	registry *Registry
	persist  PersistFunc
	nudge    NudgeFunc
	clock    clock.Clock
	log      *slog.Logger
	metrics  *metrics.Metrics
	hooks    *hooks.Registry

	defaultLeaseMs int64
	maxTrace       int

	mu     sync.Mutex
	timers map[string]clock.Timer // jobID+"|"+entryKey
}

// NewEngine returns an Engine over the given registry.
func NewEngine(registry *Registry, cfg EngineConfig) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("tool: engine requires a registry")
	}
	if cfg.Persist == nil {
		return nil, errors.New("tool: engine requires a persist func")
	}
	e := &Engine{
		registry:       registry,
		persist:        cfg.Persist,
		nudge:          cfg.Nudge,
		clock:          cfg.Clock,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
		hooks:          cfg.Hooks,
		defaultLeaseMs: cfg.DefaultLeaseMs,
		maxTrace:       cfg.MaxTrace,
		timers:         map[string]clock.Timer{},
	}
	if e.clock == nil {
		e.clock = clock.System()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.defaultLeaseMs <= 0 {
		e.defaultLeaseMs = DefaultLeaseMs
	}
	if e.maxTrace <= 0 {
		e.maxTrace = defaultMaxTrace
	}
	return e, nil
}

// Close cancels all pending debounce timers. Entries stay persisted in the
// job state; their leases make a later FlushDue pick them up.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, t := range e.timers {
		t.Stop()
		delete(e.timers, key)
	}
}

// Request is one tool call to execute against a job.
type Request struct {
	Job        *storage.JobRecord
	Stage      jobstate.Stage
	ResponseID string
	CallID     string
	RequestID  string
	ToolName   string
	Args       json.RawMessage
	Source     Source
	Settings   settings.Effective
}

// Result is the terminal outcome of a Request. OutputString is always a
// valid JSON document suitable for feeding back to the model, including
// on failure.
type Result struct {
	OutputString string
	Status       jobstate.CallStatus
	ArgsHash     string
	Replayed     bool
}

// Execute runs one tool call to a terminal outcome (ok, failed, skipped,
// or coalesced) and persists the job. Tool-level failures are reported in
// the Result, not the error; the error is reserved for persistence
// failures and malformed requests.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	if req.Job == nil {
		return Result{}, errors.New("tool: execute requires a job")
	}
	state := req.Job.EnsureAgentState()

	name := NormalizeName(req.ToolName)
	hash := ArgsHash(name, req.Args)
	started := e.clock.NowMs()

	rec := storage.ToolTraceRecord{
		TsStart:     started,
		ResponseID:  req.ResponseID,
		CallID:      req.CallID,
		Stage:       req.Stage,
		ToolName:    name,
		ToolVersion: defaultToolVersion,
		ArgsHash:    hash,
		QoS:         storage.TraceQoS{QueueDepth: state.ToolRuntime.QueueDepthByTool[name]},
	}

	def, ok := e.registry.Get(name)
	if !ok {
		out := failureOutput(jobstate.CodeToolExecFailed, fmt.Sprintf("unknown tool %q", name))
		e.cacheByCallID(state, req.CallID, out, defaultToolVersion, hash, 0)
		return e.settleFailed(ctx, req, rec, jobstate.CodeToolExecFailed, out)
	}
	rec.ToolVersion = def.Version
	rec.QoS.DebounceMs = def.QoS.DebounceMs

	// Idempotent replay. Checked before validation so a completed callId
	// always echoes its cached output byte for byte.
	if out, hit := e.replayOutput(state, def, req.CallID, name, hash, started); hit {
		rec.TsEnd = e.clock.NowMs()
		rec.Status = jobstate.CallSkipped
		rec.ResultPreview = preview(out)
		res := Result{OutputString: out, Status: jobstate.CallSkipped, ArgsHash: hash, Replayed: true}
		return res, e.settle(ctx, req.Job, res, rec)
	}

	// Schema validation.
	if err := ValidateArgs(def.compiled, req.Args); err != nil {
		out := failureOutput(jobstate.CodeToolArgsInvalid, err.Error())
		e.cacheByCallID(state, req.CallID, out, def.Version, hash, 0)
		return e.settleFailed(ctx, req, rec, jobstate.CodeToolArgsInvalid, out)
	}

	final := isFinal(req.Args)

	// Queue depth. The inc is balanced by exactly one dec on every path
	// out of this function, including coalesced acceptance.
	depth := e.incDepth(state, name)
	rec.QoS.QueueDepth = depth
	if depth > def.QoS.QueueDepthLimit {
		state.AppendReport(storage.Report{
			Level: "warning",
			Text:  fmt.Sprintf("tool %s queue depth %d exceeded limit %d", name, depth, def.QoS.QueueDepthLimit),
			Code:  string(jobstate.CodeToolQueueBackpressure),
			Ts:    started,
		})
		if def.Coalesces() && !final {
			return e.acceptCoalesced(ctx, req, def, name, hash, started, rec)
		}
		e.decDepth(state, name)
		out := failureOutput(jobstate.CodeToolQueueBackpressure,
			fmt.Sprintf("tool %s queue depth %d exceeded limit %d", name, depth, def.QoS.QueueDepthLimit),
			"compress_context", "audit_progress")
		e.cacheByCallID(state, req.CallID, out, def.Version, hash, 0)
		return e.settleFailed(ctx, req, rec, jobstate.CodeToolQueueBackpressure, out)
	}

	// Debounced coalescing for non-final calls.
	if def.Coalesces() && !final {
		return e.acceptCoalesced(ctx, req, def, name, hash, started, rec)
	}

	// A final or non-coalescing call first drains every due entry for the
	// same tool. A final call's own key is exempt: that entry is absorbed
	// below so one execution carries the final args and every absorbed
	// callId ends with the final output.
	skipKey := ""
	if def.Coalesces() && final {
		skipKey = entryKey(name, coalesceKeyValue(def, req.Args))
	}
	e.drainDueForTool(ctx, req.Job, req.Stage, req.Settings, name, started, skipKey)

	callIDs := make([]string, 0, 1)
	coalescedCount := 0
	entryStartedAt := int64(0)
	if skipKey != "" {
		if entry, pending := state.ToolRuntime.CoalescedPending[skipKey]; pending {
			delete(state.ToolRuntime.CoalescedPending, skipKey)
			e.stopTimer(req.Job.JobID, skipKey)
			callIDs = append(callIDs, entry.CallIDs...)
			coalescedCount = entry.CoalescedCount + 1
			entryStartedAt = entry.StartedAt
		}
	}
	if req.CallID != "" && !containsString(callIDs, req.CallID) {
		callIDs = append(callIDs, req.CallID)
	}
	if coalescedCount > 0 {
		rec.QoS.CoalescedCount = coalescedCount
	}

	// Payload size.
	if def.QoS.MaxPayloadBytes > 0 && len(req.Args) > def.QoS.MaxPayloadBytes {
		e.decDepth(state, name)
		out := failureOutput(jobstate.CodeToolPayloadTooLarge,
			fmt.Sprintf("tool %s payload %d bytes exceeds limit %d", name, len(req.Args), def.QoS.MaxPayloadBytes))
		for _, id := range callIDs {
			e.cacheByCallID(state, id, out, def.Version, hash, 0)
		}
		return e.settleFailed(ctx, req, rec, jobstate.CodeToolPayloadTooLarge, out)
	}

	out, execErr := e.invoke(ctx, def, Invocation{
		Job:       req.Job,
		Stage:     req.Stage,
		CallID:    req.CallID,
		RequestID: req.RequestID,
		Source:    req.Source,
		Args:      req.Args,
		Settings:  req.Settings,
		Log:       e.log,
	})
	ended := e.clock.NowMs()
	rec.TsEnd = ended
	if entryStartedAt > 0 {
		rec.QoS.LatencyMs = ended - entryStartedAt
	}

	if execErr != nil {
		code := CodeOf(execErr)
		out = failureOutput(code, execErr.Error())
		for _, id := range callIDs {
			e.cacheByCallID(state, id, out, def.Version, hash, 0)
		}
		e.decDepth(state, name)
		rec.Status = jobstate.CallFailed
		rec.ErrorCode = string(code)
		rec.ResultPreview = preview(out)
		res := Result{OutputString: out, Status: jobstate.CallFailed, ArgsHash: hash}
		return res, e.settle(ctx, req.Job, res, rec)
	}

	var lease int64
	if def.SideEffects.Leased() {
		lease = ended + e.defaultLeaseMs
	}
	for _, id := range callIDs {
		e.cacheByCallID(state, id, out, def.Version, hash, lease)
	}
	if def.Idempotency == IdempotencyByArgsHash {
		state.ToolOutputsByArgsHash[argsHashKey(name, hash)] = storage.ArgsHashOutput{OutputString: out, Ts: ended}
	}
	e.decDepth(state, name)

	rec.Status = jobstate.CallOK
	rec.ResultPreview = preview(out)
	rec.LeaseUntilTs = lease
	if coalescedCount > 0 {
		e.metrics.RecordCoalesceFlush(name)
	}
	res := Result{OutputString: out, Status: jobstate.CallOK, ArgsHash: hash}
	return res, e.settle(ctx, req.Job, res, rec)
}

// FlushDue executes every coalesced entry whose debounce window has
// elapsed and persists the job once. The scheduler calls it at the start
// of a job step, typically after a timer nudge. It returns the number of
// entries flushed.
func (e *Engine) FlushDue(ctx context.Context, job *storage.JobRecord, stage jobstate.Stage, eff settings.Effective) (int, error) {
	if job == nil {
		return 0, errors.New("tool: flush requires a job")
	}
	state := job.EnsureAgentState()
	now := e.clock.NowMs()

	var keys []string
	for key, entry := range state.ToolRuntime.CoalescedPending {
		if now-entry.StartedAt >= int64(entry.DebounceMs) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	sort.Strings(keys)
	for _, key := range keys {
		name, _, _ := strings.Cut(key, "|")
		e.flushEntry(ctx, job, stage, eff, name, key)
	}
	return len(keys), e.persist(ctx, job)
}

// PendingFlushes reports how many coalesced entries are waiting on a
// debounce window for the given job state.
func (e *Engine) PendingFlushes(job *storage.JobRecord) int {
	if job == nil || job.AgentState == nil {
		return 0
	}
	return len(job.AgentState.ToolRuntime.CoalescedPending)
}

// replayOutput resolves the idempotency mode against the output caches.
// On an args-hash hit the output is mirrored under the callId so the next
// turn's echo replays without a hash lookup.
func (e *Engine) replayOutput(state *storage.AgentState, def *Definition, callID, name, hash string, now int64) (string, bool) {
	switch def.Idempotency {
	case IdempotencyByCallID:
		if callID == "" {
			return "", false
		}
		cached, ok := state.ToolOutputsByCallID[callID]
		if !ok {
			return "", false
		}
		if cached.ExecutionState == jobstate.ExecStateAcceptedPending && cached.LeaseUntilTs > 0 && cached.LeaseUntilTs < now {
			delete(state.ToolOutputsByCallID, callID)
			return "", false
		}
		return cached.OutputString, true
	case IdempotencyByArgsHash:
		key := argsHashKey(name, hash)
		cached, ok := state.ToolOutputsByArgsHash[key]
		if !ok {
			return "", false
		}
		if def.QoS.CacheTtlMs > 0 && now-cached.Ts > int64(def.QoS.CacheTtlMs) {
			delete(state.ToolOutputsByArgsHash, key)
			return "", false
		}
		e.cacheByCallID(state, callID, cached.OutputString, def.Version, hash, 0)
		return cached.OutputString, true
	default:
		return "", false
	}
}

// acceptCoalesced merges the call into its debounce entry and returns the
// placeholder output. The caller has already incremented the queue depth.
func (e *Engine) acceptCoalesced(ctx context.Context, req Request, def *Definition, name, hash string, now int64, rec storage.ToolTraceRecord) (Result, error) {
	state := req.Job.AgentState
	key := entryKey(name, coalesceKeyValue(def, req.Args))

	entry, exists := state.ToolRuntime.CoalescedPending[key]
	if !exists {
		entry = storage.CoalescedEntry{StartedAt: now, DebounceMs: def.QoS.DebounceMs}
	}
	entry.LatestArgs = req.Args
	entry.LatestCallID = req.CallID
	if req.CallID != "" && len(entry.CallIDs) < maxCoalescedCallIDs && !containsString(entry.CallIDs, req.CallID) {
		entry.CallIDs = append(entry.CallIDs, req.CallID)
	}
	entry.CoalescedCount++
	entry.LastUpdateAt = now
	state.ToolRuntime.CoalescedPending[key] = entry

	lease := now + max64(e.defaultLeaseMs, int64(def.QoS.DebounceMs)+coalesceLeaseSlackMs)
	if req.CallID != "" {
		state.ToolOutputsByCallID[req.CallID] = storage.ToolOutput{
			OutputString:   acceptedOutput,
			ToolVersion:    def.Version,
			ArgsHash:       hash,
			Ts:             now,
			ExecutionState: jobstate.ExecStateAcceptedPending,
			LeaseUntilTs:   lease,
		}
	}

	// One timer per entry; later merges ride the existing window.
	if !exists {
		e.scheduleFlushNudge(req.Job.JobID, key, time.Duration(def.QoS.DebounceMs)*time.Millisecond)
	}

	e.decDepth(state, name)
	rec.TsEnd = e.clock.NowMs()
	rec.Status = jobstate.CallCoalesced
	rec.ResultPreview = preview(acceptedOutput)
	rec.LeaseUntilTs = lease
	res := Result{OutputString: acceptedOutput, Status: jobstate.CallCoalesced, ArgsHash: hash}
	return res, e.settle(ctx, req.Job, res, rec)
}

// drainDueForTool flushes every due entry of the given tool except
// skipKey. Outcomes are traced per entry; the caller persists.
func (e *Engine) drainDueForTool(ctx context.Context, job *storage.JobRecord, stage jobstate.Stage, eff settings.Effective, name string, now int64, skipKey string) {
	state := job.AgentState
	prefix := name + "|"
	var keys []string
	for key, entry := range state.ToolRuntime.CoalescedPending {
		if key == skipKey {
			continue
		}
		if strings.HasPrefix(key, prefix) && now-entry.StartedAt >= int64(entry.DebounceMs) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		e.flushEntry(ctx, job, stage, eff, name, key)
	}
}

// flushEntry runs one coalesced entry to completion with its latest args
// and fans the real output out to every absorbed callId. It does not
// persist; Execute and FlushDue do that once per step.
func (e *Engine) flushEntry(ctx context.Context, job *storage.JobRecord, stage jobstate.Stage, eff settings.Effective, name, key string) {
	state := job.AgentState
	entry, ok := state.ToolRuntime.CoalescedPending[key]
	if !ok {
		return
	}
	delete(state.ToolRuntime.CoalescedPending, key)
	e.stopTimer(job.JobID, key)

	now := e.clock.NowMs()
	rec := storage.ToolTraceRecord{
		TsStart:     now,
		CallID:      entry.LatestCallID,
		Stage:       stage,
		ToolName:    name,
		ToolVersion: defaultToolVersion,
		QoS: storage.TraceQoS{
			QueueDepth:     state.ToolRuntime.QueueDepthByTool[name],
			DebounceMs:     entry.DebounceMs,
			CoalescedCount: entry.CoalescedCount,
		},
	}

	def, registered := e.registry.Get(name)
	if !registered {
		out := failureOutput(jobstate.CodeToolExecFailed, fmt.Sprintf("unknown tool %q", name))
		for _, id := range entry.CallIDs {
			e.cacheByCallID(state, id, out, defaultToolVersion, "", 0)
		}
		rec.TsEnd = e.clock.NowMs()
		rec.Status = jobstate.CallFailed
		rec.ErrorCode = string(jobstate.CodeToolExecFailed)
		rec.ResultPreview = preview(out)
		e.emitTrace(ctx, job, rec)
		return
	}

	hash := ArgsHash(name, entry.LatestArgs)
	rec.ToolVersion = def.Version
	rec.ArgsHash = hash

	out, execErr := e.invoke(ctx, def, Invocation{
		Job:      job,
		Stage:    stage,
		CallID:   entry.LatestCallID,
		Source:   SourceModel,
		Args:     entry.LatestArgs,
		Settings: eff,
		Log:      e.log,
	})
	ended := e.clock.NowMs()
	rec.TsEnd = ended
	rec.QoS.LatencyMs = ended - entry.StartedAt

	if execErr != nil {
		code := CodeOf(execErr)
		out = failureOutput(code, execErr.Error())
		for _, id := range entry.CallIDs {
			e.cacheByCallID(state, id, out, def.Version, hash, 0)
		}
		rec.Status = jobstate.CallFailed
		rec.ErrorCode = string(code)
		rec.ResultPreview = preview(out)
		e.emitTrace(ctx, job, rec)
		return
	}

	var lease int64
	if def.SideEffects.Leased() {
		lease = ended + e.defaultLeaseMs
	}
	for _, id := range entry.CallIDs {
		e.cacheByCallID(state, id, out, def.Version, hash, lease)
	}
	if def.Idempotency == IdempotencyByArgsHash {
		state.ToolOutputsByArgsHash[argsHashKey(name, hash)] = storage.ArgsHashOutput{OutputString: out, Ts: ended}
	}

	rec.Status = jobstate.CallOK
	rec.ResultPreview = preview(out)
	rec.LeaseUntilTs = lease
	e.metrics.RecordCoalesceFlush(name)
	e.emitTrace(ctx, job, rec)
}

func (e *Engine) invoke(ctx context.Context, def *Definition, inv Invocation) (string, error) {
	v, err := def.Handler(ctx, inv)
	if err != nil {
		return "", err
	}
	return stringifyResult(v)
}

// settleFailed finishes a failure path: trace, metrics, hooks, persist.
func (e *Engine) settleFailed(ctx context.Context, req Request, rec storage.ToolTraceRecord, code jobstate.Code, out string) (Result, error) {
	rec.TsEnd = e.clock.NowMs()
	rec.Status = jobstate.CallFailed
	rec.ErrorCode = string(code)
	rec.ResultPreview = preview(out)
	res := Result{OutputString: out, Status: jobstate.CallFailed, ArgsHash: rec.ArgsHash}
	return res, e.settle(ctx, req.Job, res, rec)
}

func (e *Engine) settle(ctx context.Context, job *storage.JobRecord, res Result, rec storage.ToolTraceRecord) error {
	e.emitTrace(ctx, job, rec)
	if err := e.persist(ctx, job); err != nil {
		return fmt.Errorf("tool: persist after %s: %w", rec.ToolName, err)
	}
	return nil
}

// emitTrace appends the record to the bounded trace and notifies metrics
// and hooks. Hook errors are logged, never propagated: tracing must not
// fail a tool call.
func (e *Engine) emitTrace(ctx context.Context, job *storage.JobRecord, rec storage.ToolTraceRecord) {
	state := job.AgentState
	state.TraceSeq++
	rec.Seq = state.TraceSeq
	state.ToolExecutionTrace = append(state.ToolExecutionTrace, rec)
	if over := len(state.ToolExecutionTrace) - e.maxTrace; over > 0 {
		state.ToolExecutionTrace = state.ToolExecutionTrace[over:]
	}

	e.metrics.RecordToolExecution(rec.ToolName, string(rec.Status))
	if e.hooks != nil {
		if err := e.hooks.TriggerToolExecuted(ctx, job.JobID, rec); err != nil {
			e.log.WarnContext(ctx, "tool executed hook failed",
				"jobId", job.JobID, "tool", rec.ToolName, "error", err)
		}
	}
}

func (e *Engine) cacheByCallID(state *storage.AgentState, callID, out, version, hash string, lease int64) {
	if callID == "" {
		return
	}
	state.ToolOutputsByCallID[callID] = storage.ToolOutput{
		OutputString:   out,
		ToolVersion:    version,
		ArgsHash:       hash,
		Ts:             e.clock.NowMs(),
		ExecutionState: jobstate.ExecStateCompleted,
		LeaseUntilTs:   lease,
	}
}

func (e *Engine) incDepth(state *storage.AgentState, name string) int {
	d := state.ToolRuntime.QueueDepthByTool[name] + 1
	state.ToolRuntime.QueueDepthByTool[name] = d
	e.metrics.SetToolQueueDepth(name, d)
	return d
}

func (e *Engine) decDepth(state *storage.AgentState, name string) {
	if d := state.ToolRuntime.QueueDepthByTool[name]; d > 0 {
		state.ToolRuntime.QueueDepthByTool[name] = d - 1
		e.metrics.SetToolQueueDepth(name, d-1)
	}
}

func (e *Engine) scheduleFlushNudge(jobID, key string, d time.Duration) {
	handle := jobID + "|" + key
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.timers[handle]; exists {
		return
	}
	e.timers[handle] = e.clock.AfterFunc(d, func() {
		e.mu.Lock()
		delete(e.timers, handle)
		e.mu.Unlock()
		if e.nudge != nil {
			e.nudge(jobID)
		}
	})
}

func (e *Engine) stopTimer(jobID, key string) {
	handle := jobID + "|" + key
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[handle]; ok {
		t.Stop()
		delete(e.timers, handle)
	}
}

type failureEnvelope struct {
	OK               bool         `json:"ok"`
	Error            failureCause `json:"error"`
	SuggestedActions []string     `json:"suggestedActions,omitempty"`
}

type failureCause struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func failureOutput(code jobstate.Code, message string, actions ...string) string {
	b, _ := json.Marshal(failureEnvelope{
		OK:               false,
		Error:            failureCause{Code: string(code), Message: message},
		SuggestedActions: actions,
	})
	return string(b)
}

// stringifyResult turns a handler result into the single output string fed
// back to the model. Handlers return values; only the engine serializes.
func stringifyResult(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return `{"ok":true}`, nil
	case string:
		return t, nil
	case json.RawMessage:
		return string(t), nil
	case []byte:
		return string(t), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", WithCode(jobstate.CodeToolExecFailed, fmt.Errorf("marshal tool result: %w", err))
		}
		return string(b), nil
	}
}

func isFinal(args json.RawMessage) bool {
	if len(args) == 0 {
		return false
	}
	var probe struct {
		IsFinal bool `json:"isFinal"`
	}
	if err := json.Unmarshal(args, &probe); err != nil {
		return false
	}
	return probe.IsFinal
}

func entryKey(name, keyValue string) string {
	return name + "|" + keyValue
}

// coalesceKeyValue extracts args[coalesceKey] as a string. Missing keys
// collapse to the empty value so such calls still coalesce together.
func coalesceKeyValue(def *Definition, args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(args, &m); err != nil {
		return ""
	}
	raw, ok := m[def.QoS.CoalesceKey]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= resultPreviewMax {
		return s
	}
	return string([]rune(s)[:resultPreviewMax])
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
