// Package offscreen is the transport to the out-of-process worker that
// performs the actual model calls. Every dispatched request is tracked in a
// durable in-flight table so restarts can query the worker, re-attach to
// ongoing requests, and adopt results computed while the orchestrator was
// down.
//
// Dispatch is serialized through a bounded fairness queue (at most two
// concurrent worker requests), request identity is keyed by requestKey so a
// retried step never runs the same work twice, and streaming responses
// heartbeat the in-flight lease on a 120ms debounce.
package offscreen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pageglot/pageglot/internal/clock"
	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/metrics"
	"github.com/pageglot/pageglot/modelio"
	"github.com/pageglot/pageglot/storage"
)

const (
	defaultRequestTimeoutMs = 90_000
	maxRequestTimeoutMs     = 180_000

	defaultHandshakeTimeout   = 2 * time.Second
	defaultQueryStatusTimeout = 4 * time.Second
	defaultPingTimeout        = 2 * time.Second

	retryBackoffBaseMs = 250
	retryBackoffCapMs  = 2000
	maxExecuteAttempts = 4

	defaultCancelByJobLimit = 32
)

// Config configures the Executor. Store and Dial are required.
type Config struct {
	Store *storage.InflightStore
	Dial  Dialer

	// ActiveTabID feeds the dispatch queue's fairness rule. Nil or a zero
	// return disables the active-tab preference.
	ActiveTabID func() int

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxQueuedRequests bounds the dispatch queue (default 120).
	MaxQueuedRequests int

	// MaxConcurrentRequests bounds concurrent worker requests (1 or 2).
	MaxConcurrentRequests int

	// DefaultTimeoutMs is the per-attempt deadline when a spec does not
	// set one (default 90s; specs are capped at 180s).
	DefaultTimeoutMs int64

	HandshakeTimeout   time.Duration
	QueryStatusTimeout time.Duration
	PingTimeout        time.Duration
}

// ExecuteSpec describes one remote request.
type ExecuteSpec struct {
	// RequestKey identifies the work unit across attempts and restarts.
	// Re-executing a key whose result is already stored returns the stored
	// result without a dispatch.
	RequestKey string

	// TaskType labels the request for metrics ("planning", "translate").
	TaskType string

	Stage jobstate.Stage
	Meta  storage.InflightMeta

	// Request is the wire request handed to the worker.
	Request modelio.Request

	// TimeoutMs is the per-attempt deadline (default 90s, cap 180s).
	TimeoutMs int64

	// MaxAttempts bounds dispatch retries (1..4).
	MaxAttempts int

	// OnEvent receives stream frames; setting it selects EXECUTE_STREAM.
	OnEvent func(modelio.StreamEvent)
}

// RecoveryStats summarizes one RecoverInflight pass.
type RecoveryStats struct {
	Adopted  int
	Attached int
	Lost     int
}

type waiter struct {
	jobID   string
	done    chan struct{}
	result  ResultPayload
	onEvent func(modelio.StreamEvent)
	hb      *streamHeartbeat
	once    sync.Once
}

func (w *waiter) settle(res ResultPayload) {
	w.once.Do(func() {
		w.result = res
		if w.hb != nil {
			w.hb.Stop()
		}
		close(w.done)
	})
}

// Executor owns the worker port, the dispatch queue, and the in-flight
// table. It is safe for concurrent use.
type Executor struct {
	store   *storage.InflightStore
	dial    Dialer
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	queue   *dispatchQueue

	defaultTimeoutMs int64
	handshakeTimeout time.Duration
	queryTimeout     time.Duration
	pingTimeout      time.Duration

	// connMu serializes dialing and handshakes.
	connMu sync.Mutex
	// queryMu allows one outstanding QUERY_STATUS at a time.
	queryMu sync.Mutex

	mu             sync.Mutex
	port           Port
	workerInstance string
	waiters        map[string]*waiter
	statusCh       chan StatusPayload
	pongCh         chan struct{}
	closed         bool

	wg sync.WaitGroup
}

// NewExecutor validates cfg and returns an executor. The worker port is
// dialed lazily on first use.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Store == nil {
		return nil, errors.New("offscreen: config requires an inflight store")
	}
	if cfg.Dial == nil {
		return nil, errors.New("offscreen: config requires a dialer")
	}
	x := &Executor{
		store:            cfg.Store,
		dial:             cfg.Dial,
		clock:            cfg.Clock,
		log:              cfg.Logger,
		metrics:          cfg.Metrics,
		defaultTimeoutMs: cfg.DefaultTimeoutMs,
		handshakeTimeout: cfg.HandshakeTimeout,
		queryTimeout:     cfg.QueryStatusTimeout,
		pingTimeout:      cfg.PingTimeout,
		waiters:          map[string]*waiter{},
	}
	if x.clock == nil {
		x.clock = clock.System()
	}
	if x.log == nil {
		x.log = slog.Default()
	}
	if x.defaultTimeoutMs <= 0 {
		x.defaultTimeoutMs = defaultRequestTimeoutMs
	}
	if x.handshakeTimeout <= 0 {
		x.handshakeTimeout = defaultHandshakeTimeout
	}
	if x.queryTimeout <= 0 {
		x.queryTimeout = defaultQueryStatusTimeout
	}
	if x.pingTimeout <= 0 {
		x.pingTimeout = defaultPingTimeout
	}
	x.queue = newDispatchQueue(cfg.MaxQueuedRequests, cfg.MaxConcurrentRequests, cfg.ActiveTabID, cfg.Metrics)
	return x, nil
}

// Close drops the port and fails every outstanding waiter.
func (x *Executor) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	port := x.port
	x.port = nil
	waiters := x.waiters
	x.waiters = map[string]*waiter{}
	x.mu.Unlock()

	for _, w := range waiters {
		w.settle(ResultPayload{OK: false, Error: &modelio.RequestError{
			Code:    string(jobstate.CodeOffscreenUnavailable),
			Message: "executor closed",
		}})
	}
	if port != nil {
		_ = port.Close()
	}
	x.wg.Wait()
	return nil
}

// WorkerInstance returns the instance id from the last WELCOME, if any.
func (x *Executor) WorkerInstance() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.workerInstance
}

// QueueLen returns the number of queued dispatch requests.
func (x *Executor) QueueLen() int {
	return x.queue.Len()
}

// Awaited reports whether a local waiter is attached to requestID.
func (x *Executor) Awaited(requestID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.waiters[requestID]
	return ok
}

// Execute runs one remote request to completion: it reuses a stored result
// for the same requestKey, joins or attaches to an in-progress request, or
// dispatches fresh attempts with exponential backoff (250ms doubling,
// capped at 2s, at most 4 attempts).
func (x *Executor) Execute(ctx context.Context, spec ExecuteSpec) (*modelio.Response, error) {
	if spec.RequestKey == "" {
		return nil, errors.New("offscreen: execute requires a request key")
	}
	payloadHash := HashPayload(spec.Request)
	timeoutMs := x.timeoutMs(spec.TimeoutMs)
	mode := jobstate.RequestModeNonStream
	if spec.OnEvent != nil || spec.Request.Stream {
		mode = jobstate.RequestModeStream
	}

	if res, done, err := x.resolveExisting(ctx, spec, payloadHash, timeoutMs); done {
		return res, err
	}

	requestID := uuid.NewString()
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > maxExecuteAttempts {
		maxAttempts = maxExecuteAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := x.attempt(ctx, spec, requestID, attempt, timeoutMs, payloadHash, mode)
		if err == nil {
			return res, nil
		}
		lastErr = err
		code := Classify(err)
		if code == jobstate.CodeAborted {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}
		backoff := attemptBackoff(attempt)
		x.log.Warn("offscreen: attempt failed, retrying",
			"requestKey", spec.RequestKey, "attempt", attempt, "code", code, "backoffMs", backoff.Milliseconds())
		if err := x.clock.Sleep(ctx, backoff); err != nil {
			return nil, lastErr
		}
	}

	_ = x.store.MarkFailed(ctx, requestID, storage.ErrorInfo{
		Code:    Classify(lastErr),
		Message: lastErr.Error(),
	})
	return nil, lastErr
}

// resolveExisting consults the in-flight table for spec.RequestKey. done
// reports that Execute should return (res, err) without dispatching.
func (x *Executor) resolveExisting(ctx context.Context, spec ExecuteSpec, payloadHash string, timeoutMs int64) (*modelio.Response, bool, error) {
	row, err := x.store.FindByKey(ctx, spec.RequestKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, fmt.Errorf("offscreen: find by key: %w", err)
	}

	switch row.Status {
	case jobstate.InflightDone:
		if row.PayloadHash != "" && row.PayloadHash != payloadHash {
			return nil, false, nil
		}
		if res, dErr := decodeRawResult(row.RawResult); dErr == nil {
			return res, true, nil
		}
		return nil, false, nil

	case jobstate.InflightPending:
		if w := x.waiterFor(row.RequestID); w != nil {
			res, aErr := x.awaitResult(ctx, w, timeoutMs, row.RequestID, false)
			return res, true, aErr
		}
		res, attached, aErr := x.tryAttach(ctx, row, timeoutMs)
		if attached {
			return res, true, aErr
		}
		return nil, false, nil

	default:
		// failed or cancelled: dispatch under a fresh request id
		return nil, false, nil
	}
}

// tryAttach queries the worker for a pending row left by another step or a
// previous process. A completed result is adopted; a still-pending request
// gets a local waiter; an unknown one is marked lost.
func (x *Executor) tryAttach(ctx context.Context, row *storage.InflightRow, timeoutMs int64) (*modelio.Response, bool, error) {
	port, err := x.ensureReady(ctx)
	if err != nil {
		return nil, false, nil
	}
	statuses, err := x.queryStatus(ctx, port, []string{row.RequestID})
	if err != nil {
		return nil, false, nil
	}

	switch st := statuses[row.RequestID]; st.State {
	case StatusStateDone:
		if st.Response == nil {
			return nil, false, nil
		}
		raw, mErr := json.Marshal(st.Response)
		if mErr == nil {
			_ = x.store.MarkDone(ctx, row.RequestID, raw)
		}
		x.log.Info("offscreen: adopted completed request", "requestId", row.RequestID, "jobId", row.Meta.JobID)
		return st.Response, true, nil

	case StatusStatePending:
		w := x.registerWaiter(row.RequestID, row.Meta.JobID, nil, row.Mode)
		defer x.dropWaiter(row.RequestID)
		res, aErr := x.awaitResult(ctx, w, timeoutMs, row.RequestID, true)
		if aErr == nil {
			raw, mErr := json.Marshal(res)
			if mErr == nil {
				_ = x.store.MarkDone(ctx, row.RequestID, raw)
			}
		}
		return res, true, aErr

	default:
		_ = x.store.MarkFailed(ctx, row.RequestID, storage.ErrorInfo{
			Code:    jobstate.CodeOffscreenRequestLost,
			Message: "request unknown to worker",
		})
		return nil, false, nil
	}
}

func (x *Executor) attempt(ctx context.Context, spec ExecuteSpec, requestID string, attempt int, timeoutMs int64, payloadHash string, mode jobstate.RequestMode) (*modelio.Response, error) {
	release, err := x.queue.Acquire(ctx, spec.Meta.JobID, spec.Meta.TabID)
	if err != nil {
		return nil, err
	}
	defer release()

	port, err := x.ensureReady(ctx)
	if err != nil {
		return nil, err
	}

	now := x.clock.NowMs()
	row := &storage.InflightRow{
		RequestID:         requestID,
		RequestKey:        spec.RequestKey,
		PayloadHash:       payloadHash,
		TaskType:          spec.TaskType,
		Attempt:           attempt,
		Status:            jobstate.InflightPending,
		Mode:              mode,
		Stage:             spec.Stage,
		Meta:              spec.Meta,
		StartedAt:         now,
		AttemptDeadlineTs: now + timeoutMs,
		LeaseUntilTs:      x.store.NextLease(now),
	}
	if err := x.store.Put(ctx, row); err != nil {
		return nil, fmt.Errorf("offscreen: write pending row: %w", err)
	}

	w := x.registerWaiter(requestID, spec.Meta.JobID, spec.OnEvent, mode)
	defer x.dropWaiter(requestID)

	msgType := MsgExecute
	if mode == jobstate.RequestModeStream {
		msgType = MsgExecuteStream
	}
	msg, err := Message{Type: msgType, RequestID: requestID, JobID: spec.Meta.JobID}.WithPayload(ExecutePayload{
		RequestKey:  spec.RequestKey,
		PayloadHash: payloadHash,
		TaskType:    spec.TaskType,
		Attempt:     attempt,
		TimeoutMs:   timeoutMs,
		Request:     spec.Request,
	})
	if err != nil {
		return nil, err
	}
	started := x.clock.Now()
	if err := port.Send(msg); err != nil {
		return nil, transportErr(jobstate.CodeOffscreenPortDisconnected, "execute send", requestID, err)
	}

	res, err := x.awaitResult(ctx, w, timeoutMs, requestID, true)
	x.observeModelRequest(spec.TaskType, err, x.clock.Now().Sub(started))
	switch {
	case err == nil:
		if raw, mErr := json.Marshal(res); mErr == nil {
			if sErr := x.store.MarkDone(ctx, requestID, raw); sErr != nil {
				return nil, fmt.Errorf("offscreen: mark done: %w", sErr)
			}
		}
		return res, nil
	case Classify(err) == jobstate.CodeAborted:
		_ = x.store.MarkCancelled(ctx, requestID)
		return nil, err
	default:
		return nil, err
	}
}

// awaitResult blocks until the waiter settles, the attempt deadline passes,
// or ctx is cancelled. cancelOnExit sends a CANCEL for abandoned waits so
// the worker can free its slot.
func (x *Executor) awaitResult(ctx context.Context, w *waiter, timeoutMs int64, requestID string, cancelOnExit bool) (*modelio.Response, error) {
	timeout := make(chan struct{})
	t := x.clock.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() { close(timeout) })
	defer t.Stop()

	select {
	case <-w.done:
		res := w.result
		if res.OK && res.Response != nil {
			return res.Response, nil
		}
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, transportErr(jobstate.CodeOffscreenExecuteFailed, "await result", requestID, errors.New("malformed result frame"))
	case <-timeout:
		if cancelOnExit {
			x.sendCancel(requestID, "")
		}
		return nil, transportErr(jobstate.CodeOffscreenRequestTimeout, "await result", requestID,
			fmt.Errorf("no result within %dms", timeoutMs))
	case <-ctx.Done():
		if cancelOnExit {
			x.sendCancel(requestID, "")
		}
		return nil, ctx.Err()
	}
}

// Cancel aborts one request: the local waiter is rejected, the worker gets
// a CANCEL, and the row is marked cancelled.
func (x *Executor) Cancel(ctx context.Context, requestID string) error {
	if w := x.takeWaiter(requestID); w != nil {
		w.settle(ResultPayload{OK: false, Error: abortedError("cancelled by orchestrator")})
	}
	x.sendCancel(requestID, "")
	err := x.store.MarkCancelled(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// CancelByJob aborts up to maxRequests outstanding requests belonging to
// jobID, local waiters first, then pending rows from the in-flight table.
func (x *Executor) CancelByJob(ctx context.Context, jobID string, maxRequests int) (int, error) {
	if maxRequests <= 0 {
		maxRequests = defaultCancelByJobLimit
	}

	seen := map[string]bool{}
	cancelled := 0

	x.mu.Lock()
	var ids []string
	for id, w := range x.waiters {
		if w.jobID == jobID {
			ids = append(ids, id)
		}
	}
	x.mu.Unlock()

	for _, id := range ids {
		if cancelled >= maxRequests {
			return cancelled, nil
		}
		if err := x.Cancel(ctx, id); err != nil {
			return cancelled, err
		}
		seen[id] = true
		cancelled++
	}

	rows, err := x.store.ListPending(ctx, 0)
	if err != nil {
		return cancelled, err
	}
	for _, row := range rows {
		if row.Meta.JobID != jobID || seen[row.RequestID] {
			continue
		}
		if cancelled >= maxRequests {
			break
		}
		if err := x.Cancel(ctx, row.RequestID); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// CachedResult returns a completed result for requestID from the local
// table or, failing that, from the worker's result cache.
func (x *Executor) CachedResult(ctx context.Context, requestID string) (*modelio.Response, bool) {
	row, err := x.store.Get(ctx, requestID)
	if err == nil && row.Status == jobstate.InflightDone && len(row.RawResult) > 0 {
		if res, dErr := decodeRawResult(row.RawResult); dErr == nil {
			return res, true
		}
	}

	port, err := x.ensureReady(ctx)
	if err != nil {
		return nil, false
	}
	statuses, err := x.queryStatus(ctx, port, []string{requestID})
	if err != nil {
		return nil, false
	}
	if st, ok := statuses[requestID]; ok && st.State == StatusStateDone && st.Response != nil {
		return st.Response, true
	}
	return nil, false
}

// RecoverInflight reconciles pending rows with the worker after a restart:
// finished work is adopted, ongoing work re-attached (lease renewed), and
// requests the worker no longer knows are marked lost.
func (x *Executor) RecoverInflight(ctx context.Context, limit int) (RecoveryStats, error) {
	var stats RecoveryStats

	rows, err := x.store.ListPending(ctx, limit)
	if err != nil {
		return stats, fmt.Errorf("offscreen: list pending: %w", err)
	}
	if len(rows) == 0 {
		return stats, nil
	}

	port, err := x.ensureReady(ctx)
	if err != nil {
		x.log.Warn("offscreen: worker unreachable during recovery, marking pending requests lost",
			"pending", len(rows), "error", err)
		for _, row := range rows {
			_ = x.store.MarkFailed(ctx, row.RequestID, storage.ErrorInfo{
				Code:    jobstate.CodeOffscreenRequestLost,
				Message: "worker unavailable during recovery",
			})
			stats.Lost++
		}
		return stats, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.RequestID)
	}
	statuses, err := x.queryStatus(ctx, port, ids)
	if err != nil {
		return stats, err
	}

	now := x.clock.NowMs()
	for _, row := range rows {
		switch st := statuses[row.RequestID]; st.State {
		case StatusStateDone:
			if st.Response != nil {
				if raw, mErr := json.Marshal(st.Response); mErr == nil {
					_ = x.store.MarkDone(ctx, row.RequestID, raw)
					stats.Adopted++
					continue
				}
			}
			_ = x.store.MarkFailed(ctx, row.RequestID, storage.ErrorInfo{
				Code:    jobstate.CodeOffscreenRequestLost,
				Message: "worker reported done without a result",
			})
			stats.Lost++
		case StatusStatePending:
			row.LeaseUntilTs = x.store.NextLease(now)
			_ = x.store.Put(ctx, row)
			stats.Attached++
		default:
			_ = x.store.MarkFailed(ctx, row.RequestID, storage.ErrorInfo{
				Code:    jobstate.CodeOffscreenRequestLost,
				Message: "request unknown to worker after restart",
			})
			stats.Lost++
		}
	}

	x.log.Info("offscreen: recovery finished",
		"adopted", stats.Adopted, "attached", stats.Attached, "lost", stats.Lost)
	return stats, nil
}

// Ping verifies the port round-trip within the ping timeout.
func (x *Executor) Ping(ctx context.Context) error {
	port, err := x.ensureReady(ctx)
	if err != nil {
		return err
	}

	ch := make(chan struct{}, 1)
	x.mu.Lock()
	x.pongCh = ch
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		x.pongCh = nil
		x.mu.Unlock()
	}()

	if err := port.Send(Message{Type: MsgPing}); err != nil {
		return transportErr(jobstate.CodeOffscreenPortDisconnected, "ping", "", err)
	}

	timeout := make(chan struct{})
	t := x.clock.AfterFunc(x.pingTimeout, func() { close(timeout) })
	defer t.Stop()

	select {
	case <-ch:
		return nil
	case <-timeout:
		return transportErr(jobstate.CodeOffscreenRequestTimeout, "ping", "", errors.New("no pong"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureReady returns the connected port, dialing and handshaking (HELLO /
// WELCOME) when needed.
func (x *Executor) ensureReady(ctx context.Context) (Port, error) {
	x.connMu.Lock()
	defer x.connMu.Unlock()

	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil, ErrClosed
	}
	if x.port != nil {
		port := x.port
		x.mu.Unlock()
		return port, nil
	}
	x.mu.Unlock()

	port, err := x.dial(ctx)
	if err != nil {
		return nil, transportErr(jobstate.CodeOffscreenUnavailable, "dial", "", err)
	}
	if err := port.Send(Message{Type: MsgHello}); err != nil {
		_ = port.Close()
		return nil, transportErr(jobstate.CodeOffscreenUnavailable, "handshake send", "", err)
	}

	timeout := make(chan struct{})
	t := x.clock.AfterFunc(x.handshakeTimeout, func() { close(timeout) })
	defer t.Stop()

	var welcome WelcomePayload
	select {
	case msg, ok := <-port.Receive():
		if !ok {
			return nil, transportErr(jobstate.CodeOffscreenPortDisconnected, "handshake", "", errors.New("port closed"))
		}
		if msg.Type != MsgWelcome {
			_ = port.Close()
			return nil, transportErr(jobstate.CodeOffscreenUnavailable, "handshake", "",
				fmt.Errorf("unexpected %s frame", msg.Type))
		}
		if len(msg.Payload) > 0 {
			_ = json.Unmarshal(msg.Payload, &welcome)
		}
	case <-timeout:
		_ = port.Close()
		return nil, transportErr(jobstate.CodeOffscreenUnavailable, "handshake", "", errors.New("no WELCOME within handshake timeout"))
	case <-ctx.Done():
		_ = port.Close()
		return nil, ctx.Err()
	}

	x.mu.Lock()
	x.port = port
	x.workerInstance = welcome.InstanceID
	x.mu.Unlock()

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		x.receiveLoop(port)
	}()

	x.log.Info("offscreen: worker connected", "instance", welcome.InstanceID, "protocol", welcome.Protocol)
	return port, nil
}

func (x *Executor) receiveLoop(port Port) {
	for msg := range port.Receive() {
		switch msg.Type {
		case MsgEvent:
			x.routeEvent(msg)
		case MsgResult:
			x.routeResult(msg)
		case MsgStatus:
			x.routeStatus(msg)
		case MsgPong:
			x.mu.Lock()
			ch := x.pongCh
			x.mu.Unlock()
			if ch != nil {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		case MsgPing:
			_ = port.Send(Message{Type: MsgPong})
		default:
			x.log.Debug("offscreen: ignoring frame", "type", msg.Type)
		}
	}
	x.handleDisconnect(port)
}

func (x *Executor) routeEvent(msg Message) {
	w := x.waiterFor(msg.RequestID)
	if w == nil {
		return
	}
	var ev modelio.StreamEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		x.log.Warn("offscreen: bad EVENT payload", "requestId", msg.RequestID, "error", err)
		return
	}
	if w.hb != nil && ev.Delta != "" {
		w.hb.Note(ev.Delta)
	}
	if w.onEvent != nil {
		w.onEvent(ev)
	}
}

func (x *Executor) routeResult(msg Message) {
	var res ResultPayload
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		x.log.Warn("offscreen: bad RESULT payload", "requestId", msg.RequestID, "error", err)
		return
	}
	if w := x.takeWaiter(msg.RequestID); w != nil {
		w.settle(res)
		return
	}

	// No waiter: a request attached during recovery finished, or the
	// waiter already timed out. Record the outcome so the sweeper or a
	// later step can adopt it.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if res.OK && res.Response != nil {
		if raw, err := json.Marshal(res.Response); err == nil {
			_ = x.store.MarkDone(ctx, msg.RequestID, raw)
			x.log.Info("offscreen: stored unawaited result", "requestId", msg.RequestID)
		}
		return
	}
	errInfo := storage.ErrorInfo{Code: jobstate.CodeOffscreenExecuteFailed, Message: "request failed"}
	if res.Error != nil {
		errInfo.Message = res.Error.Message
		if res.Error.Code == string(jobstate.CodeAborted) {
			_ = x.store.MarkCancelled(ctx, msg.RequestID)
			return
		}
	}
	_ = x.store.MarkFailed(ctx, msg.RequestID, errInfo)
}

func (x *Executor) routeStatus(msg Message) {
	var sp StatusPayload
	if err := json.Unmarshal(msg.Payload, &sp); err != nil {
		x.log.Warn("offscreen: bad STATUS payload", "error", err)
		return
	}
	x.mu.Lock()
	ch := x.statusCh
	x.mu.Unlock()
	if ch != nil {
		select {
		case ch <- sp:
		default:
		}
	}
}

func (x *Executor) handleDisconnect(port Port) {
	x.mu.Lock()
	if x.port != port {
		x.mu.Unlock()
		return
	}
	x.port = nil
	x.workerInstance = ""
	waiters := x.waiters
	x.waiters = map[string]*waiter{}
	x.mu.Unlock()

	for _, w := range waiters {
		w.settle(ResultPayload{OK: false, Error: &modelio.RequestError{
			Code:    string(jobstate.CodeOffscreenPortDisconnected),
			Message: "worker port disconnected",
		}})
	}
	if len(waiters) > 0 {
		x.log.Warn("offscreen: port disconnected with outstanding requests", "count", len(waiters))
	}
}

// queryStatus round-trips one QUERY_STATUS. Only one query is outstanding
// at a time; the worker answers with a STATUS frame covering all ids.
func (x *Executor) queryStatus(ctx context.Context, port Port, ids []string) (map[string]RequestStatus, error) {
	x.queryMu.Lock()
	defer x.queryMu.Unlock()

	ch := make(chan StatusPayload, 1)
	x.mu.Lock()
	x.statusCh = ch
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		x.statusCh = nil
		x.mu.Unlock()
	}()

	if err := port.Send(Message{Type: MsgQueryStatus, RequestIDs: ids}); err != nil {
		return nil, transportErr(jobstate.CodeOffscreenPortDisconnected, "query status", "", err)
	}

	timeout := make(chan struct{})
	t := x.clock.AfterFunc(x.queryTimeout, func() { close(timeout) })
	defer t.Stop()

	select {
	case sp := <-ch:
		return sp.Statuses, nil
	case <-timeout:
		return nil, transportErr(jobstate.CodeOffscreenRequestTimeout, "query status", "", errors.New("no STATUS within query timeout"))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (x *Executor) registerWaiter(requestID, jobID string, onEvent func(modelio.StreamEvent), mode jobstate.RequestMode) *waiter {
	w := &waiter{jobID: jobID, done: make(chan struct{}), onEvent: onEvent}
	if mode == jobstate.RequestModeStream {
		id := requestID
		w.hb = newStreamHeartbeat(x.clock, x.store.NextLease, func(preview string, leaseUntilTs int64) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := x.store.TouchStreamHeartbeat(ctx, id, preview, leaseUntilTs); err != nil && !errors.Is(err, storage.ErrNotFound) {
				x.log.Warn("offscreen: stream heartbeat failed", "requestId", id, "error", err)
			}
		})
	}
	x.mu.Lock()
	x.waiters[requestID] = w
	x.mu.Unlock()
	return w
}

func (x *Executor) waiterFor(requestID string) *waiter {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.waiters[requestID]
}

func (x *Executor) takeWaiter(requestID string) *waiter {
	x.mu.Lock()
	defer x.mu.Unlock()
	w := x.waiters[requestID]
	delete(x.waiters, requestID)
	return w
}

func (x *Executor) dropWaiter(requestID string) {
	x.mu.Lock()
	w := x.waiters[requestID]
	delete(x.waiters, requestID)
	x.mu.Unlock()
	if w != nil && w.hb != nil {
		w.hb.Stop()
	}
}

func (x *Executor) sendCancel(requestID, jobID string) {
	x.mu.Lock()
	port := x.port
	x.mu.Unlock()
	if port == nil {
		return
	}
	if err := port.Send(Message{Type: MsgCancel, RequestID: requestID, JobID: jobID}); err != nil {
		x.log.Debug("offscreen: cancel send failed", "requestId", requestID, "error", err)
	}
}

func (x *Executor) observeModelRequest(taskType string, err error, elapsed time.Duration) {
	if x.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	if taskType == "" {
		taskType = "unknown"
	}
	x.metrics.ObserveModelRequest(taskType, status, elapsed.Seconds())
}

func (x *Executor) timeoutMs(requested int64) int64 {
	if requested <= 0 {
		return x.defaultTimeoutMs
	}
	if requested > maxRequestTimeoutMs {
		return maxRequestTimeoutMs
	}
	return requested
}

func attemptBackoff(attempt int) time.Duration {
	ms := int64(retryBackoffBaseMs) << (attempt - 1)
	if ms > retryBackoffCapMs {
		ms = retryBackoffCapMs
	}
	return time.Duration(ms) * time.Millisecond
}

func abortedError(msg string) *modelio.RequestError {
	return &modelio.RequestError{Code: string(jobstate.CodeAborted), Message: msg}
}

func decodeRawResult(raw json.RawMessage) (*modelio.Response, error) {
	if len(raw) == 0 {
		return nil, errors.New("offscreen: empty raw result")
	}
	var res modelio.Response
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("offscreen: decode raw result: %w", err)
	}
	return &res, nil
}
