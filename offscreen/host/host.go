// Package host implements the out-of-process worker that performs model
// calls for the orchestrator. It speaks the worker side of the port
// protocol: it answers the HELLO handshake, executes EXECUTE and
// EXECUTE_STREAM frames through a Provider, streams EVENT deltas, and
// answers QUERY_STATUS from a bounded result cache so a restarted
// orchestrator can adopt work that finished while it was down.
//
// The host also implements stateful previous_response_id chaining on top of
// stateless chat APIs. Each completed response stores the conversation that
// produced it; a later request referencing that response id sends only the
// delta. Evicted chain entries fail with an HTTP 400 whose message the
// orchestrator's chain-reset recovery keys on.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/modelio"
	"github.com/pageglot/pageglot/offscreen"
	"github.com/pageglot/pageglot/offscreen/wsport"
)

const (
	defaultMaxConcurrent   = 4
	defaultMaxChainEntries = 64
	defaultMaxResults      = 256
)

// Provider performs one model turn against a concrete vendor API. Requests
// handed to a provider are fully resolved: PreviousResponseID is empty and
// Input carries the entire conversation. When emit is non-nil the provider
// streams output text through it before returning the final response.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req modelio.Request, emit func(delta string)) (*modelio.Response, error)
}

// Config configures a Host. Provider is required.
type Config struct {
	Provider Provider

	// InstanceID identifies this worker in WELCOME frames (default
	// "worker-<uuid>").
	InstanceID string

	Logger *slog.Logger

	// MaxConcurrent bounds provider calls running at once (default 4).
	MaxConcurrent int

	// MaxChainEntries bounds the response chain cache (default 64).
	MaxChainEntries int

	// MaxResults bounds the completed-result cache that answers
	// QUERY_STATUS and duplicate EXECUTE frames (default 256).
	MaxResults int
}

// Host serves the worker port protocol. One Host handles any number of
// connections; the result and chain caches are shared across them, so an
// orchestrator that reconnects still finds the requests it dispatched on an
// earlier connection.
type Host struct {
	provider Provider
	instance string
	log      *slog.Logger
	sem      chan struct{}

	chains  *chainCache
	results *resultCache

	mu      sync.Mutex
	running map[string]*runningRequest
}

type runningRequest struct {
	jobID  string
	cancel context.CancelFunc
}

// New validates cfg and returns a Host.
func New(cfg Config) (*Host, error) {
	if cfg.Provider == nil {
		return nil, errors.New("host: config requires a provider")
	}
	instance := cfg.InstanceID
	if instance == "" {
		instance = "worker-" + uuid.NewString()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	maxChain := cfg.MaxChainEntries
	if maxChain <= 0 {
		maxChain = defaultMaxChainEntries
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &Host{
		provider: cfg.Provider,
		instance: instance,
		log:      log,
		sem:      make(chan struct{}, maxConcurrent),
		chains:   newChainCache(maxChain),
		results:  newResultCache(maxResults),
		running:  map[string]*runningRequest{},
	}, nil
}

// Instance returns the id announced in WELCOME frames.
func (h *Host) Instance() string { return h.instance }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler returns an http.Handler that upgrades requests to the port
// protocol and serves them until the peer disconnects.
func (h *Host) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		port := wsport.FromConn(conn)
		defer port.Close()
		h.log.Info("orchestrator connected", "remote", r.RemoteAddr)
		if err := h.ServeConn(r.Context(), port); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Warn("connection ended with error", "remote", r.RemoteAddr, "error", err)
		}
		h.log.Info("orchestrator disconnected", "remote", r.RemoteAddr)
	})
}

// ServeConn serves one connection until the peer disconnects or ctx ends.
func (h *Host) ServeConn(ctx context.Context, port offscreen.Port) error {
	for {
		select {
		case msg, ok := <-port.Receive():
			if !ok {
				return nil
			}
			h.handle(ctx, port, msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Host) handle(ctx context.Context, port offscreen.Port, msg offscreen.Message) {
	switch msg.Type {
	case offscreen.MsgHello:
		h.sendWelcome(port)
	case offscreen.MsgExecute:
		h.startExecute(ctx, port, msg, false)
	case offscreen.MsgExecuteStream:
		h.startExecute(ctx, port, msg, true)
	case offscreen.MsgCancel:
		h.cancelRequests(msg)
	case offscreen.MsgQueryStatus:
		h.answerStatus(port, msg.RequestIDs)
	case offscreen.MsgPing:
		h.send(port, offscreen.Message{Type: offscreen.MsgPong})
	default:
		h.log.Debug("ignoring frame", "type", msg.Type)
	}
}

func (h *Host) sendWelcome(port offscreen.Port) {
	msg, err := offscreen.Message{Type: offscreen.MsgWelcome}.WithPayload(offscreen.WelcomePayload{
		InstanceID: h.instance,
		Protocol:   offscreen.ProtocolVersion,
	})
	if err != nil {
		h.log.Error("welcome payload", "error", err)
		return
	}
	h.send(port, msg)
}

func (h *Host) startExecute(ctx context.Context, port offscreen.Port, msg offscreen.Message, stream bool) {
	if msg.RequestID == "" {
		h.log.Warn("execute frame without request id", "type", msg.Type)
		return
	}
	var payload offscreen.ExecutePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.sendResult(port, msg.RequestID, msg.JobID, offscreen.ResultPayload{OK: false, Error: &modelio.RequestError{
			HTTPStatus: 400,
			Message:    "malformed execute payload: " + err.Error(),
		}})
		return
	}

	// A replayed frame for an already settled request answers from cache.
	if res, ok := h.results.get(msg.RequestID); ok {
		h.sendResult(port, msg.RequestID, msg.JobID, res)
		return
	}
	// A fresh attempt of a request key that already completed reuses the
	// stored result instead of running the model again.
	if res, ok := h.results.byKey(payload.RequestKey, payload.PayloadHash); ok {
		h.results.put(msg.RequestID, "", payload.PayloadHash, res)
		h.log.Info("served request from result cache",
			"requestId", msg.RequestID, "requestKey", payload.RequestKey)
		h.sendResult(port, msg.RequestID, msg.JobID, res)
		return
	}
	if h.isRunning(msg.RequestID) {
		// Duplicate dispatch of an in-progress request; the RESULT of the
		// first run settles both.
		return
	}

	rctx, cancel := context.WithCancel(ctx)
	h.track(msg.RequestID, msg.JobID, cancel)
	go h.runExecute(rctx, cancel, port, msg.RequestID, msg.JobID, payload, stream)
}

func (h *Host) runExecute(ctx context.Context, cancel context.CancelFunc, port offscreen.Port, requestID, jobID string, payload offscreen.ExecutePayload, stream bool) {
	defer cancel()
	defer h.untrack(requestID)

	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	case <-ctx.Done():
		h.settle(port, requestID, jobID, payload, offscreen.ResultPayload{OK: false, Error: h.requestError(ctx, ctx.Err())})
		return
	}

	if payload.TimeoutMs > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, time.Duration(payload.TimeoutMs)*time.Millisecond)
		defer tcancel()
	}

	var emit func(string)
	if stream {
		emit = func(delta string) {
			ev, err := offscreen.Message{Type: offscreen.MsgEvent, RequestID: requestID, JobID: jobID}.WithPayload(modelio.StreamEvent{
				Type:  modelio.StreamEventDelta,
				Delta: delta,
			})
			if err == nil {
				h.send(port, ev)
			}
		}
	}

	res := h.complete(ctx, payload, emit)
	if stream {
		final := modelio.StreamEvent{Type: modelio.StreamEventCompleted, Response: res.Response}
		if !res.OK {
			final = modelio.StreamEvent{Type: modelio.StreamEventFailed}
		}
		if ev, err := (offscreen.Message{Type: offscreen.MsgEvent, RequestID: requestID, JobID: jobID}).WithPayload(final); err == nil {
			h.send(port, ev)
		}
	}
	h.settle(port, requestID, jobID, payload, res)
}

// complete resolves the response chain, runs the provider, and records the
// new chain entry under a freshly minted response id.
func (h *Host) complete(ctx context.Context, payload offscreen.ExecutePayload, emit func(string)) offscreen.ResultPayload {
	req := payload.Request
	input, rerr := h.chains.resolve(req.PreviousResponseID, req.Input)
	if rerr != nil {
		return offscreen.ResultPayload{OK: false, Error: rerr}
	}
	req.Input = input
	req.PreviousResponseID = ""

	resp, err := h.provider.Complete(ctx, req, emit)
	if err != nil {
		return offscreen.ResultPayload{OK: false, Error: h.requestError(ctx, err)}
	}
	resp.ID = "resp_" + uuid.NewString()
	if resp.Status == "" {
		resp.Status = "completed"
	}
	h.chains.store(resp.ID, req.Input, resp.Output)
	return offscreen.ResultPayload{OK: true, Response: resp}
}

// requestError normalizes provider failures into the wire error shape,
// keeping the HTTP status the orchestrator's classifier runs on.
func (h *Host) requestError(ctx context.Context, err error) *modelio.RequestError {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return &modelio.RequestError{Code: string(jobstate.CodeAborted), Message: "request cancelled"}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &modelio.RequestError{HTTPStatus: 408, Message: "request deadline exceeded worker-side"}
	}
	if re, ok := modelio.AsRequestError(err); ok {
		return re
	}
	return &modelio.RequestError{Message: err.Error()}
}

func (h *Host) settle(port offscreen.Port, requestID, jobID string, payload offscreen.ExecutePayload, res offscreen.ResultPayload) {
	h.results.put(requestID, payload.RequestKey, payload.PayloadHash, res)
	if res.OK {
		h.log.Debug("request completed",
			"requestId", requestID, "jobId", jobID, "taskType", payload.TaskType)
	} else {
		h.log.Warn("request failed",
			"requestId", requestID, "jobId", jobID, "taskType", payload.TaskType,
			"code", res.Error.Code, "status", res.Error.HTTPStatus, "error", res.Error.Message)
	}
	h.sendResult(port, requestID, jobID, res)
}

func (h *Host) cancelRequests(msg offscreen.Message) {
	h.mu.Lock()
	var cancels []context.CancelFunc
	switch {
	case msg.RequestID != "":
		if r := h.running[msg.RequestID]; r != nil {
			cancels = append(cancels, r.cancel)
		}
	case msg.JobID != "":
		for _, r := range h.running {
			if r.jobID == msg.JobID {
				cancels = append(cancels, r.cancel)
			}
		}
	}
	h.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if len(cancels) > 0 {
		h.log.Info("cancelled requests",
			"requestId", msg.RequestID, "jobId", msg.JobID, "count", len(cancels))
	}
}

func (h *Host) answerStatus(port offscreen.Port, ids []string) {
	statuses := make(map[string]offscreen.RequestStatus, len(ids))
	for _, id := range ids {
		switch res, ok := h.results.get(id); {
		case ok && res.OK:
			statuses[id] = offscreen.RequestStatus{State: offscreen.StatusStateDone, Response: res.Response}
		case ok:
			statuses[id] = offscreen.RequestStatus{State: offscreen.StatusStateDone, Error: res.Error}
		case h.isRunning(id):
			statuses[id] = offscreen.RequestStatus{State: offscreen.StatusStatePending}
		default:
			statuses[id] = offscreen.RequestStatus{State: offscreen.StatusStateUnknown}
		}
	}
	msg, err := offscreen.Message{Type: offscreen.MsgStatus}.WithPayload(offscreen.StatusPayload{Statuses: statuses})
	if err != nil {
		h.log.Error("status payload", "error", err)
		return
	}
	h.send(port, msg)
}

func (h *Host) sendResult(port offscreen.Port, requestID, jobID string, res offscreen.ResultPayload) {
	msg, err := offscreen.Message{Type: offscreen.MsgResult, RequestID: requestID, JobID: jobID}.WithPayload(res)
	if err != nil {
		h.log.Error("result payload", "requestId", requestID, "error", err)
		return
	}
	h.send(port, msg)
}

// send failures are logged, not returned: a settled result stays in the
// cache for status queries even when the connection is gone.
func (h *Host) send(port offscreen.Port, msg offscreen.Message) {
	if err := port.Send(msg); err != nil {
		h.log.Warn("send failed", "type", msg.Type, "requestId", msg.RequestID, "error", err)
	}
}

func (h *Host) track(requestID, jobID string, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running[requestID] = &runningRequest{jobID: jobID, cancel: cancel}
}

func (h *Host) untrack(requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.running, requestID)
}

func (h *Host) isRunning(requestID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.running[requestID]
	return ok
}
