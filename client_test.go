package pageglot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pageglot/pageglot/driver"
	"github.com/pageglot/pageglot/events"
	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/modelio"
	"github.com/pageglot/pageglot/offscreen"
	"github.com/pageglot/pageglot/settings"
	"github.com/pageglot/pageglot/storage"
	"github.com/pageglot/pageglot/tool"
	"github.com/pageglot/pageglot/tool/builtin"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedWorker plays the remote model worker over an in-process port.
// Turns are scripted per task type and popped in order; an unscripted task
// type gets an empty completed response so no loop ever hangs on a missing
// script.
type scriptedWorker struct {
	mu    sync.Mutex
	turns map[string][]*modelio.Response
	calls map[string]int
}

func newScriptedWorker() *scriptedWorker {
	return &scriptedWorker{
		turns: make(map[string][]*modelio.Response),
		calls: make(map[string]int),
	}
}

func (w *scriptedWorker) script(taskType string, responses ...*modelio.Response) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns[taskType] = append(w.turns[taskType], responses...)
}

func (w *scriptedWorker) callCount(taskType string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[taskType]
}

func (w *scriptedWorker) next(taskType string) *modelio.Response {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls[taskType]++
	queue := w.turns[taskType]
	if len(queue) == 0 {
		return &modelio.Response{
			ID:     fmt.Sprintf("resp-%s-%d", taskType, w.calls[taskType]),
			Status: "completed",
			Output: []modelio.Item{modelio.AssistantMessage("OK.")},
		}
	}
	resp := queue[0]
	w.turns[taskType] = queue[1:]
	return resp
}

func (w *scriptedWorker) dialer() offscreen.Dialer {
	return func(ctx context.Context) (offscreen.Port, error) {
		return &scriptedPort{worker: w, recv: make(chan offscreen.Message, 32)}, nil
	}
}

// scriptedPort answers frames synchronously inside Send. Replies are queued
// on the receive channel so both the handshake read and the receive loop see
// them.
type scriptedPort struct {
	worker *scriptedWorker

	mu     sync.Mutex
	closed bool
	recv   chan offscreen.Message
}

func (p *scriptedPort) Send(msg offscreen.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("port closed")
	}

	switch msg.Type {
	case offscreen.MsgHello:
		p.reply(offscreen.Message{Type: offscreen.MsgWelcome}, offscreen.WelcomePayload{
			InstanceID: "scripted-worker",
			Protocol:   offscreen.ProtocolVersion,
		})
	case offscreen.MsgExecute, offscreen.MsgExecuteStream:
		var exec offscreen.ExecutePayload
		if err := json.Unmarshal(msg.Payload, &exec); err != nil {
			return fmt.Errorf("decode execute payload: %w", err)
		}
		p.reply(offscreen.Message{Type: offscreen.MsgResult, RequestID: msg.RequestID}, offscreen.ResultPayload{
			OK:       true,
			Response: p.worker.next(exec.TaskType),
		})
	case offscreen.MsgQueryStatus:
		statuses := make(map[string]offscreen.RequestStatus, len(msg.RequestIDs))
		for _, id := range msg.RequestIDs {
			statuses[id] = offscreen.RequestStatus{State: offscreen.StatusStateUnknown}
		}
		p.reply(offscreen.Message{Type: offscreen.MsgStatus, RequestID: msg.RequestID}, offscreen.StatusPayload{
			Statuses: statuses,
		})
	case offscreen.MsgPing:
		p.push(offscreen.Message{Type: offscreen.MsgPong, RequestID: msg.RequestID})
	}
	return nil
}

func (p *scriptedPort) reply(msg offscreen.Message, payload any) {
	framed, err := msg.WithPayload(payload)
	if err != nil {
		return
	}
	p.push(framed)
}

func (p *scriptedPort) push(msg offscreen.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.recv <- msg:
	default:
	}
}

func (p *scriptedPort) Receive() <-chan offscreen.Message { return p.recv }

func (p *scriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.recv)
	}
	return nil
}

func funcCall(callID, name, args string) modelio.Item {
	return modelio.Item{
		Type:      modelio.ItemTypeFunctionCall,
		CallID:    callID,
		Name:      name,
		Arguments: args,
	}
}

// planningTurn scripts one complete planning pass: preanalysis, taxonomy,
// pipeline, finish markers, and the category question.
func planningTurn(categories []string, mapping map[string]string) *modelio.Response {
	taxArgs, _ := json.Marshal(map[string]any{
		"categories": categories,
		"mapping":    mapping,
	})
	return &modelio.Response{
		ID:     "resp-planning",
		Status: "completed",
		Output: []modelio.Item{
			funcCall("plan-pre", builtin.NameGetPreanalysis, `{}`),
			funcCall("plan-tax", builtin.NameSetTaxonomy, string(taxArgs)),
			funcCall("plan-pipe", builtin.NameSetPipeline, `{"strategy":"balanced"}`),
			funcCall("plan-finish", builtin.NameRequestFinishAnalysis, `{}`),
			funcCall("plan-ask", builtin.NameAskUserCategories, `{"prompt":"Which parts of the page should be translated?"}`),
		},
	}
}

type appliedBlock struct {
	id   string
	text string
}

// executionTurn scripts one execution pass: a translate call for all block
// ids followed by a final apply_delta per block.
func executionTurn(respID string, blocks []appliedBlock, extra ...modelio.Item) *modelio.Response {
	ids := make([]string, len(blocks))
	for i, b := range blocks {
		ids[i] = b.id
	}
	translateArgs, _ := json.Marshal(map[string]any{"blockIds": ids})
	items := []modelio.Item{funcCall(respID+"-translate", builtin.NameTranslateBlockStream, string(translateArgs))}
	for i, b := range blocks {
		applyArgs, _ := json.Marshal(map[string]any{"key": b.id, "text": b.text, "isFinal": true})
		items = append(items, funcCall(fmt.Sprintf("%s-apply-%d", respID, i), builtin.NameApplyDelta, string(applyArgs)))
	}
	items = append(items, extra...)
	return &modelio.Response{ID: respID, Status: "completed", Output: items}
}

// proofreadingTurn scripts one proofreading pass: a final apply_delta per
// block. Call ids must not collide with execution's, apply_delta replays by
// call id.
func proofreadingTurn(respID string, blocks []appliedBlock) *modelio.Response {
	items := make([]modelio.Item, 0, len(blocks))
	for i, b := range blocks {
		applyArgs, _ := json.Marshal(map[string]any{"key": b.id, "text": b.text, "isFinal": true})
		items = append(items, funcCall(fmt.Sprintf("%s-apply-%d", respID, i), builtin.NameApplyDelta, string(applyArgs)))
	}
	return &modelio.Response{ID: respID, Status: "completed", Output: items}
}

func stubTranslator(byID map[string]string) builtin.TranslateFunc {
	return func(ctx context.Context, req builtin.TranslateRequest) (builtin.TranslateResult, error) {
		out := make(map[string]string, len(req.Blocks))
		for _, b := range req.Blocks {
			if text, ok := byID[b.ID]; ok {
				out[b.ID] = text
			}
		}
		return builtin.TranslateResult{Translations: out}, nil
	}
}

func pageScan() ScanResult {
	return ScanResult{
		Blocks: []storage.Block{
			{ID: "b1", Text: "Welcome", Hint: "h1"},
			{ID: "b2", Text: "All about trains.", Hint: "p"},
			{ID: "b3", Text: "Imprint", Hint: "footer"},
		},
		PreRanges: map[string]storage.PreRange{
			"b1": {Category: "headings"},
			"b2": {Category: "content"},
			"b3": {Category: "footer"},
		},
	}
}

func newTestClient(t *testing.T, drv driver.Driver, worker *scriptedWorker, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithLogger(discardLogger()),
		WithPollInterval(25 * time.Millisecond),
	}
	c, err := NewClient(drv, Config{Dial: worker.dialer()}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() {
		if c.IsRunning() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.Stop(ctx)
		}
	})
	return c
}

func startClient(t *testing.T, c *Client) {
	t.Helper()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func waitForStatus(t *testing.T, c *Client, jobID string, want jobstate.JobStatus) *storage.JobRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := c.Job(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Job(%s): %v", jobID, err)
		}
		if job.Status == want {
			return job
		}
		if job.Status.IsTerminal() {
			t.Fatalf("job %s settled in %q, want %q", jobID, job.Status, want)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %q, want %q", jobID, job.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func subscribeTransitions(t *testing.T, c *Client) <-chan string {
	t.Helper()
	ch := make(chan string, 16)
	unsub := c.Bus().Subscribe(events.TopicJobTransition, func(e events.Event) {
		var tr struct {
			From string `json:"from"`
			To   string `json:"to"`
		}
		if err := json.Unmarshal(e.Payload, &tr); err != nil {
			return
		}
		select {
		case ch <- tr.From + ">" + tr.To:
		default:
		}
	})
	t.Cleanup(unsub)
	return ch
}

func awaitTransition(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for transition %q", want)
		}
	}
}

func waitForLoggedEvent(t *testing.T, c *Client, topic events.Topic, substr string) storage.EventRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		records, err := c.RecentEvents(context.Background(), 100)
		if err != nil {
			t.Fatalf("RecentEvents: %v", err)
		}
		for _, rec := range records {
			if rec.Topic != string(topic) {
				continue
			}
			if substr == "" || strings.Contains(string(rec.Payload), substr) {
				return rec
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %s event matching %q in the log", topic, substr)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func boolPtr(v bool) *bool { return &v }

func TestNewClientValidatesConfig(t *testing.T) {
	worker := newScriptedWorker()

	if _, err := NewClient(nil, Config{Dial: worker.dialer()}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("nil driver error = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewClient(driver.NewMemory(), Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing dialer error = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewClient(driver.NewMemory(), Config{Dial: worker.dialer()}, WithLease(-time.Second)); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("negative lease error = %v, want ErrInvalidConfig", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	c := newTestClient(t, driver.NewMemory(), newScriptedWorker())
	ctx := context.Background()

	if err := c.Stop(ctx); !errors.Is(err, ErrClientNotStarted) {
		t.Errorf("Stop before Start = %v, want ErrClientNotStarted", err)
	}
	if c.IsRunning() {
		t.Error("IsRunning = true before Start")
	}
	if c.InstanceID() == "" {
		t.Error("InstanceID is empty")
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !c.IsRunning() {
		t.Error("IsRunning = false after Start")
	}
	if err := c.Start(ctx); !errors.Is(err, ErrClientAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrClientAlreadyStarted", err)
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.IsRunning() {
		t.Error("IsRunning = true after Stop")
	}
	if err := c.Stop(ctx); !errors.Is(err, ErrClientNotStarted) {
		t.Errorf("second Stop = %v, want ErrClientNotStarted", err)
	}
}

func TestOperationsRequireStart(t *testing.T) {
	c := newTestClient(t, driver.NewMemory(), newScriptedWorker())
	ctx := context.Background()

	if _, err := c.StartJob(ctx, StartJobParams{TabID: 1}); !errors.Is(err, ErrClientNotStarted) {
		t.Errorf("StartJob before Start = %v, want ErrClientNotStarted", err)
	}
	if _, err := c.SubmitScan(ctx, "job-1", ScanResult{}); !errors.Is(err, ErrClientNotStarted) {
		t.Errorf("SubmitScan before Start = %v, want ErrClientNotStarted", err)
	}
	if _, err := c.SetSelectedCategories(ctx, "job-1", nil); !errors.Is(err, ErrClientNotStarted) {
		t.Errorf("SetSelectedCategories before Start = %v, want ErrClientNotStarted", err)
	}
	if err := c.CancelJob(ctx, "job-1"); !errors.Is(err, ErrClientNotStarted) {
		t.Errorf("CancelJob before Start = %v, want ErrClientNotStarted", err)
	}
	if err := c.RemoveTab(ctx, 1); !errors.Is(err, ErrClientNotStarted) {
		t.Errorf("RemoveTab before Start = %v, want ErrClientNotStarted", err)
	}
	if _, err := c.TriggerStep(ctx, "job-1"); !errors.Is(err, ErrClientNotStarted) {
		t.Errorf("TriggerStep before Start = %v, want ErrClientNotStarted", err)
	}

	// Reads work without Start.
	if _, err := c.Job(ctx, "job-missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Job before Start = %v, want ErrJobNotFound", err)
	}
}

func TestJobLookupUnknownID(t *testing.T) {
	c := newTestClient(t, driver.NewMemory(), newScriptedWorker())
	startClient(t, c)

	_, err := c.Job(context.Background(), "job-missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Job error = %v, want ErrJobNotFound", err)
	}
	var ce *ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("Job error is %T, want *ClientError", err)
	}
	if ce.Op != "Job" {
		t.Errorf("ClientError.Op = %q, want Job", ce.Op)
	}
	if ce.JobID != "job-missing" {
		t.Errorf("ClientError.JobID = %q, want job-missing", ce.JobID)
	}
}

func TestTranslationFlow(t *testing.T) {
	translations := map[string]string{
		"b1": "Willkommen",
		"b2": "Alles über Züge.",
	}
	worker := newScriptedWorker()
	worker.script("planning", planningTurn(
		[]string{"headings", "content", "footer"},
		map[string]string{"b1": "headings", "b2": "content", "b3": "footer"},
	))
	worker.script("execution", executionTurn("resp-exec", []appliedBlock{
		{"b1", "Willkommen"},
		{"b2", "Alles über Züge."},
	}, funcCall("exec-custom", "site.mark_reviewed", `{}`)))
	worker.script("proofreading", proofreadingTurn("resp-proof", []appliedBlock{
		{"b1", "Willkommen"},
		{"b2", "Alles über Züge."},
	}))

	var reviewed atomic.Int64
	markReviewed := tool.Definition{
		Name:        "site.mark_reviewed",
		Description: "Mark the page as reviewed in the host site index.",
		Scope:       []jobstate.Stage{jobstate.StageExecution},
		Parameters:  json.RawMessage(`{"type":"object","additionalProperties":false}`),
		Handler: func(ctx context.Context, inv tool.Invocation) (any, error) {
			reviewed.Add(1)
			return map[string]any{"ok": true}, nil
		},
	}

	c := newTestClient(t, driver.NewMemory(), worker,
		WithTranslator(stubTranslator(translations)),
		WithTools(markReviewed),
	)
	transitions := subscribeTransitions(t, c)
	startClient(t, c)
	ctx := context.Background()

	job, err := c.StartJob(ctx, StartJobParams{JobID: "job-flow", TabID: 7, TargetLang: "de"})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if job.Status != jobstate.JobStatusPreparing {
		t.Fatalf("status after StartJob = %q, want %q", job.Status, jobstate.JobStatusPreparing)
	}

	if _, err := c.SubmitScan(ctx, "job-flow", pageScan()); err != nil {
		t.Fatalf("SubmitScan: %v", err)
	}
	waitForStatus(t, c, "job-flow", jobstate.JobStatusAwaitingCategories)

	patch, err := c.UIPatch(ctx, "job-flow")
	if err != nil {
		t.Fatalf("UIPatch: %v", err)
	}
	if patch.Status != jobstate.JobStatusAwaitingCategories {
		t.Errorf("patch status = %q, want %q", patch.Status, jobstate.JobStatusAwaitingCategories)
	}
	if len(patch.Categories) != 3 {
		t.Errorf("patch categories = %v, want 3 entries", patch.Categories)
	}

	if _, err := c.SetSelectedCategories(ctx, "job-flow", []string{"headings", "content"}); err != nil {
		t.Fatalf("SetSelectedCategories: %v", err)
	}
	final := waitForStatus(t, c, "job-flow", jobstate.JobStatusDone)

	if final.CompletedBlocks != 2 {
		t.Errorf("CompletedBlocks = %d, want 2", final.CompletedBlocks)
	}
	for id, want := range translations {
		if got := final.BlocksByID[id].Translated; got != want {
			t.Errorf("block %s translated = %q, want %q", id, got, want)
		}
	}
	if got := final.BlocksByID["b3"].Translated; got != "" {
		t.Errorf("deselected block b3 translated = %q, want empty", got)
	}
	if len(final.SelectedCategories) != 2 {
		t.Errorf("SelectedCategories = %v, want 2 entries", final.SelectedCategories)
	}

	for _, want := range []string{
		"preparing>planning",
		"planning>awaiting_categories",
		"awaiting_categories>running",
		"running>completing",
		"completing>done",
	} {
		awaitTransition(t, transitions, want)
	}

	if got := worker.callCount("planning"); got != 1 {
		t.Errorf("planning turns = %d, want 1", got)
	}
	if got := worker.callCount("execution"); got != 1 {
		t.Errorf("execution turns = %d, want 1", got)
	}
	if got := worker.callCount("proofreading"); got != 1 {
		t.Errorf("proofreading turns = %d, want 1", got)
	}
	if got := worker.callCount("translate"); got != 0 {
		t.Errorf("translate requests = %d, want 0 with a local translator", got)
	}
	if got := reviewed.Load(); got != 1 {
		t.Errorf("site.mark_reviewed ran %d times, want 1", got)
	}

	patch, err = c.UIPatch(ctx, "job-flow")
	if err != nil {
		t.Fatalf("UIPatch: %v", err)
	}
	if patch.JobID != "job-flow" || patch.TabID != 7 {
		t.Errorf("patch identity = %s/%d, want job-flow/7", patch.JobID, patch.TabID)
	}
	if patch.Status != jobstate.JobStatusDone {
		t.Errorf("patch status = %q, want done", patch.Status)
	}
	if patch.Progress.Completed != 2 || patch.Progress.Pending != 0 {
		t.Errorf("patch progress = %+v, want completed=2 pending=0", patch.Progress)
	}

	waitForLoggedEvent(t, c, events.TopicJobTransition, `"to":"done"`)
	waitForLoggedEvent(t, c, events.TopicToolExecuted, "")
}

func TestProofreadingDisabledBySettings(t *testing.T) {
	worker := newScriptedWorker()
	worker.script("planning", planningTurn(
		[]string{"headings", "content", "footer"},
		map[string]string{"b1": "headings", "b2": "content", "b3": "footer"},
	))
	worker.script("execution", executionTurn("resp-exec", []appliedBlock{
		{"b1", "Willkommen"},
		{"b2", "Alles über Züge."},
		{"b3", "Impressum"},
	}))

	c := newTestClient(t, driver.NewMemory(), worker, WithTranslator(stubTranslator(map[string]string{
		"b1": "Willkommen",
		"b2": "Alles über Züge.",
		"b3": "Impressum",
	})))
	transitions := subscribeTransitions(t, c)
	startClient(t, c)
	ctx := context.Background()

	if _, err := c.UpdateSettings(ctx, map[string]any{"proofreading": false}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	if _, err := c.StartJob(ctx, StartJobParams{JobID: "job-noproof", TabID: 2, TargetLang: "de"}); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if _, err := c.SubmitScan(ctx, "job-noproof", pageScan()); err != nil {
		t.Fatalf("SubmitScan: %v", err)
	}
	waitForStatus(t, c, "job-noproof", jobstate.JobStatusAwaitingCategories)
	if _, err := c.SetSelectedCategories(ctx, "job-noproof", nil); err != nil {
		t.Fatalf("SetSelectedCategories: %v", err)
	}

	final := waitForStatus(t, c, "job-noproof", jobstate.JobStatusDone)
	awaitTransition(t, transitions, "running>done")

	if final.CompletedBlocks != 3 {
		t.Errorf("CompletedBlocks = %d, want 3", final.CompletedBlocks)
	}
	if got := worker.callCount("proofreading"); got != 0 {
		t.Errorf("proofreading turns = %d, want 0 when disabled", got)
	}
}

func TestDefaultTranslatorUsesWorker(t *testing.T) {
	worker := newScriptedWorker()
	worker.script("planning", planningTurn([]string{"content"}, map[string]string{"b1": "content"}))
	worker.script("translate", &modelio.Response{
		ID:     "resp-translate",
		Status: "completed",
		Output: []modelio.Item{modelio.AssistantMessage(`{"b1":"Bonjour"}`)},
	})
	worker.script("execution", executionTurn("resp-exec", []appliedBlock{{"b1", "Bonjour"}}))

	c := newTestClient(t, driver.NewMemory(), worker)
	startClient(t, c)
	ctx := context.Background()

	if _, err := c.StartJob(ctx, StartJobParams{
		JobID:      "job-fr",
		TabID:      3,
		TargetLang: "fr",
		Proofread:  boolPtr(false),
	}); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	scan := ScanResult{Blocks: []storage.Block{{ID: "b1", Text: "Hello", Hint: "p"}}}
	if _, err := c.SubmitScan(ctx, "job-fr", scan); err != nil {
		t.Fatalf("SubmitScan: %v", err)
	}
	waitForStatus(t, c, "job-fr", jobstate.JobStatusAwaitingCategories)
	if _, err := c.SetSelectedCategories(ctx, "job-fr", nil); err != nil {
		t.Fatalf("SetSelectedCategories: %v", err)
	}

	final := waitForStatus(t, c, "job-fr", jobstate.JobStatusDone)
	if got := worker.callCount("translate"); got != 1 {
		t.Errorf("translate requests = %d, want 1", got)
	}
	if got := final.BlocksByID["b1"].Translated; got != "Bonjour" {
		t.Errorf("block b1 translated = %q, want Bonjour", got)
	}
}

func TestCancelJobInPreparing(t *testing.T) {
	c := newTestClient(t, driver.NewMemory(), newScriptedWorker())
	startClient(t, c)
	ctx := context.Background()

	if _, err := c.StartJob(ctx, StartJobParams{JobID: "job-cancel", TabID: 4}); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := c.CancelJob(ctx, "job-cancel"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	job, err := c.Job(ctx, "job-cancel")
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Status != jobstate.JobStatusCancelled {
		t.Fatalf("status = %q, want %q", job.Status, jobstate.JobStatusCancelled)
	}

	// Cancelling again is a no-op.
	if err := c.CancelJob(ctx, "job-cancel"); err != nil {
		t.Errorf("second CancelJob = %v, want nil", err)
	}

	// A terminal job refuses new scan input.
	if _, err := c.SubmitScan(ctx, "job-cancel", pageScan()); !errors.Is(err, ErrInvalidJobStatus) {
		t.Errorf("SubmitScan after cancel = %v, want ErrInvalidJobStatus", err)
	}
}

func TestStartJobDuplicateID(t *testing.T) {
	c := newTestClient(t, driver.NewMemory(), newScriptedWorker())
	startClient(t, c)
	ctx := context.Background()

	if _, err := c.StartJob(ctx, StartJobParams{JobID: "job-dup", TabID: 5}); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if _, err := c.StartJob(ctx, StartJobParams{JobID: "job-dup", TabID: 6}); !errors.Is(err, ErrJobExists) {
		t.Fatalf("duplicate StartJob = %v, want ErrJobExists", err)
	}
}

func TestRemoveTabFailsAttachedJob(t *testing.T) {
	c := newTestClient(t, driver.NewMemory(), newScriptedWorker())
	startClient(t, c)
	ctx := context.Background()

	if _, err := c.StartJob(ctx, StartJobParams{JobID: "job-tab", TabID: 11}); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := c.RemoveTab(ctx, 11); err != nil {
		t.Fatalf("RemoveTab: %v", err)
	}

	job := waitForStatus(t, c, "job-tab", jobstate.JobStatusFailed)
	if job.Runtime == nil || job.Runtime.Retry.LastError == nil ||
		job.Runtime.Retry.LastError.Code != jobstate.CodeTabGone {
		t.Errorf("lastError = %+v, want TAB_GONE", job.Runtime)
	}

	// Removing a tab nobody tracked is a no-op.
	if err := c.RemoveTab(ctx, 99); err != nil {
		t.Errorf("RemoveTab(unknown) = %v, want nil", err)
	}
}

func TestRestartOnTabReusesCachedScan(t *testing.T) {
	worker := newScriptedWorker()
	worker.script("planning", planningTurn(
		[]string{"headings", "content", "footer"},
		map[string]string{"b1": "headings", "b2": "content", "b3": "footer"},
	))

	c := newTestClient(t, driver.NewMemory(), worker)
	startClient(t, c)
	ctx := context.Background()

	first, err := c.StartJob(ctx, StartJobParams{JobID: "job-first", TabID: 4, TargetLang: "de"})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if first.Status != jobstate.JobStatusPreparing {
		t.Fatalf("first job status = %q, want preparing before any scan", first.Status)
	}
	if _, err := c.SubmitScan(ctx, "job-first", pageScan()); err != nil {
		t.Fatalf("SubmitScan: %v", err)
	}
	waitForStatus(t, c, "job-first", jobstate.JobStatusAwaitingCategories)

	// Starting again on the same tab cancels the first job and seeds the new
	// one from the scan it delivered; no second scan round trip.
	second, err := c.StartJob(ctx, StartJobParams{JobID: "job-second", TabID: 4, TargetLang: "de"})
	if err != nil {
		t.Fatalf("restart StartJob: %v", err)
	}
	if second.Status != jobstate.JobStatusPlanning {
		t.Errorf("second job status = %q, want planning seeded from the cached scan", second.Status)
	}
	if len(second.PendingBlockIDs) != 3 {
		t.Errorf("second job pending = %v, want the three scanned blocks", second.PendingBlockIDs)
	}

	prev, err := c.Job(ctx, "job-first")
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if prev.Status != jobstate.JobStatusCancelled {
		t.Errorf("first job status = %q, want cancelled by the restart", prev.Status)
	}

	if err := c.CancelJob(ctx, "job-second"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
}

func TestUpdateSettingsPublishesChange(t *testing.T) {
	c := newTestClient(t, driver.NewMemory(), newScriptedWorker())

	got := make(chan settings.Settings, 1)
	unsub := c.Bus().Subscribe(events.TopicSettingsChanged, func(e events.Event) {
		var s settings.Settings
		if err := json.Unmarshal(e.Payload, &s); err != nil {
			return
		}
		select {
		case got <- s:
		default:
		}
	})
	t.Cleanup(unsub)

	// Settings writes work without Start.
	updated, err := c.UpdateSettings(context.Background(), map[string]any{
		"profile":    "eco",
		"targetLang": "fr",
	})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if updated.Profile != settings.ProfileEco {
		t.Errorf("profile = %q, want eco", updated.Profile)
	}
	if updated.Overrides.TargetLang != "fr" {
		t.Errorf("targetLang = %q, want fr", updated.Overrides.TargetLang)
	}

	select {
	case published := <-got:
		if published.Profile != settings.ProfileEco || published.Overrides.TargetLang != "fr" {
			t.Errorf("published settings = %+v, want eco/fr", published)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no settings_changed event published")
	}
}

func TestRestartResumesPersistedJob(t *testing.T) {
	drv := driver.NewMemory()
	ctx := context.Background()

	firstWorker := newScriptedWorker()
	firstWorker.script("planning", planningTurn(
		[]string{"headings", "content", "footer"},
		map[string]string{"b1": "headings", "b2": "content", "b3": "footer"},
	))
	first := newTestClient(t, drv, firstWorker)
	startClient(t, first)

	if _, err := first.StartJob(ctx, StartJobParams{
		JobID:      "job-resume",
		TabID:      9,
		TargetLang: "de",
		Proofread:  boolPtr(false),
	}); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if _, err := first.SubmitScan(ctx, "job-resume", pageScan()); err != nil {
		t.Fatalf("SubmitScan: %v", err)
	}
	waitForStatus(t, first, "job-resume", jobstate.JobStatusAwaitingCategories)

	if err := first.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	secondWorker := newScriptedWorker()
	secondWorker.script("execution", executionTurn("resp-exec-resumed", []appliedBlock{
		{"b1", "Willkommen"},
		{"b2", "Alles über Züge."},
		{"b3", "Impressum"},
	}))
	second := newTestClient(t, drv, secondWorker, WithTranslator(stubTranslator(map[string]string{
		"b1": "Willkommen",
		"b2": "Alles über Züge.",
		"b3": "Impressum",
	})))
	startClient(t, second)

	job, err := second.Job(ctx, "job-resume")
	if err != nil {
		t.Fatalf("Job after restart: %v", err)
	}
	if job.Status != jobstate.JobStatusAwaitingCategories {
		t.Fatalf("persisted status = %q, want %q", job.Status, jobstate.JobStatusAwaitingCategories)
	}

	if _, err := second.SetSelectedCategories(ctx, "job-resume", nil); err != nil {
		t.Fatalf("SetSelectedCategories: %v", err)
	}
	final := waitForStatus(t, second, "job-resume", jobstate.JobStatusDone)

	if final.CompletedBlocks != 3 {
		t.Errorf("CompletedBlocks = %d, want 3", final.CompletedBlocks)
	}
	if got := secondWorker.callCount("planning"); got != 0 {
		t.Errorf("planning re-ran %d times after restart, want 0", got)
	}
}

func TestStartMarksStaleInflightLost(t *testing.T) {
	drv := driver.NewMemory()
	ctx := context.Background()

	inflight := storage.NewInflightStore(drv.GetStore())
	row := &storage.InflightRow{
		RequestID:  "stale-1",
		RequestKey: "job-old:planning:i0:a1",
		TaskType:   "planning",
		Attempt:    1,
		Status:     jobstate.InflightPending,
		Mode:       jobstate.RequestModeNonStream,
		Meta:       storage.InflightMeta{JobID: "job-old"},
		StartedAt:  1,
	}
	if err := inflight.Put(ctx, row); err != nil {
		t.Fatalf("seed inflight row: %v", err)
	}

	c := newTestClient(t, drv, newScriptedWorker())
	startClient(t, c)

	got, err := inflight.Get(ctx, "stale-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != jobstate.InflightFailed {
		t.Fatalf("recovered row status = %q, want %q", got.Status, jobstate.InflightFailed)
	}
	if got.Error == nil || got.Error.Code != jobstate.CodeOffscreenRequestLost {
		t.Errorf("recovered row error = %+v, want code %s", got.Error, jobstate.CodeOffscreenRequestLost)
	}
}

func TestTriggerStepRunsManualStep(t *testing.T) {
	c := newTestClient(t, driver.NewMemory(), newScriptedWorker())
	startClient(t, c)
	ctx := context.Background()

	if _, err := c.StartJob(ctx, StartJobParams{JobID: "job-step", TabID: 8}); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	res, err := c.TriggerStep(ctx, "job-step")
	if err != nil {
		t.Fatalf("TriggerStep: %v", err)
	}
	if !res.OK || res.Terminal {
		t.Errorf("step result = %+v, want OK and non-terminal", res)
	}

	if _, err := c.TriggerStep(ctx, "job-missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("TriggerStep unknown job = %v, want ErrJobNotFound", err)
	}
}

func TestWithMetricsExposesMetrics(t *testing.T) {
	worker := newScriptedWorker()

	plain := newTestClient(t, driver.NewMemory(), worker)
	if plain.Metrics() != nil {
		t.Error("Metrics() != nil without WithMetrics")
	}

	instrumented := newTestClient(t, driver.NewMemory(), worker, WithMetrics(prometheus.NewRegistry()))
	if instrumented.Metrics() == nil {
		t.Error("Metrics() = nil with WithMetrics")
	}
}
