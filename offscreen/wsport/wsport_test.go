package wsport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pageglot/pageglot/driver"
	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/modelio"
	"github.com/pageglot/pageglot/offscreen"
	"github.com/pageglot/pageglot/storage"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// fakeWorker answers the port protocol over a websocket: WELCOME on HELLO,
// a canned RESULT on EXECUTE, two text deltas plus the RESULT on
// EXECUTE_STREAM, and PONG on PING.
type fakeWorker struct {
	executes atomic.Int64
	response *modelio.Response
}

func (w *fakeWorker) handler(t *testing.T) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(rw, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			var msg offscreen.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case offscreen.MsgHello:
				w.send(t, conn, offscreen.Message{Type: offscreen.MsgWelcome}, offscreen.WelcomePayload{
					InstanceID: "fake-worker",
					Protocol:   offscreen.ProtocolVersion,
				})
			case offscreen.MsgExecute:
				w.executes.Add(1)
				w.send(t, conn, offscreen.Message{Type: offscreen.MsgResult, RequestID: msg.RequestID}, offscreen.ResultPayload{
					OK:       true,
					Response: w.response,
				})
			case offscreen.MsgExecuteStream:
				w.executes.Add(1)
				for _, delta := range []string{"he", "llo"} {
					w.send(t, conn, offscreen.Message{Type: offscreen.MsgEvent, RequestID: msg.RequestID}, modelio.StreamEvent{
						Type:  modelio.StreamEventDelta,
						Delta: delta,
					})
				}
				w.send(t, conn, offscreen.Message{Type: offscreen.MsgResult, RequestID: msg.RequestID}, offscreen.ResultPayload{
					OK:       true,
					Response: w.response,
				})
			case offscreen.MsgPing:
				if err := conn.WriteJSON(offscreen.Message{Type: offscreen.MsgPong}); err != nil {
					return
				}
			}
		}
	}
}

func (w *fakeWorker) send(t *testing.T, conn *websocket.Conn, msg offscreen.Message, payload any) {
	framed, err := msg.WithPayload(payload)
	if err != nil {
		t.Errorf("marshal %s payload: %v", msg.Type, err)
		return
	}
	if err := conn.WriteJSON(framed); err != nil {
		t.Errorf("write %s frame: %v", msg.Type, err)
	}
}

func newTestExecutor(t *testing.T, srv *httptest.Server) *offscreen.Executor {
	t.Helper()
	store := storage.NewInflightStore(driver.NewMemory().GetStore())
	x, err := offscreen.NewExecutor(offscreen.Config{
		Store:  store,
		Dial:   Dialer(wsURL(srv), nil),
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	t.Cleanup(func() { _ = x.Close() })
	return x
}

func TestExecuteOverWebSocket(t *testing.T) {
	worker := &fakeWorker{response: &modelio.Response{
		ID:     "resp-1",
		Model:  "test-model",
		Output: []modelio.Item{modelio.AssistantMessage("bonjour")},
		Status: "completed",
	}}
	srv := httptest.NewServer(worker.handler(t))
	defer srv.Close()

	store := storage.NewInflightStore(driver.NewMemory().GetStore())
	x, err := offscreen.NewExecutor(offscreen.Config{
		Store:  store,
		Dial:   Dialer(wsURL(srv), nil),
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	defer x.Close()

	spec := offscreen.ExecuteSpec{
		RequestKey: "k-1",
		TaskType:   "planning",
		Meta:       storage.InflightMeta{JobID: "job-1"},
		Request:    modelio.Request{Model: "test-model"},
	}
	res, err := x.Execute(context.Background(), spec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ID != "resp-1" {
		t.Errorf("response id = %q, want resp-1", res.ID)
	}
	if got := x.WorkerInstance(); got != "fake-worker" {
		t.Errorf("worker instance = %q, want fake-worker", got)
	}

	row, err := store.FindByKey(context.Background(), "k-1")
	if err != nil {
		t.Fatalf("FindByKey: %v", err)
	}
	if row.Status != jobstate.InflightDone {
		t.Errorf("row status = %q, want done", row.Status)
	}

	// The same key resolves from the stored result without a new dispatch.
	res2, err := x.Execute(context.Background(), spec)
	if err != nil {
		t.Fatalf("Execute (replay): %v", err)
	}
	if res2.ID != "resp-1" {
		t.Errorf("replayed response id = %q, want resp-1", res2.ID)
	}
	if n := worker.executes.Load(); n != 1 {
		t.Errorf("worker executes = %d, want 1", n)
	}
}

func TestExecuteStreamDeliversDeltas(t *testing.T) {
	worker := &fakeWorker{response: &modelio.Response{
		ID:     "resp-s",
		Output: []modelio.Item{modelio.AssistantMessage("hello")},
	}}
	srv := httptest.NewServer(worker.handler(t))
	defer srv.Close()

	x := newTestExecutor(t, srv)

	var mu sync.Mutex
	var deltas []string
	res, err := x.Execute(context.Background(), offscreen.ExecuteSpec{
		RequestKey: "k-stream",
		Request:    modelio.Request{Model: "test-model"},
		OnEvent: func(ev modelio.StreamEvent) {
			if ev.Type == modelio.StreamEventDelta {
				mu.Lock()
				deltas = append(deltas, ev.Delta)
				mu.Unlock()
			}
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ID != "resp-s" {
		t.Errorf("response id = %q, want resp-s", res.ID)
	}

	// EVENT frames precede the RESULT on the same connection, so by the
	// time Execute returns every delta has been delivered.
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(deltas, "") != "hello" {
		t.Errorf("deltas = %q, want he+llo", deltas)
	}
}

func TestPing(t *testing.T) {
	worker := &fakeWorker{}
	srv := httptest.NewServer(worker.handler(t))
	defer srv.Close()

	x := newTestExecutor(t, srv)
	if err := x.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestDialFailureClassifiesUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // nothing listening

	x := newTestExecutor(t, srv)
	_, err := x.Execute(context.Background(), offscreen.ExecuteSpec{
		RequestKey:  "k-dead",
		Request:     modelio.Request{Model: "test-model"},
		MaxAttempts: 1,
	})
	if err == nil {
		t.Fatal("Execute succeeded against a closed server")
	}
	if code := offscreen.Classify(err); code != jobstate.CodeOffscreenUnavailable {
		t.Errorf("classified code = %q, want %q", code, jobstate.CodeOffscreenUnavailable)
	}
}

func TestSendAfterCloseErrors(t *testing.T) {
	worker := &fakeWorker{}
	srv := httptest.NewServer(worker.handler(t))
	defer srv.Close()

	port, err := Dialer(wsURL(srv), nil)(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := port.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := port.Send(offscreen.Message{Type: offscreen.MsgPing}); err == nil {
		t.Error("Send after Close did not error")
	}
}

func TestReceiveClosesOnServerDisconnect(t *testing.T) {
	connected := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(rw, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		close(connected)
		conn.Close()
	}))
	defer srv.Close()

	port, err := Dialer(wsURL(srv), nil)(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer port.Close()

	<-connected
	select {
	case _, ok := <-port.Receive():
		if ok {
			t.Error("received a frame from a closed server")
		}
	case <-time.After(2 * time.Second):
		t.Error("receive channel did not close after disconnect")
	}
}
