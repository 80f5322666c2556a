package offscreen

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/pageglot/pageglot/modelio"
)

// MessageType enumerates the frames of the worker port protocol.
type MessageType string

const (
	// MsgHello opens the handshake, sent by the orchestrator.
	MsgHello MessageType = "HELLO"

	// MsgWelcome acknowledges the handshake with the worker identity.
	MsgWelcome MessageType = "WELCOME"

	// MsgExecute dispatches one model request.
	MsgExecute MessageType = "EXECUTE"

	// MsgExecuteStream dispatches one model request with EVENT frames
	// streamed before the RESULT.
	MsgExecuteStream MessageType = "EXECUTE_STREAM"

	// MsgEvent carries one stream frame of an EXECUTE_STREAM request.
	MsgEvent MessageType = "EVENT"

	// MsgResult settles an EXECUTE or EXECUTE_STREAM request.
	MsgResult MessageType = "RESULT"

	// MsgCancel aborts a dispatched request.
	MsgCancel MessageType = "CANCEL"

	// MsgQueryStatus asks for the worker-side state of request ids.
	MsgQueryStatus MessageType = "QUERY_STATUS"

	// MsgStatus answers QUERY_STATUS.
	MsgStatus MessageType = "STATUS"

	// MsgPing and MsgPong keep the port alive.
	MsgPing MessageType = "PING"
	MsgPong MessageType = "PONG"
)

// Message is one frame on the port. Payload is type-specific:
// ExecutePayload for EXECUTE frames, modelio.StreamEvent for EVENT,
// ResultPayload for RESULT, StatusPayload for STATUS, WelcomePayload for
// WELCOME.
type Message struct {
	Type       MessageType     `json:"type"`
	RequestID  string          `json:"requestId,omitempty"`
	RequestIDs []string        `json:"requestIds,omitempty"`
	JobID      string          `json:"jobId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// WithPayload returns msg with p marshaled into the payload slot.
func (m Message) WithPayload(p any) (Message, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return m, fmt.Errorf("offscreen: marshal %s payload: %w", m.Type, err)
	}
	m.Payload = raw
	return m, nil
}

// ExecutePayload is the EXECUTE / EXECUTE_STREAM body.
type ExecutePayload struct {
	RequestKey  string          `json:"requestKey"`
	PayloadHash string          `json:"payloadHash,omitempty"`
	TaskType    string          `json:"taskType,omitempty"`
	Attempt     int             `json:"attempt"`
	TimeoutMs   int64           `json:"timeoutMs"`
	Request     modelio.Request `json:"request"`
}

// ResultPayload settles one request. Exactly one of Response or Error is
// set; Error.Code "ABORTED" reports a cancellation observed worker-side.
type ResultPayload struct {
	OK       bool                  `json:"ok"`
	Response *modelio.Response     `json:"response,omitempty"`
	Error    *modelio.RequestError `json:"error,omitempty"`
}

// StatusPayload answers QUERY_STATUS for a batch of request ids.
type StatusPayload struct {
	Statuses map[string]RequestStatus `json:"statuses"`
}

// Request states reported in StatusPayload.
const (
	StatusStatePending = "pending"
	StatusStateDone    = "done"
	StatusStateUnknown = "unknown"
)

// RequestStatus is the worker-side view of one request id.
type RequestStatus struct {
	State    string                `json:"state"`
	Response *modelio.Response     `json:"response,omitempty"`
	Error    *modelio.RequestError `json:"error,omitempty"`
}

// WelcomePayload identifies the worker instance during the handshake.
type WelcomePayload struct {
	InstanceID string `json:"instanceId"`
	Protocol   int    `json:"protocol"`
}

// ProtocolVersion is bumped on incompatible frame changes.
const ProtocolVersion = 1

// Port is one framed bidirectional connection to the worker. Send must be
// safe for concurrent use; Receive's channel closes when the connection
// drops.
type Port interface {
	Send(msg Message) error
	Receive() <-chan Message
	Close() error
}

// Dialer opens a fresh port. The executor dials lazily and redials after a
// disconnect.
type Dialer func(ctx context.Context) (Port, error)

// HashPayload returns the 8-hex FNV-1a hash of the wire request, used to
// detect a requestKey reused with different content.
func HashPayload(req modelio.Request) string {
	raw, err := json.Marshal(req)
	if err != nil {
		raw = []byte(req.Model)
	}
	h := fnv.New32a()
	h.Write(raw)
	return fmt.Sprintf("%08x", h.Sum32())
}
