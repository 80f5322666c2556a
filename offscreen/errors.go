package offscreen

import (
	"context"
	"errors"
	"fmt"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/modelio"
)

// ErrClosed is returned once the executor has been shut down.
var ErrClosed = errors.New("offscreen: executor closed")

// TransportError is a transport-level failure carrying the domain code the
// retry policy classifies.
type TransportError struct {
	Code      jobstate.Code
	Op        string
	RequestID string
	Err       error
}

// Error returns the error message.
func (e *TransportError) Error() string {
	msg := fmt.Sprintf("offscreen: %s: %s", e.Op, e.Code)
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportErr(code jobstate.Code, op, requestID string, err error) *TransportError {
	return &TransportError{Code: code, Op: op, RequestID: requestID, Err: err}
}

// Classify maps an executor error onto a domain code. Typed errors are
// inspected before the wrapped context sentinels so a transport timeout
// keeps its transport code.
func Classify(err error) jobstate.Code {
	if err == nil {
		return ""
	}

	var bp *BackpressureError
	if errors.As(err, &bp) {
		return jobstate.CodeOffscreenBackpressure
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code
	}
	var re *modelio.RequestError
	if errors.As(err, &re) {
		switch re.Code {
		case string(jobstate.CodeAborted):
			return jobstate.CodeAborted
		case string(jobstate.CodeTimeout):
			return jobstate.CodeTimeout
		case string(jobstate.CodeOffscreenPortDisconnected):
			return jobstate.CodeOffscreenPortDisconnected
		case string(jobstate.CodeOffscreenUnavailable):
			return jobstate.CodeOffscreenUnavailable
		}
		return jobstate.CodeOffscreenExecuteFailed
	}

	switch {
	case errors.Is(err, ErrClosed):
		return jobstate.CodeOffscreenUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return jobstate.CodeTimeout
	case errors.Is(err, context.Canceled):
		return jobstate.CodeAborted
	}
	return jobstate.CodeOffscreenExecuteFailed
}
