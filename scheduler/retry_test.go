package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/modelio"
	"github.com/pageglot/pageglot/tool"
)

func TestComputeBackoffDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{Rand: func() float64 { return 0.5 }} // no spread

	want := []int64{1000, 2000, 4000, 8000, 16000, 32000, 60000, 60000}
	for attempt, w := range want {
		if got := p.ComputeBackoffMs(attempt); got != w {
			t.Errorf("ComputeBackoffMs(%d) = %d, want %d", attempt, got, w)
		}
	}
}

func TestComputeBackoffJitterBounds(t *testing.T) {
	up := RetryPolicy{Rand: func() float64 { return 1 }}
	if got := up.ComputeBackoffMs(0); got != 1200 {
		t.Errorf("upper jitter = %d, want 1200", got)
	}

	down := RetryPolicy{Rand: func() float64 { return 0 }}
	if got := down.ComputeBackoffMs(0); got != 800 {
		t.Errorf("lower jitter = %d, want 800", got)
	}

	// Negative attempts behave like the first retry.
	if got := up.ComputeBackoffMs(-3); got != 1200 {
		t.Errorf("negative attempt = %d, want 1200", got)
	}
}

func TestClassify(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		name      string
		err       error
		wantCode  jobstate.Code
		retryable bool
	}{
		{
			name:      "coded transport error",
			err:       tool.WithCode(jobstate.CodeOffscreenRequestTimeout, errors.New("deadline blown")),
			wantCode:  jobstate.CodeOffscreenRequestTimeout,
			retryable: true,
		},
		{
			name:      "coded permanent error",
			err:       tool.WithCode(jobstate.CodeToolArgsInvalid, errors.New("bad args")),
			wantCode:  jobstate.CodeToolArgsInvalid,
			retryable: false,
		},
		{
			name:      "wrapped coded error",
			err:       fmt.Errorf("step: %w", tool.WithCode(jobstate.CodeLeaseExpired, errors.New("gone"))),
			wantCode:  jobstate.CodeLeaseExpired,
			retryable: true,
		},
		{
			name:      "server error",
			err:       &modelio.RequestError{HTTPStatus: 503, Message: "unavailable"},
			wantCode:  jobstate.CodeExecutorUnavailable,
			retryable: true,
		},
		{
			name:      "rate limited",
			err:       &modelio.RequestError{HTTPStatus: 429, Message: "slow down"},
			wantCode:  jobstate.CodeExecutorUnavailable,
			retryable: true,
		},
		{
			name:      "client error",
			err:       &modelio.RequestError{HTTPStatus: 400, Message: "bad request"},
			wantCode:  jobstate.CodeToolExecFailed,
			retryable: false,
		},
		{
			name:      "deadline",
			err:       context.DeadlineExceeded,
			wantCode:  jobstate.CodeTimeout,
			retryable: true,
		},
		{
			name:      "cancelled",
			err:       context.Canceled,
			wantCode:  jobstate.CodeAborted,
			retryable: false,
		},
		{
			name:      "generic",
			err:       errors.New("something broke"),
			wantCode:  jobstate.CodeToolExecFailed,
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := p.Classify(tt.err)
			if c.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", c.Code, tt.wantCode)
			}
			if c.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", c.Retryable, tt.retryable)
			}
			if c.Message == "" {
				t.Error("message empty")
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	c := DefaultRetryPolicy().Classify(nil)
	if c.Code != "" || c.Retryable {
		t.Errorf("Classify(nil) = %+v, want zero", c)
	}
}

func TestClassifyCode(t *testing.T) {
	p := DefaultRetryPolicy()

	if c := p.ClassifyCode(jobstate.CodeLeaseExpired, "lease lost"); !c.Retryable {
		t.Error("LEASE_EXPIRED should be retryable")
	}
	if c := p.ClassifyCode(jobstate.CodeNoProgressWatchdog, "stalled"); c.Retryable {
		t.Error("NO_PROGRESS_WATCHDOG must be terminal")
	}
	if c := p.ClassifyCode(jobstate.CodeTabGone, "tab closed"); c.Retryable {
		t.Error("TAB_GONE must be terminal")
	}
}

func TestPolicyNormalization(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 99}.normalized()
	if p.MaxAttempts != maxRetryAttempts {
		t.Errorf("maxAttempts = %d, want clamped to %d", p.MaxAttempts, maxRetryAttempts)
	}
	if p.BaseMs != 1000 || p.MaxMs != 60_000 || p.Jitter != 0.2 {
		t.Errorf("defaults not filled: %+v", p)
	}
}
