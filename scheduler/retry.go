package scheduler

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/modelio"
	"github.com/pageglot/pageglot/tool"
)

// Classified is the retry policy's verdict on one failure: the domain code
// it maps to, whether a retry may help, and an optional server-provided
// delay that overrides computed backoff.
type Classified struct {
	Code         jobstate.Code
	Retryable    bool
	RetryAfterMs int64
	Message      string
}

// RetryPolicy decides whether a failed step is retried and how long the job
// waits before the next attempt. The zero value behaves like
// DefaultRetryPolicy.
type RetryPolicy struct {
	// BaseMs is the first-retry delay. Default 1000.
	BaseMs int64

	// MaxMs caps the computed delay. Default 60000.
	MaxMs int64

	// Jitter spreads the delay by up to this fraction in either direction.
	// Zero means the default 0.2.
	Jitter float64

	// MaxAttempts bounds retries per job; clamped to 4.
	MaxAttempts int

	// Rand overrides the jitter source. Tests inject a fixed value.
	Rand func() float64
}

// DefaultRetryPolicy returns the standard policy: 1 s doubling to 60 s,
// 20% jitter, at most 4 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseMs: 1000, MaxMs: 60_000, Jitter: 0.2, MaxAttempts: 4}
}

const maxRetryAttempts = 4

func (p RetryPolicy) normalized() RetryPolicy {
	if p.BaseMs <= 0 {
		p.BaseMs = 1000
	}
	if p.MaxMs <= 0 {
		p.MaxMs = 60_000
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	if p.MaxAttempts <= 0 || p.MaxAttempts > maxRetryAttempts {
		p.MaxAttempts = maxRetryAttempts
	}
	return p
}

// Classify maps err onto a domain code and retry decision. A CodeError
// anywhere in the chain wins; context sentinels and bare transport errors
// are mapped individually; everything else is a non-retryable generic
// failure.
func (p RetryPolicy) Classify(err error) Classified {
	if err == nil {
		return Classified{}
	}

	var ce *tool.CodeError
	if errors.As(err, &ce) && ce.Code != "" {
		return Classified{Code: ce.Code, Retryable: ce.Code.Retryable(), Message: err.Error()}
	}

	var re *modelio.RequestError
	if errors.As(err, &re) {
		c := Classified{Message: err.Error()}
		switch {
		case re.HTTPStatus == 429 || re.HTTPStatus == 408 || re.HTTPStatus >= 500:
			c.Code = jobstate.CodeExecutorUnavailable
			c.Retryable = true
		default:
			c.Code = jobstate.CodeToolExecFailed
		}
		return c
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Classified{Code: jobstate.CodeTimeout, Retryable: true, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return Classified{Code: jobstate.CodeAborted, Message: err.Error()}
	}

	return Classified{Code: jobstate.CodeToolExecFailed, Message: err.Error()}
}

// ClassifyCode builds a Classified for a condition the scheduler detected
// itself rather than received as an error.
func (p RetryPolicy) ClassifyCode(code jobstate.Code, msg string) Classified {
	return Classified{Code: code, Retryable: code.Retryable(), Message: msg}
}

// ComputeBackoffMs returns the delay before the retry following attempt
// completed attempts: base doubled per attempt, capped at max, spread by
// the jitter fraction.
func (p RetryPolicy) ComputeBackoffMs(attempt int) int64 {
	pol := p.normalized()
	if attempt < 0 {
		attempt = 0
	}

	ms := float64(pol.BaseMs) * math.Pow(2, float64(attempt))
	if ms > float64(pol.MaxMs) {
		ms = float64(pol.MaxMs)
	}
	r := pol.Rand
	if r == nil {
		r = rand.Float64
	}
	ms += (r()*2 - 1) * pol.Jitter * ms
	if ms < 0 {
		ms = 0
	}
	return int64(ms)
}
