package pageglot

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pageglot/pageglot/internal/clock"
	"github.com/pageglot/pageglot/runner"
	"github.com/pageglot/pageglot/scheduler"
	"github.com/pageglot/pageglot/tool"
	"github.com/pageglot/pageglot/tool/builtin"
)

// Option is a functional option for configuring a Client
type Option func(*internalConfig) error

// WithLogger sets the structured logger (default slog.Default())
func WithLogger(logger *slog.Logger) Option {
	return func(c *internalConfig) error {
		if logger == nil {
			return NewClientError("WithLogger", ErrInvalidConfig).
				WithContext("reason", "logger must not be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithClock sets the time source. Tests pass clock.NewFake to drive
// debounce, lease, and backoff timing deterministically.
func WithClock(clk clock.Clock) Option {
	return func(c *internalConfig) error {
		if clk == nil {
			return NewClientError("WithClock", ErrInvalidConfig).
				WithContext("reason", "clock must not be nil")
		}
		c.clk = clk
		return nil
	}
}

// WithInstanceID sets the worker instance identity recorded on leases and
// adopted runtimes. Default: a random UUID.
func WithInstanceID(id string) Option {
	return func(c *internalConfig) error {
		if id == "" {
			return NewClientError("WithInstanceID", ErrInvalidConfig).
				WithContext("reason", "instance id must not be empty")
		}
		c.instanceID = id
		return nil
	}
}

// WithMetrics registers the orchestration collectors with reg and enables
// metric recording. Without this option no collectors are created, so two
// clients in one process never fight over a registry.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *internalConfig) error {
		if reg == nil {
			return NewClientError("WithMetrics", ErrInvalidConfig).
				WithContext("reason", "registerer must not be nil")
		}
		c.metricsReg = reg
		return nil
	}
}

// WithModels overrides the tier-to-model routing table
func WithModels(models runner.ModelMap) Option {
	return func(c *internalConfig) error {
		if len(models) == 0 {
			return NewClientError("WithModels", ErrInvalidConfig).
				WithContext("reason", "model map must not be empty")
		}
		merged := runner.DefaultModels()
		for tier, id := range models {
			merged[tier] = id
		}
		c.models = merged
		return nil
	}
}

// WithPlanningBudgets overrides the planning loop guard limits
func WithPlanningBudgets(b runner.Budgets) Option {
	return func(c *internalConfig) error {
		c.planning = &b
		return nil
	}
}

// WithExecutionBudgets overrides the execution loop guard limits
func WithExecutionBudgets(b runner.Budgets) Option {
	return func(c *internalConfig) error {
		c.execution = &b
		return nil
	}
}

// WithProofreadingBudgets overrides the proofreading loop guard limits
func WithProofreadingBudgets(b runner.Budgets) Option {
	return func(c *internalConfig) error {
		c.proofreading = &b
		return nil
	}
}

// WithRetryPolicy sets the step retry policy (backoff base/cap, jitter,
// attempt limit)
func WithRetryPolicy(policy scheduler.RetryPolicy) Option {
	return func(c *internalConfig) error {
		c.retry = policy
		return nil
	}
}

// WithLease sets the per-step job lease duration (default 30s)
func WithLease(d time.Duration) Option {
	return func(c *internalConfig) error {
		if d <= 0 {
			return NewClientError("WithLease", ErrInvalidConfig).
				WithContext("lease", d).
				WithContext("reason", "lease must be positive")
		}
		c.leaseMs = d.Milliseconds()
		return nil
	}
}

// WithWatchdog sets how long a job may go without progress before the
// watchdog fails it (default 120s, floor 30s)
func WithWatchdog(d time.Duration) Option {
	return func(c *internalConfig) error {
		if d <= 0 {
			return NewClientError("WithWatchdog", ErrInvalidConfig).
				WithContext("watchdog", d).
				WithContext("reason", "watchdog must be positive")
		}
		c.watchdogMs = d.Milliseconds()
		return nil
	}
}

// WithPollInterval sets the job worker sweep interval (default 1s)
func WithPollInterval(d time.Duration) Option {
	return func(c *internalConfig) error {
		if d <= 0 {
			return NewClientError("WithPollInterval", ErrInvalidConfig).
				WithContext("interval", d).
				WithContext("reason", "interval must be positive")
		}
		c.pollInterval = d
		return nil
	}
}

// WithMaxConcurrentSteps bounds parallel job steps (default 4)
func WithMaxConcurrentSteps(n int) Option {
	return func(c *internalConfig) error {
		if n <= 0 {
			return NewClientError("WithMaxConcurrentSteps", ErrInvalidConfig).
				WithContext("n", n).
				WithContext("reason", "must be positive")
		}
		c.maxConcurrentSteps = n
		return nil
	}
}

// WithSweepInterval sets how often the in-flight sweeper runs (default 30s)
func WithSweepInterval(d time.Duration) Option {
	return func(c *internalConfig) error {
		if d <= 0 {
			return NewClientError("WithSweepInterval", ErrInvalidConfig).
				WithContext("interval", d).
				WithContext("reason", "interval must be positive")
		}
		c.sweepInterval = d
		return nil
	}
}

// WithSweepRetention sets how long finished in-flight rows keep their raw
// result before the sweeper retires them (default 15m)
func WithSweepRetention(d time.Duration) Option {
	return func(c *internalConfig) error {
		if d <= 0 {
			return NewClientError("WithSweepRetention", ErrInvalidConfig).
				WithContext("retention", d).
				WithContext("reason", "retention must be positive")
		}
		c.sweepRetention = d
		return nil
	}
}

// WithRequestTimeout sets the per-attempt worker request deadline
// (default 90s, capped at 180s)
func WithRequestTimeout(d time.Duration) Option {
	return func(c *internalConfig) error {
		if d <= 0 {
			return NewClientError("WithRequestTimeout", ErrInvalidConfig).
				WithContext("timeout", d).
				WithContext("reason", "timeout must be positive")
		}
		c.requestTimeoutMs = d.Milliseconds()
		return nil
	}
}

// WithActiveTab supplies the currently focused tab so the dispatch queue
// can prefer its requests
func WithActiveTab(fn func() int) Option {
	return func(c *internalConfig) error {
		if fn == nil {
			return NewClientError("WithActiveTab", ErrInvalidConfig).
				WithContext("reason", "active tab func must not be nil")
		}
		c.activeTab = fn
		return nil
	}
}

// WithTools registers additional tools alongside the built-in set
func WithTools(defs ...tool.Definition) Option {
	return func(c *internalConfig) error {
		for _, def := range defs {
			if def.Name == "" {
				return NewClientError("WithTools", ErrInvalidConfig).
					WithContext("reason", "tool name must not be empty")
			}
			if def.Handler == nil {
				return NewClientError("WithTools", ErrInvalidConfig).
					WithContext("tool", def.Name).
					WithContext("reason", "tool has no handler")
			}
			c.tools = append(c.tools, def)
		}
		return nil
	}
}

// WithTranslator replaces the worker-backed block translator. Tests and
// embedders with their own translation transport use this.
func WithTranslator(fn builtin.TranslateFunc) Option {
	return func(c *internalConfig) error {
		if fn == nil {
			return NewClientError("WithTranslator", ErrInvalidConfig).
				WithContext("reason", "translate func must not be nil")
		}
		c.translate = fn
		return nil
	}
}

// WithScanRequester sets the callback that asks the page for a (re)scan.
// Without it, jobs wait in preparing until SubmitScan is called.
func WithScanRequester(fn scheduler.ScanRequester) Option {
	return func(c *internalConfig) error {
		if fn == nil {
			return NewClientError("WithScanRequester", ErrInvalidConfig).
				WithContext("reason", "scan requester must not be nil")
		}
		c.requestScan = fn
		return nil
	}
}
