package pageglot

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pageglot/pageglot/hooks"
	"github.com/pageglot/pageglot/internal/clock"
	"github.com/pageglot/pageglot/offscreen"
	"github.com/pageglot/pageglot/runner"
	"github.com/pageglot/pageglot/scheduler"
	"github.com/pageglot/pageglot/tool"
	"github.com/pageglot/pageglot/tool/builtin"
)

// Config holds the required configuration for a Client.
// The storage driver is passed separately to NewClient().
//
// Example:
//
//	drv := pgxv5.New(pool)
//	client, _ := pageglot.NewClient(drv, pageglot.Config{
//	    Dial: wsport.Dialer("ws://127.0.0.1:8765/port", nil),
//	})
type Config struct {
	// Dial connects to the out-of-process worker that performs the model
	// calls (required). Use wsport.Dialer for the WebSocket transport.
	Dial offscreen.Dialer
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Dial == nil {
		return fmt.Errorf("%w: Dial is required", ErrInvalidConfig)
	}
	return nil
}

// internalConfig holds the full client configuration including optional
// parameters
type internalConfig struct {
	// Required from Config
	dial offscreen.Dialer

	// Identity and plumbing
	instanceID string
	logger     *slog.Logger
	clk        clock.Clock
	metricsReg prometheus.Registerer

	// Model routing and loop budgets
	models       runner.ModelMap
	planning     *runner.Budgets
	execution    *runner.Budgets
	proofreading *runner.Budgets

	// Scheduling
	retry              scheduler.RetryPolicy
	leaseMs            int64
	watchdogMs         int64
	pollInterval       time.Duration
	maxConcurrentSteps int

	// In-flight sweeping and request timeouts
	sweepInterval    time.Duration
	sweepRetention   time.Duration
	requestTimeoutMs int64

	// Integration points
	activeTab   func() int
	requestScan scheduler.ScanRequester
	translate   builtin.TranslateFunc

	// Internal state
	tools []tool.Definition
	hooks *hooks.Registry
}

// newInternalConfig creates a new internal config from the public Config
func newInternalConfig(cfg Config) *internalConfig {
	return &internalConfig{
		dial: cfg.Dial,

		// Defaults
		models: runner.DefaultModels(),
		retry:  scheduler.DefaultRetryPolicy(),

		// Zero values below defer to the subsystem defaults: 30s lease,
		// 120s watchdog, 1s poll, 4 concurrent steps, 30s sweep interval,
		// 15m result retention, 90s request timeout.

		tools: []tool.Definition{},
		hooks: hooks.NewRegistry(),
	}
}
