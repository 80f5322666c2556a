// Package tool implements the tool execution engine: schema validation,
// restart-stable argument hashing, idempotent replay, per-tool queue
// backpressure, and debounced coalescing, with every settled call appended
// to the job's execution trace.
package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/settings"
	"github.com/pageglot/pageglot/storage"
)

// IdempotencyMode selects how repeated calls to a tool are deduplicated.
type IdempotencyMode string

const (
	// IdempotencyNone always re-executes.
	IdempotencyNone IdempotencyMode = "none"

	// IdempotencyByCallID replays the cached output for a call_id the
	// engine has already settled.
	IdempotencyByCallID IdempotencyMode = "by_call_id"

	// IdempotencyByArgsHash replays the cached output for an identical
	// (toolName, argsHash) pair, regardless of call_id.
	IdempotencyByArgsHash IdempotencyMode = "by_args_hash"
)

// SideEffect categorizes what a tool touches; side-effecting tools get an
// execution lease so interrupted work can be detected after a restart.
type SideEffect string

const (
	SideEffectNone         SideEffect = "none"
	SideEffectDOMWrite     SideEffect = "dom_write"
	SideEffectStorageWrite SideEffect = "storage_write"
	SideEffectNetwork      SideEffect = "network"
)

// Leased reports whether executions of this category hold a lease.
func (s SideEffect) Leased() bool {
	switch s {
	case SideEffectDOMWrite, SideEffectStorageWrite, SideEffectNetwork:
		return true
	default:
		return false
	}
}

// Source says who asked for the call.
type Source string

const (
	// SourceModel marks calls emitted by the model.
	SourceModel Source = "model"

	// SourceSystem marks calls synthesized by the orchestrator, for
	// example during planning fallback.
	SourceSystem Source = "system"
)

// QoS carries a tool's queueing, debouncing, and payload limits.
type QoS struct {
	// QueueDepthLimit caps concurrent queued executions. Zero means the
	// default (200); values below the minimum (10) are raised to it.
	QueueDepthLimit int `json:"queueDepthLimit,omitempty"`

	// DebounceMs enables coalescing together with CoalesceKey. Values
	// above zero are floored at 8ms.
	DebounceMs int `json:"debounceMs,omitempty"`

	// CoalesceKey names the argument whose value groups coalesced calls.
	CoalesceKey string `json:"coalesceKey,omitempty"`

	// CacheTtlMs bounds args-hash replay age. Zero means no TTL.
	CacheTtlMs int64 `json:"cacheTtlMs,omitempty"`

	// MaxPayloadBytes rejects oversized argument payloads. Zero means
	// unlimited.
	MaxPayloadBytes int `json:"maxPayloadBytes,omitempty"`
}

const (
	defaultQueueDepthLimit = 200
	minQueueDepthLimit     = 10
	minDebounceMs          = 8
	defaultToolVersion     = "1.0.0"
)

// Invocation is what a tool handler receives.
type Invocation struct {
	// Job is the owning job record. Handlers may mutate the fields they
	// own (blocks, plan, markers); the engine persists after the call.
	Job *storage.JobRecord

	// Stage is the agent phase issuing the call.
	Stage jobstate.Stage

	// CallID is the model-assigned call id, empty for system calls.
	CallID string

	// RequestID correlates system-synthesized calls.
	RequestID string

	// Source says whether the model or the orchestrator asked.
	Source Source

	// Args is the raw JSON argument object, already schema-validated.
	Args json.RawMessage

	// Settings is the resolved user-settings view.
	Settings settings.Effective

	// Log is scoped to the job.
	Log *slog.Logger
}

// ArgsMap decodes Args into a map; invalid or empty input yields an empty
// map.
func (inv Invocation) ArgsMap() map[string]any {
	out := map[string]any{}
	if len(inv.Args) > 0 {
		_ = json.Unmarshal(inv.Args, &out)
	}
	return out
}

// Handler executes one tool call. It returns an object (serialized by the
// engine), a pre-serialized string, or an error. Errors built with WithCode
// surface their code in the failure envelope.
type Handler func(ctx context.Context, inv Invocation) (any, error)

// Definition describes one registered tool.
type Definition struct {
	// Name is the dotted tool name, for example "page.apply_delta".
	Name string

	// Description is shown to the model in the tools spec.
	Description string

	// Scope lists the stages the tool is visible in. Empty means all.
	Scope []jobstate.Stage

	// Parameters is the JSON Schema for the argument object. Nil skips
	// validation.
	Parameters json.RawMessage

	// Idempotency selects the replay mode. Empty means none.
	Idempotency IdempotencyMode

	// QoS carries queueing and coalescing limits.
	QoS QoS

	// SideEffects categorizes the tool for lease assignment.
	SideEffects SideEffect

	// Version is the tool's semver, defaulting to "1.0.0".
	Version string

	// Handler executes the call.
	Handler Handler

	compiled *jsonschema.Schema
}

// InScope reports whether the tool is visible in stage.
func (d *Definition) InScope(stage jobstate.Stage) bool {
	if len(d.Scope) == 0 {
		return true
	}
	for _, s := range d.Scope {
		if s == stage {
			return true
		}
	}
	return false
}

// Coalesces reports whether the tool is configured for debounced
// coalescing.
func (d *Definition) Coalesces() bool {
	return d.QoS.CoalesceKey != "" && d.QoS.DebounceMs > 0
}

// normalize applies defaults in place.
func (d *Definition) normalize() {
	d.Name = NormalizeName(d.Name)
	if d.Version == "" {
		d.Version = defaultToolVersion
	}
	if d.Idempotency == "" {
		d.Idempotency = IdempotencyNone
	}
	if d.SideEffects == "" {
		d.SideEffects = SideEffectNone
	}
	if d.QoS.QueueDepthLimit <= 0 {
		d.QoS.QueueDepthLimit = defaultQueueDepthLimit
	} else if d.QoS.QueueDepthLimit < minQueueDepthLimit {
		d.QoS.QueueDepthLimit = minQueueDepthLimit
	}
	if d.QoS.DebounceMs > 0 && d.QoS.DebounceMs < minDebounceMs {
		d.QoS.DebounceMs = minDebounceMs
	}
}

// NormalizeName canonicalizes a dotted tool name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
