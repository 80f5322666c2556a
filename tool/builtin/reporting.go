package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pageglot/pageglot/shaper"
	"github.com/pageglot/pageglot/storage"
	"github.com/pageglot/pageglot/tool"
)

const schemaAppendReport = `{
	"type": "object",
	"properties": {
		"level": {"type": "string", "enum": ["info", "warning", "error"]},
		"text": {"type": "string", "minLength": 1},
		"code": {"type": "string"}
	},
	"required": ["text"],
	"additionalProperties": false
}`

// appendReport adds a user-visible report line. The report log is bounded;
// the oldest lines fall off.
func appendReport(deps Deps) tool.Definition {
	return tool.Definition{
		Name:        NameAppendReport,
		Description: "Append a user-visible report line (info, warning, or error) to the job's report log.",
		Parameters:  json.RawMessage(schemaAppendReport),
		Idempotency: tool.IdempotencyByCallID,
		SideEffects: tool.SideEffectStorageWrite,
		Handler: func(ctx context.Context, inv tool.Invocation) (any, error) {
			var args struct {
				Level string `json:"level"`
				Text  string `json:"text"`
				Code  string `json:"code"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}
			if args.Level == "" {
				args.Level = "info"
			}

			state := inv.Job.EnsureAgentState()
			state.AppendReport(storage.Report{
				Level: args.Level,
				Text:  args.Text,
				Code:  args.Code,
				Ts:    deps.Clock.NowMs(),
			})

			return map[string]any{"ok": true, "reports": len(state.Reports)}, nil
		},
	}
}

const schemaUpdateChecklist = `{
	"type": "object",
	"properties": {
		"item": {"type": "string", "minLength": 1},
		"status": {"type": "string", "enum": ["pending", "in_progress", "done", "skipped"]}
	},
	"required": ["item", "status"],
	"additionalProperties": false
}`

// updateChecklist sets the status of a checklist item, appending the item
// if it does not exist yet.
func updateChecklist(deps Deps) tool.Definition {
	return tool.Definition{
		Name:        NameUpdateChecklist,
		Description: "Update the status of a progress checklist item. Unknown items are appended.",
		Parameters:  json.RawMessage(schemaUpdateChecklist),
		Idempotency: tool.IdempotencyByCallID,
		SideEffects: tool.SideEffectStorageWrite,
		Handler: func(ctx context.Context, inv tool.Invocation) (any, error) {
			var args struct {
				Item   string `json:"item"`
				Status string `json:"status"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}

			state := inv.Job.EnsureAgentState()
			markChecklist(state, args.Item, args.Status, deps.Clock.NowMs())

			return map[string]any{"ok": true, "item": args.Item, "status": args.Status}, nil
		},
	}
}

const schemaCompressContext = `{
	"type": "object",
	"properties": {
		"maxTokens": {"type": "integer", "minimum": 64}
	},
	"additionalProperties": false
}`

// compressContext rebuilds the bounded context summary from the job record
// so the next model turn can start from a compact transcript.
func compressContext(deps Deps) tool.Definition {
	return tool.Definition{
		Name:        NameCompressContext,
		Description: "Compress the conversation context into a bounded summary of progress, plan state, and recent activity.",
		Parameters:  json.RawMessage(schemaCompressContext),
		Idempotency: tool.IdempotencyByCallID,
		SideEffects: tool.SideEffectStorageWrite,
		Handler: func(ctx context.Context, inv tool.Invocation) (any, error) {
			var args struct {
				MaxTokens int `json:"maxTokens"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}

			state := inv.Job.EnsureAgentState()
			summary := shaper.CompressContext(inv.Job, args.MaxTokens)
			state.ContextSummary = summary

			now := deps.Clock.NowMs()
			tokens := shaper.CountTokens(summary)
			state.Audits = append(state.Audits, storage.Audit{
				Kind: "compress_context",
				Note: fmt.Sprintf("summary rebuilt at %d tokens", tokens),
				Ts:   now,
			})
			state.Audits = append(state.Audits, shaper.AuditProgress(inv.Job, now))

			return map[string]any{"ok": true, "tokens": tokens}, nil
		},
	}
}
