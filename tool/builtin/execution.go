package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pageglot/pageglot/events"
	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/shaper"
	"github.com/pageglot/pageglot/storage"
	"github.com/pageglot/pageglot/tool"
)

const schemaTranslateBlockStream = `{
	"type": "object",
	"properties": {
		"blockIds": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"minItems": 1
		},
		"targetLang": {"type": "string"}
	},
	"required": ["blockIds"],
	"additionalProperties": false
}`

// translateBlockStream sends a batch of blocks to the remote executor and
// stores the translations on the blocks. Blocks that already carry a
// translation are served from the job record without a transport call.
func translateBlockStream(deps Deps) tool.Definition {
	return tool.Definition{
		Name:        NameTranslateBlockStream,
		Description: "Translate a batch of blocks via the remote executor, streaming partial output to the page layer.",
		Scope:       []jobstate.Stage{jobstate.StageExecution, jobstate.StageProofreading},
		Parameters:  json.RawMessage(schemaTranslateBlockStream),
		Idempotency: tool.IdempotencyByArgsHash,
		SideEffects: tool.SideEffectNetwork,
		QoS: tool.QoS{
			CacheTtlMs:      300_000,
			MaxPayloadBytes: 131_072,
		},
		Handler: func(ctx context.Context, inv tool.Invocation) (any, error) {
			var args struct {
				BlockIDs   []string `json:"blockIds"`
				TargetLang string   `json:"targetLang"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}
			if deps.Translate == nil {
				return nil, tool.WithCode(jobstate.CodeOffscreenUnavailable,
					errors.New("no translator transport configured"))
			}

			targetLang := firstNonEmpty(args.TargetLang, inv.Job.TargetLang, inv.Settings.TargetLang)

			translations := map[string]string{}
			var request []TranslateBlock
			var missing []string
			for _, id := range args.BlockIDs {
				b, ok := inv.Job.BlocksByID[id]
				if !ok {
					missing = append(missing, id)
					continue
				}
				if b.Translated != "" {
					translations[id] = b.Translated
					continue
				}
				request = append(request, TranslateBlock{ID: id, Text: b.Text})
			}

			if len(request) > 0 {
				res, err := deps.Translate(ctx, TranslateRequest{
					JobID:      inv.Job.JobID,
					TabID:      inv.Job.TabID,
					TargetLang: targetLang,
					Blocks:     request,
					Stream:     inv.Settings.StreamEnabled,
				})
				if err != nil {
					return nil, err
				}
				for id, text := range res.Translations {
					translations[id] = text
					if b, ok := inv.Job.BlocksByID[id]; ok {
						b.Translated = text
						inv.Job.BlocksByID[id] = b
					}
				}
			}

			out := map[string]any{
				"ok":           true,
				"targetLang":   targetLang,
				"translations": translations,
			}
			if len(missing) > 0 {
				out["missing"] = missing
			}
			return out, nil
		},
	}
}

const schemaApplyDelta = `{
	"type": "object",
	"properties": {
		"key": {"type": "string", "minLength": 1},
		"text": {"type": "string"},
		"isFinal": {"type": "boolean"}
	},
	"required": ["key", "text"],
	"additionalProperties": false
}`

// applyDelta writes translated text onto one block. Streamed partials for
// the same key coalesce in the engine; the final call completes the block
// and removes it from the stage's pending set.
func applyDelta(deps Deps) tool.Definition {
	return tool.Definition{
		Name:        NameApplyDelta,
		Description: "Apply translated text to one page block. Set isFinal on the last delta for the block.",
		Scope:       []jobstate.Stage{jobstate.StageExecution, jobstate.StageProofreading},
		Parameters:  json.RawMessage(schemaApplyDelta),
		Idempotency: tool.IdempotencyByCallID,
		SideEffects: tool.SideEffectDOMWrite,
		QoS: tool.QoS{
			CoalesceKey: "key",
			DebounceMs:  50,
		},
		Handler: func(ctx context.Context, inv tool.Invocation) (any, error) {
			var args struct {
				Key     string `json:"key"`
				Text    string `json:"text"`
				IsFinal bool   `json:"isFinal"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}

			block, ok := inv.Job.BlocksByID[args.Key]
			if !ok {
				return nil, tool.WithCode(jobstate.CodeToolExecFailed,
					fmt.Errorf("unknown block %q", args.Key))
			}

			block.Translated = args.Text
			inv.Job.BlocksByID[args.Key] = block
			inv.Job.LastAppliedSeq++
			seq := inv.Job.LastAppliedSeq

			var pending int
			if inv.Stage == jobstate.StageProofreading && inv.Job.Proofreading != nil {
				if args.IsFinal {
					removeBlockID(&inv.Job.Proofreading.PendingBlockIDs, args.Key)
				}
				pending = len(inv.Job.Proofreading.PendingBlockIDs)
			} else {
				if args.IsFinal && removeBlockID(&inv.Job.PendingBlockIDs, args.Key) {
					inv.Job.CompletedBlocks++
				}
				pending = len(inv.Job.PendingBlockIDs)
			}

			publish(deps, events.TopicUIPatch, inv.Job.JobID, map[string]any{
				"key":     args.Key,
				"seq":     seq,
				"final":   args.IsFinal,
				"pending": pending,
			})

			return map[string]any{
				"ok":      true,
				"key":     args.Key,
				"seq":     seq,
				"final":   args.IsFinal,
				"pending": pending,
			}, nil
		},
	}
}

const schemaProofFinish = `{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"corrections": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

// proofFinish records the end of the proofreading pass. The runner moves
// the job to done after this settles.
func proofFinish(deps Deps) tool.Definition {
	return tool.Definition{
		Name:        NameProofFinish,
		Description: "Mark the proofreading pass finished, with an optional summary and correction count.",
		Scope:       []jobstate.Stage{jobstate.StageProofreading},
		Parameters:  json.RawMessage(schemaProofFinish),
		Idempotency: tool.IdempotencyByCallID,
		SideEffects: tool.SideEffectStorageWrite,
		Handler: func(ctx context.Context, inv tool.Invocation) (any, error) {
			var args struct {
				Summary     string `json:"summary"`
				Corrections int    `json:"corrections"`
			}
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}

			if inv.Job.Proofreading == nil {
				inv.Job.Proofreading = &storage.Proofreading{Enabled: true}
			}
			inv.Job.Proofreading.PendingBlockIDs = nil

			now := deps.Clock.NowMs()
			state := inv.Job.EnsureAgentState()
			markChecklist(state, shaper.ChecklistProofread, shaper.StatusDone, now)

			text := "Proofreading finished"
			if args.Corrections > 0 {
				text = fmt.Sprintf("Proofreading finished with %d corrections", args.Corrections)
			}
			if args.Summary != "" {
				text += ": " + args.Summary
			}
			state.AppendReport(storage.Report{Level: "info", Text: text, Ts: now})

			return map[string]any{"ok": true, "corrections": args.Corrections}, nil
		},
	}
}

// removeBlockID removes the first occurrence of id, reporting whether it
// was present.
func removeBlockID(ids *[]string, id string) bool {
	for i, v := range *ids {
		if v == id {
			*ids = append((*ids)[:i], (*ids)[i+1:]...)
			return true
		}
	}
	return false
}
