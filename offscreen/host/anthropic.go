package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/pageglot/pageglot/modelio"
)

// MessagesClient is the subset of the Anthropic SDK used by the provider,
// satisfied by *anthropic.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
	NewStreaming(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

// AnthropicConfig configures the Anthropic-backed provider.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API. Ignored when
	// Messages is set.
	APIKey string

	// Messages overrides the SDK client, for tests or custom transports.
	Messages MessagesClient

	// Model is used when a request does not name one.
	Model string

	// MaxTokens caps completions when a request does not (default 4096).
	MaxTokens int64
}

// Anthropic implements Provider on the Claude Messages API.
type Anthropic struct {
	msg       MessagesClient
	model     string
	maxTokens int64
}

// NewAnthropic validates cfg and returns the provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	msg := cfg.Messages
	if msg == nil {
		if cfg.APIKey == "" {
			return nil, errors.New("host: anthropic provider requires an api key")
		}
		client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
		msg = &client.Messages
	}
	if cfg.Model == "" {
		return nil, errors.New("host: anthropic provider requires a default model")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Anthropic{msg: msg, model: cfg.Model, maxTokens: maxTokens}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

// Complete implements Provider.
func (p *Anthropic) Complete(ctx context.Context, req modelio.Request, emit func(string)) (*modelio.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	if emit == nil {
		msg, err := p.msg.New(ctx, *params)
		if err != nil {
			return nil, anthropicError(err)
		}
		return translateAnthropicMessage(msg), nil
	}

	stream := p.msg.NewStreaming(ctx, *params)
	var msg anthropic.Message
	for stream.Next() {
		event := stream.Current()
		_ = msg.Accumulate(event)
		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
				emit(d.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, anthropicError(err)
	}
	return translateAnthropicMessage(&msg), nil
}

// buildParams maps the item conversation onto the Messages API. System and
// developer items fold into the system blocks; adjacent items of the same
// role merge into one message so tool results can follow their calls.
func (p *Anthropic) buildParams(req modelio.Request) (*anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := int64(req.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	var system []anthropic.TextBlockParam
	if req.Instructions != "" {
		system = append(system, anthropic.TextBlockParam{Text: req.Instructions})
	}

	var msgs []anthropic.MessageParam
	appendBlock := func(role anthropic.MessageParamRole, block anthropic.ContentBlockParamUnion) {
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content = append(msgs[n-1].Content, block)
			return
		}
		if role == anthropic.MessageParamRoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
			return
		}
		msgs = append(msgs, anthropic.NewUserMessage(block))
	}

	for _, it := range req.Input {
		switch it.Type {
		case modelio.ItemTypeMessage:
			switch it.Role {
			case modelio.RoleSystem, modelio.RoleDeveloper:
				if it.Content != "" {
					system = append(system, anthropic.TextBlockParam{Text: it.Content})
				}
			case modelio.RoleAssistant:
				appendBlock(anthropic.MessageParamRoleAssistant, anthropic.NewTextBlock(it.Content))
			default:
				appendBlock(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(it.Content))
			}
		case modelio.ItemTypeFunctionCall:
			var input any = map[string]any{}
			if it.Arguments != "" {
				input = json.RawMessage(it.Arguments)
			}
			appendBlock(anthropic.MessageParamRoleAssistant, anthropic.NewToolUseBlock(it.CallID, input, it.Name))
		case modelio.ItemTypeFunctionCallOutput:
			appendBlock(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(it.CallID, it.Output, false))
		case modelio.ItemTypeReasoning:
			// reasoning ids are not reusable across requests
		}
	}
	if len(msgs) == 0 {
		return nil, &modelio.RequestError{HTTPStatus: 400, Message: "request has no user or assistant items"}
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	tc, ok, err := anthropicToolChoice(req.ToolChoice)
	if err != nil {
		return nil, err
	}
	if ok {
		params.ToolChoice = tc
	}
	if req.Reasoning != nil {
		if budget := thinkingBudget(req.Reasoning.Effort); budget > 0 {
			if params.MaxTokens <= budget {
				params.MaxTokens = budget + 1024
			}
			params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		}
	}
	return params, nil
}

func thinkingBudget(effort string) int64 {
	switch effort {
	case "low":
		return 1024
	case "medium":
		return 2048
	case "high":
		return 4096
	}
	return 0
}

func anthropicTools(defs []modelio.ToolDef) ([]anthropic.ToolUnionParam, error) {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema := anthropic.ToolInputSchemaParam{}
		if len(def.Parameters) > 0 {
			var m map[string]any
			if err := json.Unmarshal(def.Parameters, &m); err != nil {
				return nil, fmt.Errorf("host: tool %s schema: %w", def.Name, err)
			}
			schema.ExtraFields = m
		}
		u := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = anthropic.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools, nil
}

func anthropicToolChoice(choice string) (anthropic.ToolChoiceUnionParam, bool, error) {
	switch choice {
	case "", "auto":
		return anthropic.ToolChoiceUnionParam{}, false, nil
	case "none":
		none := anthropic.NewToolChoiceNoneParam()
		return anthropic.ToolChoiceUnionParam{OfNone: &none}, true, nil
	case "required", "any":
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}, true, nil
	default:
		return anthropic.ToolChoiceParamOfTool(choice), true, nil
	}
}

func translateAnthropicMessage(msg *anthropic.Message) *modelio.Response {
	out := make([]modelio.Item, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			if b.Text != "" {
				out = append(out, modelio.AssistantMessage(b.Text))
			}
		case anthropic.ToolUseBlock:
			out = append(out, modelio.Item{
				Type:      modelio.ItemTypeFunctionCall,
				CallID:    b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	in := int(msg.Usage.InputTokens)
	outTok := int(msg.Usage.OutputTokens)
	return &modelio.Response{
		Model:  string(msg.Model),
		Output: out,
		Usage:  modelio.Usage{InputTokens: in, OutputTokens: outTok, TotalTokens: in + outTok},
		Status: "completed",
	}
}

// anthropicError keeps the HTTP status visible to the orchestrator's error
// classifier.
func anthropicError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &modelio.RequestError{
			HTTPStatus: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return &modelio.RequestError{Message: err.Error()}
}
