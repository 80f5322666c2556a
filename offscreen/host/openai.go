package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/pageglot/pageglot/modelio"
)

// OpenAIConfig configures the OpenAI-backed provider.
type OpenAIConfig struct {
	// APIKey authenticates against the API. Ignored when Client is set.
	APIKey string

	// BaseURL points the client at an OpenAI-compatible gateway.
	BaseURL string

	// Client overrides APIKey/BaseURL, for tests or shared clients.
	Client *openai.Client

	// Model is used when a request does not name one.
	Model string

	// MaxTokens caps completions when a request does not.
	MaxTokens int
}

// OpenAI implements Provider on the Chat Completions API.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAI validates cfg and returns the provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	client := cfg.Client
	if client == nil {
		if cfg.APIKey == "" {
			return nil, errors.New("host: openai provider requires an api key")
		}
		if cfg.BaseURL != "" {
			conf := openai.DefaultConfig(cfg.APIKey)
			conf.BaseURL = cfg.BaseURL
			client = openai.NewClientWithConfig(conf)
		} else {
			client = openai.NewClient(cfg.APIKey)
		}
	}
	if cfg.Model == "" {
		return nil, errors.New("host: openai provider requires a default model")
	}
	return &OpenAI{client: client, model: cfg.Model, maxTokens: cfg.MaxTokens}, nil
}

func (p *OpenAI) Name() string { return "openai" }

// Complete implements Provider.
func (p *OpenAI) Complete(ctx context.Context, req modelio.Request, emit func(string)) (*modelio.Response, error) {
	ccr := p.buildRequest(req)
	if emit != nil {
		return p.completeStream(ctx, ccr, emit)
	}

	resp, err := p.client.CreateChatCompletion(ctx, ccr)
	if err != nil {
		return nil, openaiError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &modelio.RequestError{Message: "openai returned no choices"}
	}
	msg := resp.Choices[0].Message
	return &modelio.Response{
		Model:  resp.Model,
		Output: openaiOutput(msg.Content, msg.ToolCalls),
		Usage: modelio.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		Status: "completed",
	}, nil
}

func (p *OpenAI) completeStream(ctx context.Context, ccr openai.ChatCompletionRequest, emit func(string)) (*modelio.Response, error) {
	ccr.Stream = true
	ccr.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := p.client.CreateChatCompletionStream(ctx, ccr)
	if err != nil {
		return nil, openaiError(err)
	}
	defer stream.Close()

	var (
		text      strings.Builder
		toolCalls []openai.ToolCall
		usage     modelio.Usage
		model     string
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, openaiError(err)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = modelio.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			emit(delta.Content)
		}
		// Tool call fragments arrive indexed; id and name on the first
		// fragment, argument text accumulated across the rest.
		for _, tc := range delta.ToolCalls {
			idx := len(toolCalls) - 1
			if tc.Index != nil {
				idx = *tc.Index
			}
			if idx < 0 {
				continue
			}
			for idx >= len(toolCalls) {
				toolCalls = append(toolCalls, openai.ToolCall{Type: openai.ToolTypeFunction})
			}
			cur := &toolCalls[idx]
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Function.Name = tc.Function.Name
			}
			cur.Function.Arguments += tc.Function.Arguments
		}
	}
	return &modelio.Response{
		Model:  model,
		Output: openaiOutput(text.String(), toolCalls),
		Usage:  usage,
		Status: "completed",
	}, nil
}

// buildRequest folds the item conversation into chat-completions form.
// Consecutive function_call items join one assistant message's tool_calls
// so their tool outputs can legally follow it.
func (p *OpenAI) buildRequest(req modelio.Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Input)+1)
	if req.Instructions != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Instructions,
		})
	}
	for _, it := range req.Input {
		switch it.Type {
		case modelio.ItemTypeMessage:
			role := openai.ChatMessageRoleUser
			switch it.Role {
			case modelio.RoleAssistant:
				role = openai.ChatMessageRoleAssistant
			case modelio.RoleSystem, modelio.RoleDeveloper:
				role = openai.ChatMessageRoleSystem
			}
			msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: it.Content})
		case modelio.ItemTypeFunctionCall:
			call := openai.ToolCall{
				ID:       it.CallID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: it.Name, Arguments: it.Arguments},
			}
			if n := len(msgs); n > 0 && msgs[n-1].Role == openai.ChatMessageRoleAssistant && len(msgs[n-1].ToolCalls) > 0 {
				msgs[n-1].ToolCalls = append(msgs[n-1].ToolCalls, call)
				continue
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{call},
			})
		case modelio.ItemTypeFunctionCallOutput:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: it.CallID,
				Content:    it.Output,
			})
		case modelio.ItemTypeReasoning:
			// reasoning ids are not reusable across requests
		}
	}

	ccr := openai.ChatCompletionRequest{Model: model, Messages: msgs}
	if req.MaxOutputTokens > 0 {
		ccr.MaxCompletionTokens = req.MaxOutputTokens
	} else if p.maxTokens > 0 {
		ccr.MaxCompletionTokens = p.maxTokens
	}
	if req.Reasoning != nil && req.Reasoning.Effort != "" {
		ccr.ReasoningEffort = req.Reasoning.Effort
	}
	for _, def := range req.Tools {
		if def.Name == "" {
			continue
		}
		var params any
		if len(def.Parameters) > 0 {
			params = json.RawMessage(def.Parameters)
		}
		ccr.Tools = append(ccr.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	switch req.ToolChoice {
	case "", "auto":
	case "none", "required":
		ccr.ToolChoice = req.ToolChoice
	default:
		ccr.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.ToolChoice},
		}
	}
	return ccr
}

func openaiOutput(content string, calls []openai.ToolCall) []modelio.Item {
	var out []modelio.Item
	if content != "" {
		out = append(out, modelio.AssistantMessage(content))
	}
	for _, tc := range calls {
		if tc.Function.Name == "" {
			continue
		}
		out = append(out, modelio.Item{
			Type:      modelio.ItemTypeFunctionCall,
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

// openaiError keeps the HTTP status and provider code visible to the
// orchestrator's error classifier.
func openaiError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if s, ok := apiErr.Code.(string); ok {
			code = s
		}
		return &modelio.RequestError{
			HTTPStatus: apiErr.HTTPStatusCode,
			Code:       code,
			Message:    apiErr.Message,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &modelio.RequestError{HTTPStatus: reqErr.HTTPStatusCode, Message: err.Error()}
	}
	return &modelio.RequestError{Message: err.Error()}
}
