package modelio

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ToolDef is a tool schema exposed to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Reasoning configures the model's reasoning effort for one request.
type Reasoning struct {
	Effort string `json:"effort,omitempty"`
}

// Request is one model turn. When PreviousResponseID is set, Input carries
// only the delta since that response; the executor side resolves the chain.
type Request struct {
	Model              string     `json:"model"`
	Instructions       string     `json:"instructions,omitempty"`
	Input              []Item     `json:"input"`
	Tools              []ToolDef  `json:"tools,omitempty"`
	ToolChoice         string     `json:"tool_choice,omitempty"`
	PreviousResponseID string     `json:"previous_response_id,omitempty"`
	MaxOutputTokens    int        `json:"max_output_tokens,omitempty"`
	Reasoning          *Reasoning `json:"reasoning,omitempty"`
	Stream             bool       `json:"stream,omitempty"`
}

// Usage contains token usage statistics for one response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add combines two Usage values.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// Response is a completed model turn.
type Response struct {
	ID     string `json:"id"`
	Model  string `json:"model,omitempty"`
	Output []Item `json:"output"`
	Usage  Usage  `json:"usage"`
	Status string `json:"status,omitempty"`
}

// StreamEvent is one frame of a streaming model response. Delta frames carry
// incremental output text; the final frame carries the full response.
type StreamEvent struct {
	Type     string    `json:"type"`
	Delta    string    `json:"delta,omitempty"`
	Response *Response `json:"response,omitempty"`
}

const (
	StreamEventDelta     = "response.output_text.delta"
	StreamEventCompleted = "response.completed"
	StreamEventFailed    = "response.failed"
)

// RequestError is a model request failure carrying enough structure for the
// caller to classify it: HTTP status, a provider error code, and the message.
type RequestError struct {
	HTTPStatus int    `json:"httpStatus"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("model request failed: status=%d code=%s: %s", e.HTTPStatus, e.Code, e.Message)
	}
	return fmt.Sprintf("model request failed: status=%d: %s", e.HTTPStatus, e.Message)
}

// AsRequestError unwraps err to a *RequestError if one is in the chain.
func AsRequestError(err error) (*RequestError, bool) {
	var re *RequestError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
