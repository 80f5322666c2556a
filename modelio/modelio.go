// Package modelio defines the model-facing wire types shared by the agent
// runner and the remote executor: conversation items, requests, responses,
// streaming events, and the classified request error.
//
// Items form a tagged sum over {message, function_call, function_call_output,
// reasoning}. Different fields are populated based on the Type, mirroring the
// shape the model API speaks. Reasoning items are consumed by the orchestrator
// but never echoed back into a later input: their ids are not reusable across
// chained calls.
package modelio

import "encoding/json"

// ItemType discriminates conversation items.
type ItemType string

const (
	ItemTypeMessage            ItemType = "message"
	ItemTypeFunctionCall       ItemType = "function_call"
	ItemTypeFunctionCallOutput ItemType = "function_call_output"
	ItemTypeReasoning          ItemType = "reasoning"
)

// Role is the author of a message item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
)

// Item is a single conversation item. Different fields are populated based
// on the Type.
type Item struct {
	Type ItemType `json:"type"`

	// Item id assigned by the model provider (reasoning, assistant output).
	ID string `json:"id,omitempty"`

	// Message fields (for ItemTypeMessage)
	Role    Role   `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// Tool call fields (for ItemTypeFunctionCall)
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// Tool output field (for ItemTypeFunctionCallOutput; CallID is shared)
	Output string `json:"output,omitempty"`
}

// UserMessage returns a user message item.
func UserMessage(text string) Item {
	return Item{Type: ItemTypeMessage, Role: RoleUser, Content: text}
}

// SystemMessage returns a system message item.
func SystemMessage(text string) Item {
	return Item{Type: ItemTypeMessage, Role: RoleSystem, Content: text}
}

// DeveloperMessage returns a developer message item.
func DeveloperMessage(text string) Item {
	return Item{Type: ItemTypeMessage, Role: RoleDeveloper, Content: text}
}

// AssistantMessage returns an assistant message item.
func AssistantMessage(text string) Item {
	return Item{Type: ItemTypeMessage, Role: RoleAssistant, Content: text}
}

// FunctionCallOutput returns a tool output item for the given call id. The
// output must already be a serialized JSON string.
func FunctionCallOutput(callID, output string) Item {
	return Item{Type: ItemTypeFunctionCallOutput, CallID: callID, Output: output}
}

// ToolCall is a tool invocation extracted from model output.
type ToolCall struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Item converts the call back into a conversation item.
func (c ToolCall) Item() Item {
	return Item{
		Type:      ItemTypeFunctionCall,
		CallID:    c.CallID,
		Name:      c.Name,
		Arguments: c.Arguments,
	}
}

// ArgsMap decodes the call's arguments JSON into a map. Empty or invalid
// arguments decode to an empty map.
func (c ToolCall) ArgsMap() map[string]any {
	out := map[string]any{}
	if c.Arguments == "" {
		return out
	}
	if err := json.Unmarshal([]byte(c.Arguments), &out); err != nil {
		return map[string]any{}
	}
	return out
}

// ExtractToolCalls splits model output items into tool calls and reasoning
// items. Duplicate call_ids keep the first occurrence. Message items are
// ignored here; use FinalText for them.
func ExtractToolCalls(items []Item) (calls []ToolCall, reasoning []Item) {
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		switch it.Type {
		case ItemTypeFunctionCall:
			if it.CallID != "" && seen[it.CallID] {
				continue
			}
			seen[it.CallID] = true
			calls = append(calls, ToolCall{CallID: it.CallID, Name: it.Name, Arguments: it.Arguments})
		case ItemTypeReasoning:
			reasoning = append(reasoning, it)
		}
	}
	return calls, reasoning
}

// BuildOutputWithCalls assembles model output items from tool calls.
// ExtractToolCalls is its inverse for inputs without duplicate call_ids.
func BuildOutputWithCalls(calls []ToolCall) []Item {
	items := make([]Item, 0, len(calls))
	for _, c := range calls {
		items = append(items, c.Item())
	}
	return items
}

// FinalText returns the text of the last assistant message in the output,
// or "" if there is none.
func FinalText(items []Item) string {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Type == ItemTypeMessage && items[i].Role == RoleAssistant {
			return items[i].Content
		}
	}
	return ""
}
