package host

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/pageglot/pageglot/modelio"
)

func testAnthropic() *Anthropic {
	return &Anthropic{model: "claude-test", maxTokens: 4096}
}

func TestAnthropicBuildParamsFoldsSystemItems(t *testing.T) {
	p := testAnthropic()
	params, err := p.buildParams(modelio.Request{
		Instructions: "you translate web pages",
		Input: []modelio.Item{
			modelio.SystemMessage("tone: formal"),
			modelio.DeveloperMessage("never translate code"),
			modelio.UserMessage("hola"),
		},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Model != "claude-test" {
		t.Errorf("model = %q, want claude-test", params.Model)
	}
	if params.MaxTokens != 4096 {
		t.Errorf("maxTokens = %d, want 4096", params.MaxTokens)
	}
	if len(params.System) != 3 {
		t.Fatalf("system blocks = %d, want 3", len(params.System))
	}
	if params.System[0].Text != "you translate web pages" {
		t.Errorf("system[0] = %q", params.System[0].Text)
	}
	if len(params.Messages) != 1 || params.Messages[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("messages = %d, want one user message", len(params.Messages))
	}
}

func TestAnthropicBuildParamsMergesAdjacentRoles(t *testing.T) {
	p := testAnthropic()
	params, err := p.buildParams(modelio.Request{
		Input: []modelio.Item{
			modelio.UserMessage("translate this"),
			modelio.AssistantMessage("calling a tool"),
			{Type: modelio.ItemTypeFunctionCall, CallID: "call_1", Name: "lookup", Arguments: `{"term":"x"}`},
			modelio.FunctionCallOutput("call_1", `{"ok":true}`),
			modelio.UserMessage("continue"),
		},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	// user / assistant(text+tool_use) / user(tool_result+text)
	if len(params.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(params.Messages))
	}
	if params.Messages[1].Role != anthropic.MessageParamRoleAssistant || len(params.Messages[1].Content) != 2 {
		t.Errorf("assistant message blocks = %d, want text+tool_use", len(params.Messages[1].Content))
	}
	if params.Messages[2].Role != anthropic.MessageParamRoleUser || len(params.Messages[2].Content) != 2 {
		t.Errorf("trailing user blocks = %d, want tool_result+text", len(params.Messages[2].Content))
	}
}

func TestAnthropicBuildParamsRejectsEmptyConversation(t *testing.T) {
	p := testAnthropic()
	_, err := p.buildParams(modelio.Request{
		Input: []modelio.Item{modelio.SystemMessage("only system")},
	})
	re, ok := modelio.AsRequestError(err)
	if !ok || re.HTTPStatus != 400 {
		t.Errorf("err = %v, want a 400 request error", err)
	}
}

func TestAnthropicBuildParamsThinking(t *testing.T) {
	p := testAnthropic()
	params, err := p.buildParams(modelio.Request{
		Input:           []modelio.Item{modelio.UserMessage("hi")},
		MaxOutputTokens: 1000,
		Reasoning:       &modelio.Reasoning{Effort: "medium"},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Thinking.OfEnabled == nil {
		t.Fatal("thinking not enabled")
	}
	// The token ceiling must leave room above the thinking budget.
	if params.MaxTokens <= 2048 {
		t.Errorf("maxTokens = %d, want > thinking budget", params.MaxTokens)
	}
}

func TestAnthropicTools(t *testing.T) {
	tools, err := anthropicTools([]modelio.ToolDef{{
		Name:        "replace_text",
		Description: "replace a text block",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}}}`),
	}})
	if err != nil {
		t.Fatalf("anthropicTools: %v", err)
	}
	if len(tools) != 1 || tools[0].OfTool == nil {
		t.Fatalf("tools = %d", len(tools))
	}
	if tools[0].OfTool.Name != "replace_text" {
		t.Errorf("tool name = %q", tools[0].OfTool.Name)
	}
	if tools[0].OfTool.InputSchema.ExtraFields["type"] != "object" {
		t.Errorf("schema type = %v", tools[0].OfTool.InputSchema.ExtraFields["type"])
	}

	if _, err := anthropicTools([]modelio.ToolDef{{Name: "bad", Parameters: json.RawMessage(`{`)}}); err == nil {
		t.Error("malformed schema accepted")
	}
}

func TestAnthropicToolChoice(t *testing.T) {
	if _, ok, err := anthropicToolChoice(""); ok || err != nil {
		t.Errorf("empty choice: ok=%v err=%v", ok, err)
	}
	if _, ok, err := anthropicToolChoice("auto"); ok || err != nil {
		t.Errorf("auto choice: ok=%v err=%v", ok, err)
	}
	tc, ok, err := anthropicToolChoice("none")
	if !ok || err != nil || tc.OfNone == nil {
		t.Errorf("none choice: ok=%v err=%v", ok, err)
	}
	tc, ok, err = anthropicToolChoice("required")
	if !ok || err != nil || tc.OfAny == nil {
		t.Errorf("required choice: ok=%v err=%v", ok, err)
	}
	tc, ok, err = anthropicToolChoice("replace_text")
	if !ok || err != nil || tc.OfTool == nil {
		t.Fatalf("named choice: ok=%v err=%v", ok, err)
	}
	if tc.OfTool.Name != "replace_text" {
		t.Errorf("named choice tool = %q", tc.OfTool.Name)
	}
}

func TestThinkingBudget(t *testing.T) {
	for effort, want := range map[string]int64{"low": 1024, "medium": 2048, "high": 4096, "": 0, "odd": 0} {
		if got := thinkingBudget(effort); got != want {
			t.Errorf("thinkingBudget(%q) = %d, want %d", effort, got, want)
		}
	}
}
