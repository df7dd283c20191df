package adapter

import (
	"encoding/json"
	"testing"

	"github.com/nulpointcorp/llm-router/internal/model"
)

func TestDetectStyle(t *testing.T) {
	cases := []struct {
		name string
		body string
		want model.APIStyle
	}{
		{"openai_messages", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, model.StyleOpenAI},
		{"responses_input", `{"model":"gpt-4o","input":"hi"}`, model.StyleResponses},
		{"responses_instructions", `{"model":"gpt-4o","instructions":"be brief","input":[]}`, model.StyleResponses},
		{"claude_system", `{"model":"claude-sonnet","system":"be brief","messages":[]}`, model.StyleClaude},
		{"claude_stop_sequences", `{"model":"claude-sonnet","stop_sequences":["x"],"messages":[]}`, model.StyleClaude},
		{"claude_anthropic_version", `{"model":"claude-sonnet","anthropic_version":"2023-06-01","messages":[]}`, model.StyleClaude},
		{"messages_wins_over_input", `{"messages":[{"role":"user","content":"hi"}],"input":"x"}`, model.StyleOpenAI},
		{"garbage", `not json`, model.StyleOpenAI},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectStyle([]byte(tc.body)); got != tc.want {
				t.Errorf("DetectStyle = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAdaptRequest_SameStylePassthrough(t *testing.T) {
	body := []byte(`{"model":"m","messages":[]}`)
	out, err := AdaptRequest(body, model.StyleOpenAI, model.StyleOpenAI)
	if err != nil {
		t.Fatalf("AdaptRequest: %v", err)
	}
	if string(out) != string(body) {
		t.Error("identical styles must pass through untouched")
	}
}

// TestAdaptRequest_OpenAIToClaude pins the field mapping that matters for a
// converted call: system extraction, max_tokens default, stop sequences, and
// tool schemas.
func TestAdaptRequest_OpenAIToClaude(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hi"},
			{"role": "user", "content": [{"type":"text","text":"continue"}]}
		],
		"temperature": 0.7,
		"top_p": 0.9,
		"stop": "END",
		"tools": [{"type":"function","function":{"name":"get_time","parameters":{"type":"object"}}}]
	}`)

	out, err := AdaptRequest(body, model.StyleOpenAI, model.StyleClaude)
	if err != nil {
		t.Fatalf("AdaptRequest: %v", err)
	}

	var req ClaudeRequest
	if err := json.Unmarshal(out, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := systemToText(req.System); got != "be terse" {
		t.Errorf("system = %q", got)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want 3 (system extracted)", len(req.Messages))
	}
	if req.Messages[1].Role != "assistant" {
		t.Errorf("messages[1].Role = %q", req.Messages[1].Role)
	}
	if got := flattenClaudeBlocks(req.Messages[2].Content); got != "continue" {
		t.Errorf("part-array content flattened to %q", got)
	}
	if req.MaxTokens != defaultClaudeMaxTokens {
		t.Errorf("MaxTokens = %d, want the %d default", req.MaxTokens, defaultClaudeMaxTokens)
	}
	if len(req.StopSequences) != 1 || req.StopSequences[0] != "END" {
		t.Errorf("StopSequences = %v", req.StopSequences)
	}
	if req.Temperature == nil || *req.Temperature != 0.7 {
		t.Errorf("Temperature = %v", req.Temperature)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "get_time" {
		t.Errorf("Tools = %+v", req.Tools)
	}
}

// TestAdaptRequest_RoundTripPreservation converts openai → claude → openai
// and checks the fields that must survive both hops.
func TestAdaptRequest_RoundTripPreservation(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"messages": [
			{"role": "system", "content": "sys"},
			{"role": "user", "content": "q"}
		],
		"temperature": 0.5,
		"top_p": 0.8,
		"max_tokens": 256,
		"stop": ["A","B"],
		"tools": [{"type":"function","function":{"name":"f"}}]
	}`)

	mid, err := AdaptRequest(body, model.StyleOpenAI, model.StyleClaude)
	if err != nil {
		t.Fatalf("to claude: %v", err)
	}
	back, err := AdaptRequest(mid, model.StyleClaude, model.StyleOpenAI)
	if err != nil {
		t.Fatalf("back to openai: %v", err)
	}

	var req ChatRequest
	if err := json.Unmarshal(back, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
		t.Errorf("messages = %+v", req.Messages)
	}
	if req.Temperature == nil || *req.Temperature != 0.5 {
		t.Errorf("Temperature = %v", req.Temperature)
	}
	if req.TopP == nil || *req.TopP != 0.8 {
		t.Errorf("TopP = %v", req.TopP)
	}
	if req.MaxTokens != 256 {
		t.Errorf("MaxTokens = %d", req.MaxTokens)
	}
	if got := stopToSequences(req.Stop); len(got) != 2 || got[0] != "A" {
		t.Errorf("Stop = %v", got)
	}
	if len(req.Tools) != 1 || req.Tools[0].Function.Name != "f" {
		t.Errorf("Tools = %+v", req.Tools)
	}
}

// TestAdaptRequest_RoundTripScalarStop keeps a string stop value a string
// through the claude hop instead of widening it to a one-element array.
func TestAdaptRequest_RoundTripScalarStop(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"q"}],"stop":"END"}`)

	mid, err := AdaptRequest(body, model.StyleOpenAI, model.StyleClaude)
	if err != nil {
		t.Fatalf("to claude: %v", err)
	}
	back, err := AdaptRequest(mid, model.StyleClaude, model.StyleOpenAI)
	if err != nil {
		t.Fatalf("back to openai: %v", err)
	}

	var req ChatRequest
	if err := json.Unmarshal(back, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(req.Stop) != `"END"` {
		t.Errorf("Stop = %s, want the scalar form preserved", req.Stop)
	}
}

func TestAdaptRequest_ResponsesToOpenAI(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"instructions": "be brief",
		"input": [
			{"type":"message","role":"user","content":[{"type":"input_text","text":"hi"}]}
		],
		"max_output_tokens": 100
	}`)

	chat, err := CanonicalRequest(body, model.StyleResponses)
	if err != nil {
		t.Fatalf("CanonicalRequest: %v", err)
	}
	if len(chat.Messages) != 2 {
		t.Fatalf("messages = %d, want system + user", len(chat.Messages))
	}
	if chat.Messages[0].Role != "system" || flattenContent(chat.Messages[0].Content) != "be brief" {
		t.Errorf("messages[0] = %+v", chat.Messages[0])
	}
	if chat.MaxTokens != 100 {
		t.Errorf("MaxTokens = %d", chat.MaxTokens)
	}
}

func TestAdaptRequest_OpenAIToResponses_SingleTurnCollapses(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"just this"}]}`)
	out, err := AdaptRequest(body, model.StyleOpenAI, model.StyleResponses)
	if err != nil {
		t.Fatalf("AdaptRequest: %v", err)
	}
	var req ResponsesRequest
	if err := json.Unmarshal(out, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var s string
	if err := json.Unmarshal(req.Input, &s); err != nil || s != "just this" {
		t.Errorf("input = %s, want the bare-string form", req.Input)
	}
}

func TestAdaptRequest_ClaudeLegacyMaxTokensToSample(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"q"}],"max_tokens_to_sample":321}`)
	chat, err := CanonicalRequest(body, model.StyleClaude)
	if err != nil {
		t.Fatalf("CanonicalRequest: %v", err)
	}
	if chat.MaxTokens != 321 {
		t.Errorf("MaxTokens = %d, want the legacy field folded in", chat.MaxTokens)
	}
}

func TestAdaptRequest_ToolResultTurn(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"messages": [
			{"role": "user", "content": "q"},
			{"role": "tool", "tool_call_id": "call_1", "content": "42"}
		]
	}`)
	out, err := AdaptRequest(body, model.StyleOpenAI, model.StyleClaude)
	if err != nil {
		t.Fatalf("AdaptRequest: %v", err)
	}
	var req ClaudeRequest
	if err := json.Unmarshal(out, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.Messages) != 2 || req.Messages[1].Role != "user" {
		t.Fatalf("messages = %+v", req.Messages)
	}
	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(req.Messages[1].Content, &blocks); err != nil {
		t.Fatalf("unmarshal blocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Type != "tool_result" || blocks[0].ToolUseID != "call_1" {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestAdaptResponse_ClaudeToOpenAI(t *testing.T) {
	body := []byte(`{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet",
		"content": [{"type":"text","text":"hello "},{"type":"text","text":"world"}],
		"stop_reason": "max_tokens",
		"usage": {"input_tokens": 12, "output_tokens": 34}
	}`)

	out, err := AdaptResponse(body, model.StyleClaude, model.StyleOpenAI)
	if err != nil {
		t.Fatalf("AdaptResponse: %v", err)
	}
	var resp ChatResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ID != "msg_1" || resp.Object != "chat.completion" {
		t.Errorf("envelope = %q/%q", resp.ID, resp.Object)
	}
	if got := flattenContent(resp.Choices[0].Message.Content); got != "hello world" {
		t.Errorf("content = %q", got)
	}
	if resp.Choices[0].FinishReason != "length" {
		t.Errorf("finish_reason = %q, want length", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 34 || resp.Usage.TotalTokens != 46 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAdaptResponse_OpenAIToClaude(t *testing.T) {
	body := []byte(`{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"model": "gpt-4o",
		"choices": [{"index":0,"message":{"role":"assistant","content":"answer"},"finish_reason":"tool_calls"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12}
	}`)

	out, err := AdaptResponse(body, model.StyleOpenAI, model.StyleClaude)
	if err != nil {
		t.Fatalf("AdaptResponse: %v", err)
	}
	var resp ClaudeResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Type != "message" || resp.Role != "assistant" {
		t.Errorf("envelope = %+v", resp)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "answer" {
		t.Errorf("content = %+v", resp.Content)
	}
	if resp.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use", resp.StopReason)
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAdaptResponse_OpenAIToResponses_Incomplete(t *testing.T) {
	body := []byte(`{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{"index":0,"message":{"role":"assistant","content":"trunc"},"finish_reason":"length"}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 2, "total_tokens": 3}
	}`)

	out, err := AdaptResponse(body, model.StyleOpenAI, model.StyleResponses)
	if err != nil {
		t.Fatalf("AdaptResponse: %v", err)
	}
	var resp ResponsesResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "incomplete" {
		t.Errorf("status = %q, want incomplete for a length finish", resp.Status)
	}
	if resp.OutputText != "trunc" {
		t.Errorf("output_text = %q", resp.OutputText)
	}
}

func TestFinishReasonMapping(t *testing.T) {
	pairs := []struct{ finish, stop string }{
		{"stop", "end_turn"},
		{"length", "max_tokens"},
		{"tool_calls", "tool_use"},
		{"content_filter", "refusal"},
	}
	for _, p := range pairs {
		if got := finishToStopReason(p.finish); got != p.stop {
			t.Errorf("finishToStopReason(%q) = %q, want %q", p.finish, got, p.stop)
		}
	}
	if got := stopToFinishReason("stop_sequence"); got != "stop" {
		t.Errorf("stopToFinishReason(stop_sequence) = %q, want stop", got)
	}
	if got := StopToFinishReason("max_tokens"); got != "length" {
		t.Errorf("StopToFinishReason(max_tokens) = %q, want length", got)
	}
}

func TestNormalizeGeminiFinish(t *testing.T) {
	cases := map[string]string{
		"STOP":       "stop",
		"":           "stop",
		"MAX_TOKENS": "length",
		"SAFETY":     "content_filter",
		"RECITATION": "content_filter",
		"OTHER":      "stop",
	}
	for in, want := range cases {
		if got := NormalizeGeminiFinish(in); got != want {
			t.Errorf("NormalizeGeminiFinish(%q) = %q, want %q", in, got, want)
		}
	}
}
