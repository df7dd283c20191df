// Package adapter owns every cross-style payload conversion in the router.
//
// The canonical intermediate is the OpenAI chat.completions shape; Claude
// Messages and OpenAI Responses payloads are normalised through it. No other
// package inspects payload JSON to guess a dialect — style detection and all
// tag transitions happen here.
//
// Streaming conversion is stateful: one transcoder per stream, fed raw SSE
// bytes, emitting target-style frames. The invariant that matters is the
// terminal frame: a stream ends with exactly one of [DONE], message_stop, or
// an error frame — never an error frame followed by fake success framing.
package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-router/internal/model"
)

// DetectStyle classifies a client request body posted to the auto-detecting
// /v1/chat/completions entry point.
//
// Responses payloads carry "input"/"instructions" instead of "messages";
// Claude payloads carry a top-level "system", "stop_sequences", or
// "anthropic_version". Everything else is treated as OpenAI.
func DetectStyle(body []byte) model.APIStyle {
	var probe struct {
		Messages         json.RawMessage `json:"messages"`
		Input            json.RawMessage `json:"input"`
		Instructions     json.RawMessage `json:"instructions"`
		System           json.RawMessage `json:"system"`
		StopSequences    json.RawMessage `json:"stop_sequences"`
		AnthropicVersion json.RawMessage `json:"anthropic_version"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return model.StyleOpenAI
	}

	if len(probe.Messages) == 0 && (len(probe.Input) > 0 || len(probe.Instructions) > 0) {
		return model.StyleResponses
	}
	if len(probe.System) > 0 || len(probe.StopSequences) > 0 || len(probe.AnthropicVersion) > 0 {
		return model.StyleClaude
	}
	return model.StyleOpenAI
}

// AdaptRequest converts a request body from one style to another. Identical
// styles pass through untouched.
func AdaptRequest(body []byte, from, to model.APIStyle) ([]byte, error) {
	if from == to {
		return body, nil
	}

	chat, err := toCanonical(body, from)
	if err != nil {
		return nil, err
	}
	return fromCanonical(chat, to)
}

// CanonicalRequest parses a request body of any style into the canonical
// chat shape. Used by SDK transports that build typed vendor calls.
func CanonicalRequest(body []byte, from model.APIStyle) (*ChatRequest, error) {
	return toCanonical(body, from)
}

func toCanonical(body []byte, from model.APIStyle) (*ChatRequest, error) {
	switch from {
	case model.StyleOpenAI:
		var req ChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("adapter: parse openai request: %w", err)
		}
		return &req, nil
	case model.StyleClaude:
		return claudeRequestToChat(body)
	case model.StyleResponses:
		return responsesRequestToChat(body)
	}
	return nil, fmt.Errorf("adapter: unknown source style %q", from)
}

func fromCanonical(chat *ChatRequest, to model.APIStyle) ([]byte, error) {
	switch to {
	case model.StyleOpenAI:
		return json.Marshal(chat)
	case model.StyleClaude:
		return chatRequestToClaude(chat)
	case model.StyleResponses:
		return chatRequestToResponses(chat)
	}
	return nil, fmt.Errorf("adapter: unknown target style %q", to)
}

// ── Finish reason mapping ─────────────────────────────────────────────────────

// finishToStopReason maps OpenAI finish_reason → Anthropic stop_reason.
func finishToStopReason(finish string) string {
	switch finish {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "refusal"
	}
	return finish
}

// stopToFinishReason maps Anthropic stop_reason → OpenAI finish_reason.
func stopToFinishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence", "":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	}
	return "stop"
}

// StopToFinishReason maps an Anthropic stop_reason onto the OpenAI
// finish_reason vocabulary. Exported for SDK drivers.
func StopToFinishReason(stop string) string {
	return stopToFinishReason(stop)
}

// ── Content flattening ────────────────────────────────────────────────────────

// FlattenText reduces an OpenAI content value (string or part array) to
// plain text. Exported for SDK drivers that need flat message strings.
func FlattenText(raw json.RawMessage) string {
	return flattenContent(raw)
}

// flattenContent reduces an OpenAI content value (string or part array) to
// plain text. Non-text parts are dropped.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// flattenClaudeBlocks reduces Anthropic content (string or block array) to a
// single string: text blocks concatenated, tool_use serialised as JSON,
// tool_result text flattened.
func flattenClaudeBlocks(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	var sb strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
		case "tool_use":
			enc, _ := json.Marshal(map[string]any{
				"type": "tool_use", "id": b.ID, "name": b.Name, "input": b.Input,
			})
			sb.Write(enc)
		case "tool_result":
			sb.WriteString(flattenClaudeBlocks(b.Content))
		}
	}
	return sb.String()
}

// systemToText reduces an Anthropic system value (string or text-block list)
// to plain text.
func systemToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for i, b := range blocks {
		if b.Type == "text" || b.Type == "" {
			if i > 0 && sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// stopToSequences normalises the OpenAI "stop" value (string or string array).
func stopToSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr
	}
	return nil
}

func rawString(s string) json.RawMessage {
	enc, _ := json.Marshal(s)
	return enc
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}
