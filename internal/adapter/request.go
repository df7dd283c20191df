package adapter

import (
	"encoding/json"
	"fmt"
)

// defaultClaudeMaxTokens is used when a converted request carries no token
// budget — Anthropic rejects requests without max_tokens.
const defaultClaudeMaxTokens = 4096

// chatRequestToClaude converts the canonical chat shape into an Anthropic
// Messages request. System messages move into the top-level system field;
// OpenAI tool declarations become input_schema tools; stop → stop_sequences.
func chatRequestToClaude(chat *ChatRequest) ([]byte, error) {
	var systemParts []string
	msgs := make([]ClaudeMessage, 0, len(chat.Messages))

	for _, m := range chat.Messages {
		switch m.Role {
		case "system", "developer":
			systemParts = append(systemParts, flattenContent(m.Content))
		case "tool":
			// A tool result turn becomes a user turn with a tool_result block.
			block, _ := json.Marshal([]map[string]any{{
				"type":        "tool_result",
				"tool_use_id": m.ToolCallID,
				"content":     flattenContent(m.Content),
			}})
			msgs = append(msgs, ClaudeMessage{Role: "user", Content: block})
		default:
			msgs = append(msgs, ClaudeMessage{
				Role:    claudeRole(m.Role),
				Content: contentToBlocks(m.Content),
			})
		}
	}

	maxTokens := chat.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultClaudeMaxTokens
	}

	out := ClaudeRequest{
		Model:         chat.Model,
		Messages:      msgs,
		MaxTokens:     maxTokens,
		StopSequences: stopToSequences(chat.Stop),
		Temperature:   chat.Temperature,
		TopP:          chat.TopP,
		Stream:        chat.Stream,
	}

	if len(systemParts) == 1 {
		out.System = rawString(systemParts[0])
	} else if len(systemParts) > 1 {
		blocks := make([]ClaudeContentBlock, len(systemParts))
		for i, s := range systemParts {
			blocks[i] = ClaudeContentBlock{Type: "text", Text: s}
		}
		enc, _ := json.Marshal(blocks)
		out.System = enc
	}

	for _, t := range chat.Tools {
		if t.Function.Name == "" {
			continue
		}
		out.Tools = append(out.Tools, ClaudeTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	return json.Marshal(out)
}

// claudeRequestToChat converts an Anthropic Messages request into the
// canonical chat shape. The system field becomes a leading system message;
// content blocks are flattened to strings.
func claudeRequestToChat(body []byte) (*ChatRequest, error) {
	var req ClaudeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("adapter: parse claude request: %w", err)
	}

	msgs := make([]ChatMessage, 0, len(req.Messages)+1)
	if sys := systemToText(req.System); sys != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: rawString(sys)})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, ChatMessage{
			Role:    m.Role,
			Content: rawString(flattenClaudeBlocks(m.Content)),
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		// Legacy field folded in; max_tokens wins when both are present.
		maxTokens = req.MaxTokensToSample
	}

	chat := &ChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   maxTokens,
		Stream:      req.Stream,
	}

	switch len(req.StopSequences) {
	case 0:
	case 1:
		// A single sequence round-trips back to the scalar form clients send.
		enc, _ := json.Marshal(req.StopSequences[0])
		chat.Stop = enc
	default:
		enc, _ := json.Marshal(req.StopSequences)
		chat.Stop = enc
	}

	for _, t := range req.Tools {
		chat.Tools = append(chat.Tools, ChatTool{
			Type: "function",
			Function: ChatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	return chat, nil
}

// responsesRequestToChat converts a Responses request into the canonical
// chat shape: instructions become the system message, input items become
// chat turns.
func responsesRequestToChat(body []byte) (*ChatRequest, error) {
	var req ResponsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("adapter: parse responses request: %w", err)
	}

	var msgs []ChatMessage
	if req.Instructions != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: rawString(req.Instructions)})
	}

	if len(req.Input) > 0 {
		var s string
		if err := json.Unmarshal(req.Input, &s); err == nil {
			msgs = append(msgs, ChatMessage{Role: "user", Content: rawString(s)})
		} else if isJSONArray(req.Input) {
			var items []ResponsesItem
			if err := json.Unmarshal(req.Input, &items); err != nil {
				return nil, fmt.Errorf("adapter: parse responses input: %w", err)
			}
			for _, it := range items {
				role := it.Role
				if role == "" {
					role = "user"
				}
				var text string
				for _, c := range it.Content {
					text += c.Text
				}
				msgs = append(msgs, ChatMessage{Role: role, Content: rawString(text)})
			}
		}
	}

	return &ChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxOutputTokens,
		Stream:      req.Stream,
	}, nil
}

// chatRequestToResponses converts the canonical chat shape into a Responses
// request: the system message becomes instructions, the remaining turns
// become input items.
func chatRequestToResponses(chat *ChatRequest) ([]byte, error) {
	out := ResponsesRequest{
		Model:           chat.Model,
		MaxOutputTokens: chat.MaxTokens,
		Temperature:     chat.Temperature,
		TopP:            chat.TopP,
		Stream:          chat.Stream,
	}

	var items []ResponsesItem
	for _, m := range chat.Messages {
		text := flattenContent(m.Content)
		switch m.Role {
		case "system", "developer":
			if out.Instructions != "" {
				out.Instructions += "\n"
			}
			out.Instructions += text
		default:
			items = append(items, ResponsesItem{
				Type: "message",
				Role: m.Role,
				Content: []ResponsesContent{
					{Type: "input_text", Text: text},
				},
			})
		}
	}

	if len(items) == 1 && items[0].Role == "user" {
		// A single user turn collapses to the bare-string input form.
		out.Input = rawString(items[0].Content[0].Text)
	} else if len(items) > 0 {
		enc, _ := json.Marshal(items)
		out.Input = enc
	}

	return json.Marshal(out)
}

func claudeRole(role string) string {
	if role == "assistant" {
		return "assistant"
	}
	return "user"
}

// contentToBlocks wraps an OpenAI content value into Anthropic content
// blocks. String content becomes a single text block; part arrays keep text
// parts and drop the rest.
func contentToBlocks(raw json.RawMessage) json.RawMessage {
	text := flattenContent(raw)
	enc, _ := json.Marshal([]ClaudeContentBlock{{Type: "text", Text: text}})
	return enc
}
