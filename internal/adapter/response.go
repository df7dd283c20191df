package adapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-router/internal/model"
)

// AdaptResponse converts a non-streaming response body from one style to
// another. Identical styles pass through untouched. Usage fields and finish
// reasons are preserved across the mapping.
func AdaptResponse(body []byte, from, to model.APIStyle) ([]byte, error) {
	if from == to {
		return body, nil
	}

	chat, err := responseToCanonical(body, from)
	if err != nil {
		return nil, err
	}
	return responseFromCanonical(chat, to)
}

func responseToCanonical(body []byte, from model.APIStyle) (*ChatResponse, error) {
	switch from {
	case model.StyleOpenAI:
		var resp ChatResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("adapter: parse openai response: %w", err)
		}
		return &resp, nil
	case model.StyleClaude:
		return claudeResponseToChat(body)
	case model.StyleResponses:
		return responsesResponseToChat(body)
	}
	return nil, fmt.Errorf("adapter: unknown source style %q", from)
}

func responseFromCanonical(chat *ChatResponse, to model.APIStyle) ([]byte, error) {
	switch to {
	case model.StyleOpenAI:
		return json.Marshal(chat)
	case model.StyleClaude:
		return chatResponseToClaude(chat)
	case model.StyleResponses:
		return chatResponseToResponses(chat)
	}
	return nil, fmt.Errorf("adapter: unknown target style %q", to)
}

func claudeResponseToChat(body []byte) (*ChatResponse, error) {
	var resp ClaudeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("adapter: parse claude response: %w", err)
	}

	raw, _ := json.Marshal(resp.Content)
	content := flattenClaudeBlocks(raw)

	return &ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: rawString(content)},
			FinishReason: stopToFinishReason(resp.StopReason),
		}},
		Usage: ChatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func chatResponseToClaude(chat *ChatResponse) ([]byte, error) {
	var content string
	finish := "stop"
	if len(chat.Choices) > 0 {
		content = flattenContent(chat.Choices[0].Message.Content)
		finish = chat.Choices[0].FinishReason
	}

	out := ClaudeResponse{
		ID:    claudeID(chat.ID),
		Type:  "message",
		Role:  "assistant",
		Model: chat.Model,
		Content: []ClaudeContentBlock{
			{Type: "text", Text: content},
		},
		StopReason: finishToStopReason(finish),
		Usage: ClaudeUsage{
			InputTokens:  chat.Usage.PromptTokens,
			OutputTokens: chat.Usage.CompletionTokens,
		},
	}
	return json.Marshal(out)
}

func responsesResponseToChat(body []byte) (*ChatResponse, error) {
	var resp ResponsesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("adapter: parse responses response: %w", err)
	}

	text := resp.OutputText
	if text == "" {
		for _, item := range resp.Output {
			for _, c := range item.Content {
				text += c.Text
			}
		}
	}

	finish := "stop"
	if resp.Status == "incomplete" {
		finish = "length"
	}

	return &ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.CreatedAt,
		Model:   resp.Model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: rawString(text)},
			FinishReason: finish,
		}},
		Usage: ChatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func chatResponseToResponses(chat *ChatResponse) ([]byte, error) {
	var text string
	status := "completed"
	if len(chat.Choices) > 0 {
		text = flattenContent(chat.Choices[0].Message.Content)
		if chat.Choices[0].FinishReason == "length" {
			status = "incomplete"
		}
	}

	created := chat.Created
	if created == 0 {
		created = time.Now().Unix()
	}

	out := ResponsesResponse{
		ID:        responsesID(chat.ID),
		Object:    "response",
		CreatedAt: created,
		Model:     chat.Model,
		Status:    status,
		Output: []ResponsesItem{{
			Type: "message",
			Role: "assistant",
			Content: []ResponsesContent{
				{Type: "output_text", Text: text},
			},
		}},
		OutputText: text,
		Usage: ResponsesUsage{
			InputTokens:  chat.Usage.PromptTokens,
			OutputTokens: chat.Usage.CompletionTokens,
			TotalTokens:  chat.Usage.TotalTokens,
		},
	}
	return json.Marshal(out)
}

func claudeID(id string) string {
	if id == "" {
		return "msg_gateway"
	}
	return id
}

func responsesID(id string) string {
	if id == "" {
		return "resp_gateway"
	}
	return id
}
