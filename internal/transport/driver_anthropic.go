package transport

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicOption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-router/internal/adapter"
	"github.com/nulpointcorp/llm-router/internal/model"
)

const vendorAnthropic = "anthropic"

// The Messages API rejects requests without max_tokens; clients speaking the
// chat dialect rarely send one.
const anthropicDefaultMaxTokens = 4096

type anthropicDriver struct{}

func newAnthropicDriver() *anthropicDriver { return &anthropicDriver{} }

func (d *anthropicDriver) Vendor() string { return vendorAnthropic }

func (d *anthropicDriver) client(provider *model.ProviderConfig, key model.APIKey) anthropic.Client {
	opts := []anthropicOption.RequestOption{anthropicOption.WithAPIKey(key.RawKey)}
	if provider.BaseURL != "" {
		opts = append(opts, anthropicOption.WithBaseURL(provider.BaseURL))
	}
	return anthropic.NewClient(opts...)
}

func (d *anthropicDriver) ListModels(ctx context.Context, provider *model.ProviderConfig, key model.APIKey) ([]string, error) {
	client := d.client(provider, key)
	page, err := client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, d.wrapErr(err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (d *anthropicDriver) Generate(ctx context.Context, provider *model.ProviderConfig, key model.APIKey, req *adapter.ChatRequest) (*adapter.ChatResponse, error) {
	client := d.client(provider, key)

	msg, err := client.Messages.New(ctx, d.buildParams(req))
	if err != nil {
		return nil, d.wrapErr(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &adapter.ChatResponse{
		ID:     msg.ID,
		Object: "chat.completion",
		Model:  string(msg.Model),
		Choices: []adapter.ChatChoice{{
			Index: 0,
			Message: adapter.ChatMessage{
				Role:    "assistant",
				Content: jsonString(text.String()),
			},
			FinishReason: adapter.StopToFinishReason(string(msg.StopReason)),
		}},
		Usage: adapter.ChatUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func (d *anthropicDriver) Stream(ctx context.Context, provider *model.ProviderConfig, key model.APIKey, req *adapter.ChatRequest, emit func(frame []byte) error) error {
	client := d.client(provider, key)
	stream := client.Messages.NewStreaming(ctx, d.buildParams(req))

	enc := adapter.NewChunkEncoder(req.Model)
	stopReason := ""

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				for _, frame := range enc.Text(delta.Text) {
					if err := emit(frame); err != nil {
						return err
					}
				}
			}
		case anthropic.MessageDeltaEvent:
			if ev.Delta.StopReason != "" {
				stopReason = string(ev.Delta.StopReason)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return d.wrapErr(err)
	}

	for _, frame := range enc.Finish(adapter.StopToFinishReason(stopReason)) {
		if err := emit(frame); err != nil {
			return err
		}
	}
	return nil
}

func (d *anthropicDriver) buildParams(req *adapter.ChatRequest) anthropic.MessageNewParams {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
	}

	var system strings.Builder
	for _, m := range req.Messages {
		text := adapter.FlattenText(m.Content)
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(text)
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}
	if system.Len() > 0 {
		params.System = []anthropic.TextBlockParam{{Text: system.String()}}
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	return params
}

func (d *anthropicDriver) wrapErr(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &DriverError{StatusCode: apierr.StatusCode, Message: apierr.Error()}
	}
	return err
}
