package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-router/internal/adapter"
	"github.com/nulpointcorp/llm-router/internal/model"
)

const vendorOpenAI = "openai"

// openaiDriver backs providers whose sdk_vendor is "openai": the official
// API and any OpenAI-compatible host reachable through the official SDK.
type openaiDriver struct{}

func newOpenAIDriver() *openaiDriver { return &openaiDriver{} }

func (d *openaiDriver) Vendor() string { return vendorOpenAI }

func (d *openaiDriver) client(provider *model.ProviderConfig, key model.APIKey) openaiSDK.Client {
	opts := []option.RequestOption{option.WithAPIKey(key.RawKey)}
	if provider.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(provider.BaseURL))
	}
	return openaiSDK.NewClient(opts...)
}

func (d *openaiDriver) ListModels(ctx context.Context, provider *model.ProviderConfig, key model.APIKey) ([]string, error) {
	client := d.client(provider, key)
	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, d.wrapErr(err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (d *openaiDriver) Generate(ctx context.Context, provider *model.ProviderConfig, key model.APIKey, req *adapter.ChatRequest) (*adapter.ChatResponse, error) {
	client := d.client(provider, key)

	resp, err := client.Chat.Completions.New(ctx, d.buildParams(req))
	if err != nil {
		return nil, d.wrapErr(err)
	}

	out := &adapter.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage: adapter.ChatUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for i, c := range resp.Choices {
		out.Choices = append(out.Choices, adapter.ChatChoice{
			Index: i,
			Message: adapter.ChatMessage{
				Role:    "assistant",
				Content: jsonString(c.Message.Content),
			},
			FinishReason: string(c.FinishReason),
		})
	}
	return out, nil
}

func (d *openaiDriver) Stream(ctx context.Context, provider *model.ProviderConfig, key model.APIKey, req *adapter.ChatRequest, emit func(frame []byte) error) error {
	client := d.client(provider, key)
	stream := client.Chat.Completions.NewStreaming(ctx, d.buildParams(req))

	enc := adapter.NewChunkEncoder(req.Model)
	finish := ""

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		c := chunk.Choices[0]
		if c.Delta.Content != "" {
			for _, frame := range enc.Text(c.Delta.Content) {
				if err := emit(frame); err != nil {
					return err
				}
			}
		}
		if c.FinishReason != "" {
			finish = string(c.FinishReason)
		}
	}
	if err := stream.Err(); err != nil {
		return d.wrapErr(err)
	}

	for _, frame := range enc.Finish(finish) {
		if err := emit(frame); err != nil {
			return err
		}
	}
	return nil
}

func (d *openaiDriver) buildParams(req *adapter.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toOpenAIMessage(m.Role, adapter.FlattenText(m.Content)))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func (d *openaiDriver) wrapErr(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &DriverError{StatusCode: apierr.StatusCode, Message: apierr.Error()}
	}
	return err
}

// jsonString encodes plain text as a JSON string value for the canonical
// message content field.
func jsonString(s string) json.RawMessage {
	enc, _ := json.Marshal(s)
	return enc
}

func toOpenAIMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
