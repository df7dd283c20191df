package transport

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-router/internal/adapter"
	"github.com/nulpointcorp/llm-router/internal/model"
)

const (
	vendorGemini   = "gemini"
	vendorVertexAI = "vertexai"
)

// geminiDriver serves both GenAI backends; the vendor slug selects whether
// calls go to the Gemini API or to Vertex AI (which reads the provider's
// region as the Vertex location).
type geminiDriver struct {
	vendor string
}

func newGeminiDriver(vendor string) *geminiDriver { return &geminiDriver{vendor: vendor} }

func (d *geminiDriver) Vendor() string { return d.vendor }

func (d *geminiDriver) client(ctx context.Context, provider *model.ProviderConfig, key model.APIKey) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:  key.RawKey,
		Backend: genai.BackendGeminiAPI,
	}
	if d.vendor == vendorVertexAI {
		cfg.Backend = genai.BackendVertexAI
		cfg.Location = provider.Region
	}
	if provider.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: provider.BaseURL}
	}
	return genai.NewClient(ctx, cfg)
}

func (d *geminiDriver) ListModels(ctx context.Context, provider *model.ProviderConfig, key model.APIKey) ([]string, error) {
	client, err := d.client(ctx, provider, key)
	if err != nil {
		return nil, err
	}

	var ids []string
	for m, err := range client.Models.All(ctx) {
		if err != nil {
			return nil, d.wrapErr(err)
		}
		ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
	}
	return ids, nil
}

func (d *geminiDriver) Generate(ctx context.Context, provider *model.ProviderConfig, key model.APIKey, req *adapter.ChatRequest) (*adapter.ChatResponse, error) {
	client, err := d.client(ctx, provider, key)
	if err != nil {
		return nil, err
	}
	contents, cfg := d.buildContentsAndConfig(req)

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, d.wrapErr(err)
	}

	id := "gen-" + req.Model
	text := ""
	finish := "stop"
	if resp != nil {
		if resp.ResponseID != "" {
			id = resp.ResponseID
		}
		text = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil && resp.Candidates[0].FinishReason != "" {
			finish = adapter.NormalizeGeminiFinish(string(resp.Candidates[0].FinishReason))
		}
	}

	out := &adapter.ChatResponse{
		ID:     id,
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []adapter.ChatChoice{{
			Index: 0,
			Message: adapter.ChatMessage{
				Role:    "assistant",
				Content: jsonString(text),
			},
			FinishReason: finish,
		}},
	}
	if resp != nil && resp.UsageMetadata != nil {
		out.Usage = adapter.ChatUsage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.PromptTokenCount + resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

func (d *geminiDriver) Stream(ctx context.Context, provider *model.ProviderConfig, key model.APIKey, req *adapter.ChatRequest, emit func(frame []byte) error) error {
	client, err := d.client(ctx, provider, key)
	if err != nil {
		return err
	}
	contents, cfg := d.buildContentsAndConfig(req)

	enc := adapter.NewChunkEncoder(req.Model)
	finish := ""

	for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
		if err != nil {
			return d.wrapErr(err)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
			continue
		}
		c := resp.Candidates[0]
		if text := candidateText(c); text != "" {
			for _, frame := range enc.Text(text) {
				if err := emit(frame); err != nil {
					return err
				}
			}
		}
		if c.FinishReason != "" {
			finish = adapter.NormalizeGeminiFinish(string(c.FinishReason))
		}
	}

	for _, frame := range enc.Finish(finish) {
		if err := emit(frame); err != nil {
			return err
		}
	}
	return nil
}

func (d *geminiDriver) buildContentsAndConfig(req *adapter.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system strings.Builder
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		text := adapter.FlattenText(m.Content)
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(text)
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(text, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if system.Len() > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system.String()}}}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr[float32](float32(*req.TopP))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return contents, cfg
}

func (d *geminiDriver) wrapErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &DriverError{StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	return err
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
