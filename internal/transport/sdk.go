package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-router/internal/adapter"
	"github.com/nulpointcorp/llm-router/internal/classify"
	"github.com/nulpointcorp/llm-router/internal/model"
)

// Driver adapts one vendor SDK to the executor. Payloads cross the boundary
// in the canonical chat shape; streaming drivers emit canonical
// chat.completion.chunk SSE frames (via adapter.ChunkEncoder) which the
// executor re-frames into the client's dialect.
type Driver interface {
	Vendor() string
	ListModels(ctx context.Context, provider *model.ProviderConfig, key model.APIKey) ([]string, error)
	Generate(ctx context.Context, provider *model.ProviderConfig, key model.APIKey, req *adapter.ChatRequest) (*adapter.ChatResponse, error)
	Stream(ctx context.Context, provider *model.ProviderConfig, key model.APIKey, req *adapter.ChatRequest, emit func(frame []byte) error) error
}

// DriverError carries the vendor's HTTP status so failures classify the same
// way as raw HTTP ones.
type DriverError struct {
	StatusCode int
	Message    string
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("sdk: %s (status=%d)", e.Message, e.StatusCode)
}

// sdkExecutor dispatches to the driver registered for the provider's
// sdk_vendor slug.
type sdkExecutor struct {
	drivers map[string]Driver
	logger  *slog.Logger
}

func newSDKExecutor(logger *slog.Logger) *sdkExecutor {
	e := &sdkExecutor{
		drivers: make(map[string]Driver),
		logger:  logger,
	}
	for _, d := range []Driver{
		newOpenAIDriver(),
		newAnthropicDriver(),
		newGeminiDriver(vendorGemini),
		newGeminiDriver(vendorVertexAI),
	} {
		e.drivers[d.Vendor()] = d
	}
	return e
}

func (e *sdkExecutor) driver(provider *model.ProviderConfig) (Driver, error) {
	d, ok := e.drivers[provider.SDKVendor]
	if !ok {
		return nil, fmt.Errorf("transport: unknown sdk vendor %q", provider.SDKVendor)
	}
	return d, nil
}

func (e *sdkExecutor) Execute(ctx context.Context, req *Request, key model.APIKey) *Result {
	d, err := e.driver(req.Provider)
	if err != nil {
		return &Result{Success: false, ErrorText: err.Error(), Category: classify.CategoryTerminal}
	}

	canonical, err := adapter.CanonicalRequest(req.Body, req.ClientStyle)
	if err != nil {
		return &Result{Success: false, ErrorText: err.Error(), Category: classify.CategoryTerminal}
	}
	if req.Upstream.UpstreamModelID != "" {
		canonical.Model = req.Upstream.UpstreamModelID
	}

	if req.Stream {
		return e.doStream(ctx, req, d, key, canonical)
	}
	return e.doGenerate(ctx, req, d, key, canonical)
}

func (e *sdkExecutor) doGenerate(ctx context.Context, req *Request, d Driver, key model.APIKey, canonical *adapter.ChatRequest) *Result {
	resp, err := d.Generate(ctx, req.Provider, key, canonical)
	if err != nil {
		return sdkFailure(req, err)
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return &Result{Success: false, ErrorText: err.Error(), Category: classify.CategoryTerminal}
	}
	out, err := adapter.AdaptResponse(raw, model.StyleOpenAI, req.ClientStyle)
	if err != nil {
		return &Result{Success: false, ErrorText: err.Error(), Category: classify.CategoryTerminal}
	}
	return &Result{Success: true, Body: out, StatusCode: 200}
}

func (e *sdkExecutor) doStream(ctx context.Context, req *Request, d Driver, key model.APIKey, canonical *adapter.ChatRequest) *Result {
	frames := make(chan []byte, 8)
	handle := &StreamHandle{Frames: frames}
	sa := adapter.NewStreamAdapter(model.StyleOpenAI, req.ClientStyle)

	emit := func(frame []byte) error {
		for _, out := range sa.ProcessChunk(frame) {
			if !send(ctx, frames, out) {
				return ctx.Err()
			}
		}
		return nil
	}

	go func() {
		defer close(frames)

		if err := d.Stream(ctx, req.Provider, key, canonical, emit); err != nil {
			handle.setErr(err)
			return
		}
		for _, out := range sa.Finalize() {
			if !send(ctx, frames, out) {
				handle.setErr(ctx.Err())
				return
			}
		}
	}()

	return &Result{Success: true, StatusCode: 200, Stream: handle}
}

func (e *sdkExecutor) ListModels(ctx context.Context, provider *model.ProviderConfig, key model.APIKey) ([]string, error) {
	d, err := e.driver(provider)
	if err != nil {
		return nil, err
	}
	return d.ListModels(ctx, provider, key)
}

func sdkFailure(req *Request, err error) *Result {
	var derr *DriverError
	if errors.As(err, &derr) {
		d := classify.Classify(derr.StatusCode, []byte(derr.Message), req.Provider.RetryableStatusCodes, false)
		return &Result{
			Success:    false,
			StatusCode: derr.StatusCode,
			ErrorText:  derr.Message,
			Retryable:  d.Retryable,
			Penalize:   d.Penalize,
			Category:   d.Category,
		}
	}
	return transportFailure(req, err)
}
