package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/adapter"
	"github.com/nulpointcorp/llm-router/internal/classify"
	"github.com/nulpointcorp/llm-router/internal/model"
	"github.com/nulpointcorp/llm-router/internal/resolver"
)

const (
	anthropicVersion = "2023-06-01"
	readChunkSize    = 4096
)

// httpExecutor POSTs adapted payloads to OpenAI-compatible, Anthropic, and
// Responses endpoints. Two fasthttp clients: the streaming one keeps the
// response body as a reader, the plain one buffers it.
type httpExecutor struct {
	client       *fasthttp.Client
	streamClient *fasthttp.Client
	timeout      time.Duration
	logger       *slog.Logger
}

func newHTTPExecutor(timeout time.Duration, logger *slog.Logger) *httpExecutor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &httpExecutor{
		client: &fasthttp.Client{
			ReadTimeout:         timeout,
			WriteTimeout:        30 * time.Second,
			MaxConnsPerHost:     512,
			MaxIdleConnDuration: 60 * time.Second,
		},
		streamClient: &fasthttp.Client{
			ReadTimeout:         timeout,
			WriteTimeout:        30 * time.Second,
			MaxConnsPerHost:     512,
			MaxIdleConnDuration: 60 * time.Second,
			StreamResponseBody:  true,
		},
		timeout: timeout,
		logger:  logger,
	}
}

func (e *httpExecutor) Execute(ctx context.Context, req *Request, key model.APIKey) *Result {
	return e.execute(ctx, req, key, nil)
}

// execute is shared with the CLI executor, which injects extra headers.
func (e *httpExecutor) execute(ctx context.Context, req *Request, key model.APIKey, extraHeaders map[string]string) *Result {
	upStyle := req.upstreamStyle()

	body, err := adapter.AdaptRequest(req.Body, req.ClientStyle, upStyle)
	if err != nil {
		return &Result{
			Success:   false,
			ErrorText: err.Error(),
			Retryable: false,
			Penalize:  false,
			Category:  classify.CategoryTerminal,
		}
	}
	body, err = setPayloadModel(body, req.Upstream.UpstreamModelID)
	if err != nil {
		return &Result{Success: false, ErrorText: err.Error(), Category: classify.CategoryTerminal}
	}

	url := req.Upstream.Endpoint
	if req.PathOverride != "" {
		url = req.Provider.BaseURL + req.PathOverride
	}

	hreq := fasthttp.AcquireRequest()
	hreq.SetRequestURI(url)
	hreq.Header.SetMethod(fasthttp.MethodPost)
	hreq.Header.SetContentType("application/json")
	if req.Stream {
		hreq.Header.Set("Accept", "text/event-stream")
	} else {
		hreq.Header.Set("Accept", "application/json")
	}
	applyAuthHeaders(hreq, upStyle, key.RawKey, req.Provider.CustomHeaders, extraHeaders)
	hreq.SetBody(body)

	if req.Stream {
		return e.doStream(ctx, req, hreq, upStyle)
	}
	return e.doJSON(ctx, req, hreq, upStyle)
}

func (e *httpExecutor) doJSON(ctx context.Context, req *Request, hreq *fasthttp.Request, upStyle model.APIStyle) *Result {
	defer fasthttp.ReleaseRequest(hreq)

	hresp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(hresp)

	if err := e.do(ctx, e.client, hreq, hresp); err != nil {
		return transportFailure(req, err)
	}

	status := hresp.StatusCode()
	respBody := append([]byte(nil), hresp.Body()...)

	if status >= 400 {
		return failureFromStatus(req, upStyle, status, respBody)
	}

	out, err := adapter.AdaptResponse(respBody, upStyle, req.ClientStyle)
	if err != nil {
		return &Result{
			Success:    false,
			StatusCode: status,
			ErrorText:  err.Error(),
			Retryable:  true,
			Penalize:   true,
			Category:   classify.CategoryTransport,
		}
	}
	return &Result{Success: true, Body: out, StatusCode: status}
}

func (e *httpExecutor) doStream(ctx context.Context, req *Request, hreq *fasthttp.Request, upStyle model.APIStyle) *Result {
	hresp := fasthttp.AcquireResponse()

	if err := e.do(ctx, e.streamClient, hreq, hresp); err != nil {
		fasthttp.ReleaseRequest(hreq)
		fasthttp.ReleaseResponse(hresp)
		return transportFailure(req, err)
	}

	status := hresp.StatusCode()
	if status >= 400 {
		respBody, _ := io.ReadAll(hresp.BodyStream())
		fasthttp.ReleaseRequest(hreq)
		fasthttp.ReleaseResponse(hresp)
		return failureFromStatus(req, upStyle, status, respBody)
	}

	frames := make(chan []byte, 8)
	handle := &StreamHandle{Frames: frames}
	sa := adapter.NewStreamAdapter(upStyle, req.ClientStyle)

	go func() {
		defer func() {
			fasthttp.ReleaseRequest(hreq)
			fasthttp.ReleaseResponse(hresp)
			close(frames)
		}()

		reader := hresp.BodyStream()
		buf := make([]byte, readChunkSize)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				for _, frame := range sa.ProcessChunk(buf[:n]) {
					if !send(ctx, frames, frame) {
						handle.setErr(ctx.Err())
						return
					}
				}
			}
			if err != nil {
				if err == io.EOF {
					for _, frame := range sa.Finalize() {
						if !send(ctx, frames, frame) {
							handle.setErr(ctx.Err())
							return
						}
					}
					return
				}
				handle.setErr(fmt.Errorf("transport: stream read: %w", err))
				return
			}
			select {
			case <-ctx.Done():
				handle.setErr(ctx.Err())
				return
			default:
			}
		}
	}()

	return &Result{Success: true, StatusCode: status, Stream: handle}
}

// do issues the request honoring the context deadline. fasthttp has no
// native context plumbing; the deadline is the cancellation mechanism.
func (e *httpExecutor) do(ctx context.Context, client *fasthttp.Client, hreq *fasthttp.Request, hresp *fasthttp.Response) error {
	deadline := time.Now().Add(e.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return client.DoDeadline(hreq, hresp, deadline)
}

// ListModels issues GET {base}/v1/models and accepts the two common body
// shapes: {"data":[{"id":…}]} and {"models":[…]}.
func (e *httpExecutor) ListModels(ctx context.Context, provider *model.ProviderConfig, key model.APIKey) ([]string, error) {
	hreq := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(hreq)
	hresp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(hresp)

	style := model.StyleOpenAI
	if provider.Supports(model.StyleClaude) && !provider.Supports(model.StyleOpenAI) {
		style = model.StyleClaude
	}

	hreq.SetRequestURI(provider.BaseURL + "/v1/models")
	hreq.Header.SetMethod(fasthttp.MethodGet)
	hreq.Header.Set("Accept", "application/json")
	applyAuthHeaders(hreq, style, key.RawKey, provider.CustomHeaders, nil)

	if err := e.do(ctx, e.client, hreq, hresp); err != nil {
		return nil, fmt.Errorf("transport: list models %s: %w", provider.ID, err)
	}
	if hresp.StatusCode() >= 400 {
		return nil, fmt.Errorf("transport: list models %s: status %d", provider.ID, hresp.StatusCode())
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		Models []json.RawMessage `json:"models"`
	}
	if err := json.Unmarshal(hresp.Body(), &listing); err != nil {
		return nil, fmt.Errorf("transport: list models %s: parse: %w", provider.ID, err)
	}

	var ids []string
	for _, d := range listing.Data {
		if d.ID != "" {
			ids = append(ids, d.ID)
		}
	}
	for _, raw := range listing.Models {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			ids = append(ids, s)
			continue
		}
		var obj struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil {
			if obj.ID != "" {
				ids = append(ids, obj.ID)
			} else if obj.Name != "" {
				ids = append(ids, obj.Name)
			}
		}
	}
	return ids, nil
}

// ── Claude-CLI imitation ──────────────────────────────────────────────────────

const (
	cliUserAgent = "claude-cli/1.0.119 (external, cli)"
	cliPath      = "/v1/messages?beta=true"
)

// claudeCLIExecutor reuses the HTTP executor with CLI-imitating headers and
// the beta messages path.
type claudeCLIExecutor struct {
	http *httpExecutor
}

func newClaudeCLIExecutor(h *httpExecutor) *claudeCLIExecutor {
	return &claudeCLIExecutor{http: h}
}

func (e *claudeCLIExecutor) Execute(ctx context.Context, req *Request, key model.APIKey) *Result {
	cliReq := *req
	cliReq.PathOverride = cliPath
	cliReq.StyleOverride = model.StyleClaude
	return e.http.execute(ctx, &cliReq, key, map[string]string{
		"User-Agent": cliUserAgent,
		"X-App":      "cli",
	})
}

func (e *claudeCLIExecutor) ListModels(ctx context.Context, provider *model.ProviderConfig, key model.APIKey) ([]string, error) {
	return e.http.ListModels(ctx, provider, key)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// applyAuthHeaders sets the default auth headers for the upstream style
// unless custom or extra headers already carry credentials.
func applyAuthHeaders(hreq *fasthttp.Request, style model.APIStyle, rawKey string, custom, extra map[string]string) {
	hasAuth := false
	for _, headers := range []map[string]string{custom, extra} {
		for name, value := range headers {
			hreq.Header.Set(name, value)
			switch strings.ToLower(name) {
			case "authorization", "x-api-key":
				hasAuth = true
			}
		}
	}
	if hasAuth {
		return
	}

	if style == model.StyleClaude {
		hreq.Header.Set("x-api-key", rawKey)
		hreq.Header.Set("anthropic-version", anthropicVersion)
		return
	}
	hreq.Header.Set("Authorization", "Bearer "+rawKey)
}

// setPayloadModel rewrites the payload's model field to the upstream id.
func setPayloadModel(body []byte, upstreamModel string) ([]byte, error) {
	if upstreamModel == "" {
		return body, nil
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("transport: rewrite model: %w", err)
	}
	enc, _ := json.Marshal(upstreamModel)
	payload["model"] = enc
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: rewrite model: %w", err)
	}
	return out, nil
}

func transportFailure(req *Request, err error) *Result {
	d := classify.Classify(0, nil, req.Provider.RetryableStatusCodes, false)
	return &Result{
		Success:   false,
		ErrorText: err.Error(),
		Retryable: d.Retryable,
		Penalize:  d.Penalize,
		Category:  d.Category,
	}
}

func failureFromStatus(req *Request, upStyle model.APIStyle, status int, body []byte) *Result {
	onMessagesPath := upStyle == model.StyleClaude && req.PathOverride == "" &&
		strings.Contains(req.Upstream.Endpoint, resolver.PathFor(req.Provider, model.StyleClaude))
	d := classify.Classify(status, body, req.Provider.RetryableStatusCodes, onMessagesPath)
	return &Result{
		Success:          false,
		StatusCode:       status,
		ErrorText:        string(body),
		Retryable:        d.Retryable,
		Penalize:         d.Penalize,
		Category:         d.Category,
		MessagesFallback: d.MessagesFallback,
	}
}

func send(ctx context.Context, ch chan<- []byte, frame []byte) bool {
	select {
	case ch <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}
