// Package transport performs single upstream calls over one of three
// mechanisms: plain HTTP, an official vendor SDK, or the Claude-CLI
// imitation. All three produce the same Result shape so the retry loop never
// cares how the bytes moved.
//
// The Manager is the only entry point: it acquires a credential from the
// pool, dispatches to the transport the provider declares, feeds the key
// pool's success/failure hooks, and records exactly one metrics sample per
// call — wall clock to the final byte for JSON calls, to the first byte for
// streams.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-router/internal/classify"
	"github.com/nulpointcorp/llm-router/internal/keypool"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/model"
)

// Request is one upstream attempt.
type Request struct {
	Upstream    model.PhysicalUpstream
	Provider    *model.ProviderConfig
	Body        []byte // payload in ClientStyle
	ClientStyle model.APIStyle
	Stream      bool

	// PathOverride replaces the resolved endpoint path (Claude messages
	// fallback re-targets /v1/chat/completions on the same host).
	PathOverride string
	// StyleOverride forces the upstream dialect when PathOverride is set.
	StyleOverride model.APIStyle

	// Metrics labels.
	LogicalModel string
	UserID       string
	APIKeyID     string
}

// upstreamStyle resolves the dialect this attempt speaks.
func (r *Request) upstreamStyle() model.APIStyle {
	if r.StyleOverride.Valid() {
		return r.StyleOverride
	}
	return r.Upstream.APIStyle
}

// Result is the uniform outcome of one upstream attempt.
type Result struct {
	Success    bool
	Body       []byte // non-stream success: response adapted to ClientStyle
	StatusCode int
	ErrorText  string

	Retryable bool
	Penalize  bool
	Category  classify.Category
	// KeyExhausted marks a credential-acquisition failure: every key for the
	// provider is in backoff. Surfaced to clients as 503, not 502.
	KeyExhausted bool
	// MessagesFallback marks a 404/405 on a messages path that should be
	// re-tried against the chat.completions path of the same candidate.
	MessagesFallback bool

	// Stream is set on streaming success; frames are already in ClientStyle.
	Stream *StreamHandle
}

// StreamHandle delivers adapted SSE frames. After Frames closes, Err reports
// how the upstream ended: nil for a clean end, otherwise the mid-stream
// failure. In-band upstream error events arrive as frames, not as Err.
type StreamHandle struct {
	Frames <-chan []byte

	mu  sync.Mutex
	err error
}

func (h *StreamHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *StreamHandle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// Executor performs one call over one transport mechanism.
type Executor interface {
	Execute(ctx context.Context, req *Request, key model.APIKey) *Result
	ListModels(ctx context.Context, provider *model.ProviderConfig, key model.APIKey) ([]string, error)
}

// KeyPool is the credential source; satisfied by *keypool.Pool.
type KeyPool interface {
	Pick(ctx context.Context, providerID string) (model.APIKey, error)
	RecordSuccess(ctx context.Context, providerID string, key model.APIKey)
	RecordFailure(ctx context.Context, providerID string, key model.APIKey, statusCode int, retryable bool)
}

// Sampler receives the one-per-call sample; satisfied by *metrics.Buffer.
type Sampler interface {
	Record(ctx context.Context, s metrics.Sample)
}

// Options configures a Manager.
type Options struct {
	Pool     KeyPool
	Buffer   Sampler
	Registry *metrics.Registry
	Logger   *slog.Logger

	// HTTP tuning, passed through to the HTTP executor.
	CandidateTimeout time.Duration
}

// Manager dispatches requests to the executor registered for the provider's
// transport.
type Manager struct {
	pool      KeyPool
	buffer    Sampler
	registry  *metrics.Registry
	logger    *slog.Logger
	executors map[model.Transport]Executor
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		pool:      opts.Pool,
		buffer:    opts.Buffer,
		registry:  opts.Registry,
		logger:    logger,
		executors: make(map[model.Transport]Executor),
	}

	httpExec := newHTTPExecutor(opts.CandidateTimeout, logger)
	m.executors[model.TransportHTTP] = httpExec
	m.executors[model.TransportClaudeCLI] = newClaudeCLIExecutor(httpExec)
	m.executors[model.TransportSDK] = newSDKExecutor(logger)

	return m
}

// Execute runs one upstream attempt end to end: credential acquisition,
// dispatch, key-pool feedback, and the metrics sample.
func (m *Manager) Execute(ctx context.Context, req *Request) *Result {
	exec, ok := m.executors[req.Provider.Transport]
	if !ok {
		return &Result{
			Success:   false,
			ErrorText: "transport: unknown transport " + string(req.Provider.Transport),
			Retryable: false,
			Penalize:  false,
			Category:  classify.CategoryTerminal,
		}
	}

	key, err := m.pool.Pick(ctx, req.Provider.ID)
	if err != nil {
		if m.registry != nil {
			m.registry.RecordKeyExhausted(req.Provider.ID)
		}
		text := "transport: no available key: " + err.Error()
		if errors.Is(err, keypool.ErrAllKeysUnavailable) {
			text = "all keys in backoff"
		}
		return &Result{
			Success:      false,
			ErrorText:    text,
			Retryable:    false,
			Penalize:     false,
			Category:     classify.CategoryTerminal,
			KeyExhausted: true,
		}
	}

	start := time.Now()
	res := exec.Execute(ctx, req, key)

	if res.Stream != nil {
		res.Stream = m.monitorStream(ctx, req, key, start, res.Stream)
		return res
	}

	m.settle(ctx, req, key, res.Success, res.StatusCode, res.Retryable, res.Penalize, time.Since(start))
	return res
}

// ListModels implements the resolver's lister contract.
func (m *Manager) ListModels(ctx context.Context, provider *model.ProviderConfig) ([]string, error) {
	exec, ok := m.executors[provider.Transport]
	if !ok {
		return nil, errors.New("transport: unknown transport " + string(provider.Transport))
	}
	key, err := m.pool.Pick(ctx, provider.ID)
	if err != nil {
		return nil, err
	}
	return exec.ListModels(ctx, provider, key)
}

// monitorStream wraps the handle so the key feedback and metrics sample fire
// once, at stream termination, with latency measured to the first byte.
func (m *Manager) monitorStream(ctx context.Context, req *Request, key model.APIKey, start time.Time, inner *StreamHandle) *StreamHandle {
	out := make(chan []byte, 8)
	outer := &StreamHandle{Frames: out}

	go func() {
		defer close(out)

		var firstByteAt time.Time
		for frame := range inner.Frames {
			if firstByteAt.IsZero() {
				firstByteAt = time.Now()
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				// Client gone; drain so the producer can finish and the
				// key release below still happens.
				for range inner.Frames { //nolint:revive
				}
			}
		}

		err := inner.Err()
		outer.setErr(err)

		latency := time.Since(start)
		if !firstByteAt.IsZero() {
			latency = firstByteAt.Sub(start)
		}
		success := err == nil
		m.settle(ctx, req, key, success, 0, true, !success, latency)
	}()

	return outer
}

// settle feeds the key pool and writes the metrics sample.
func (m *Manager) settle(ctx context.Context, req *Request, key model.APIKey, success bool, status int, retryable, penalize bool, latency time.Duration) {
	// Hooks run on a detached context so client disconnects cannot drop the
	// key release or the sample.
	ctx = context.WithoutCancel(ctx)

	if success {
		m.pool.RecordSuccess(ctx, req.Provider.ID, key)
	} else if penalize {
		m.pool.RecordFailure(ctx, req.Provider.ID, key, status, retryable)
		if m.registry != nil {
			m.registry.RecordKeyBackoff(req.Provider.ID)
		}
	}

	outcome := "error"
	if success {
		outcome = "success"
	}
	if m.registry != nil {
		m.registry.ObserveUpstreamAttempt(req.Provider.ID, string(req.Provider.Transport), outcome, latency)
	}

	if m.buffer != nil {
		m.buffer.Record(ctx, metrics.Sample{
			Provider:     req.Provider.ID,
			LogicalModel: req.LogicalModel,
			Transport:    req.Provider.Transport,
			IsStream:     req.Stream,
			UserID:       req.UserID,
			APIKeyID:     req.APIKeyID,
			Success:      success,
			LatencyMs:    float64(latency.Milliseconds()),
		})
	}
}
