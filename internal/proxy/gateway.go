// Package proxy is the client-facing dispatcher.
//
// A request travels auth → resolve → schedule → candidate-retry loop. The
// loop walks the scheduler's ordered candidates, skipping providers in
// failure cooldown, and hands each attempt to the transport layer. For
// streams the commit point is the first byte written to the client: before
// it, failures move to the next candidate silently; after it, the provider
// cannot change and errors become in-band SSE frames.
//
// Dependencies are injected so handlers can run against fakes in tests.
// Cache, metrics, and sessions are nil-safe: a cache outage degrades to
// no stickiness and no cooldown rather than refusing requests.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/adapter"
	"github.com/nulpointcorp/llm-router/internal/auth"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/model"
	"github.com/nulpointcorp/llm-router/internal/resolver"
	"github.com/nulpointcorp/llm-router/internal/scheduler"
	"github.com/nulpointcorp/llm-router/internal/session"
	"github.com/nulpointcorp/llm-router/internal/transport"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

const (
	defaultRequestTimeout    = 5 * time.Minute
	defaultCooldownThreshold = 3
	defaultCooldownWindow    = 30 * time.Second
)

// Dispatcher executes one upstream attempt; satisfied by *transport.Manager.
type Dispatcher interface {
	Execute(ctx context.Context, req *transport.Request) *transport.Result
}

// Options wires the Gateway's collaborators. Auth, Resolver, Scheduler, and
// Transport are required; the rest default or degrade when nil.
type Options struct {
	Auth      *auth.Authenticator
	Resolver  *resolver.Resolver
	Scheduler *scheduler.Scheduler
	Sessions  *session.Manager
	Transport Dispatcher
	Store     cache.Store
	Registry  *metrics.Registry
	Logger    *slog.Logger

	// RequestTimeout bounds the whole candidate loop for one request.
	RequestTimeout time.Duration
	// CooldownThreshold is the failure count within CooldownWindow after
	// which a provider is skipped from candidate lists.
	CooldownThreshold int64
	CooldownWindow    time.Duration

	CORSOrigins []string
	Version     string

	// Ready reports backing-store readiness for GET /readiness.
	Ready func() bool
}

type Gateway struct {
	auth      *auth.Authenticator
	resolver  *resolver.Resolver
	scheduler *scheduler.Scheduler
	sessions  *session.Manager
	transport Dispatcher
	store     cache.Store
	registry  *metrics.Registry
	log       *slog.Logger

	requestTimeout    time.Duration
	cooldownThreshold int64
	cooldownWindow    time.Duration

	corsOrigins []string
	version     string
	ready       func() bool
}

func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	threshold := opts.CooldownThreshold
	if threshold <= 0 {
		threshold = defaultCooldownThreshold
	}
	window := opts.CooldownWindow
	if window <= 0 {
		window = defaultCooldownWindow
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Gateway{
		auth:              opts.Auth,
		resolver:          opts.Resolver,
		scheduler:         opts.Scheduler,
		sessions:          opts.Sessions,
		transport:         opts.Transport,
		store:             opts.Store,
		registry:          opts.Registry,
		log:               logger,
		requestTimeout:    timeout,
		cooldownThreshold: threshold,
		cooldownWindow:    window,
		corsOrigins:       opts.CORSOrigins,
		version:           version,
		ready:             opts.Ready,
	}
}

// call carries one request's state through the candidate loop.
type call struct {
	route     string
	start     time.Time
	reqID     string
	identity  *auth.Identity
	style     model.APIStyle
	body      []byte
	logical   *model.LogicalModel
	sessionID string
	stream    bool
}

// ── Handlers ──────────────────────────────────────────────────────────────────

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, "chat_completions", "")
}

func (g *Gateway) handleResponses(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, "responses", model.StyleResponses)
}

func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, "messages", model.StyleClaude)
}

// dispatch runs the shared pipeline. fixedStyle pins the client dialect for
// the style-specific routes; the chat.completions entry point auto-detects.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, route string, fixedStyle model.APIStyle) {
	start := time.Now()
	streaming := false

	if g.registry != nil {
		g.registry.IncInFlight()
	}
	defer func() {
		if g.registry == nil || streaming {
			return // streams finalise inside the body writer
		}
		g.registry.DecInFlight()
		g.registry.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	identity, err := g.authenticate(ctx)
	if err != nil {
		return
	}

	// The handler may outlive fasthttp's buffer reuse once a stream writer
	// is installed, so the body is copied up front.
	body := append([]byte(nil), ctx.PostBody()...)

	style := fixedStyle
	if !style.Valid() {
		style = adapter.DetectStyle(body)
	}

	var probe struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if probe.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	stream := probe.Stream ||
		strings.Contains(string(ctx.Request.Header.Peek("Accept")), "text/event-stream")
	sessionID := string(ctx.Request.Header.Peek("X-Session-Id"))
	reqID, _ := ctx.UserValue("request_id").(string)

	g.log.Info("request",
		slog.String("request_id", reqID),
		slog.String("route", route),
		slog.String("model", probe.Model),
		slog.String("style", string(style)),
		slog.Bool("stream", stream),
	)

	lm, err := g.resolver.Resolve(ctx, probe.Model, style, identity.AllowedProviders)
	if err != nil {
		g.writeResolveError(ctx, probe.Model, err)
		return
	}

	var bound *model.Session
	if sessionID != "" && g.sessions != nil {
		bound = g.sessions.Binding(ctx, sessionID)
	}

	ordered, _, err := g.scheduler.Choose(ctx, lm, bound)
	if err != nil {
		apierr.WriteNoCapacity(ctx, fmt.Sprintf("no routable upstream for %q", lm.LogicalID))
		return
	}
	if g.registry != nil && bound != nil {
		result := "miss"
		if len(ordered) > 0 && ordered[0].ProviderID == bound.ProviderID {
			result = "hit"
		}
		g.registry.RecordSessionSticky(result)
	}

	c := &call{
		route:     route,
		start:     start,
		reqID:     reqID,
		identity:  identity,
		style:     style,
		body:      body,
		logical:   lm,
		sessionID: sessionID,
		stream:    stream,
	}

	if stream {
		streaming = g.tryCandidatesStream(ctx, c, ordered)
		return
	}
	g.tryCandidatesNonStream(ctx, c, ordered)
}

func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (*auth.Identity, error) {
	identity, err := g.auth.Authenticate(ctx)
	if err == nil {
		return identity, nil
	}
	switch {
	case errors.Is(err, auth.ErrInactiveKey):
		apierr.Write(ctx, fasthttp.StatusForbidden,
			"api key is inactive", apierr.TypePermissionErr, apierr.CodeInactiveAPIKey)
	default:
		apierr.Write(ctx, fasthttp.StatusUnauthorized,
			"missing or invalid api key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
	}
	return nil, err
}

func (g *Gateway) writeResolveError(ctx *fasthttp.RequestCtx, modelID string, err error) {
	// The resolver wraps its sentinels with the model id.
	if errors.Is(err, resolver.ErrNoAllowedProviders) {
		apierr.Write(ctx, fasthttp.StatusForbidden,
			fmt.Sprintf("no allowed provider serves %q", modelID),
			apierr.TypePermissionErr, apierr.CodeModelUnavailable)
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadRequest,
		fmt.Sprintf("model %q is not available", modelID),
		apierr.TypeInvalidRequest, apierr.CodeModelUnavailable)
}

// ── Auxiliary endpoints ───────────────────────────────────────────────────────

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok", "version": g.version})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.ready == nil || g.ready() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	identity, err := g.authenticate(ctx)
	if err != nil {
		return
	}
	entries := g.resolver.AllModels(ctx, identity.AllowedProviders)
	writeJSON(ctx, map[string]any{"object": "list", "data": entries})
}

func (g *Gateway) handleContext(ctx *fasthttp.RequestCtx) {
	if _, err := g.authenticate(ctx); err != nil {
		return
	}
	sessionID, _ := ctx.UserValue("session_id").(string)
	if sessionID == "" || g.sessions == nil {
		writeJSON(ctx, map[string]any{"session_id": sessionID, "history": []session.Exchange{}})
		return
	}
	history := g.sessions.History(ctx, sessionID)
	if history == nil {
		history = []session.Exchange{}
	}
	writeJSON(ctx, map[string]any{"session_id": sessionID, "history": history})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
