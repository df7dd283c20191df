package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/adapter"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/classify"
	"github.com/nulpointcorp/llm-router/internal/model"
	"github.com/nulpointcorp/llm-router/internal/resolver"
	"github.com/nulpointcorp/llm-router/internal/transport"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

// tryCandidatesNonStream walks the ordered candidates until one returns a
// JSON body. Providers in cooldown are skipped without counting as attempts.
func (g *Gateway) tryCandidatesNonStream(ctx *fasthttp.RequestCtx, c *call, ordered []model.PhysicalUpstream) {
	reqCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	skipped := 0
	lastStatus := 0
	lastErr := ""

	for _, up := range ordered {
		if g.inCooldown(reqCtx, up.ProviderID) {
			skipped++
			if g.registry != nil {
				g.registry.RecordCooldownSkip(up.ProviderID)
			}
			g.log.Debug("cooldown_skip",
				slog.String("request_id", c.reqID),
				slog.String("provider", up.ProviderID),
			)
			continue
		}
		provider, ok := g.resolver.Provider(up.ProviderID)
		if !ok {
			continue
		}

		res := g.executeCandidate(reqCtx, c, up, provider, false)
		if res.Success {
			g.onSuccess(reqCtx, c, up, res.Body)
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetContentType("application/json")
			ctx.SetBody(res.Body)
			return
		}

		lastStatus, lastErr = res.StatusCode, res.ErrorText
		if done := g.handleFailure(ctx, reqCtx, c, up, res); done {
			return
		}
	}

	g.writeExhausted(ctx, c, len(ordered), skipped, lastStatus, lastErr)
}

// tryCandidatesStream walks candidates until an upstream produces its first
// frame; that frame commits the response. It reports whether a body stream
// writer was installed (metrics then finalise inside the writer).
func (g *Gateway) tryCandidatesStream(ctx *fasthttp.RequestCtx, c *call, ordered []model.PhysicalUpstream) bool {
	streamCtx, cancel := context.WithCancel(ctx)
	committed := false
	defer func() {
		if !committed {
			cancel()
		}
	}()

	skipped := 0
	lastStatus := 0
	lastErr := ""

	for _, up := range ordered {
		if g.inCooldown(streamCtx, up.ProviderID) {
			skipped++
			if g.registry != nil {
				g.registry.RecordCooldownSkip(up.ProviderID)
			}
			continue
		}
		provider, ok := g.resolver.Provider(up.ProviderID)
		if !ok {
			continue
		}

		res := g.executeCandidate(streamCtx, c, up, provider, true)
		if res.Success && res.Stream != nil {
			first, open := <-res.Stream.Frames
			if !open {
				if err := res.Stream.Err(); err != nil {
					// Nothing reached the client yet; fail over silently.
					if g.registry != nil {
						g.registry.RecordStreamError(up.ProviderID, "pre_commit")
					}
					lastErr = err.Error()
					continue
				}
				// Clean but empty upstream stream; commit it as-is.
			}
			committed = true
			g.commitStream(ctx, cancel, c, up, res.Stream, first)
			return true
		}

		lastStatus, lastErr = res.StatusCode, res.ErrorText
		if done := g.handleFailure(ctx, streamCtx, c, up, res); done {
			return false
		}
	}

	g.writeExhausted(ctx, c, len(ordered), skipped, lastStatus, lastErr)
	return false
}

// executeCandidate performs one attempt, following the messages→chat fallback
// against the same candidate when the transport signals it.
func (g *Gateway) executeCandidate(ctx context.Context, c *call, up model.PhysicalUpstream, provider *model.ProviderConfig, stream bool) *transport.Result {
	req := &transport.Request{
		Upstream:     up,
		Provider:     provider,
		Body:         c.body,
		ClientStyle:  c.style,
		Stream:       stream,
		LogicalModel: c.logical.LogicalID,
		UserID:       c.identity.Name,
		APIKeyID:     c.identity.KeyID,
	}

	res := g.transport.Execute(ctx, req)
	if !res.MessagesFallback {
		return res
	}

	g.log.Info("messages_fallback",
		slog.String("request_id", c.reqID),
		slog.String("provider", up.ProviderID),
		slog.Int("status", res.StatusCode),
	)
	fb := *req
	fb.PathOverride = resolver.PathFor(provider, model.StyleOpenAI)
	fb.StyleOverride = model.StyleOpenAI
	return g.transport.Execute(ctx, &fb)
}

// handleFailure interprets a failed attempt. It returns true when a terminal
// response has been written and the loop must stop.
func (g *Gateway) handleFailure(ctx *fasthttp.RequestCtx, reqCtx context.Context, c *call, up model.PhysicalUpstream, res *transport.Result) bool {
	if res.KeyExhausted {
		g.log.Warn("keys_exhausted",
			slog.String("request_id", c.reqID),
			slog.String("provider", up.ProviderID),
		)
		apierr.WriteNoCapacity(ctx, res.ErrorText)
		return true
	}

	g.log.Warn("candidate_failed",
		slog.String("request_id", c.reqID),
		slog.String("provider", up.ProviderID),
		slog.Int("status", res.StatusCode),
		slog.String("category", string(res.Category)),
		slog.Bool("retryable", res.Retryable),
	)

	if res.Category.IsCapabilityMismatch() {
		// The model simply can't do what was asked of it here; another
		// candidate may. No penalty for the provider.
		if g.registry != nil {
			g.registry.RecordCapabilityMismatch(up.ProviderID, capabilityOf(res.Category))
		}
		return false
	}

	if res.Retryable {
		if res.Penalize {
			g.bumpCooldown(reqCtx, up.ProviderID, res.StatusCode)
		}
		if reqCtx.Err() == context.DeadlineExceeded {
			apierr.WriteTimeout(ctx)
			return true
		}
		return false
	}

	// Terminal upstream failure: surface the upstream body, stop the loop.
	apierr.Write(ctx, fasthttp.StatusBadGateway,
		fmt.Sprintf("upstream %s returned %d: %s", up.ProviderID, res.StatusCode, res.ErrorText),
		apierr.TypeProviderError, apierr.CodeProviderError)
	return true
}

func (g *Gateway) writeExhausted(ctx *fasthttp.RequestCtx, c *call, total, skipped, lastStatus int, lastErr string) {
	if skipped == total || lastStatus == 0 && lastErr == "" {
		apierr.WriteNoCapacity(ctx,
			fmt.Sprintf("no candidate available (cooldown_skipped=%d)", skipped))
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway,
		fmt.Sprintf("all candidates failed: last_status=%d last_error=%s (cooldown_skipped=%d)",
			lastStatus, lastErr, skipped),
		apierr.TypeProviderError, apierr.CodeProviderError)
	g.log.Error("candidates_exhausted",
		slog.String("request_id", c.reqID),
		slog.String("model", c.logical.LogicalID),
		slog.Int("last_status", lastStatus),
		slog.Int("cooldown_skipped", skipped),
	)
}

// onSuccess runs the success-path bookkeeping shared by JSON responses and
// stream commits: clear the provider's cooldown, bind the session, and
// account tokens.
func (g *Gateway) onSuccess(ctx context.Context, c *call, up model.PhysicalUpstream, body []byte) {
	if g.store != nil {
		_ = g.store.Delete(ctx, cache.ProviderFailuresKey(up.ProviderID))
	}
	if c.sessionID != "" && g.sessions != nil {
		g.sessions.Bind(ctx, c.sessionID, c.logical.LogicalID, up.ProviderID, up.UpstreamModelID)
		if body != nil {
			g.sessions.RecordExchange(ctx, c.sessionID, c.body, body, up.ProviderID)
		}
	}
	if g.registry != nil && body != nil {
		in, out := usageTokens(body)
		g.registry.AddTokens(up.ProviderID, in, out)
	}
	g.log.Debug("response_ok",
		slog.String("request_id", c.reqID),
		slog.String("provider", up.ProviderID),
		slog.String("model", up.UpstreamModelID),
		slog.Duration("elapsed", time.Since(c.start)),
	)
}

// commitStream installs the SSE body writer. From here on the provider is
// fixed: a later upstream failure becomes an in-band error frame and the
// stream terminates without [DONE].
func (g *Gateway) commitStream(ctx *fasthttp.RequestCtx, cancel context.CancelFunc, c *call, up model.PhysicalUpstream, handle *transport.StreamHandle, first []byte) {
	g.onSuccess(ctx, c, up, nil)

	registry := g.registry
	logger := g.log
	route := c.route
	start := c.start

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		write := func(frame []byte) bool {
			if _, err := w.Write(frame); err != nil {
				cancel()
				return false
			}
			if err := w.Flush(); err != nil {
				cancel()
				return false
			}
			return true
		}

		alive := true
		if first != nil {
			alive = write(first)
		}
		for frame := range handle.Frames {
			if !alive {
				continue // drain so the producer can settle
			}
			alive = write(frame)
		}

		if err := handle.Err(); err != nil && alive {
			if registry != nil {
				registry.RecordStreamError(up.ProviderID, "post_commit")
			}
			logger.Warn("stream_interrupted",
				slog.String("request_id", c.reqID),
				slog.String("provider", up.ProviderID),
				slog.String("error", err.Error()),
			)
			write(adapter.ErrorFrame(c.style, "upstream stream interrupted"))
		}

		if registry != nil {
			registry.DecInFlight()
			registry.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start))
		}
	})
}

// ── Cooldown bookkeeping ──────────────────────────────────────────────────────

func (g *Gateway) inCooldown(ctx context.Context, providerID string) bool {
	if g.store == nil {
		return false
	}
	n, err := g.store.CounterGet(ctx, cache.ProviderFailuresKey(providerID))
	return err == nil && n >= g.cooldownThreshold
}

func (g *Gateway) bumpCooldown(ctx context.Context, providerID string, status int) {
	if g.store == nil || !cooldownStatus(status) {
		return
	}
	if _, err := g.store.IncrWithTTL(ctx, cache.ProviderFailuresKey(providerID), g.cooldownWindow); err != nil {
		g.log.Debug("cooldown_incr_failed",
			slog.String("provider", providerID),
			slog.String("error", err.Error()),
		)
	}
}

// cooldownStatus limits cooldown accounting to statuses that indicate the
// provider itself is unwell.
func cooldownStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

func capabilityOf(category classify.Category) string {
	s := string(category)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// usageTokens extracts token counts from a success body in any dialect:
// OpenAI usage.{prompt,completion}_tokens or Anthropic
// usage.{input,output}_tokens.
func usageTokens(body []byte) (in, out int) {
	var probe struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return 0, 0
	}
	in = probe.Usage.PromptTokens + probe.Usage.InputTokens
	out = probe.Usage.CompletionTokens + probe.Usage.OutputTokens
	return in, out
}
