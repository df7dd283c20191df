// Package metrics owns the router's observability: a Prometheus registry for
// live scraping and a bounded sample buffer that feeds the rollup store.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{provider,transport,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,transport,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_cooldown_skips_total{provider}
	cooldownSkips *prometheus.CounterVec

	// gateway_capability_mismatch_total{provider,capability}
	capabilityMismatch *prometheus.CounterVec

	// gateway_key_backoffs_total{provider}
	keyBackoffs *prometheus.CounterVec

	// gateway_key_exhausted_total{provider}
	keyExhausted *prometheus.CounterVec

	// gateway_stream_errors_total{provider,phase} — phase is pre_commit/post_commit
	streamErrors *prometheus.CounterVec

	// gateway_session_sticky_total{result} — result is hit/rebind
	sessionSticky *prometheus.CounterVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_buffer_buckets — current distinct buckets held by the sample buffer
	bufferBuckets prometheus.Gauge

	// gateway_buffer_flushes_total{result}
	bufferFlushes *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the router",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the router",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes all retries)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream attempts (includes candidate retries)",
			},
			[]string{"provider", "transport", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "transport", "outcome"},
		),

		cooldownSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cooldown_skips_total",
				Help: "Candidates skipped because the provider is in failure cooldown",
			},
			[]string{"provider"},
		),

		capabilityMismatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_capability_mismatch_total",
				Help: "Upstream refusals classified as capability mismatches",
			},
			[]string{"provider", "capability"},
		),

		keyBackoffs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_key_backoffs_total",
				Help: "Upstream credential failures that entered backoff",
			},
			[]string{"provider"},
		),

		keyExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_key_exhausted_total",
				Help: "Key pool acquisitions that found no usable credential",
			},
			[]string{"provider"},
		),

		streamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_errors_total",
				Help: "Stream failures by phase relative to the first client byte",
			},
			[]string{"provider", "phase"},
		),

		sessionSticky: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_session_sticky_total",
				Help: "Sticky-session outcomes per scheduled request",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		bufferBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_buffer_buckets",
			Help: "Distinct aggregation buckets currently held by the sample buffer",
		}),

		bufferFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_buffer_flushes_total",
				Help: "Sample buffer flush attempts by result",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.cooldownSkips,
		r.capabilityMismatch,
		r.keyBackoffs,
		r.keyExhausted,
		r.streamErrors,
		r.sessionSticky,
		r.tokensTotal,
		r.bufferBuckets,
		r.bufferFlushes,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, transport, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, transport, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, transport, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordCooldownSkip(provider string) {
	r.cooldownSkips.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordCapabilityMismatch(provider, capability string) {
	r.capabilityMismatch.WithLabelValues(provider, capability).Inc()
}

func (r *Registry) RecordKeyBackoff(provider string) {
	r.keyBackoffs.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordKeyExhausted(provider string) {
	r.keyExhausted.WithLabelValues(provider).Inc()
}

// RecordStreamError records a stream failure; phase is "pre_commit" or
// "post_commit" relative to the first client byte.
func (r *Registry) RecordStreamError(provider, phase string) {
	r.streamErrors.WithLabelValues(provider, phase).Inc()
}

func (r *Registry) RecordSessionSticky(result string) {
	r.sessionSticky.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetBufferBuckets(n int) {
	r.bufferBuckets.Set(float64(n))
}

func (r *Registry) RecordBufferFlush(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	r.bufferFlushes.WithLabelValues(result).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
