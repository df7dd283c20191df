// Package model defines the typed routing domain shared by the resolver,
// scheduler, key pool, and transports.
//
// Payload shape is always carried as an explicit APIStyle tag — no component
// outside internal/adapter is allowed to branch on JSON field presence to
// guess a request's dialect.
package model

import (
	"time"
)

// APIStyle is the wire protocol dialect a payload or endpoint speaks.
type APIStyle string

const (
	StyleOpenAI    APIStyle = "openai"    // chat.completions
	StyleClaude    APIStyle = "claude"    // Anthropic Messages
	StyleResponses APIStyle = "responses" // OpenAI Responses
)

// Valid reports whether s is one of the three recognised dialects.
func (s APIStyle) Valid() bool {
	switch s {
	case StyleOpenAI, StyleClaude, StyleResponses:
		return true
	}
	return false
}

// Transport selects how bytes reach the upstream.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportSDK       Transport = "sdk"
	TransportClaudeCLI Transport = "claude_cli"
)

// PhysicalUpstream is one concrete call target: a provider plus the model id
// and endpoint the vendor expects.
type PhysicalUpstream struct {
	ProviderID      string
	UpstreamModelID string
	Endpoint        string // resolved URL; base URL only for SDK transport
	BaseWeight      float64
	Region          string
	MaxQPS          int
	APIStyle        APIStyle // the style this endpoint speaks
}

// LogicalModel groups physical upstreams under one client-facing id.
type LogicalModel struct {
	LogicalID    string
	Capabilities []string
	Upstreams    []PhysicalUpstream
	Enabled      bool
	UpdatedAt    time.Time
}

// APIKey is one configured upstream credential.
type APIKey struct {
	RawKey string
	Weight float64
	MaxQPS int
}

// Label returns the masked form of the key used in logs and cache key paths.
// Only the first three and last four characters survive.
func (k APIKey) Label() string {
	return MaskKey(k.RawKey)
}

// MaskKey masks a raw credential for logging: "sk-proj-…wxyz".
func MaskKey(raw string) string {
	if len(raw) <= 8 {
		return "****"
	}
	return raw[:3] + "…" + raw[len(raw)-4:]
}

// ProviderConfig is the static configuration for one provider, owned by the
// config subsystem; the core holds read-only snapshots.
type ProviderConfig struct {
	ID                   string
	BaseURL              string
	Transport            Transport
	SDKVendor            string // required when Transport == TransportSDK
	APIKeys              []APIKey
	SupportedAPIStyles   []APIStyle // authoritative when non-empty
	ChatCompletionsPath  string
	MessagesPath         string
	ResponsesPath        string
	RetryableStatusCodes []int
	CustomHeaders        map[string]string
	Weight               float64
	MaxQPS               int
	StaticModels         []string
	ModelAliases         map[string]string // lookup id → advertised id
	Region               string
}

// Supports reports whether the provider declares style among its supported
// dialects. An empty declaration means "openai only" for HTTP providers.
func (p *ProviderConfig) Supports(style APIStyle) bool {
	if len(p.SupportedAPIStyles) == 0 {
		return style == StyleOpenAI
	}
	for _, s := range p.SupportedAPIStyles {
		if s == style {
			return true
		}
	}
	return false
}

// HealthStatus is the coarse per-provider health classification carried in
// RoutingMetrics.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusDown     HealthStatus = "down"
)

// RoutingMetrics is the latest health window for (logical model × provider),
// read from the shared cache.
type RoutingMetrics struct {
	LatencyP95Ms  float64      `json:"latency_p95_ms"`
	LatencyP99Ms  float64      `json:"latency_p99_ms"`
	ErrorRate     float64      `json:"error_rate"`
	SuccessQPS1m  float64      `json:"success_qps_1m"`
	TotalReqs1m   int64        `json:"total_requests_1m"`
	Status        HealthStatus `json:"status"`
	LastUpdated   time.Time    `json:"last_updated"`
}

// Session binds a conversation to the upstream that served its first
// successful response.
type Session struct {
	LogicalModel    string    `json:"logical"`
	ProviderID      string    `json:"provider"`
	UpstreamModelID string    `json:"model"`
	LastAccessed    time.Time `json:"last_accessed"`
}

// Strategy holds the scheduler scoring coefficients. Zero values fall back to
// package defaults in internal/scheduler.
type Strategy struct {
	Alpha          float64 // latency weight
	Beta           float64 // error-rate weight
	Gamma          float64 // cost weight
	Delta          float64 // quota weight
	MinScore       float64
	DriftTolerance float64 // sticky sessions survive within this fraction of top score
	LatencyCeilMs  float64 // rolling ceiling for latency normalisation
}
