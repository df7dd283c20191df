// Package config loads and validates all runtime configuration for the
// router.
//
// Scalar settings are read from environment variables (preferred for
// containers) with a config.yaml fallback in the working directory; env vars
// take precedence. Structured sections — providers, logical models, client
// API keys — live in the YAML file because they do not flatten into env vars.
//
// GATEWAY_SECRET is the only strictly required value: it keys the HMAC used
// for client API-key ids and for key-pool score members. At least one
// provider must carry a usable credential.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/llm-router/internal/model"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// GatewaySecret keys every HMAC derivation (client key ids, score members).
	GatewaySecret string

	// Redis holds the connection URL for the shared store.
	// When empty the router runs on the in-process store.
	RedisURL string

	// Providers is the full upstream provider inventory.
	Providers []Provider

	// LogicalModels are the statically configured model groups.
	LogicalModels []LogicalModel

	// ClientKeys are the API keys clients authenticate with.
	ClientKeys []ClientKey

	// Scheduler holds the scoring strategy coefficients.
	Scheduler SchedulerConfig

	// Buffer controls the metrics sample buffer and its rollup flush.
	Buffer BufferConfig

	// Session controls sticky-session and conversation-ring behaviour.
	Session SessionConfig

	// ModelListTTL bounds how long a provider /models listing is cached.
	ModelListTTL time.Duration

	// RequestTimeout is the per-request deadline; CandidateTimeout the
	// per-upstream-attempt deadline.
	RequestTimeout   time.Duration
	CandidateTimeout time.Duration

	// CooldownThreshold failures within CooldownWindow skip a provider.
	CooldownThreshold int64
	CooldownWindow    time.Duration

	// CORSOrigins is the allowed CORS origin list; ["*"] allows any.
	CORSOrigins []string
}

// Provider mirrors one entry of the YAML `providers:` list.
type Provider struct {
	ID                   string            `mapstructure:"id"`
	BaseURL              string            `mapstructure:"base_url"`
	Transport            string            `mapstructure:"transport"`
	SDKVendor            string            `mapstructure:"sdk_vendor"`
	APIKeys              []ProviderKey     `mapstructure:"api_keys"`
	SupportedAPIStyles   []string          `mapstructure:"supported_api_styles"`
	ChatCompletionsPath  string            `mapstructure:"chat_completions_path"`
	MessagesPath         string            `mapstructure:"messages_path"`
	ResponsesPath        string            `mapstructure:"responses_path"`
	RetryableStatusCodes []int             `mapstructure:"retryable_status_codes"`
	CustomHeaders        map[string]string `mapstructure:"custom_headers"`
	Weight               float64           `mapstructure:"weight"`
	MaxQPS               int               `mapstructure:"max_qps"`
	StaticModels         []string          `mapstructure:"static_models"`
	ModelAliases         map[string]string `mapstructure:"model_aliases"`
	Region               string            `mapstructure:"region"`
}

// ProviderKey is one upstream credential with selection metadata.
type ProviderKey struct {
	Key    string  `mapstructure:"key"`
	Weight float64 `mapstructure:"weight"`
	MaxQPS int     `mapstructure:"max_qps"`
}

// LogicalModel is one statically configured model group.
type LogicalModel struct {
	ID           string            `mapstructure:"id"`
	Capabilities []string          `mapstructure:"capabilities"`
	Enabled      *bool             `mapstructure:"enabled"`
	Upstreams    []LogicalUpstream `mapstructure:"upstreams"`
}

// LogicalUpstream names one (provider, upstream model) member of a group.
type LogicalUpstream struct {
	Provider      string  `mapstructure:"provider"`
	UpstreamModel string  `mapstructure:"upstream_model"`
	Weight        float64 `mapstructure:"weight"`
}

// ClientKey is one gateway API key a client may authenticate with.
type ClientKey struct {
	Key              string   `mapstructure:"key"`
	Name             string   `mapstructure:"name"`
	Active           *bool    `mapstructure:"active"`
	AllowedProviders []string `mapstructure:"allowed_providers"`
}

// SchedulerConfig holds scoring strategy coefficients.
type SchedulerConfig struct {
	Alpha          float64
	Beta           float64
	Gamma          float64
	Delta          float64
	MinScore       float64
	DriftTolerance float64
	LatencyCeilMs  float64
}

// BufferConfig controls the metrics sample buffer.
type BufferConfig struct {
	// Enabled false means every sample is upserted synchronously.
	Enabled bool
	// BucketSeconds is the aggregation window (wall clock, UTC). Default 60.
	BucketSeconds int
	// FlushInterval is the background drain period. Default 10s.
	FlushInterval time.Duration
	// MaxKeys bounds distinct buckets; the oldest is force-flushed when full.
	MaxKeys int
	// ReservoirSize bounds latency samples per bucket.
	ReservoirSize int
	// SuccessSampleRate further down-samples success latencies (0..1].
	SuccessSampleRate float64
	// ClickHouseDSN is the rollup sink. Empty disables the sink (log-only).
	ClickHouseDSN string
}

// SessionConfig controls stickiness and the conversation debug ring.
type SessionConfig struct {
	TTL      time.Duration
	RingSize int64
}

// Load reads configuration from env vars and the optional config.yaml.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("REQUEST_TIMEOUT", "120s")
	v.SetDefault("CANDIDATE_TIMEOUT", "60s")

	v.SetDefault("COOLDOWN_THRESHOLD", 3)
	v.SetDefault("COOLDOWN_WINDOW", "30s")

	v.SetDefault("MODEL_LIST_TTL", "5m")

	// Scheduler strategy.
	v.SetDefault("SCHED_ALPHA", 0.3)
	v.SetDefault("SCHED_BETA", 0.5)
	v.SetDefault("SCHED_GAMMA", 0.0)
	v.SetDefault("SCHED_DELTA", 0.1)
	v.SetDefault("SCHED_MIN_SCORE", 0.01)
	v.SetDefault("SCHED_DRIFT_TOLERANCE", 0.25)
	v.SetDefault("SCHED_LATENCY_CEIL_MS", 10000)

	// Metrics buffer.
	v.SetDefault("BUFFER_ENABLED", true)
	v.SetDefault("BUFFER_BUCKET_SECONDS", 60)
	v.SetDefault("BUFFER_FLUSH_INTERVAL", "10s")
	v.SetDefault("BUFFER_MAX_KEYS", 4096)
	v.SetDefault("BUFFER_RESERVOIR_SIZE", 128)
	v.SetDefault("BUFFER_SUCCESS_SAMPLE_RATE", 1.0)

	// Sessions.
	v.SetDefault("SESSION_TTL", "30m")
	v.SetDefault("SESSION_RING_SIZE", 50)

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		GatewaySecret: v.GetString("GATEWAY_SECRET"),
		RedisURL:      v.GetString("REDIS_URL"),

		Scheduler: SchedulerConfig{
			Alpha:          v.GetFloat64("SCHED_ALPHA"),
			Beta:           v.GetFloat64("SCHED_BETA"),
			Gamma:          v.GetFloat64("SCHED_GAMMA"),
			Delta:          v.GetFloat64("SCHED_DELTA"),
			MinScore:       v.GetFloat64("SCHED_MIN_SCORE"),
			DriftTolerance: v.GetFloat64("SCHED_DRIFT_TOLERANCE"),
			LatencyCeilMs:  v.GetFloat64("SCHED_LATENCY_CEIL_MS"),
		},

		Buffer: BufferConfig{
			Enabled:           v.GetBool("BUFFER_ENABLED"),
			BucketSeconds:     v.GetInt("BUFFER_BUCKET_SECONDS"),
			FlushInterval:     v.GetDuration("BUFFER_FLUSH_INTERVAL"),
			MaxKeys:           v.GetInt("BUFFER_MAX_KEYS"),
			ReservoirSize:     v.GetInt("BUFFER_RESERVOIR_SIZE"),
			SuccessSampleRate: v.GetFloat64("BUFFER_SUCCESS_SAMPLE_RATE"),
			ClickHouseDSN:     v.GetString("CLICKHOUSE_DSN"),
		},

		Session: SessionConfig{
			TTL:      v.GetDuration("SESSION_TTL"),
			RingSize: v.GetInt64("SESSION_RING_SIZE"),
		},

		ModelListTTL:     v.GetDuration("MODEL_LIST_TTL"),
		RequestTimeout:   v.GetDuration("REQUEST_TIMEOUT"),
		CandidateTimeout: v.GetDuration("CANDIDATE_TIMEOUT"),

		CooldownThreshold: v.GetInt64("COOLDOWN_THRESHOLD"),
		CooldownWindow:    v.GetDuration("COOLDOWN_WINDOW"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := v.UnmarshalKey("providers", &cfg.Providers); err != nil {
		return nil, fmt.Errorf("config: providers: %w", err)
	}
	if err := v.UnmarshalKey("logical_models", &cfg.LogicalModels); err != nil {
		return nil, fmt.Errorf("config: logical_models: %w", err)
	}
	if err := v.UnmarshalKey("gateway_api_keys", &cfg.ClientKeys); err != nil {
		return nil, fmt.Errorf("config: gateway_api_keys: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.GatewaySecret == "" {
		return fmt.Errorf("config: GATEWAY_SECRET is required (keys all HMAC derivations)")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider must be configured under providers:")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ID == "" {
			return fmt.Errorf("config: providers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true

		switch model.Transport(p.Transport) {
		case model.TransportHTTP, model.TransportClaudeCLI:
			if p.BaseURL == "" {
				return fmt.Errorf("config: provider %q: base_url is required for transport %q", p.ID, p.Transport)
			}
		case model.TransportSDK:
			if p.SDKVendor == "" {
				return fmt.Errorf("config: provider %q: sdk_vendor is required for transport sdk", p.ID)
			}
		default:
			return fmt.Errorf("config: provider %q: invalid transport %q; must be one of: http, sdk, claude_cli", p.ID, p.Transport)
		}

		if len(p.APIKeys) == 0 {
			return fmt.Errorf("config: provider %q: at least one api key is required", p.ID)
		}
		for _, s := range p.SupportedAPIStyles {
			if !model.APIStyle(s).Valid() {
				return fmt.Errorf("config: provider %q: invalid api style %q", p.ID, s)
			}
		}
		if p.Weight < 0 {
			return fmt.Errorf("config: provider %q: weight must be ≥ 0", p.ID)
		}
	}

	for i, lm := range c.LogicalModels {
		if lm.ID == "" {
			return fmt.Errorf("config: logical_models[%d]: id is required", i)
		}
		if len(lm.Upstreams) == 0 {
			return fmt.Errorf("config: logical model %q: upstreams must be non-empty", lm.ID)
		}
		for _, u := range lm.Upstreams {
			if !seen[u.Provider] {
				return fmt.Errorf("config: logical model %q: unknown provider %q", lm.ID, u.Provider)
			}
		}
	}

	if c.CooldownThreshold < 1 {
		return fmt.Errorf("config: COOLDOWN_THRESHOLD must be ≥ 1, got %d", c.CooldownThreshold)
	}
	if c.Buffer.SuccessSampleRate <= 0 || c.Buffer.SuccessSampleRate > 1 {
		return fmt.Errorf("config: BUFFER_SUCCESS_SAMPLE_RATE must be in (0, 1], got %v", c.Buffer.SuccessSampleRate)
	}

	return nil
}

// ProviderModel converts one YAML provider entry into the routing domain type.
func (p *Provider) ProviderModel() *model.ProviderConfig {
	keys := make([]model.APIKey, len(p.APIKeys))
	for i, k := range p.APIKeys {
		w := k.Weight
		if w <= 0 {
			w = 1.0
		}
		keys[i] = model.APIKey{RawKey: k.Key, Weight: w, MaxQPS: k.MaxQPS}
	}

	styles := make([]model.APIStyle, len(p.SupportedAPIStyles))
	for i, s := range p.SupportedAPIStyles {
		styles[i] = model.APIStyle(s)
	}

	weight := p.Weight
	if weight <= 0 {
		weight = 1.0
	}

	return &model.ProviderConfig{
		ID:                   p.ID,
		BaseURL:              strings.TrimRight(p.BaseURL, "/"),
		Transport:            model.Transport(p.Transport),
		SDKVendor:            p.SDKVendor,
		APIKeys:              keys,
		SupportedAPIStyles:   styles,
		ChatCompletionsPath:  p.ChatCompletionsPath,
		MessagesPath:         p.MessagesPath,
		ResponsesPath:        p.ResponsesPath,
		RetryableStatusCodes: p.RetryableStatusCodes,
		CustomHeaders:        p.CustomHeaders,
		Weight:               weight,
		MaxQPS:               p.MaxQPS,
		StaticModels:         p.StaticModels,
		ModelAliases:         p.ModelAliases,
		Region:               p.Region,
	}
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
