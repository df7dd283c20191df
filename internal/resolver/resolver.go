// Package resolver maps caller-supplied model ids onto groups of physical
// upstreams.
//
// Statically configured groups win; anything else goes through dynamic
// discovery against each provider's cached /models listing. Discovery
// matches an advertised id exactly, by path suffix ("openai/gpt-4" serves
// "gpt-4"), or through the provider's alias table.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/model"
)

var (
	// ErrModelNotAvailable means no provider serves the requested id.
	ErrModelNotAvailable = errors.New("resolver: model not available")
	// ErrNoAllowedProviders means the id resolves, but the caller's provider
	// restriction leaves nothing to route to.
	ErrNoAllowedProviders = errors.New("resolver: no allowed providers for model")
)

// ModelLister fetches a provider's advertised model ids. Implemented by the
// transport layer (GET /v1/models for HTTP providers, the SDK driver's list
// call for SDK providers).
type ModelLister interface {
	ListModels(ctx context.Context, provider *model.ProviderConfig) ([]string, error)
}

// StaticUpstream is one member of a statically configured group.
type StaticUpstream struct {
	ProviderID    string
	UpstreamModel string
	Weight        float64
}

// StaticGroup is one statically configured logical model.
type StaticGroup struct {
	ID           string
	Capabilities []string
	Enabled      bool
	Upstreams    []StaticUpstream
}

// Options configures a Resolver.
type Options struct {
	Store     cache.Store
	Providers []*model.ProviderConfig
	Static    []StaticGroup
	Lister    ModelLister
	ListTTL   time.Duration
	Logger    *slog.Logger
}

// Resolver resolves lookup ids to logical models.
type Resolver struct {
	store     cache.Store
	providers []*model.ProviderConfig
	byID      map[string]*model.ProviderConfig
	static    map[string]StaticGroup
	lister    ModelLister
	listTTL   time.Duration
	logger    *slog.Logger

	// listMu serialises refreshes of the same provider's listing.
	listMu sync.Mutex
}

func New(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.ListTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	r := &Resolver{
		store:     opts.Store,
		providers: opts.Providers,
		byID:      make(map[string]*model.ProviderConfig, len(opts.Providers)),
		static:    make(map[string]StaticGroup, len(opts.Static)),
		lister:    opts.Lister,
		listTTL:   ttl,
		logger:    logger,
	}
	for _, p := range opts.Providers {
		r.byID[p.ID] = p
	}
	for _, g := range opts.Static {
		r.static[g.ID] = g
	}
	return r
}

// Provider returns the configuration for one provider id.
func (r *Resolver) Provider(providerID string) (*model.ProviderConfig, bool) {
	p, ok := r.byID[providerID]
	return p, ok
}

// Resolve maps lookupID to a logical model whose upstreams all pass the
// caller's provider restriction. clientStyle steers endpoint selection so
// the transport prefers an upstream dialect close to what the client speaks.
func (r *Resolver) Resolve(ctx context.Context, lookupID string, clientStyle model.APIStyle, allowedProviders []string) (*model.LogicalModel, error) {
	allowed := r.allowedSet(allowedProviders)

	if g, ok := r.static[lookupID]; ok && g.Enabled {
		lm := r.materializeStatic(g, clientStyle, allowed)
		if len(lm.Upstreams) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrNoAllowedProviders, lookupID)
		}
		return lm, nil
	}

	lm, err := r.discover(ctx, lookupID, clientStyle, allowed)
	if err != nil {
		return nil, err
	}
	if len(lm.Upstreams) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrModelNotAvailable, lookupID)
	}
	return lm, nil
}

func (r *Resolver) allowedSet(allowedProviders []string) map[string]bool {
	if len(allowedProviders) == 0 {
		return nil // nil means unrestricted
	}
	set := make(map[string]bool, len(allowedProviders))
	for _, id := range allowedProviders {
		set[id] = true
	}
	return set
}

func (r *Resolver) materializeStatic(g StaticGroup, clientStyle model.APIStyle, allowed map[string]bool) *model.LogicalModel {
	lm := &model.LogicalModel{
		LogicalID:    g.ID,
		Capabilities: g.Capabilities,
		Enabled:      true,
		UpdatedAt:    time.Now(),
	}
	for _, su := range g.Upstreams {
		if allowed != nil && !allowed[su.ProviderID] {
			continue
		}
		p, ok := r.byID[su.ProviderID]
		if !ok {
			continue
		}
		endpoint, style, ok := EndpointFor(p, clientStyle)
		if !ok {
			continue
		}
		weight := su.Weight
		if weight <= 0 {
			weight = p.Weight
		}
		lm.Upstreams = append(lm.Upstreams, model.PhysicalUpstream{
			ProviderID:      p.ID,
			UpstreamModelID: su.UpstreamModel,
			Endpoint:        endpoint,
			BaseWeight:      weight,
			Region:          p.Region,
			MaxQPS:          p.MaxQPS,
			APIStyle:        style,
		})
	}
	return lm
}

// discover builds a synthetic logical model from every accessible provider
// that advertises a matching id. The allowed filter is applied before the
// listing reads so restricted callers never trigger upstream refreshes for
// providers they cannot use.
func (r *Resolver) discover(ctx context.Context, lookupID string, clientStyle model.APIStyle, allowed map[string]bool) (*model.LogicalModel, error) {
	lm := &model.LogicalModel{
		LogicalID: lookupID,
		Enabled:   true,
		UpdatedAt: time.Now(),
	}

	for _, p := range r.providers {
		if allowed != nil && !allowed[p.ID] {
			continue
		}
		ids := r.providerModels(ctx, p)
		upstreamID, ok := matchModel(lookupID, ids, p.ModelAliases)
		if !ok {
			continue
		}
		endpoint, style, ok := EndpointFor(p, clientStyle)
		if !ok {
			continue
		}
		lm.Upstreams = append(lm.Upstreams, model.PhysicalUpstream{
			ProviderID:      p.ID,
			UpstreamModelID: upstreamID,
			Endpoint:        endpoint,
			BaseWeight:      p.Weight,
			Region:          p.Region,
			MaxQPS:          p.MaxQPS,
			APIStyle:        style,
		})
	}
	return lm, nil
}

// matchModel checks exact id, path suffix, and alias-table matches, in that
// order. Returns the id to forward upstream.
func matchModel(lookupID string, advertised []string, aliases map[string]string) (string, bool) {
	for _, id := range advertised {
		if id == lookupID {
			return id, true
		}
	}
	suffix := "/" + lookupID
	for _, id := range advertised {
		if strings.HasSuffix(id, suffix) {
			return id, true
		}
	}
	if target, ok := aliases[lookupID]; ok {
		for _, id := range advertised {
			if id == target {
				return id, true
			}
		}
	}
	return "", false
}

// providerModels returns the provider's advertised ids, merging static
// declarations with the cached (or freshly fetched) live listing. A listing
// failure degrades to the static declarations.
func (r *Resolver) providerModels(ctx context.Context, p *model.ProviderConfig) []string {
	ids := append([]string(nil), p.StaticModels...)

	key := cache.VendorModelsKey(p.ID)
	if raw, ok := r.store.Get(ctx, key); ok {
		var cached []string
		if err := json.Unmarshal(raw, &cached); err == nil {
			return mergeIDs(ids, cached)
		}
	}

	if r.lister == nil {
		return ids
	}

	r.listMu.Lock()
	defer r.listMu.Unlock()

	// Re-check under the lock: a concurrent resolve may have refreshed.
	if raw, ok := r.store.Get(ctx, key); ok {
		var cached []string
		if err := json.Unmarshal(raw, &cached); err == nil {
			return mergeIDs(ids, cached)
		}
	}

	live, err := r.lister.ListModels(ctx, p)
	if err != nil {
		r.logger.WarnContext(ctx, "model_list_error", "provider", p.ID, "error", err.Error())
		return ids
	}

	if enc, err := json.Marshal(live); err == nil {
		_ = r.store.Set(ctx, key, enc, r.listTTL)
	}
	return mergeIDs(ids, live)
}

func mergeIDs(static, live []string) []string {
	seen := make(map[string]bool, len(static)+len(live))
	out := make([]string, 0, len(static)+len(live))
	for _, id := range static {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range live {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// ── Endpoint selection ────────────────────────────────────────────────────────

// EndpointFor picks the (url, upstream style) pair for one provider. The
// style priority starts at the client's dialect, then falls back through
// responses, openai, claude. SDK and CLI transports always use the base URL.
func EndpointFor(p *model.ProviderConfig, clientStyle model.APIStyle) (string, model.APIStyle, bool) {
	for _, style := range stylePriority(clientStyle) {
		if !p.Supports(style) {
			continue
		}
		switch p.Transport {
		case model.TransportSDK:
			return p.BaseURL, style, true
		case model.TransportClaudeCLI:
			return p.BaseURL, model.StyleClaude, true
		}
		if path := PathFor(p, style); path != "" {
			return p.BaseURL + path, style, true
		}
	}
	return "", "", false
}

// PathFor returns the provider's configured path for a style, falling back
// to the conventional default.
func PathFor(p *model.ProviderConfig, style model.APIStyle) string {
	switch style {
	case model.StyleOpenAI:
		if p.ChatCompletionsPath != "" {
			return p.ChatCompletionsPath
		}
		return "/v1/chat/completions"
	case model.StyleClaude:
		if p.MessagesPath != "" {
			return p.MessagesPath
		}
		return "/v1/messages"
	case model.StyleResponses:
		if p.ResponsesPath != "" {
			return p.ResponsesPath
		}
		return "/v1/responses"
	}
	return ""
}

func stylePriority(clientStyle model.APIStyle) []model.APIStyle {
	order := []model.APIStyle{model.StyleResponses, model.StyleOpenAI, model.StyleClaude}
	if !clientStyle.Valid() {
		return order
	}
	out := []model.APIStyle{clientStyle}
	for _, s := range order {
		if s != clientStyle {
			out = append(out, s)
		}
	}
	return out
}

// ── Model list aggregation ────────────────────────────────────────────────────

// ModelEntry is one row of the aggregated GET /models listing.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// AllModels aggregates static groups and every provider's advertised ids,
// filtered by the caller's provider restriction. The unfiltered aggregate is
// cached; filtering happens per call.
func (r *Resolver) AllModels(ctx context.Context, allowedProviders []string) []ModelEntry {
	allowed := r.allowedSet(allowedProviders)
	entries := r.aggregate(ctx)

	out := make([]ModelEntry, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if allowed != nil && e.OwnedBy != "gateway" && !allowed[e.OwnedBy] {
			continue
		}
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}

func (r *Resolver) aggregate(ctx context.Context) []ModelEntry {
	if raw, ok := r.store.Get(ctx, cache.AllModelsKey); ok {
		var cached []ModelEntry
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached
		}
	}

	var entries []ModelEntry
	for id, g := range r.static {
		if g.Enabled {
			entries = append(entries, ModelEntry{ID: id, Object: "model", OwnedBy: "gateway"})
		}
	}
	for _, p := range r.providers {
		for _, id := range r.providerModels(ctx, p) {
			entries = append(entries, ModelEntry{ID: id, Object: "model", OwnedBy: p.ID})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ID != entries[j].ID {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].OwnedBy < entries[j].OwnedBy
	})

	if enc, err := json.Marshal(entries); err == nil {
		_ = r.store.Set(ctx, cache.AllModelsKey, enc, r.listTTL)
	}
	return entries
}
