// Package keypool selects upstream credentials per provider.
//
// Preference scores live in a shared sorted set so replicas converge on the
// same view of key health; set members are HMAC digests of the raw keys, so
// a credential never appears in the cache in recoverable form. Backoff state
// is process-local: it reacts within the instance that observed the failure
// without waiting on a cache round trip.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/model"
)

var (
	// ErrNoKeys means the provider has no configured credentials.
	ErrNoKeys = errors.New("keypool: no keys configured")
	// ErrAllKeysUnavailable means every configured key is in backoff or over
	// its QPS budget.
	ErrAllKeysUnavailable = errors.New("keypool: all keys in backoff or over qps")
)

const (
	scoreMin     = 0.1
	scoreMax     = 10.0
	scoreInitial = 5.0

	successDelta   = 0.1
	failureDelta   = -0.5
	authFailDelta  = -2.0
	bandTolerance  = 0.05
	backoffCeiling = 60 * time.Second
	authBackoffMin = 30 * time.Second

	retryableBackoffBase = 1 * time.Second
	fatalBackoffBase     = 5 * time.Second
)

// Digester derives cache-safe members from raw credentials. Satisfied by
// *auth.Authenticator so client keys and upstream keys share one derivation.
type Digester interface {
	Digest(value string) string
}

type keyState struct {
	key          model.APIKey
	digest       string
	failures     int
	backoffUntil time.Time
	seeded       bool
}

type providerPool struct {
	mu     sync.Mutex
	keys   []*keyState
	maxQPS int // provider-level default, per key when key.MaxQPS == 0
}

// Pool manages credential selection for every configured provider.
type Pool struct {
	store    cache.Store
	digester Digester
	logger   *slog.Logger
	rng      *rand.Rand
	rngMu    sync.Mutex

	mu        sync.RWMutex
	providers map[string]*providerPool
}

// Options configures a Pool. Store and Digester are required.
type Options struct {
	Store    cache.Store
	Digester Digester
	Logger   *slog.Logger
}

func New(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:     opts.Store,
		digester:  opts.Digester,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		providers: make(map[string]*providerPool),
	}
}

// Configure registers (or replaces) the credential set for a provider.
// Existing backoff state survives for keys whose digest is unchanged.
func (p *Pool) Configure(providerID string, keys []model.APIKey, providerMaxQPS int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := map[string]*keyState{}
	if prev, ok := p.providers[providerID]; ok {
		prev.mu.Lock()
		for _, ks := range prev.keys {
			old[ks.digest] = ks
		}
		prev.mu.Unlock()
	}

	pp := &providerPool{maxQPS: providerMaxQPS}
	for _, k := range keys {
		if k.RawKey == "" {
			continue
		}
		d := p.member(providerID, k)
		if prev, ok := old[d]; ok {
			prev.key = k
			pp.keys = append(pp.keys, prev)
			continue
		}
		pp.keys = append(pp.keys, &keyState{key: k, digest: d})
	}
	p.providers[providerID] = pp
}

// Pick selects one credential for the provider. Selection walks the
// preference bands: among the non-backoff keys closest to the top score
// (within a fixed tolerance) one key is drawn weighted-random, then checked
// against its per-second QPS budget. Over-budget keys fall out of the draw
// and the next band is considered.
func (p *Pool) Pick(ctx context.Context, providerID string) (model.APIKey, error) {
	pp := p.provider(providerID)
	if pp == nil {
		return model.APIKey{}, fmt.Errorf("%w: provider %q", ErrNoKeys, providerID)
	}

	pp.mu.Lock()
	now := time.Now()
	candidates := make([]*keyState, 0, len(pp.keys))
	for _, ks := range pp.keys {
		if now.Before(ks.backoffUntil) {
			continue
		}
		candidates = append(candidates, ks)
	}
	pp.mu.Unlock()

	if len(pp.keys) == 0 {
		return model.APIKey{}, fmt.Errorf("%w: provider %q", ErrNoKeys, providerID)
	}
	if len(candidates) == 0 {
		return model.APIKey{}, ErrAllKeysUnavailable
	}

	scores := p.loadScores(ctx, providerID, candidates)

	for len(candidates) > 0 {
		band := topBand(candidates, scores)
		ks := p.weightedPick(band)

		if p.withinQPS(ctx, providerID, pp, ks) {
			return ks.key, nil
		}

		candidates = remove(candidates, ks)
	}
	return model.APIKey{}, ErrAllKeysUnavailable
}

// RecordSuccess resets local backoff and nudges the shared score up.
func (p *Pool) RecordSuccess(ctx context.Context, providerID string, key model.APIKey) {
	pp := p.provider(providerID)
	if pp == nil {
		return
	}
	d := p.member(providerID, key)

	pp.mu.Lock()
	if ks := pp.find(d); ks != nil {
		ks.failures = 0
		ks.backoffUntil = time.Time{}
	}
	pp.mu.Unlock()

	p.adjustScore(ctx, providerID, d, successDelta)
}

// RecordFailure applies exponential backoff and pushes the shared score down.
// Auth failures (401/403) get at least 30 seconds of backoff and a larger
// negative delta, since a rejected credential will not heal on retry.
func (p *Pool) RecordFailure(ctx context.Context, providerID string, key model.APIKey, statusCode int, retryable bool) {
	pp := p.provider(providerID)
	if pp == nil {
		return
	}
	d := p.member(providerID, key)
	authFailure := statusCode == 401 || statusCode == 403

	pp.mu.Lock()
	if ks := pp.find(d); ks != nil {
		ks.failures++
		base := fatalBackoffBase
		if retryable {
			base = retryableBackoffBase
		}
		exp := ks.failures
		if exp > 5 {
			exp = 5
		}
		backoff := base << exp
		if backoff > backoffCeiling {
			backoff = backoffCeiling
		}
		if authFailure && backoff < authBackoffMin {
			backoff = authBackoffMin
		}
		ks.backoffUntil = time.Now().Add(backoff)

		p.logger.WarnContext(ctx, "key_backoff",
			"provider", providerID,
			"key", key.Label(),
			"status", statusCode,
			"failures", ks.failures,
			"backoff", backoff.String(),
		)
	}
	pp.mu.Unlock()

	delta := failureDelta
	if authFailure {
		delta = authFailDelta
	}
	p.adjustScore(ctx, providerID, d, delta)
}

// AllInBackoff reports whether every configured key for the provider is
// currently backing off. The scheduler excludes such providers entirely.
func (p *Pool) AllInBackoff(providerID string) bool {
	pp := p.provider(providerID)
	if pp == nil {
		return false
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if len(pp.keys) == 0 {
		return false
	}
	now := time.Now()
	for _, ks := range pp.keys {
		if !now.Before(ks.backoffUntil) {
			return false
		}
	}
	return true
}

// member derives the cache member for one credential: the HMAC digest of
// "{provider}:{raw_key}", so identical keys reused across providers still get
// independent scores.
func (p *Pool) member(providerID string, key model.APIKey) string {
	return p.digester.Digest(providerID + ":" + key.RawKey)
}

func (p *Pool) provider(providerID string) *providerPool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.providers[providerID]
}

func (pp *providerPool) find(digest string) *keyState {
	for _, ks := range pp.keys {
		if ks.digest == digest {
			return ks
		}
	}
	return nil
}

// loadScores fetches shared scores for the candidates, seeding unseen keys
// at the initial score. A cache outage degrades to the initial score for
// everyone, which collapses selection to pure weighted random.
func (p *Pool) loadScores(ctx context.Context, providerID string, candidates []*keyState) map[string]float64 {
	members := make([]string, len(candidates))
	for i, ks := range candidates {
		members[i] = ks.digest
	}

	key := cache.KeyScoresKey(providerID)
	scores, err := p.store.ZScores(ctx, key, members)
	if err != nil || scores == nil {
		scores = map[string]float64{}
	}

	for _, ks := range candidates {
		if _, ok := scores[ks.digest]; ok {
			continue
		}
		scores[ks.digest] = scoreInitial
		if !ks.seeded {
			ks.seeded = true
			if _, err := p.store.ZIncrClamped(ctx, key, ks.digest, scoreInitial, scoreMin, scoreMax); err != nil {
				p.logger.WarnContext(ctx, "key_score_seed_error", "provider", providerID, "error", err.Error())
			}
		}
	}
	return scores
}

func (p *Pool) adjustScore(ctx context.Context, providerID, digest string, delta float64) {
	key := cache.KeyScoresKey(providerID)
	if _, err := p.store.ZIncrClamped(ctx, key, digest, delta, scoreMin, scoreMax); err != nil {
		p.logger.WarnContext(ctx, "key_score_update_error", "provider", providerID, "error", err.Error())
	}
}

// topBand returns the candidates whose score is within bandTolerance of the
// best score.
func topBand(candidates []*keyState, scores map[string]float64) []*keyState {
	best := scores[candidates[0].digest]
	for _, ks := range candidates[1:] {
		if s := scores[ks.digest]; s > best {
			best = s
		}
	}
	band := make([]*keyState, 0, len(candidates))
	for _, ks := range candidates {
		if scores[ks.digest] >= best-bandTolerance {
			band = append(band, ks)
		}
	}
	return band
}

func (p *Pool) weightedPick(band []*keyState) *keyState {
	if len(band) == 1 {
		return band[0]
	}
	total := 0.0
	for _, ks := range band {
		total += keyWeight(ks.key)
	}

	p.rngMu.Lock()
	r := p.rng.Float64() * total
	p.rngMu.Unlock()

	for _, ks := range band {
		r -= keyWeight(ks.key)
		if r < 0 {
			return ks
		}
	}
	return band[len(band)-1]
}

func keyWeight(k model.APIKey) float64 {
	if k.Weight > 0 {
		return k.Weight
	}
	return 1.0
}

// withinQPS increments the key's current 1-second bucket and checks it
// against the budget. Keys without a budget always pass.
func (p *Pool) withinQPS(ctx context.Context, providerID string, pp *providerPool, ks *keyState) bool {
	limit := ks.key.MaxQPS
	if limit <= 0 {
		limit = pp.maxQPS
	}
	if limit <= 0 {
		return true
	}

	bucket := cache.KeyQPSKey(providerID, ks.key.Label(), time.Now().Unix())
	n, err := p.store.IncrWithTTL(ctx, bucket, 2*time.Second)
	if err != nil {
		// Degrade open: never fail a request because the cache is away.
		return true
	}
	return n <= int64(limit)
}

func remove(list []*keyState, target *keyState) []*keyState {
	out := list[:0]
	for _, ks := range list {
		if ks != target {
			out = append(out, ks)
		}
	}
	return out
}
