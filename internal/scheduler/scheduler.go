// Package scheduler ranks a logical model's physical upstreams.
//
// Scores combine static base weights, operator-set dynamic weights from the
// shared cache, and the live health window (latency, error rate, quota
// pressure). Session stickiness keeps a conversation on its bound upstream
// as long as that upstream stays within a drift tolerance of the best score.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"

	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/model"
)

// ErrNoCandidates means every upstream was excluded (down, or all keys in
// backoff). Surfaces as 503.
var ErrNoCandidates = errors.New("scheduler: no routable upstreams")

const (
	defaultMinScore       = 0.01
	defaultDriftTolerance = 0.25
	defaultLatencyCeilMs  = 10000
)

// KeyAvailability is the key-pool view the scheduler needs: whether a
// provider has any usable credential at all.
type KeyAvailability interface {
	AllInBackoff(providerID string) bool
}

// Scored is one ranked candidate.
type Scored struct {
	Upstream model.PhysicalUpstream
	Score    float64
	P99Ms    float64
}

// Options configures a Scheduler.
type Options struct {
	Store    cache.Store
	Keys     KeyAvailability
	Strategy model.Strategy
	Logger   *slog.Logger
}

type Scheduler struct {
	store    cache.Store
	keys     KeyAvailability
	strategy model.Strategy
	logger   *slog.Logger
}

func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := opts.Strategy
	if st.MinScore <= 0 {
		st.MinScore = defaultMinScore
	}
	if st.DriftTolerance <= 0 {
		st.DriftTolerance = defaultDriftTolerance
	}
	if st.LatencyCeilMs <= 0 {
		st.LatencyCeilMs = defaultLatencyCeilMs
	}
	return &Scheduler{
		store:    opts.Store,
		keys:     opts.Keys,
		strategy: st,
		logger:   logger,
	}
}

// Choose ranks the logical model's upstreams and returns the retry order:
// the selected upstream at the head, then the remaining candidates in
// score-descending order.
func (s *Scheduler) Choose(ctx context.Context, lm *model.LogicalModel, session *model.Session) ([]model.PhysicalUpstream, []Scored, error) {
	scored := s.scoreAll(ctx, lm)
	if len(scored) == 0 {
		return nil, nil, ErrNoCandidates
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].P99Ms != scored[j].P99Ms {
			return scored[i].P99Ms < scored[j].P99Ms
		}
		return scored[i].Upstream.ProviderID < scored[j].Upstream.ProviderID
	})

	selected := s.applyStickiness(ctx, scored, session)
	return orderedCandidates(selected, scored), scored, nil
}

func (s *Scheduler) scoreAll(ctx context.Context, lm *model.LogicalModel) []Scored {
	weights := s.dynamicWeights(ctx)

	scored := make([]Scored, 0, len(lm.Upstreams))
	for _, up := range lm.Upstreams {
		metrics := s.routingMetrics(ctx, lm.LogicalID, up.ProviderID)

		if metrics != nil && metrics.Status == model.StatusDown {
			s.logger.DebugContext(ctx, "candidate_excluded", "provider", up.ProviderID, "reason", "down")
			continue
		}
		if s.keys != nil && s.keys.AllInBackoff(up.ProviderID) {
			s.logger.DebugContext(ctx, "candidate_excluded", "provider", up.ProviderID, "reason", "all_keys_backoff")
			continue
		}

		dyn, ok := weights[up.ProviderID]
		if !ok || dyn <= 0 {
			dyn = 1.0
		}

		sc := Scored{Upstream: up, Score: s.score(up, dyn, metrics)}
		if metrics != nil {
			sc.P99Ms = metrics.LatencyP99Ms
		}
		scored = append(scored, sc)
	}
	return scored
}

func (s *Scheduler) score(up model.PhysicalUpstream, dyn float64, m *model.RoutingMetrics) float64 {
	base := up.BaseWeight
	if base <= 0 {
		base = 1.0
	}

	var latNorm, errRate, quota float64
	if m != nil {
		latNorm = clamp01(m.LatencyP95Ms / s.strategy.LatencyCeilMs)
		errRate = clamp01(m.ErrorRate)
		if up.MaxQPS > 0 {
			quota = clamp01(m.SuccessQPS1m / float64(up.MaxQPS))
		}
	}

	raw := base * dyn *
		(1 - s.strategy.Alpha*latNorm) *
		(1 - s.strategy.Beta*errRate) *
		(1 - s.strategy.Gamma*costFactor(up)) *
		(1 - s.strategy.Delta*quota)

	if raw < s.strategy.MinScore {
		return s.strategy.MinScore
	}
	return raw
}

// costFactor is a placeholder until per-model pricing lands; gamma defaults
// to zero so this term is inert out of the box.
func costFactor(model.PhysicalUpstream) float64 { return 0 }

// applyStickiness returns the bound upstream when a session exists, the
// binding is still in the candidate list, and its score has not drifted
// below (1 - tolerance) of the top score. Otherwise the top candidate wins.
func (s *Scheduler) applyStickiness(ctx context.Context, scored []Scored, session *model.Session) model.PhysicalUpstream {
	top := scored[0]
	if session == nil {
		return top.Upstream
	}

	for _, sc := range scored {
		if sc.Upstream.ProviderID != session.ProviderID || sc.Upstream.UpstreamModelID != session.UpstreamModelID {
			continue
		}
		if sc.Score <= 0 {
			break
		}
		if sc.Score >= top.Score*(1-s.strategy.DriftTolerance) {
			s.logger.DebugContext(ctx, "session_sticky",
				"provider", sc.Upstream.ProviderID,
				"score", sc.Score,
				"top_score", top.Score,
			)
			return sc.Upstream
		}
		break
	}
	return top.Upstream
}

// orderedCandidates puts selected at the head and drops its duplicate from
// the scored tail.
func orderedCandidates(selected model.PhysicalUpstream, scored []Scored) []model.PhysicalUpstream {
	out := make([]model.PhysicalUpstream, 0, len(scored))
	out = append(out, selected)
	for _, sc := range scored {
		if sc.Upstream.ProviderID == selected.ProviderID && sc.Upstream.UpstreamModelID == selected.UpstreamModelID {
			continue
		}
		out = append(out, sc.Upstream)
	}
	return out
}

// dynamicWeights reads the operator-set provider weights. Absent key or a
// cache outage yields an empty map: every provider runs at 1.0.
func (s *Scheduler) dynamicWeights(ctx context.Context) map[string]float64 {
	raw, ok := s.store.Get(ctx, cache.DynamicWeightsKey)
	if !ok {
		return nil
	}
	var weights map[string]float64
	if err := json.Unmarshal(raw, &weights); err != nil {
		s.logger.WarnContext(ctx, "dynamic_weights_parse_error", "error", err.Error())
		return nil
	}
	return weights
}

func (s *Scheduler) routingMetrics(ctx context.Context, logicalID, providerID string) *model.RoutingMetrics {
	raw, ok := s.store.Get(ctx, cache.RoutingMetricsKey(logicalID, providerID))
	if !ok {
		return nil
	}
	var m model.RoutingMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return &m
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
