package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/model"
)

// fakeKeys reports all-in-backoff for the listed providers.
type fakeKeys map[string]bool

func (f fakeKeys) AllInBackoff(providerID string) bool { return f[providerID] }

func newTestScheduler(t *testing.T, keys fakeKeys, strategy model.Strategy) (*Scheduler, *cache.MemoryStore) {
	t.Helper()
	store := cache.NewMemoryStore(context.Background())
	t.Cleanup(func() { _ = store.Close() })
	return New(Options{Store: store, Keys: keys, Strategy: strategy}), store
}

func twoUpstreamModel() *model.LogicalModel {
	return &model.LogicalModel{
		LogicalID: "gpt-4o",
		Enabled:   true,
		Upstreams: []model.PhysicalUpstream{
			{ProviderID: "heavy", UpstreamModelID: "gpt-4o", BaseWeight: 2.0},
			{ProviderID: "light", UpstreamModelID: "gpt-4o", BaseWeight: 1.0},
		},
	}
}

func putMetrics(t *testing.T, store cache.Store, logicalID, providerID string, m model.RoutingMetrics) {
	t.Helper()
	enc, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal metrics: %v", err)
	}
	if err := store.Set(context.Background(), cache.RoutingMetricsKey(logicalID, providerID), enc, time.Minute); err != nil {
		t.Fatalf("set metrics: %v", err)
	}
}

func TestChoose_OrdersByScore(t *testing.T) {
	s, _ := newTestScheduler(t, nil, model.Strategy{})

	ordered, scored, err := s.Choose(context.Background(), twoUpstreamModel(), nil)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if len(ordered) != 2 {
		t.Fatalf("len(ordered) = %d, want 2", len(ordered))
	}
	if ordered[0].ProviderID != "heavy" {
		t.Errorf("ordered[0] = %q, want the heavier base weight first", ordered[0].ProviderID)
	}
	if scored[0].Score <= scored[1].Score {
		t.Errorf("scored not descending: %v then %v", scored[0].Score, scored[1].Score)
	}
}

// TestChoose_ScoreFormula pins the multiplicative penalty formula on a
// provider with a known health window.
func TestChoose_ScoreFormula(t *testing.T) {
	strategy := model.Strategy{Alpha: 0.3, Beta: 0.5, Delta: 0.1, LatencyCeilMs: 10000}
	s, store := newTestScheduler(t, nil, strategy)

	lm := &model.LogicalModel{
		LogicalID: "m",
		Upstreams: []model.PhysicalUpstream{
			{ProviderID: "p", UpstreamModelID: "m", BaseWeight: 2.0, MaxQPS: 10},
		},
	}
	putMetrics(t, store, "m", "p", model.RoutingMetrics{
		LatencyP95Ms: 5000, // latNorm 0.5
		ErrorRate:    0.2,
		SuccessQPS1m: 5, // quota 0.5
		Status:       model.StatusHealthy,
	})

	_, scored, err := s.Choose(context.Background(), lm, nil)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	want := 2.0 * (1 - 0.3*0.5) * (1 - 0.5*0.2) * (1 - 0.1*0.5)
	if math.Abs(scored[0].Score-want) > 1e-9 {
		t.Errorf("score = %v, want %v", scored[0].Score, want)
	}
}

func TestChoose_ExcludesDownProvider(t *testing.T) {
	s, store := newTestScheduler(t, nil, model.Strategy{})
	lm := twoUpstreamModel()
	putMetrics(t, store, lm.LogicalID, "heavy", model.RoutingMetrics{Status: model.StatusDown})

	ordered, _, err := s.Choose(context.Background(), lm, nil)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if len(ordered) != 1 || ordered[0].ProviderID != "light" {
		t.Errorf("ordered = %v, want only the healthy provider", ordered)
	}
}

func TestChoose_ExcludesAllKeysInBackoff(t *testing.T) {
	s, _ := newTestScheduler(t, fakeKeys{"heavy": true}, model.Strategy{})

	ordered, _, err := s.Choose(context.Background(), twoUpstreamModel(), nil)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if len(ordered) != 1 || ordered[0].ProviderID != "light" {
		t.Errorf("ordered = %v, want the provider with usable keys only", ordered)
	}
}

func TestChoose_NoCandidates(t *testing.T) {
	s, _ := newTestScheduler(t, fakeKeys{"heavy": true, "light": true}, model.Strategy{})

	if _, _, err := s.Choose(context.Background(), twoUpstreamModel(), nil); !errors.Is(err, ErrNoCandidates) {
		t.Errorf("err = %v, want ErrNoCandidates", err)
	}
}

func TestChoose_StickySessionWins(t *testing.T) {
	s, _ := newTestScheduler(t, nil, model.Strategy{DriftTolerance: 0.6})

	sess := &model.Session{ProviderID: "light", UpstreamModelID: "gpt-4o"}
	ordered, _, err := s.Choose(context.Background(), twoUpstreamModel(), sess)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	// light scores 1.0 vs top 2.0; within a 0.6 tolerance the binding holds.
	if ordered[0].ProviderID != "light" {
		t.Errorf("ordered[0] = %q, want the bound upstream", ordered[0].ProviderID)
	}
	// The displaced top candidate must still be in the retry tail.
	if len(ordered) != 2 || ordered[1].ProviderID != "heavy" {
		t.Errorf("ordered = %v, want [light heavy]", ordered)
	}
}

func TestChoose_StickinessDriftsOff(t *testing.T) {
	s, _ := newTestScheduler(t, nil, model.Strategy{DriftTolerance: 0.25})

	sess := &model.Session{ProviderID: "light", UpstreamModelID: "gpt-4o"}
	ordered, _, err := s.Choose(context.Background(), twoUpstreamModel(), sess)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	// 1.0 < 2.0*(1-0.25): the binding drifted too far, the top candidate wins.
	if ordered[0].ProviderID != "heavy" {
		t.Errorf("ordered[0] = %q, want the top-scored upstream after drift", ordered[0].ProviderID)
	}
}

func TestChoose_StaleBindingIgnored(t *testing.T) {
	s, _ := newTestScheduler(t, nil, model.Strategy{DriftTolerance: 0.9})

	sess := &model.Session{ProviderID: "gone", UpstreamModelID: "gpt-4o"}
	ordered, _, err := s.Choose(context.Background(), twoUpstreamModel(), sess)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if ordered[0].ProviderID != "heavy" {
		t.Errorf("ordered[0] = %q, want fresh selection when the binding left the set", ordered[0].ProviderID)
	}
}

func TestChoose_DynamicWeights(t *testing.T) {
	s, store := newTestScheduler(t, nil, model.Strategy{})

	weights, _ := json.Marshal(map[string]float64{"light": 4.0})
	if err := store.Set(context.Background(), cache.DynamicWeightsKey, weights, time.Minute); err != nil {
		t.Fatalf("set weights: %v", err)
	}

	ordered, _, err := s.Choose(context.Background(), twoUpstreamModel(), nil)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	// light: 1.0 * 4.0 = 4.0 beats heavy: 2.0 * 1.0.
	if ordered[0].ProviderID != "light" {
		t.Errorf("ordered[0] = %q, want the dynamically boosted provider", ordered[0].ProviderID)
	}
}

func TestChoose_MinScoreFloor(t *testing.T) {
	strategy := model.Strategy{Beta: 1.0, MinScore: 0.05}
	s, store := newTestScheduler(t, nil, strategy)

	lm := &model.LogicalModel{
		LogicalID: "m",
		Upstreams: []model.PhysicalUpstream{
			{ProviderID: "p", UpstreamModelID: "m", BaseWeight: 1.0},
		},
	}
	putMetrics(t, store, "m", "p", model.RoutingMetrics{ErrorRate: 1.0, Status: model.StatusDegraded})

	_, scored, err := s.Choose(context.Background(), lm, nil)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if scored[0].Score != 0.05 {
		t.Errorf("score = %v, want clamped to the floor 0.05", scored[0].Score)
	}
}
