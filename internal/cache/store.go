// Package cache provides the shared key/value store used across gateway
// replicas: session bindings, key preference scores, provider failure
// counters, cached model lists, and the conversation debug ring.
//
// Two backends are available:
//   - RedisStore  — Redis-backed, recommended for production clusters.
//   - MemoryStore — in-process, zero external dependencies. Ideal for
//     single-instance deployments and tests.
//
// Graceful degradation is a hard requirement: a Redis outage must never fail
// a request. Reads return zero values, writes are log-only.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Store is the shared cache contract. All mutations are single-key atomic;
// compound operations (clamped score updates, capped list pushes, expiring
// counters) are implemented as atomic scripts on the Redis backend.
type Store interface {
	// Plain key/value.
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Sorted sets — key preference scores.
	// ZIncrClamped adds delta to member's score and clamps the result into
	// [min, max]. Returns the clamped score.
	ZIncrClamped(ctx context.Context, key, member string, delta, min, max float64) (float64, error)
	// ZScores returns the scores for the given members. Members without a
	// score are absent from the result map.
	ZScores(ctx context.Context, key string, members []string) (map[string]float64, error)

	// Expiring counters — failure cooldowns and per-second QPS buckets.
	// IncrWithTTL increments key and sets ttl when the key is created.
	// Returns the post-increment value.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// CounterGet returns the current counter value, 0 when absent.
	CounterGet(ctx context.Context, key string) (int64, error)

	// Capped lists — conversation debug ring.
	// PushCapped prepends value and trims the list to at most cap entries.
	PushCapped(ctx context.Context, key string, value []byte, cap int64, ttl time.Duration) error
	// ListRange returns all entries, newest first.
	ListRange(ctx context.Context, key string) ([][]byte, error)

	Close() error
}

// ── Cache key layout ──────────────────────────────────────────────────────────
//
// Keys are built here so the layout lives in one place. Raw API keys never
// appear in any key or member — the key pool uses HMAC-derived members.

// SessionHistoryKey is the capped debug ring for one conversation.
func SessionHistoryKey(convID string) string {
	return "session:" + convID + ":history"
}

// SessionBindingKey holds the sticky upstream binding for one conversation.
func SessionBindingKey(convID string) string {
	return "session:" + convID + ":binding"
}

// VendorModelsKey caches one provider's /models listing.
func VendorModelsKey(providerID string) string {
	return "llm:vendor:" + providerID + ":models"
}

// KeyScoresKey is the sorted set of HMAC-derived key members → preference scores.
func KeyScoresKey(providerID string) string {
	return "provider:" + providerID + ":key_scores"
}

// KeyQPSKey is the 1-second QPS bucket for one (masked) key label.
func KeyQPSKey(providerID, label string, epochSec int64) string {
	return fmt.Sprintf("provider:%s:key:%s:qps:%d", providerID, label, epochSec)
}

// ProviderFailuresKey is the short-lived failure counter behind cooldowns.
func ProviderFailuresKey(providerID string) string {
	return "provider:" + providerID + ":failures"
}

// AllModelsKey caches the aggregated model list served by GET /models.
const AllModelsKey = "gateway:models:all"

// DynamicWeightsKey holds the JSON map of provider → dynamic weight.
const DynamicWeightsKey = "gateway:weights"

// RoutingMetricsKey is the latest health window for (logical × provider).
func RoutingMetricsKey(logicalID, providerID string) string {
	return "routing:" + logicalID + ":" + providerID + ":metrics"
}
