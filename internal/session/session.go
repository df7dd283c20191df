// Package session manages conversation-scoped state in the shared store:
// the sticky upstream binding and the capped debug ring of exchanges.
//
// Everything here degrades gracefully. A cache outage means no stickiness
// and an empty ring, never a failed request.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/model"
)

const (
	defaultTTL      = 30 * time.Minute
	defaultRingSize = 50
)

// Exchange is one request/response pair kept for debugging.
type Exchange struct {
	Request   json.RawMessage `json:"request"`
	Response  json.RawMessage `json:"response,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Options configures a Manager.
type Options struct {
	Store    cache.Store
	TTL      time.Duration
	RingSize int64
	Logger   *slog.Logger
}

// Manager reads and writes session bindings and the conversation ring.
type Manager struct {
	store    cache.Store
	ttl      time.Duration
	ringSize int64
	logger   *slog.Logger
}

func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	ring := opts.RingSize
	if ring <= 0 {
		ring = defaultRingSize
	}
	return &Manager{store: opts.Store, ttl: ttl, ringSize: ring, logger: logger}
}

// Binding returns the sticky binding for a conversation, nil when absent or
// unreadable. Staleness is the scheduler's problem: a binding whose upstream
// left the candidate set is simply not applied.
func (m *Manager) Binding(ctx context.Context, convID string) *model.Session {
	if convID == "" {
		return nil
	}
	raw, ok := m.store.Get(ctx, cache.SessionBindingKey(convID))
	if !ok {
		return nil
	}
	var sess model.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		m.logger.WarnContext(ctx, "session_binding_parse_error", "conversation", convID, "error", err.Error())
		return nil
	}
	return &sess
}

// Bind writes (or replaces) the sticky binding. Last writer wins.
func (m *Manager) Bind(ctx context.Context, convID, logicalID, providerID, upstreamModelID string) {
	if convID == "" {
		return
	}
	sess := model.Session{
		LogicalModel:    logicalID,
		ProviderID:      providerID,
		UpstreamModelID: upstreamModelID,
		LastAccessed:    time.Now(),
	}
	enc, err := json.Marshal(sess)
	if err != nil {
		return
	}
	_ = m.store.Set(ctx, cache.SessionBindingKey(convID), enc, m.ttl)
}

// Touch refreshes the binding TTL without changing the bound upstream.
func (m *Manager) Touch(ctx context.Context, convID string) {
	sess := m.Binding(ctx, convID)
	if sess == nil {
		return
	}
	sess.LastAccessed = time.Now()
	enc, err := json.Marshal(sess)
	if err != nil {
		return
	}
	_ = m.store.Set(ctx, cache.SessionBindingKey(convID), enc, m.ttl)
}

// Unbind drops the sticky binding, forcing a fresh selection next turn.
func (m *Manager) Unbind(ctx context.Context, convID string) {
	if convID == "" {
		return
	}
	_ = m.store.Delete(ctx, cache.SessionBindingKey(convID))
}

// RecordExchange pushes one request/response pair onto the capped ring.
func (m *Manager) RecordExchange(ctx context.Context, convID string, request, response json.RawMessage, providerID string) {
	if convID == "" {
		return
	}
	entry := Exchange{
		Request:   request,
		Response:  response,
		Provider:  providerID,
		Timestamp: time.Now(),
	}
	enc, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := m.store.PushCapped(ctx, cache.SessionHistoryKey(convID), enc, m.ringSize, m.ttl); err != nil {
		m.logger.WarnContext(ctx, "session_ring_push_error", "conversation", convID, "error", err.Error())
	}
}

// History returns the ring, newest first. Unparseable entries are skipped.
func (m *Manager) History(ctx context.Context, convID string) []Exchange {
	raws, err := m.store.ListRange(ctx, cache.SessionHistoryKey(convID))
	if err != nil {
		m.logger.WarnContext(ctx, "session_ring_read_error", "conversation", convID, "error", err.Error())
		return nil
	}
	out := make([]Exchange, 0, len(raws))
	for _, raw := range raws {
		var e Exchange
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}
