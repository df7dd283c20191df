package cache

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	data      []byte
	expiresAt time.Time
}

type memCounter struct {
	value     int64
	expiresAt time.Time
}

// MemoryStore is an in-process Store with per-entry TTL.
//
// Safe for concurrent use. A background goroutine evicts expired entries so
// the maps do not grow without bound. Counters and sorted sets are plain maps
// under the same lock — at gateway request rates contention is negligible.
//
// Use this backend when Redis is not available: local development,
// single-instance deployments, unit tests. Multi-replica deployments need
// RedisStore so scores, sessions, and cooldowns are shared.
type MemoryStore struct {
	mu       sync.RWMutex
	items    map[string]memItem
	counters map[string]memCounter
	zsets    map[string]map[string]float64
	lists    map[string][][]byte

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates a MemoryStore and starts the cleanup loop, which
// stops when ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context) *MemoryStore {
	s := &MemoryStore{
		items:    make(map[string]memItem),
		counters: make(map[string]memCounter),
		zsets:    make(map[string]map[string]float64),
		lists:    make(map[string][][]byte),
		done:     make(chan struct{}),
	}
	go s.cleanup(ctx)
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.items[key] = memItem{data: value, expiresAt: exp}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	delete(s.counters, key)
	delete(s.zsets, key)
	delete(s.lists, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ZIncrClamped(_ context.Context, key, member string, delta, min, max float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.zsets[key]
	if set == nil {
		set = make(map[string]float64)
		s.zsets[key] = set
	}
	score := set[member] + delta
	if score < min {
		score = min
	}
	if score > max {
		score = max
	}
	set[member] = score
	return score, nil
}

func (s *MemoryStore) ZScores(_ context.Context, key string, members []string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64, len(members))
	set := s.zsets[key]
	if set == nil {
		return out, nil
	}
	for _, m := range members {
		if score, ok := set[m]; ok {
			out[m] = score
		}
	}
	return out, nil
}

func (s *MemoryStore) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c, ok := s.counters[key]
	if !ok || now.After(c.expiresAt) {
		c = memCounter{value: 0, expiresAt: now.Add(ttl)}
	}
	c.value++
	s.counters[key] = c
	return c.value, nil
}

func (s *MemoryStore) CounterGet(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.counters[key]
	if !ok || time.Now().After(c.expiresAt) {
		return 0, nil
	}
	return c.value, nil
}

func (s *MemoryStore) PushCapped(_ context.Context, key string, value []byte, cap int64, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append([][]byte{value}, s.lists[key]...)
	if int64(len(list)) > cap {
		list = list[:cap]
	}
	s.lists[key] = list
	return nil
}

func (s *MemoryStore) ListRange(_ context.Context, key string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.lists[key]
	out := make([][]byte, len(src))
	copy(out, src)
	return out, nil
}

// Len returns the number of plain KV entries (expired-but-unevicted included).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	now := time.Now()

	s.mu.Lock()
	for k, v := range s.items {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			delete(s.items, k)
		}
	}
	for k, c := range s.counters {
		if now.After(c.expiresAt) {
			delete(s.counters, k)
		}
	}
	s.mu.Unlock()
}
