package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// storeBackends builds one instance of every Store implementation so the
// contract tests run against both.
func storeBackends(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rs, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStoreFromURL: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })

	ms := NewMemoryStore(context.Background())
	t.Cleanup(func() { _ = ms.Close() })

	return map[string]Store{"redis": rs, "memory": ms}
}

func TestStore_GetSetDelete(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, ok := s.Get(ctx, "missing"); ok {
				t.Fatal("expected miss on absent key")
			}

			if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, ok := s.Get(ctx, "k")
			if !ok || string(got) != "v" {
				t.Fatalf("Get = (%q, %v), want (v, true)", got, ok)
			}

			if err := s.Delete(ctx, "k"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, ok := s.Get(ctx, "k"); ok {
				t.Fatal("key should be gone after Delete")
			}
		})
	}
}

func TestStore_ZIncrClamped(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "provider:p1:key_scores"

			// Seed at 5.0 then push past the ceiling.
			if _, err := s.ZIncrClamped(ctx, key, "m1", 5.0, 0.1, 10.0); err != nil {
				t.Fatalf("ZIncrClamped: %v", err)
			}
			score, err := s.ZIncrClamped(ctx, key, "m1", 100.0, 0.1, 10.0)
			if err != nil {
				t.Fatalf("ZIncrClamped: %v", err)
			}
			if score != 10.0 {
				t.Errorf("score = %v, want clamped to 10.0", score)
			}

			// And through the floor.
			score, err = s.ZIncrClamped(ctx, key, "m1", -100.0, 0.1, 10.0)
			if err != nil {
				t.Fatalf("ZIncrClamped: %v", err)
			}
			if score != 0.1 {
				t.Errorf("score = %v, want clamped to 0.1", score)
			}
		})
	}
}

func TestStore_ZScores(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "provider:p2:key_scores"

			if _, err := s.ZIncrClamped(ctx, key, "a", 3.0, 0.1, 10.0); err != nil {
				t.Fatalf("ZIncrClamped: %v", err)
			}

			scores, err := s.ZScores(ctx, key, []string{"a", "unseen"})
			if err != nil {
				t.Fatalf("ZScores: %v", err)
			}
			if scores["a"] != 3.0 {
				t.Errorf("scores[a] = %v, want 3.0", scores["a"])
			}
			if _, ok := scores["unseen"]; ok {
				t.Error("unseen member must be absent from the result, not zero")
			}
		})
	}
}

func TestStore_IncrWithTTL(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "provider:p3:failures"

			for want := int64(1); want <= 3; want++ {
				n, err := s.IncrWithTTL(ctx, key, time.Minute)
				if err != nil {
					t.Fatalf("IncrWithTTL: %v", err)
				}
				if n != want {
					t.Errorf("counter = %d, want %d", n, want)
				}
			}

			n, err := s.CounterGet(ctx, key)
			if err != nil {
				t.Fatalf("CounterGet: %v", err)
			}
			if n != 3 {
				t.Errorf("CounterGet = %d, want 3", n)
			}
		})
	}
}

func TestStore_CounterGetAbsent(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			n, err := s.CounterGet(context.Background(), "never-written")
			if err != nil {
				t.Fatalf("CounterGet: %v", err)
			}
			if n != 0 {
				t.Errorf("absent counter = %d, want 0", n)
			}
		})
	}
}

func TestStore_PushCappedTrims(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "session:c1:history"

			for i := 0; i < 7; i++ {
				v := []byte(fmt.Sprintf("entry-%d", i))
				if err := s.PushCapped(ctx, key, v, 5, time.Minute); err != nil {
					t.Fatalf("PushCapped: %v", err)
				}
			}

			entries, err := s.ListRange(ctx, key)
			if err != nil {
				t.Fatalf("ListRange: %v", err)
			}
			if len(entries) != 5 {
				t.Fatalf("len = %d, want cap of 5", len(entries))
			}
			// Newest first.
			if string(entries[0]) != "entry-6" {
				t.Errorf("entries[0] = %q, want entry-6", entries[0])
			}
			if string(entries[4]) != "entry-2" {
				t.Errorf("entries[4] = %q, want entry-2 (oldest trimmed)", entries[4])
			}
		})
	}
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStoreFromURL: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if err := s.Set(ctx, "ephemeral", []byte("x"), 10*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(11 * time.Second)
	if _, ok := s.Get(ctx, "ephemeral"); ok {
		t.Fatal("key should expire after its TTL")
	}
}

// TestRedisStore_GracefulDegradation verifies reads return zero values and
// kv writes stay log-only once the backend is gone.
func TestRedisStore_GracefulDegradation(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStoreFromURL: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	mr.Close()

	ctx := context.Background()
	if _, ok := s.Get(ctx, "k"); ok {
		t.Error("Get against a dead backend must miss")
	}
	if n, _ := s.CounterGet(ctx, "k"); n != 0 {
		t.Errorf("CounterGet against a dead backend = %d, want 0", n)
	}
	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Errorf("Set must degrade to log-only, got error: %v", err)
	}
	if _, err := s.IncrWithTTL(ctx, "k", time.Minute); err == nil {
		t.Error("IncrWithTTL against a dead backend should surface an error")
	}
}

func TestMemoryStore_DeleteClearsAllNamespaces(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(ctx)
	t.Cleanup(func() { _ = s.Close() })

	_ = s.Set(ctx, "k", []byte("v"), 0)
	_, _ = s.IncrWithTTL(ctx, "k", time.Minute)
	_, _ = s.ZIncrClamped(ctx, "k", "m", 1, 0, 10)
	_ = s.PushCapped(ctx, "k", []byte("e"), 5, time.Minute)

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(ctx, "k"); ok {
		t.Error("kv entry survived Delete")
	}
	if n, _ := s.CounterGet(ctx, "k"); n != 0 {
		t.Error("counter survived Delete")
	}
	entries, _ := s.ListRange(ctx, "k")
	if len(entries) != 0 {
		t.Error("list survived Delete")
	}
}
