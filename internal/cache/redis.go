package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultOpTimeout = 500 * time.Millisecond

// zincrClampedScript atomically applies ZINCRBY and clamps the resulting
// score into [ARGV[2], ARGV[3]].
// KEYS[1] = sorted set key
// ARGV[1] = delta, ARGV[2] = min, ARGV[3] = max, ARGV[4] = member
// Returns the clamped score as a string.
var zincrClampedScript = redis.NewScript(`
		local score = redis.call('ZINCRBY', KEYS[1], ARGV[1], ARGV[4])
		local lo, hi = tonumber(ARGV[2]), tonumber(ARGV[3])
		score = tonumber(score)
		if score < lo then
			score = lo
			redis.call('ZADD', KEYS[1], score, ARGV[4])
		elseif score > hi then
			score = hi
			redis.call('ZADD', KEYS[1], score, ARGV[4])
		end
		return tostring(score)
`)

// incrTTLScript increments a counter and attaches a TTL only when the key is
// newly created, so the window never slides on subsequent hits.
// KEYS[1] = counter key, ARGV[1] = ttl in milliseconds.
var incrTTLScript = redis.NewScript(`
		local v = redis.call('INCR', KEYS[1])
		if v == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return v
`)

// RedisStore implements Store on a shared Redis instance.
//
// Reads degrade to zero values and writes to log-only warnings when Redis is
// unavailable — the routing path keeps working with empty scores, no sessions,
// and no cooldowns rather than refusing requests.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisStoreFromClient wraps an existing client. The caller owns the
// client lifecycle; Close here is a no-op on it.
func NewRedisStoreFromClient(cli *redis.Client) *RedisStore {
	return &RedisStore{client: cli, opTimeout: defaultOpTimeout}
}

// NewRedisStoreFromURL parses url, creates a client, and verifies the
// connection with a PING.
func NewRedisStoreFromURL(ctx context.Context, url string) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &RedisStore{client: cli, opTimeout: defaultOpTimeout}, nil
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Get returns (data, true) on a hit and (nil, false) on a miss or any error.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return val, true
}

// Set stores value under key. Errors are logged, never propagated.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZIncrClamped(ctx context.Context, key, member string, delta, min, max float64) (float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := zincrClampedScript.Run(ctx, s.client,
		[]string{key},
		delta, min, max, member,
	).Text()
	if err != nil {
		return 0, fmt.Errorf("cache: zincr %s: %w", key, err)
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("cache: zincr %s: parse score: %w", key, err)
	}
	return score, nil
}

func (s *RedisStore) ZScores(ctx context.Context, key string, members []string) (map[string]float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out := make(map[string]float64, len(members))

	pipe := s.client.Pipeline()
	cmds := make([]*redis.FloatCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.ZScore(ctx, key, m)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		// Degrade to empty scores — the key pool falls back to weights only.
		slog.WarnContext(ctx, "cache_zscores_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return out, nil
	}
	for i, cmd := range cmds {
		if score, err := cmd.Result(); err == nil {
			out[members[i]] = score
		}
	}
	return out, nil
}

func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	v, err := incrTTLScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache: incr %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) CounterGet(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	v, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("cache: get counter %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) PushCapped(ctx context.Context, key string, value []byte, cap int64, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, cap-1)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "cache_push_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (s *RedisStore) ListRange(ctx context.Context, key string) ([][]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	vals, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: lrange %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
