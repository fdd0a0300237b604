// Package redis provides a Redis-backed usage store for multi-process
// deployments. Atomicity comes from Lua scripts: every process sharing
// the Redis instance observes a linearizable counter sequence.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/farebox/quotagate/domain/quota"
	"github.com/farebox/quotagate/ports"
)

// Lua script for atomic increment-with-ceiling. The key expires a
// minute after its window resets so stale counters reap themselves.
const incrementScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local ceiling = tonumber(ARGV[1])
if current >= ceiling then
    return {current, 0}
end
local new = redis.call('INCR', KEYS[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
    redis.call('PEXPIRE', KEYS[1], ttl)
end
return {new, 1}
`

// Lua script for atomic bounded semaphore acquire.
const acquireScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
    return 0
end
redis.call('INCR', KEYS[1])
return 1
`

// Lua script for decrement floored at zero. Missing keys stay missing:
// a release against an expired window must not create a counter.
const decrementScript = `
local current = redis.call('GET', KEYS[1])
if not current then
    return 0
end
if tonumber(current) > 0 then
    return redis.call('DECR', KEYS[1])
end
return tonumber(current)
`

// UsageStore implements ports.UsageStore on Redis.
type UsageStore struct {
	client    redis.UniversalClient
	keyPrefix string
	increment *redis.Script
	acquire   *redis.Script
	decrement *redis.Script
}

// Config configures the Redis usage store.
type Config struct {
	KeyPrefix string // Redis key prefix (default: "quotagate")
}

// NewUsageStore creates a Redis usage store.
func NewUsageStore(client redis.UniversalClient, cfg Config) (*UsageStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "quotagate"
	}
	return &UsageStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		increment: redis.NewScript(incrementScript),
		acquire:   redis.NewScript(acquireScript),
		decrement: redis.NewScript(decrementScript),
	}, nil
}

func (s *UsageStore) counterKey(key quota.CounterKey) string {
	return s.keyPrefix + ":uc:" + key.String()
}

func (s *UsageStore) concurrencyKey(key quota.ConcurrencyKey) string {
	return s.keyPrefix + ":cc:" + key.String()
}

// IncrementIfAllowed runs the increment-with-ceiling script.
func (s *UsageStore) IncrementIfAllowed(ctx context.Context, key quota.CounterKey, resetAt time.Time, ceiling int64) (quota.IncrementResult, error) {
	var ttl int64
	if !resetAt.IsZero() {
		ttl = time.Until(resetAt).Milliseconds() + 60_000
		if ttl < 0 {
			ttl = 60_000
		}
	}

	res, err := s.increment.Run(ctx, s.client, []string{s.counterKey(key)}, ceiling, ttl).Slice()
	if err != nil {
		return quota.IncrementResult{}, fmt.Errorf("increment script: %w", err)
	}
	if len(res) != 2 {
		return quota.IncrementResult{}, fmt.Errorf("increment script: unexpected reply %v", res)
	}
	count, _ := res[0].(int64)
	allowed, _ := res[1].(int64)
	return quota.IncrementResult{NewCount: count, Allowed: allowed == 1}, nil
}

// Decrement runs the floored decrement script.
func (s *UsageStore) Decrement(ctx context.Context, key quota.CounterKey) error {
	if err := s.decrement.Run(ctx, s.client, []string{s.counterKey(key)}).Err(); err != nil {
		return fmt.Errorf("decrement script: %w", err)
	}
	return nil
}

// Peek returns the current count for key.
func (s *UsageStore) Peek(ctx context.Context, key quota.CounterKey) (int64, error) {
	val, err := s.client.Get(ctx, s.counterKey(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("peek counter: %w", err)
	}
	return val, nil
}

// AcquireConcurrency runs the bounded semaphore script. Concurrency
// keys carry no TTL: in-flight counters are released explicitly.
func (s *UsageStore) AcquireConcurrency(ctx context.Context, key quota.ConcurrencyKey, limit int64) (bool, error) {
	ok, err := s.acquire.Run(ctx, s.client, []string{s.concurrencyKey(key)}, limit).Int64()
	if err != nil {
		return false, fmt.Errorf("acquire script: %w", err)
	}
	return ok == 1, nil
}

// ReleaseConcurrency decrements the in-flight counter, floored at zero.
func (s *UsageStore) ReleaseConcurrency(ctx context.Context, key quota.ConcurrencyKey) error {
	if err := s.decrement.Run(ctx, s.client, []string{s.concurrencyKey(key)}).Err(); err != nil {
		return fmt.Errorf("release script: %w", err)
	}
	return nil
}

// CleanupExpired is a no-op for Redis: counters expire through their
// per-key TTL.
func (s *UsageStore) CleanupExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
