// Package memory provides in-memory implementations of storage ports.
// Suitable for single-process deployments and testing; multi-process
// deployments share counters through the sqlite or redis adapters.
package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/farebox/quotagate/domain/quota"
	"github.com/farebox/quotagate/ports"
)

type usageCounter struct {
	count   int64
	resetAt time.Time
}

// usageShard is a single shard of the usage store.
type usageShard struct {
	mu       sync.Mutex
	counters map[string]*usageCounter
	inFlight map[string]int64
}

// UsageStore is a sharded in-memory implementation of ports.UsageStore.
// Sharding reduces lock contention; each increment runs under its
// shard's lock, so admission never exceeds the ceiling under races.
type UsageStore struct {
	shards    []*usageShard
	numShards int
	cleanup   *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// UsageStoreConfig configures the usage store.
type UsageStoreConfig struct {
	NumShards       int           // Number of shards (default: 32)
	CleanupInterval time.Duration // How often to reap expired counters (default: 5m)
}

// NewUsageStore creates a new sharded in-memory usage store.
func NewUsageStore(cfg UsageStoreConfig) *UsageStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	s := &UsageStore{
		shards:    make([]*usageShard, cfg.NumShards),
		numShards: cfg.NumShards,
		done:      make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &usageShard{
			counters: make(map[string]*usageCounter),
			inFlight: make(map[string]int64),
		}
	}

	s.cleanup = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s
}

// getShard returns the shard for a given key using consistent hashing.
func (s *UsageStore) getShard(key string) *usageShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// IncrementIfAllowed atomically reads-or-creates the counter for key's
// window and increments it when below ceiling.
func (s *UsageStore) IncrementIfAllowed(ctx context.Context, key quota.CounterKey, resetAt time.Time, ceiling int64) (quota.IncrementResult, error) {
	k := key.String()
	shard := s.getShard(k)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	c, ok := shard.counters[k]
	if !ok {
		c = &usageCounter{resetAt: resetAt}
		shard.counters[k] = c
	}
	if c.count >= ceiling {
		return quota.IncrementResult{NewCount: c.count, Allowed: false}, nil
	}
	c.count++
	return quota.IncrementResult{NewCount: c.count, Allowed: true}, nil
}

// Decrement lowers the counter matching key, floored at zero. A missing
// counter is a silent no-op.
func (s *UsageStore) Decrement(ctx context.Context, key quota.CounterKey) error {
	k := key.String()
	shard := s.getShard(k)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if c, ok := shard.counters[k]; ok && c.count > 0 {
		c.count--
	}
	return nil
}

// Peek returns the current count for key.
func (s *UsageStore) Peek(ctx context.Context, key quota.CounterKey) (int64, error) {
	k := key.String()
	shard := s.getShard(k)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if c, ok := shard.counters[k]; ok {
		return c.count, nil
	}
	return 0, nil
}

// AcquireConcurrency increments the in-flight counter when below limit.
func (s *UsageStore) AcquireConcurrency(ctx context.Context, key quota.ConcurrencyKey, limit int64) (bool, error) {
	k := key.String()
	shard := s.getShard(k)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if shard.inFlight[k] >= limit {
		return false, nil
	}
	shard.inFlight[k]++
	return true, nil
}

// ReleaseConcurrency decrements the in-flight counter, floored at zero.
func (s *UsageStore) ReleaseConcurrency(ctx context.Context, key quota.ConcurrencyKey) error {
	k := key.String()
	shard := s.getShard(k)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if shard.inFlight[k] > 0 {
		shard.inFlight[k]--
	}
	return nil
}

// CleanupExpired reaps counters whose reset time passed before cutoff.
func (s *UsageStore) CleanupExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	for _, shard := range s.shards {
		shard.mu.Lock()
		for k, c := range shard.counters {
			if !c.resetAt.IsZero() && c.resetAt.Before(cutoff) {
				delete(shard.counters, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed, nil
}

func (s *UsageStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.CleanupExpired(context.Background(), time.Now())
		case <-s.done:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (s *UsageStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cleanup.Stop()
	})
	return nil
}

// Len returns the total number of usage counters (for testing).
func (s *UsageStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		total += len(shard.counters)
		shard.mu.Unlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
