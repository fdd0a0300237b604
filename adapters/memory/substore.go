package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/farebox/quotagate/ports"
)

// SubscriptionStore is an in-memory implementation of ports.SubscriptionStore.
type SubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]ports.Subscription
}

// NewSubscriptionStore creates a new in-memory subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[string]ports.Subscription)}
}

// Get retrieves a subscription by ID.
func (s *SubscriptionStore) Get(ctx context.Context, id string) (ports.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return ports.Subscription{}, ports.ErrNotFound
	}
	return sub, nil
}

// GetByTenant retrieves the subscription of a tenant.
func (s *SubscriptionStore) GetByTenant(ctx context.Context, tenantID string) (ports.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.TenantID == tenantID {
			return sub, nil
		}
	}
	return ports.Subscription{}, ports.ErrNotFound
}

// Create stores a new subscription.
func (s *SubscriptionStore) Create(ctx context.Context, sub ports.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
	return nil
}

// Update modifies a subscription.
func (s *SubscriptionStore) Update(ctx context.Context, sub ports.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; !ok {
		return ports.ErrNotFound
	}
	s.subs[sub.ID] = sub
	return nil
}

// List returns subscriptions with pagination, ordered by ID.
func (s *SubscriptionStore) List(ctx context.Context, limit, offset int) ([]ports.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	out := make([]ports.Subscription, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.subs[id])
	}
	return out, nil
}

// Ensure interface compliance.
var _ ports.SubscriptionStore = (*SubscriptionStore)(nil)
