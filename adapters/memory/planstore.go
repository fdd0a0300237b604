package memory

import (
	"context"
	"sync"

	"github.com/farebox/quotagate/domain/rule"
	"github.com/farebox/quotagate/ports"
)

// PlanStore is an in-memory implementation of ports.PlanStore.
type PlanStore struct {
	mu    sync.RWMutex
	plans map[string]rule.Plan
}

// NewPlanStore creates a new in-memory plan store.
func NewPlanStore() *PlanStore {
	return &PlanStore{plans: make(map[string]rule.Plan)}
}

// Get retrieves a plan by ID.
func (s *PlanStore) Get(ctx context.Context, id string) (rule.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return rule.Plan{}, ports.ErrNotFound
	}
	return p, nil
}

// List returns all enabled plans.
func (s *PlanStore) List(ctx context.Context) ([]rule.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rule.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

// Create stores a new plan. Plans are validated before activation.
func (s *PlanStore) Create(ctx context.Context, p rule.Plan) error {
	if err := rule.Validate(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
	return nil
}

// Update modifies a plan.
func (s *PlanStore) Update(ctx context.Context, p rule.Plan) error {
	if err := rule.Validate(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.ID]; !ok {
		return ports.ErrNotFound
	}
	s.plans[p.ID] = p
	return nil
}

// Delete removes a plan.
func (s *PlanStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plans, id)
	return nil
}

// Ensure interface compliance.
var _ ports.PlanStore = (*PlanStore)(nil)
