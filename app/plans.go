package app

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/farebox/quotagate/adapters/metrics"
	"github.com/farebox/quotagate/domain/rule"
	"github.com/farebox/quotagate/ports"
)

// StorePlans resolves plans from a PlanStore (sqlite-backed setups).
type StorePlans struct {
	store ports.PlanStore
}

// NewStorePlans creates a store-backed plan provider.
func NewStorePlans(store ports.PlanStore) *StorePlans {
	return &StorePlans{store: store}
}

// PlanFor retrieves the plan by ID. A disabled plan does not enforce,
// matching the file-backed provider; admin reads via PlanStore.Get
// still see it.
func (p *StorePlans) PlanFor(ctx context.Context, planID string) (rule.Plan, error) {
	plan, err := p.store.Get(ctx, planID)
	if err != nil {
		return rule.Plan{}, err
	}
	if !plan.Enabled {
		return rule.Plan{}, ports.ErrNotFound
	}
	return plan, nil
}

var _ PlanProvider = (*StorePlans)(nil)

// FilePlans serves plans declared in the YAML config file. The active
// set is swapped atomically on reload, so request handlers never see a
// partially-applied plan list.
type FilePlans struct {
	plans   atomic.Pointer[map[string]rule.Plan]
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// NewFilePlans creates a file-backed plan provider from an initial plan
// list. Every plan must validate; a malformed plan is fatal to
// activation.
func NewFilePlans(plans []rule.Plan, m *metrics.Collector, logger zerolog.Logger) (*FilePlans, error) {
	p := &FilePlans{metrics: m, logger: logger}
	if err := p.swap(plans); err != nil {
		return nil, err
	}
	return p, nil
}

// PlanFor retrieves the plan by ID from the active set.
func (p *FilePlans) PlanFor(ctx context.Context, planID string) (rule.Plan, error) {
	m := p.plans.Load()
	if m == nil {
		return rule.Plan{}, ports.ErrNotFound
	}
	plan, ok := (*m)[planID]
	if !ok || !plan.Enabled {
		return rule.Plan{}, ports.ErrNotFound
	}
	return plan, nil
}

// Reload replaces the active plan set. On validation failure the old
// set stays active.
func (p *FilePlans) Reload(plans []rule.Plan) error {
	if err := p.swap(plans); err != nil {
		if p.metrics != nil {
			p.metrics.PlanReloadErrors.Inc()
		}
		p.logger.Error().Err(err).Msg("plan reload rejected, keeping active set")
		return err
	}
	if p.metrics != nil {
		p.metrics.PlanReloads.Inc()
	}
	p.logger.Info().Int("plans", len(plans)).Msg("plan set reloaded")
	return nil
}

func (p *FilePlans) swap(plans []rule.Plan) error {
	m := make(map[string]rule.Plan, len(plans))
	for _, plan := range plans {
		if err := rule.Validate(plan); err != nil {
			return fmt.Errorf("validate plan: %w", err)
		}
		if _, ok := m[plan.ID]; ok {
			return fmt.Errorf("duplicate plan id %q", plan.ID)
		}
		m[plan.ID] = plan
	}
	p.plans.Store(&m)
	return nil
}

var _ PlanProvider = (*FilePlans)(nil)
