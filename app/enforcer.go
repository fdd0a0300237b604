// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/farebox/quotagate/adapters/metrics"
	"github.com/farebox/quotagate/domain/quota"
	"github.com/farebox/quotagate/domain/rule"
	"github.com/farebox/quotagate/domain/window"
	"github.com/farebox/quotagate/ports"
)

// PlanProvider resolves a plan ID to its validated plan document.
type PlanProvider interface {
	PlanFor(ctx context.Context, planID string) (rule.Plan, error)
}

// Enforcer makes the atomic allow/deny decision for quota-gated
// operations. It never caches counts across requests: every decision is
// one round trip to the shared counter store.
type Enforcer struct {
	subs         ports.SubscriptionStore
	plans        PlanProvider
	store        ports.UsageStore
	clock        ports.Clock
	storeTimeout time.Duration
	metrics      *metrics.Collector
	logger       zerolog.Logger
}

// EnforcerDeps contains dependencies for Enforcer.
type EnforcerDeps struct {
	Subscriptions ports.SubscriptionStore
	Plans         PlanProvider
	Store         ports.UsageStore
	Clock         ports.Clock
	StoreTimeout  time.Duration      // optional, bounds each store round trip
	Metrics       *metrics.Collector // optional
	Logger        zerolog.Logger
}

// NewEnforcer creates a new quota enforcer.
func NewEnforcer(deps EnforcerDeps) *Enforcer {
	return &Enforcer{
		subs:         deps.Subscriptions,
		plans:        deps.Plans,
		store:        deps.Store,
		clock:        deps.Clock,
		storeTimeout: deps.StoreTimeout,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
	}
}

// CheckAndConsume decides whether one unit of the gated function may be
// consumed, and consumes it if so. Expected denials are normal return
// values; the engine fails closed when the store is unreachable.
func (e *Enforcer) CheckAndConsume(ctx context.Context, subscriptionID, subjectID, moduleKey, functionKey string) quota.Decision {
	d := e.checkAndConsume(ctx, subscriptionID, subjectID, moduleKey, functionKey)
	e.metrics.ObserveDecision(moduleKey, functionKey, d.Allowed, d.Reason)
	if !d.Allowed {
		e.logger.Debug().
			Str("subscription", subscriptionID).
			Str("subject", subjectID).
			Str("module", moduleKey).
			Str("function", functionKey).
			Str("reason", d.Reason).
			Msg("quota check denied")
	}
	return d
}

func (e *Enforcer) checkAndConsume(ctx context.Context, subscriptionID, subjectID, moduleKey, functionKey string) quota.Decision {
	res, sub, deny := e.resolve(ctx, subscriptionID, moduleKey, functionKey)
	if deny != nil {
		return *deny
	}
	if res.Unlimited() {
		// Unlimited rules never touch the usage store.
		return quota.AllowUnlimited()
	}
	if res.Rule == nil {
		return quota.Deny(quota.ReasonNoRuleDefaultBlock)
	}
	r := *res.Rule

	now := e.clock.Now()
	ccKey := quota.ConcurrencyKey{
		SubscriptionID: subscriptionID,
		SubjectID:      subjectID,
		ModuleKey:      moduleKey,
		FunctionKey:    functionKey,
	}

	held := false
	if r.Concurrency != nil {
		ok, err := e.acquireConcurrency(ctx, ccKey, *r.Concurrency)
		if err != nil {
			return quota.Deny(quota.ReasonStoreUnavailable)
		}
		if !ok {
			return quota.Deny(quota.ReasonConcurrencyExceeded)
		}
		held = true
	}

	win := window.For(r, now, window.Subscription{
		Start:    sub.StartAt,
		End:      sub.EndAt,
		TZOffset: sub.TZOffset(),
	})
	key := quota.CounterKey{
		SubscriptionID: subscriptionID,
		SubjectID:      subjectID,
		ModuleKey:      moduleKey,
		FunctionKey:    functionKey,
		WindowStart:    win.Start,
	}

	ceiling := r.Ceiling()
	if ceiling <= 0 {
		// A zero-quota count rule denies without a counter write.
		e.compensate(ctx, ccKey, held)
		d := quota.Deny(quota.ReasonQuotaExceeded)
		d.Remaining = 0
		d.ResetAt = win.ResetAt
		return d
	}

	incr, err := e.incrementIfAllowed(ctx, key, win.ResetAt, ceiling)
	if err != nil {
		// No two-phase commit spans the two counters; the acquired slot
		// is compensated explicitly.
		e.compensate(ctx, ccKey, held)
		return quota.Deny(quota.ReasonStoreUnavailable)
	}
	if !incr.Allowed {
		e.compensate(ctx, ccKey, held)
		d := quota.Deny(quota.ReasonQuotaExceeded)
		d.Remaining = 0
		d.ResetAt = win.ResetAt
		return d
	}

	d := quota.Allow(ceiling, incr.NewCount, win.ResetAt)
	d.ConcurrencyHeld = held
	if held && e.metrics != nil {
		e.metrics.ConcurrencyHeld.Inc()
	}
	return d
}

// ReleaseQuota reconciles consumption after a quota-consuming resource
// is deleted. consumedAt identifies the window that was active when the
// resource was created; a zero consumedAt targets the current window.
// Releasing against a window that has already been reaped is a silent
// no-op.
func (e *Enforcer) ReleaseQuota(ctx context.Context, subscriptionID, subjectID, moduleKey, functionKey string, consumedAt time.Time) quota.Decision {
	res, sub, deny := e.resolve(ctx, subscriptionID, moduleKey, functionKey)
	if deny != nil {
		return *deny
	}
	if res.Unlimited() || res.Rule == nil {
		return quota.AllowUnlimited()
	}
	r := *res.Rule

	at := consumedAt
	if at.IsZero() {
		at = e.clock.Now()
	}
	win := window.For(r, at, window.Subscription{
		Start:    sub.StartAt,
		End:      sub.EndAt,
		TZOffset: sub.TZOffset(),
	})
	key := quota.CounterKey{
		SubscriptionID: subscriptionID,
		SubjectID:      subjectID,
		ModuleKey:      moduleKey,
		FunctionKey:    functionKey,
		WindowStart:    win.Start,
	}

	if err := e.decrement(ctx, key); err != nil {
		return quota.Deny(quota.ReasonStoreUnavailable)
	}
	if e.metrics != nil {
		e.metrics.ReleasesTotal.Inc()
	}

	count, err := e.peek(ctx, key)
	if err != nil {
		return quota.Deny(quota.ReasonStoreUnavailable)
	}
	return quota.Allow(r.Ceiling(), count, win.ResetAt)
}

// Complete releases the in-flight slot held by an earlier
// CheckAndConsume whose decision reported ConcurrencyHeld.
func (e *Enforcer) Complete(ctx context.Context, subscriptionID, subjectID, moduleKey, functionKey string) {
	key := quota.ConcurrencyKey{
		SubscriptionID: subscriptionID,
		SubjectID:      subjectID,
		ModuleKey:      moduleKey,
		FunctionKey:    functionKey,
	}
	if err := e.releaseConcurrency(ctx, key); err != nil {
		e.logger.Error().Err(err).Str("key", key.String()).Msg("release concurrency slot")
		return
	}
	if e.metrics != nil {
		e.metrics.ConcurrencyHeld.Dec()
	}
}

// Inspect returns the current count and remaining allowance for a
// subject without consuming. Read-only.
func (e *Enforcer) Inspect(ctx context.Context, subscriptionID, subjectID, moduleKey, functionKey string) (quota.Decision, error) {
	res, sub, deny := e.resolve(ctx, subscriptionID, moduleKey, functionKey)
	if deny != nil {
		return *deny, nil
	}
	if res.Unlimited() {
		return quota.AllowUnlimited(), nil
	}
	if res.Rule == nil {
		return quota.Deny(quota.ReasonNoRuleDefaultBlock), nil
	}
	r := *res.Rule

	win := window.For(r, e.clock.Now(), window.Subscription{
		Start:    sub.StartAt,
		End:      sub.EndAt,
		TZOffset: sub.TZOffset(),
	})
	key := quota.CounterKey{
		SubscriptionID: subscriptionID,
		SubjectID:      subjectID,
		ModuleKey:      moduleKey,
		FunctionKey:    functionKey,
		WindowStart:    win.Start,
	}
	count, err := e.peek(ctx, key)
	if err != nil {
		return quota.Deny(quota.ReasonStoreUnavailable), err
	}
	d := quota.Allow(r.Ceiling(), count, win.ResetAt)
	d.Allowed = count < r.Ceiling()
	return d, nil
}

// resolve loads the subscription and plan and resolves the effective
// rule. A non-nil deny short-circuits the caller.
func (e *Enforcer) resolve(ctx context.Context, subscriptionID, moduleKey, functionKey string) (rule.Resolution, ports.Subscription, *quota.Decision) {
	sub, err := e.subs.Get(ctx, subscriptionID)
	if err != nil {
		d := quota.Deny(quota.ReasonSubscriptionNotFound)
		if !errors.Is(err, ports.ErrNotFound) {
			e.logger.Error().Err(err).Str("subscription", subscriptionID).Msg("load subscription")
			d = quota.Deny(quota.ReasonStoreUnavailable)
		}
		return rule.Resolution{}, ports.Subscription{}, &d
	}
	if !sub.IsActive() {
		d := quota.Deny(quota.ReasonSubscriptionInactive)
		return rule.Resolution{}, ports.Subscription{}, &d
	}

	plan, err := e.plans.PlanFor(ctx, sub.PlanID)
	if err != nil {
		d := quota.Deny(quota.ReasonSubscriptionNotFound)
		if !errors.Is(err, ports.ErrNotFound) {
			e.logger.Error().Err(err).Str("plan", sub.PlanID).Msg("load plan")
			d = quota.Deny(quota.ReasonStoreUnavailable)
		}
		return rule.Resolution{}, ports.Subscription{}, &d
	}

	return rule.Resolve(plan, moduleKey, functionKey), sub, nil
}

func (e *Enforcer) compensate(ctx context.Context, key quota.ConcurrencyKey, held bool) {
	if !held {
		return
	}
	if err := e.releaseConcurrency(ctx, key); err != nil {
		e.logger.Error().Err(err).Str("key", key.String()).Msg("compensating concurrency release")
	}
}

// Store wrappers with latency observation. Each round trip is bounded
// by the configured store timeout; a deadline hit surfaces as
// store_unavailable at the call site.

func (e *Enforcer) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.storeTimeout)
}

func (e *Enforcer) incrementIfAllowed(ctx context.Context, key quota.CounterKey, resetAt time.Time, ceiling int64) (quota.IncrementResult, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	start := time.Now()
	res, err := e.store.IncrementIfAllowed(ctx, key, resetAt, ceiling)
	e.metrics.ObserveStore("increment", time.Since(start), err)
	if err != nil {
		e.logger.Error().Err(err).Str("key", key.String()).Msg("increment counter")
	}
	return res, err
}

func (e *Enforcer) decrement(ctx context.Context, key quota.CounterKey) error {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	start := time.Now()
	err := e.store.Decrement(ctx, key)
	e.metrics.ObserveStore("decrement", time.Since(start), err)
	if err != nil {
		e.logger.Error().Err(err).Str("key", key.String()).Msg("decrement counter")
	}
	return err
}

func (e *Enforcer) peek(ctx context.Context, key quota.CounterKey) (int64, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	start := time.Now()
	count, err := e.store.Peek(ctx, key)
	e.metrics.ObserveStore("peek", time.Since(start), err)
	return count, err
}

func (e *Enforcer) acquireConcurrency(ctx context.Context, key quota.ConcurrencyKey, limit int64) (bool, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	start := time.Now()
	ok, err := e.store.AcquireConcurrency(ctx, key, limit)
	e.metrics.ObserveStore("acquire_concurrency", time.Since(start), err)
	if err != nil {
		e.logger.Error().Err(err).Str("key", key.String()).Msg("acquire concurrency slot")
	}
	return ok, err
}

func (e *Enforcer) releaseConcurrency(ctx context.Context, key quota.ConcurrencyKey) error {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	start := time.Now()
	err := e.store.ReleaseConcurrency(ctx, key)
	e.metrics.ObserveStore("release_concurrency", time.Since(start), err)
	return err
}
