package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/farebox/quotagate/adapters/clock"
	"github.com/farebox/quotagate/adapters/memory"
	"github.com/farebox/quotagate/domain/quota"
	"github.com/farebox/quotagate/domain/rule"
	"github.com/farebox/quotagate/ports"
)

func i64(v int64) *int64 { return &v }

var baseTime = time.Date(2025, 6, 18, 14, 37, 0, 0, time.UTC)

func testPlans() []rule.Plan {
	return []rule.Plan{
		{
			ID:      "pro",
			Name:    "Pro",
			Enabled: true,
			Limitation: rule.Limitation{
				DefaultAction: rule.ActionBlock,
				Modules: []rule.ModuleRule{
					{
						Key: "tickets",
						Functions: []rule.FunctionRule{
							{
								Key:        "purchase",
								Type:       rule.TypeCount,
								Quota:      i64(2),
								Burst:      1,
								WindowType: rule.WindowCalendar,
								WindowUnit: rule.UnitDay,
							},
							{Key: "search", Type: rule.TypeUnlimited},
							{
								Key:        "none",
								Type:       rule.TypeCount,
								Quota:      i64(0),
								WindowType: rule.WindowCalendar,
								WindowUnit: rule.UnitDay,
							},
							{
								Key:         "export",
								Type:        rule.TypeCount,
								Quota:       i64(10),
								WindowType:  rule.WindowRolling,
								WindowUnit:  rule.UnitHour,
								Concurrency: i64(1),
							},
							{
								Key:        "activate",
								Type:       rule.TypeCount,
								Quota:      i64(3),
								WindowUnit: rule.UnitLifetime,
							},
						},
					},
				},
			},
		},
		{
			ID:      "open",
			Name:    "Open",
			Enabled: true,
			Limitation: rule.Limitation{
				DefaultAction: rule.ActionAllow,
			},
		},
	}
}

type fixture struct {
	enforcer *Enforcer
	store    *memory.UsageStore
	subs     *memory.SubscriptionStore
	clock    *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewUsageStore(memory.UsageStoreConfig{CleanupInterval: time.Hour})
	t.Cleanup(func() { store.Close() })

	plans, err := NewFilePlans(testPlans(), nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	subs := memory.NewSubscriptionStore()
	ctx := context.Background()
	subs.Create(ctx, ports.Subscription{
		ID:      "sub_pro",
		PlanID:  "pro",
		Status:  ports.SubscriptionActive,
		StartAt: baseTime.AddDate(0, -1, 0),
	})
	subs.Create(ctx, ports.Subscription{
		ID:      "sub_open",
		PlanID:  "open",
		Status:  ports.SubscriptionActive,
		StartAt: baseTime.AddDate(0, -1, 0),
	})
	subs.Create(ctx, ports.Subscription{
		ID:      "sub_suspended",
		PlanID:  "pro",
		Status:  ports.SubscriptionSuspended,
		StartAt: baseTime.AddDate(0, -1, 0),
	})
	subs.Create(ctx, ports.Subscription{
		ID:     "sub_orphan",
		PlanID: "gone",
		Status: ports.SubscriptionActive,
	})

	fakeClock := clock.NewFake(baseTime)
	return &fixture{
		enforcer: NewEnforcer(EnforcerDeps{
			Subscriptions: subs,
			Plans:         plans,
			Store:         store,
			Clock:         fakeClock,
			Logger:        zerolog.Nop(),
		}),
		store: store,
		subs:  subs,
		clock: fakeClock,
	}
}

func TestCheckAndConsumeExhaustsQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Quota 2 plus burst 1: three admissions, then denial.
	wantRemaining := []int64{2, 1, 0}
	for i, want := range wantRemaining {
		d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase")
		if !d.Allowed {
			t.Fatalf("attempt %d denied: %s", i+1, d.Reason)
		}
		if d.Remaining != want {
			t.Errorf("attempt %d remaining = %d, want %d", i+1, d.Remaining, want)
		}
		if d.ResetAt.IsZero() {
			t.Errorf("attempt %d missing reset time", i+1)
		}
	}

	d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase")
	if d.Allowed {
		t.Fatal("fourth attempt should be denied")
	}
	if d.Reason != quota.ReasonQuotaExceeded {
		t.Errorf("reason = %q", d.Reason)
	}
	if d.Remaining != 0 {
		t.Errorf("denied remaining = %d, want 0", d.Remaining)
	}
	if d.ResetAt.IsZero() {
		t.Error("denial should carry the window reset time")
	}
}

func TestSubjectsAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase")
	}
	if d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase"); d.Allowed {
		t.Fatal("u1 should be exhausted")
	}

	// u2's allowance is untouched by u1's consumption.
	d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u2", "tickets", "purchase")
	if !d.Allowed || d.Remaining != 2 {
		t.Errorf("u2 decision = %+v, want fresh allowance", d)
	}
}

func TestWindowRollover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase")
	}
	if d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase"); d.Allowed {
		t.Fatal("window should be exhausted")
	}

	// Next calendar day: full allowance again.
	f.clock.Advance(24 * time.Hour)
	d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase")
	if !d.Allowed || d.Remaining != 2 {
		t.Errorf("decision after rollover = %+v, want fresh allowance", d)
	}
}

func TestUnlimitedBypassesStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "search")
		if !d.Allowed {
			t.Fatalf("unlimited call %d denied: %s", i+1, d.Reason)
		}
		if d.Remaining != quota.UnlimitedRemaining {
			t.Fatalf("remaining = %d, want unlimited marker", d.Remaining)
		}
	}
	if f.store.Len() != 0 {
		t.Error("unlimited rules must never create counters")
	}
}

func TestDefaultActionFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Default block: unknown function is denied.
	d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "payments", "charge")
	if d.Allowed {
		t.Fatal("default-block plan should deny unmatched functions")
	}
	if d.Reason != quota.ReasonNoRuleDefaultBlock {
		t.Errorf("reason = %q", d.Reason)
	}

	// Default allow: unmatched functions pass unmetered.
	d = f.enforcer.CheckAndConsume(ctx, "sub_open", "u1", "payments", "charge")
	if !d.Allowed || d.Remaining != quota.UnlimitedRemaining {
		t.Errorf("default-allow decision = %+v", d)
	}
	if f.store.Len() != 0 {
		t.Error("default-allow admissions must not create counters")
	}
}

func TestSubscriptionDenials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name           string
		subscriptionID string
		wantReason     string
	}{
		{"unknown subscription", "sub_nope", quota.ReasonSubscriptionNotFound},
		{"suspended subscription", "sub_suspended", quota.ReasonSubscriptionInactive},
		{"subscription with missing plan", "sub_orphan", quota.ReasonSubscriptionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.enforcer.CheckAndConsume(ctx, tt.subscriptionID, "u1", "tickets", "purchase")
			if d.Allowed {
				t.Fatal("expected denial")
			}
			if d.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", d.Reason, tt.wantReason)
			}
		})
	}
}

func TestZeroQuotaDeniesWithoutCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "none")
	if d.Allowed {
		t.Fatal("zero-quota rule should deny")
	}
	if d.Reason != quota.ReasonQuotaExceeded {
		t.Errorf("reason = %q", d.Reason)
	}
	if f.store.Len() != 0 {
		t.Error("zero-quota denial must not create a counter")
	}
}

func TestReleaseQuotaRestoresAllowance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase")
	}
	if d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase"); d.Allowed {
		t.Fatal("window should be exhausted")
	}

	d := f.enforcer.ReleaseQuota(ctx, "sub_pro", "u1", "tickets", "purchase", time.Time{})
	if !d.Allowed {
		t.Fatalf("release denied: %s", d.Reason)
	}
	if d.Remaining != 1 {
		t.Errorf("remaining after release = %d, want 1", d.Remaining)
	}

	// The released unit can be consumed again.
	if d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase"); !d.Allowed {
		t.Errorf("consumption after release denied: %s", d.Reason)
	}
}

func TestReleaseNeverGoesBelowZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Releases without prior consumption leave the counter at zero.
	for i := 0; i < 5; i++ {
		d := f.enforcer.ReleaseQuota(ctx, "sub_pro", "u1", "tickets", "purchase", time.Time{})
		if !d.Allowed {
			t.Fatalf("release denied: %s", d.Reason)
		}
	}

	// Allowance is unchanged, not inflated: quota 2 + burst 1 = 3.
	allowed := 0
	for i := 0; i < 10; i++ {
		if d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase"); d.Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("admitted %d, want 3 (releases must not mint allowance)", allowed)
	}
}

func TestReleaseTargetsConsumedWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	consumedAt := f.clock.Now()
	f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase")

	// The resource is deleted the next day. Releasing with the original
	// consumption stamp decrements the old window, leaving today's
	// allowance untouched.
	f.clock.Advance(24 * time.Hour)
	f.enforcer.ReleaseQuota(ctx, "sub_pro", "u1", "tickets", "purchase", consumedAt)

	d, err := f.enforcer.Inspect(ctx, "sub_pro", "u1", "tickets", "purchase")
	if err != nil {
		t.Fatal(err)
	}
	if d.Remaining != 3 {
		t.Errorf("current window remaining = %d, want full allowance", d.Remaining)
	}
}

func TestLifetimeQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "activate")
		if !d.Allowed {
			t.Fatalf("activation %d denied: %s", i+1, d.Reason)
		}
		if !d.ResetAt.IsZero() {
			t.Error("open-ended lifetime window should never reset")
		}
	}

	if d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "activate"); d.Allowed {
		t.Fatal("lifetime quota should be exhausted")
	}

	// Time passing never refreshes a lifetime window.
	f.clock.Advance(90 * 24 * time.Hour)
	if d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "activate"); d.Allowed {
		t.Fatal("lifetime quota must not roll over")
	}
}

func TestConcurrencyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d1 := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "export")
	if !d1.Allowed {
		t.Fatalf("first export denied: %s", d1.Reason)
	}
	if !d1.ConcurrencyHeld {
		t.Fatal("decision should report a held slot")
	}

	// Slot busy: second caller is turned away.
	d2 := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "export")
	if d2.Allowed {
		t.Fatal("second export should be denied")
	}
	if d2.Reason != quota.ReasonConcurrencyExceeded {
		t.Errorf("reason = %q", d2.Reason)
	}

	// Finishing the first operation frees the slot.
	f.enforcer.Complete(ctx, "sub_pro", "u1", "tickets", "export")
	d3 := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "export")
	if !d3.Allowed {
		t.Errorf("export after completion denied: %s", d3.Reason)
	}
}

func TestConcurrencyDenialDoesNotConsumeQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "export")
	before, err := f.enforcer.Inspect(ctx, "sub_pro", "u1", "tickets", "export")
	if err != nil {
		t.Fatal(err)
	}

	// A concurrency denial happens before the counter increment.
	f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "export")

	after, err := f.enforcer.Inspect(ctx, "sub_pro", "u1", "tickets", "export")
	if err != nil {
		t.Fatal(err)
	}
	if before.Remaining != after.Remaining {
		t.Errorf("remaining changed %d -> %d on a concurrency denial", before.Remaining, after.Remaining)
	}
}

func TestQuotaDenialCompensatesConcurrencySlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Exhaust the export quota (10), completing each operation.
	for i := 0; i < 10; i++ {
		d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "export")
		if !d.Allowed {
			t.Fatalf("export %d denied: %s", i+1, d.Reason)
		}
		f.enforcer.Complete(ctx, "sub_pro", "u1", "tickets", "export")
	}

	// Denied on quota, not concurrency: the slot acquired during the
	// attempt must have been handed back.
	d := f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "export")
	if d.Allowed || d.Reason != quota.ReasonQuotaExceeded {
		t.Fatalf("decision = %+v, want quota_exceeded", d)
	}

	// Free one unit; the follow-up succeeds, proving the slot is free.
	f.enforcer.ReleaseQuota(ctx, "sub_pro", "u1", "tickets", "export", time.Time{})
	d = f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "export")
	if !d.Allowed {
		t.Errorf("export after compensation denied: %s", d.Reason)
	}
}

func TestInspectDoesNotConsume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase")

	for i := 0; i < 5; i++ {
		d, err := f.enforcer.Inspect(ctx, "sub_pro", "u1", "tickets", "purchase")
		if err != nil {
			t.Fatal(err)
		}
		if d.Remaining != 2 {
			t.Fatalf("inspect %d remaining = %d, want 2", i+1, d.Remaining)
		}
	}
}

func TestInspectReportsExhaustion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.enforcer.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase")
	}

	d, err := f.enforcer.Inspect(ctx, "sub_pro", "u1", "tickets", "purchase")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Error("inspect at ceiling should report not allowed")
	}
	if d.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", d.Remaining)
	}
}

// failingStore simulates an unreachable counter store.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) IncrementIfAllowed(context.Context, quota.CounterKey, time.Time, int64) (quota.IncrementResult, error) {
	return quota.IncrementResult{}, errStoreDown
}
func (failingStore) Decrement(context.Context, quota.CounterKey) error  { return errStoreDown }
func (failingStore) Peek(context.Context, quota.CounterKey) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) AcquireConcurrency(context.Context, quota.ConcurrencyKey, int64) (bool, error) {
	return false, errStoreDown
}
func (failingStore) ReleaseConcurrency(context.Context, quota.ConcurrencyKey) error {
	return errStoreDown
}
func (failingStore) CleanupExpired(context.Context, time.Time) (int64, error) {
	return 0, errStoreDown
}

func TestFailsClosedWhenStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	broken := NewEnforcer(EnforcerDeps{
		Subscriptions: f.subs,
		Plans:         f.enforcer.plans,
		Store:         failingStore{},
		Clock:         f.clock,
		Logger:        zerolog.Nop(),
	})

	d := broken.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase")
	if d.Allowed {
		t.Fatal("store failure must fail closed")
	}
	if d.Reason != quota.ReasonStoreUnavailable {
		t.Errorf("reason = %q", d.Reason)
	}

	// Unlimited rules never touch the store, so they still pass.
	d = broken.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "search")
	if !d.Allowed {
		t.Error("unlimited rule should survive a store outage")
	}
}

func TestDisabledPlanDeniesViaStoreProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	planStore := memory.NewPlanStore()
	plans := testPlans()
	plans[0].Enabled = false
	for _, p := range plans {
		if err := planStore.Create(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	e := NewEnforcer(EnforcerDeps{
		Subscriptions: f.subs,
		Plans:         NewStorePlans(planStore),
		Store:         f.store,
		Clock:         f.clock,
		Logger:        zerolog.Nop(),
	})

	d := e.CheckAndConsume(ctx, "sub_pro", "u1", "tickets", "purchase")
	if d.Allowed {
		t.Fatal("subscription on a disabled plan must not admit")
	}
	if d.Reason != quota.ReasonSubscriptionNotFound {
		t.Errorf("reason = %q", d.Reason)
	}
	if f.store.Len() != 0 {
		t.Error("denial must not write counters")
	}
}

// stallingStore blocks every call until the caller's context expires.
type stallingStore struct {
	failingStore
}

func (stallingStore) IncrementIfAllowed(ctx context.Context, _ quota.CounterKey, _ time.Time, _ int64) (quota.IncrementResult, error) {
	<-ctx.Done()
	return quota.IncrementResult{}, ctx.Err()
}

func TestStoreTimeoutFailsClosed(t *testing.T) {
	f := newFixture(t)

	slow := NewEnforcer(EnforcerDeps{
		Subscriptions: f.subs,
		Plans:         f.enforcer.plans,
		Store:         stallingStore{},
		Clock:         f.clock,
		StoreTimeout:  10 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})

	done := make(chan quota.Decision, 1)
	go func() {
		done <- slow.CheckAndConsume(context.Background(), "sub_pro", "u1", "tickets", "purchase")
	}()

	select {
	case d := <-done:
		if d.Allowed {
			t.Fatal("timed-out store call must fail closed")
		}
		if d.Reason != quota.ReasonStoreUnavailable {
			t.Errorf("reason = %q", d.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("store call not bounded by the configured timeout")
	}
}
