// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/farebox/quotagate/domain/quota"
	"github.com/farebox/quotagate/domain/rule"
)

// ErrNotFound is returned by stores when an entity does not exist.
var ErrNotFound = errors.New("not found")

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// Hasher provides token hashing for the admin API.
type Hasher interface {
	// Hash generates a hash from a plaintext value.
	Hash(plaintext string) ([]byte, error)

	// Compare checks if plaintext matches hash.
	Compare(hash []byte, plaintext string) bool
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// SubscriptionStatus represents subscription state.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Subscription is a tenant's active plan instance. TZOffsetMinutes is
// the tenant's configured timezone offset, used for calendar window
// alignment; the engine never consults the server's local timezone.
type Subscription struct {
	ID              string
	TenantID        string
	PlanID          string
	Status          SubscriptionStatus
	StartAt         time.Time
	EndAt           time.Time // zero = open-ended
	TZOffsetMinutes int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsActive reports whether the subscription may consume quota.
func (s Subscription) IsActive() bool {
	return s.Status == SubscriptionActive
}

// TZOffset returns the tenant timezone offset as a duration.
func (s Subscription) TZOffset() time.Duration {
	return time.Duration(s.TZOffsetMinutes) * time.Minute
}

// SubscriptionStore persists subscriptions. Read-only to the enforcer.
type SubscriptionStore interface {
	// Get retrieves a subscription by ID.
	Get(ctx context.Context, id string) (Subscription, error)

	// GetByTenant retrieves the subscription of a tenant.
	GetByTenant(ctx context.Context, tenantID string) (Subscription, error)

	// Create stores a new subscription.
	Create(ctx context.Context, sub Subscription) error

	// Update modifies a subscription.
	Update(ctx context.Context, sub Subscription) error

	// List returns subscriptions with pagination.
	List(ctx context.Context, limit, offset int) ([]Subscription, error)
}

// PlanStore persists subscription plans. Plans are validated before
// activation; the enforcer only ever reads them.
type PlanStore interface {
	// Get retrieves a plan by ID.
	Get(ctx context.Context, id string) (rule.Plan, error)

	// List returns all enabled plans.
	List(ctx context.Context) ([]rule.Plan, error)

	// Create stores a new plan.
	Create(ctx context.Context, p rule.Plan) error

	// Update modifies a plan.
	Update(ctx context.Context, p rule.Plan) error

	// Delete removes a plan.
	Delete(ctx context.Context, id string) error
}

// UsageStore is the shared atomic counter store. It exclusively owns
// usage and concurrency counters; no other component touches them.
// All implementations must make IncrementIfAllowed a single atomic
// operation: two callers racing near the ceiling must never both be
// admitted when only one slot remains.
type UsageStore interface {
	// IncrementIfAllowed reads-or-creates the counter for key's window
	// and increments it if the count is below ceiling. resetAt stamps
	// the window's expiry on first creation.
	IncrementIfAllowed(ctx context.Context, key quota.CounterKey, resetAt time.Time, ceiling int64) (quota.IncrementResult, error)

	// Decrement lowers the counter matching key, floored at zero.
	// A missing or expired counter is a silent no-op: released quota
	// cannot restore an expired window's allowance.
	Decrement(ctx context.Context, key quota.CounterKey) error

	// Peek returns the current count for key without consuming.
	Peek(ctx context.Context, key quota.CounterKey) (int64, error)

	// AcquireConcurrency increments the in-flight counter for key if it
	// is below limit. Bounded-semaphore semantics, shared by all server
	// processes.
	AcquireConcurrency(ctx context.Context, key quota.ConcurrencyKey, limit int64) (bool, error)

	// ReleaseConcurrency decrements the in-flight counter, floored at zero.
	ReleaseConcurrency(ctx context.Context, key quota.ConcurrencyKey) error

	// CleanupExpired reaps counters whose reset time passed before
	// cutoff. Returns the number of counters removed.
	CleanupExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
