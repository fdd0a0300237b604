// Package quota provides the decision model shared by the enforcer,
// the usage stores, and the admission guard.
package quota

import (
	"fmt"
	"time"
)

// Reasons for denial. Expected denials are normal return values, never
// errors; only infrastructure and configuration faults use hard failures.
const (
	ReasonSubscriptionNotFound = "subscription_not_found"
	ReasonSubscriptionInactive = "subscription_inactive"
	ReasonNoRuleDefaultBlock   = "no_rule_default_block"
	ReasonQuotaExceeded        = "quota_exceeded"
	ReasonConcurrencyExceeded  = "concurrency_exceeded"
	ReasonStoreUnavailable     = "store_unavailable"
)

// UnlimitedRemaining marks a decision with no metered limit.
const UnlimitedRemaining int64 = -1

// CounterKey identifies a windowed usage counter.
type CounterKey struct {
	SubscriptionID string
	SubjectID      string
	ModuleKey      string
	FunctionKey    string
	WindowStart    time.Time
}

// String renders the key for key-value backends. WindowStart is encoded
// as unix milliseconds so keys sort and compare consistently.
func (k CounterKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s:%d",
		k.SubscriptionID, k.SubjectID, k.ModuleKey, k.FunctionKey, k.WindowStart.UnixMilli())
}

// ConcurrencyKey identifies an in-flight counter. No window component:
// concurrency limits are independent of the time-windowed count.
type ConcurrencyKey struct {
	SubscriptionID string
	SubjectID      string
	ModuleKey      string
	FunctionKey    string
}

func (k ConcurrencyKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s",
		k.SubscriptionID, k.SubjectID, k.ModuleKey, k.FunctionKey)
}

// IncrementResult is the outcome of an atomic increment-with-ceiling.
type IncrementResult struct {
	NewCount int64
	Allowed  bool
}

// Decision is the enforcer's answer for a single call.
// Remaining is UnlimitedRemaining when no metered limit applies; a zero
// ResetAt means no window is involved. ConcurrencyHeld tells the caller
// it owns an in-flight slot that must be released when the operation
// completes.
type Decision struct {
	Allowed         bool
	Remaining       int64
	ResetAt         time.Time
	Reason          string
	ConcurrencyHeld bool
}

// Allow builds an allowed decision with the remaining allowance clamped
// at zero. This is a PURE function.
func Allow(ceiling, count int64, resetAt time.Time) Decision {
	remaining := ceiling - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

// AllowUnlimited builds an allowed decision with no metered limit.
func AllowUnlimited() Decision {
	return Decision{Allowed: true, Remaining: UnlimitedRemaining}
}

// Deny builds a denied decision.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}
