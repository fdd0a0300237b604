package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/farebox/quotagate/domain/quota"
	"github.com/farebox/quotagate/ports"
)

// UsageStore implements ports.UsageStore using SQLite for persistence.
// Counters survive server restarts and are shared by every process
// pointed at the same database file.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new SQLite usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// IncrementIfAllowed performs the increment-with-ceiling as a single
// upsert-with-filter statement. SQLite serializes writers, so two
// callers racing near the ceiling are never both admitted: the second
// conflict-update sees the first one's count and its WHERE filter
// fails, returning no row.
func (s *UsageStore) IncrementIfAllowed(ctx context.Context, key quota.CounterKey, resetAt time.Time, ceiling int64) (quota.IncrementResult, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO usage_counters (subscription_id, subject_id, module_key, function_key, window_start, reset_at, count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(subscription_id, subject_id, module_key, function_key, window_start) DO UPDATE SET
			count = count + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE usage_counters.count < ?
		RETURNING count
	`, key.SubscriptionID, key.SubjectID, key.ModuleKey, key.FunctionKey,
		key.WindowStart.UnixMilli(), unixMilliOrZero(resetAt), ceiling)

	var count int64
	err := row.Scan(&count)
	if err == sql.ErrNoRows {
		// Filter rejected the update; read the untouched count.
		current, perr := s.Peek(ctx, key)
		if perr != nil {
			return quota.IncrementResult{}, perr
		}
		return quota.IncrementResult{NewCount: current, Allowed: false}, nil
	}
	if err != nil {
		return quota.IncrementResult{}, err
	}
	return quota.IncrementResult{NewCount: count, Allowed: true}, nil
}

// Decrement lowers the counter matching key, floored at zero. A missing
// counter (window already reaped) is a silent no-op so releases never
// create negative-count counters in newer windows.
func (s *UsageStore) Decrement(ctx context.Context, key quota.CounterKey) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE usage_counters
		SET count = count - 1, updated_at = CURRENT_TIMESTAMP
		WHERE subscription_id = ? AND subject_id = ? AND module_key = ? AND function_key = ?
		  AND window_start = ? AND count > 0
	`, key.SubscriptionID, key.SubjectID, key.ModuleKey, key.FunctionKey, key.WindowStart.UnixMilli())
	return err
}

// Peek returns the current count for key without consuming.
func (s *UsageStore) Peek(ctx context.Context, key quota.CounterKey) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT count FROM usage_counters
		WHERE subscription_id = ? AND subject_id = ? AND module_key = ? AND function_key = ? AND window_start = ?
	`, key.SubscriptionID, key.SubjectID, key.ModuleKey, key.FunctionKey, key.WindowStart.UnixMilli())

	var count int64
	err := row.Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// AcquireConcurrency increments the in-flight counter when below limit,
// using the same upsert-with-filter shape as IncrementIfAllowed.
func (s *UsageStore) AcquireConcurrency(ctx context.Context, key quota.ConcurrencyKey, limit int64) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO concurrency_counters (subscription_id, subject_id, module_key, function_key, in_flight, updated_at)
		VALUES (?, ?, ?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(subscription_id, subject_id, module_key, function_key) DO UPDATE SET
			in_flight = in_flight + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE concurrency_counters.in_flight < ?
		RETURNING in_flight
	`, key.SubscriptionID, key.SubjectID, key.ModuleKey, key.FunctionKey, limit)

	var inFlight int64
	err := row.Scan(&inFlight)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseConcurrency decrements the in-flight counter, floored at zero.
func (s *UsageStore) ReleaseConcurrency(ctx context.Context, key quota.ConcurrencyKey) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE concurrency_counters
		SET in_flight = in_flight - 1, updated_at = CURRENT_TIMESTAMP
		WHERE subscription_id = ? AND subject_id = ? AND module_key = ? AND function_key = ? AND in_flight > 0
	`, key.SubscriptionID, key.SubjectID, key.ModuleKey, key.FunctionKey)
	return err
}

// CleanupExpired removes counters whose reset time passed before cutoff.
// Lifetime counters (reset_at = 0) are never reaped.
func (s *UsageStore) CleanupExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM usage_counters WHERE reset_at > 0 AND reset_at < ?
	`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
