package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/farebox/quotagate/ports"
)

// SubscriptionStore implements ports.SubscriptionStore using SQLite.
type SubscriptionStore struct {
	db *DB
}

// NewSubscriptionStore creates a new SQLite subscription store.
func NewSubscriptionStore(db *DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// Get retrieves a subscription by ID.
func (s *SubscriptionStore) Get(ctx context.Context, id string) (ports.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, plan_id, status, start_at, end_at, tz_offset_minutes, created_at, updated_at
		FROM subscriptions WHERE id = ?
	`, id)
	return scanSubscription(row)
}

// GetByTenant retrieves the most recent subscription of a tenant.
func (s *SubscriptionStore) GetByTenant(ctx context.Context, tenantID string) (ports.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, plan_id, status, start_at, end_at, tz_offset_minutes, created_at, updated_at
		FROM subscriptions WHERE tenant_id = ? ORDER BY created_at DESC LIMIT 1
	`, tenantID)
	return scanSubscription(row)
}

// Create stores a new subscription.
func (s *SubscriptionStore) Create(ctx context.Context, sub ports.Subscription) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, tenant_id, plan_id, status, start_at, end_at, tz_offset_minutes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.ID, sub.TenantID, sub.PlanID, string(sub.Status), sub.StartAt.UTC(), nullTime(sub.EndAt),
		sub.TZOffsetMinutes, now, now)
	return err
}

// Update modifies a subscription.
func (s *SubscriptionStore) Update(ctx context.Context, sub ports.Subscription) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET tenant_id = ?, plan_id = ?, status = ?, start_at = ?, end_at = ?, tz_offset_minutes = ?, updated_at = ?
		WHERE id = ?
	`, sub.TenantID, sub.PlanID, string(sub.Status), sub.StartAt.UTC(), nullTime(sub.EndAt),
		sub.TZOffsetMinutes, time.Now().UTC(), sub.ID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// List returns subscriptions with pagination.
func (s *SubscriptionStore) List(ctx context.Context, limit, offset int) ([]ports.Subscription, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, plan_id, status, start_at, end_at, tz_offset_minutes, created_at, updated_at
		FROM subscriptions ORDER BY id LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []ports.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row rowScanner) (ports.Subscription, error) {
	var sub ports.Subscription
	var status string
	var endAt sql.NullTime
	err := row.Scan(&sub.ID, &sub.TenantID, &sub.PlanID, &status, &sub.StartAt, &endAt,
		&sub.TZOffsetMinutes, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return ports.Subscription{}, ports.ErrNotFound
	}
	if err != nil {
		return ports.Subscription{}, err
	}
	sub.Status = ports.SubscriptionStatus(status)
	if endAt.Valid {
		sub.EndAt = endAt.Time
	}
	return sub, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// Ensure interface compliance.
var _ ports.SubscriptionStore = (*SubscriptionStore)(nil)
