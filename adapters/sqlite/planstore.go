package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/farebox/quotagate/domain/rule"
	"github.com/farebox/quotagate/ports"
)

// PlanStore implements ports.PlanStore using SQLite. The limitation
// policy is stored as a JSON document, mirroring the document shape the
// portals manage.
type PlanStore struct {
	db *DB
}

// NewPlanStore creates a new SQLite plan store.
func NewPlanStore(db *DB) *PlanStore {
	return &PlanStore{db: db}
}

// Get retrieves a plan by ID.
func (s *PlanStore) Get(ctx context.Context, id string) (rule.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, price, duration_unit, limitation, enabled, created_at, updated_at
		FROM plans WHERE id = ?
	`, id)
	return scanPlan(row)
}

// List returns all enabled plans.
func (s *PlanStore) List(ctx context.Context) ([]rule.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, price, duration_unit, limitation, enabled, created_at, updated_at
		FROM plans WHERE enabled = 1 ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []rule.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Create stores a new plan. The limitation policy is validated before
// the plan is activated; a malformed plan never reaches request time.
func (s *PlanStore) Create(ctx context.Context, p rule.Plan) error {
	if err := rule.Validate(p); err != nil {
		return err
	}
	limitation, err := json.Marshal(p.Limitation)
	if err != nil {
		return fmt.Errorf("marshal limitation: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, price, duration_unit, limitation, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Price, p.DurationUnit, string(limitation), p.Enabled, now, now)
	return err
}

// Update modifies a plan.
func (s *PlanStore) Update(ctx context.Context, p rule.Plan) error {
	if err := rule.Validate(p); err != nil {
		return err
	}
	limitation, err := json.Marshal(p.Limitation)
	if err != nil {
		return fmt.Errorf("marshal limitation: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE plans SET name = ?, price = ?, duration_unit = ?, limitation = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, p.Price, p.DurationUnit, string(limitation), p.Enabled, time.Now().UTC(), p.ID)
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

// Delete removes a plan.
func (s *PlanStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (rule.Plan, error) {
	var p rule.Plan
	var limitation string
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.DurationUnit, &limitation, &p.Enabled, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return rule.Plan{}, ports.ErrNotFound
	}
	if err != nil {
		return rule.Plan{}, err
	}
	if err := json.Unmarshal([]byte(limitation), &p.Limitation); err != nil {
		return rule.Plan{}, fmt.Errorf("unmarshal limitation: %w", err)
	}
	return p, nil
}

// Ensure interface compliance.
var _ ports.PlanStore = (*PlanStore)(nil)
