package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"classpay/internal/types"
)

// PlanRepo reads the subscription plan catalog. Plans are immutable once
// referenced by a payment; pricing changes are new plan rows.
type PlanRepo struct {
	db DBTX
}

// NewPlanRepo creates a PlanRepo backed by the given database connection.
func NewPlanRepo(db DBTX) *PlanRepo {
	return &PlanRepo{db: db}
}

const planColumns = `id, name, amount, duration_days, currency, active`

// GetByID returns a plan, or not_found_plan.
func (r *PlanRepo) GetByID(ctx context.Context, planID string) (*types.SubscriptionPlan, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM subscription_plans WHERE id = $1`,
		planID,
	)
	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "subscription plan not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription plan", err)
	}
	return plan, nil
}

// ListActive returns the purchasable plans, cheapest first.
func (r *PlanRepo) ListActive(ctx context.Context) ([]*types.SubscriptionPlan, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+planColumns+`
		 FROM subscription_plans
		 WHERE active
		 ORDER BY amount ASC`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscription plans", err)
	}
	defer rows.Close()

	var plans []*types.SubscriptionPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription plan", err)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate subscription plans", err)
	}
	return plans, nil
}

func scanPlan(row pgx.Row) (*types.SubscriptionPlan, error) {
	var p types.SubscriptionPlan
	err := row.Scan(&p.ID, &p.Name, &p.Amount, &p.DurationDays, &p.Currency, &p.Active)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
