package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"classpay/internal/types"
)

// ScheduleRepo persists scheduled plan changes: downgrades whose credit
// covers at least one full period of the target plan take effect at the
// current period's end rather than immediately.
type ScheduleRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewScheduleRepo creates a ScheduleRepo backed by the given database
// connection (pool or transaction).
func NewScheduleRepo(db DBTX, logger *slog.Logger) *ScheduleRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduleRepo{db: db, logger: logger}
}

// Create records a pending scheduled change, canceling any prior pending one
// for the tenant so at most one is outstanding.
func (r *ScheduleRepo) Create(
	ctx context.Context,
	tenantID string,
	fromPlanID, toPlanID string,
	effectiveDate time.Time,
	coveredPeriods int,
	remainingCredit decimal.Decimal,
) (*types.ScheduledPlanChange, error) {
	_, err := r.db.Exec(ctx,
		`UPDATE scheduled_plan_changes
		 SET status = 'canceled'
		 WHERE tenant_id = $1
		   AND status = 'pending'`,
		tenantID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel prior scheduled change", err)
	}

	change := &types.ScheduledPlanChange{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		FromPlanID:      fromPlanID,
		ToPlanID:        toPlanID,
		EffectiveDate:   effectiveDate,
		CoveredPeriods:  coveredPeriods,
		RemainingCredit: remainingCredit,
		Status:          types.ScheduledPending,
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO scheduled_plan_changes
		   (id, tenant_id, from_plan_id, to_plan_id, effective_date, covered_periods, remaining_credit, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', NOW())`,
		change.ID,
		change.TenantID,
		change.FromPlanID,
		change.ToPlanID,
		change.EffectiveDate,
		change.CoveredPeriods,
		change.RemainingCredit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create scheduled plan change", err)
	}
	return change, nil
}

// GetPending returns the tenant's pending scheduled change, or nil.
func (r *ScheduleRepo) GetPending(ctx context.Context, tenantID string) (*types.ScheduledPlanChange, error) {
	var c types.ScheduledPlanChange
	err := r.db.QueryRow(ctx,
		`SELECT id, tenant_id, from_plan_id, to_plan_id, effective_date, covered_periods,
		        remaining_credit, status, created_at, applied_at
		 FROM scheduled_plan_changes
		 WHERE tenant_id = $1
		   AND status = 'pending'`,
		tenantID,
	).Scan(
		&c.ID,
		&c.TenantID,
		&c.FromPlanID,
		&c.ToPlanID,
		&c.EffectiveDate,
		&c.CoveredPeriods,
		&c.RemainingCredit,
		&c.Status,
		&c.CreatedAt,
		&c.AppliedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load scheduled plan change", err)
	}
	return &c, nil
}

// MarkApplied flips a pending change to applied. The conditional update keeps
// concurrent lazy applications idempotent: only the caller that flips the row
// proceeds to rewrite the tenant's subscription.
func (r *ScheduleRepo) MarkApplied(ctx context.Context, changeID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_plan_changes
		 SET status = 'applied',
		     applied_at = NOW()
		 WHERE id = $1
		   AND status = 'pending'`,
		changeID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark scheduled change applied", err)
	}
	return tag.RowsAffected() > 0, nil
}
