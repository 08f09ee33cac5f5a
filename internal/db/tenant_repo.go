package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"classpay/internal/types"
)

// TenantRepo manages tenant subscription state and subscription history.
//
// Key invariants:
//   - Lazy expiry uses conditional UPDATEs so repeating the correction is
//     idempotent; a tenant is never moved back from expired except through
//     ActivateSubscription after a verified payment.
//   - At most one subscription_history row per tenant has status=active;
//     ActivateSubscription supersedes the prior row in the same transaction.
type TenantRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewTenantRepo creates a TenantRepo backed by the given database connection
// (pool or transaction).
func NewTenantRepo(db DBTX, logger *slog.Logger) *TenantRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &TenantRepo{db: db, logger: logger}
}

// GetByID returns the tenant row, or not_found_tenant.
func (r *TenantRepo) GetByID(ctx context.Context, tenantID string) (*types.Tenant, error) {
	var t types.Tenant
	var subaccount *string
	err := r.db.QueryRow(ctx,
		`SELECT id, name, subscription_status, subscription_end_date, trial_end_date,
		        subaccount_code, created_at, updated_at
		 FROM tenants
		 WHERE id = $1`,
		tenantID,
	).Scan(
		&t.ID,
		&t.Name,
		&t.SubscriptionStatus,
		&t.SubscriptionEndsAt,
		&t.TrialEndsAt,
		&subaccount,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load tenant", err)
	}
	if subaccount != nil {
		t.SubaccountCode = *subaccount
	}
	return &t, nil
}

// MarkExpired persists status=expired for a tenant whose trial or paid period
// has lapsed. The UPDATE is conditional on the lapse still holding, so the
// at-most-once correction is safe to repeat from concurrent readers; zero
// affected rows means another request already corrected it.
func (r *TenantRepo) MarkExpired(ctx context.Context, tenantID string, today time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE tenants
		 SET subscription_status = 'expired',
		     updated_at = NOW()
		 WHERE id = $1
		   AND subscription_status != 'expired'
		   AND (
		         (subscription_status = 'trial' AND trial_end_date < $2)
		      OR (subscription_status = 'active' AND subscription_end_date < $2)
		   )`,
		tenantID,
		today,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to persist expired status", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.DebugContext(ctx, "expiry correction already applied",
			slog.String("tenant_id", tenantID),
		)
	}
	return nil
}

// ActivateSubscription records a successful subscription payment: it
// supersedes any prior active history row, inserts the new period, and sets
// the tenant active with the given end date. Call it inside the transaction
// that won the ledger finalize; it must be safe to treat as "apply once".
func (r *TenantRepo) ActivateSubscription(
	ctx context.Context,
	tenantID string,
	paymentID string,
	planID string,
	startDate time.Time,
	endDate time.Time,
) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subscription_history
		 SET status = 'superseded'
		 WHERE tenant_id = $1
		   AND status = 'active'`,
		tenantID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to supersede subscription history", err)
	}

	// Scheduled downgrades activate without a payment; NULL keeps the FK happy.
	var payment any
	if paymentID != "" {
		payment = paymentID
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO subscription_history
		   (id, tenant_id, payment_id, plan_id, start_date, end_date, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'active', NOW())`,
		uuid.NewString(),
		tenantID,
		payment,
		planID,
		startDate,
		endDate,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert subscription history", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE tenants
		 SET subscription_status = 'active',
		     subscription_end_date = $1,
		     updated_at = NOW()
		 WHERE id = $2`,
		endDate,
		tenantID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to activate tenant subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", nil)
	}
	return nil
}

// ActiveHistory returns the tenant's current subscription period, or nil if
// the tenant has never paid (still on trial).
func (r *TenantRepo) ActiveHistory(ctx context.Context, tenantID string) (*types.SubscriptionHistory, error) {
	var (
		h       types.SubscriptionHistory
		payment *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, tenant_id, payment_id, plan_id, start_date, end_date, status, created_at
		 FROM subscription_history
		 WHERE tenant_id = $1
		   AND status = 'active'`,
		tenantID,
	).Scan(
		&h.ID,
		&h.TenantID,
		&payment,
		&h.PlanID,
		&h.StartDate,
		&h.EndDate,
		&h.Status,
		&h.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription history", err)
	}
	if payment != nil {
		h.PaymentID = *payment
	}
	return &h, nil
}
