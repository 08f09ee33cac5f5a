// Package subscription implements the tenant subscription state machine:
// trial and paid access evaluation with lazy expiry, plan purchase and
// renewal checkout, prorated plan changes, and the activation step invoked
// by payment reconciliation after a ledger finalization.
package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"classpay/internal/billing"
	"classpay/internal/external"
	"classpay/internal/types"
)

// TenantStore is the tenant persistence surface the state machine needs.
type TenantStore interface {
	GetByID(ctx context.Context, tenantID string) (*types.Tenant, error)
	MarkExpired(ctx context.Context, tenantID string, today time.Time) error
	ActivateSubscription(ctx context.Context, tenantID, paymentID, planID string, startDate, endDate time.Time) error
	ActiveHistory(ctx context.Context, tenantID string) (*types.SubscriptionHistory, error)
}

// PlanStore resolves subscription plans.
type PlanStore interface {
	GetByID(ctx context.Context, planID string) (*types.SubscriptionPlan, error)
	ListActive(ctx context.Context) ([]*types.SubscriptionPlan, error)
}

// ScheduleStore persists scheduled plan changes.
type ScheduleStore interface {
	Create(ctx context.Context, tenantID, fromPlanID, toPlanID string, effectiveDate time.Time, coveredPeriods int, remainingCredit decimal.Decimal) (*types.ScheduledPlanChange, error)
	GetPending(ctx context.Context, tenantID string) (*types.ScheduledPlanChange, error)
	MarkApplied(ctx context.Context, changeID string) (bool, error)
}

// PaymentStore is the ledger surface used to open payment intents.
type PaymentStore interface {
	CreatePending(ctx context.Context, rec *types.PaymentRecord) error
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*types.PaymentRecord, error)
}

// ChangeTx is one mark-and-activate transaction for a due scheduled plan
// change. The conditional MarkApplied and the activation it pays for must
// commit together; a failure after the mark rolls both back, so the change
// stays pending and the next reader retries the whole step.
type ChangeTx interface {
	MarkApplied(ctx context.Context, changeID string) (bool, error)
	GetPlan(ctx context.Context, planID string) (*types.SubscriptionPlan, error)
	ActivateSubscription(ctx context.Context, tenantID, paymentID, planID string, startDate, endDate time.Time) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ChangeDB opens the transaction a scheduled plan change application runs in.
type ChangeDB interface {
	BeginTx(ctx context.Context) (ChangeTx, error)
}

// Config carries the platform settings the service needs.
type Config struct {
	// Currency is the fallback when a plan does not carry its own.
	Currency string
	// CallbackURL is where the gateway redirects the payer after checkout.
	CallbackURL string
	// TrialDays is the default trial window for tenants that carry no
	// explicit trial end date, counted from tenant creation.
	TrialDays int
}

// Service is the subscription state machine. All mutations it performs are
// conditional updates, so concurrent requests for the same tenant converge
// rather than conflict.
type Service struct {
	tenants   TenantStore
	plans     PlanStore
	schedules ScheduleStore
	changes   ChangeDB
	payments  PaymentStore
	gateway   external.GatewayClient
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires a subscription Service.
func NewService(
	tenants TenantStore,
	plans PlanStore,
	schedules ScheduleStore,
	changes ChangeDB,
	payments PaymentStore,
	gateway external.GatewayClient,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tenants:   tenants,
		plans:     plans,
		schedules: schedules,
		changes:   changes,
		payments:  payments,
		gateway:   gateway,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// EvaluateAccess derives a tenant's access state as of today. It is a read
// with two at-most-once side effects: a due scheduled plan change is applied,
// and a lapsed trial or paid period is persisted as expired. Both corrections
// are conditional updates, so repeating them from concurrent readers is safe.
func (s *Service) EvaluateAccess(ctx context.Context, tenantID string, today time.Time) (*types.AccessResult, error) {
	today = dateOnly(today)

	tenant, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	applied, err := s.applyDueScheduledChange(ctx, tenantID, today)
	if err != nil {
		return nil, err
	}
	if applied {
		tenant, err = s.tenants.GetByID(ctx, tenantID)
		if err != nil {
			return nil, err
		}
	}

	switch tenant.SubscriptionStatus {
	case types.SubStatusTrial:
		trialEnd := tenant.TrialEndsAt
		if trialEnd == nil && s.cfg.TrialDays > 0 {
			// Tenants enrolled before billing carry no explicit trial end;
			// the configured default window runs from creation.
			derived := dateOnly(tenant.CreatedAt).AddDate(0, 0, s.cfg.TrialDays)
			trialEnd = &derived
		}
		if trialEnd == nil || dateOnly(*trialEnd).Before(today) {
			return s.expire(ctx, tenantID, today)
		}
		return &types.AccessResult{
			HasAccess:     true,
			Status:        types.SubStatusTrial,
			DaysRemaining: daysBetween(today, *trialEnd),
		}, nil
	case types.SubStatusActive:
		if tenant.SubscriptionEndsAt == nil || dateOnly(*tenant.SubscriptionEndsAt).Before(today) {
			return s.expire(ctx, tenantID, today)
		}
		return &types.AccessResult{
			HasAccess:     true,
			Status:        types.SubStatusActive,
			DaysRemaining: daysBetween(today, *tenant.SubscriptionEndsAt),
		}, nil
	default:
		return &types.AccessResult{HasAccess: false, Status: types.SubStatusExpired}, nil
	}
}

func (s *Service) expire(ctx context.Context, tenantID string, today time.Time) (*types.AccessResult, error) {
	if err := s.tenants.MarkExpired(ctx, tenantID, today); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "subscription lapsed, tenant marked expired",
		slog.String("tenant_id", tenantID),
	)
	return &types.AccessResult{HasAccess: false, Status: types.SubStatusExpired}, nil
}

// applyDueScheduledChange applies the tenant's pending scheduled plan change
// if its effective date has arrived. The MarkApplied conditional update picks
// a single winner among concurrent readers; losers treat the change as
// already handled. The mark and the activation commit in one transaction, so
// a failed activation leaves the change pending for the next reader instead
// of silently consuming the credit. Returns whether this caller performed
// the activation.
func (s *Service) applyDueScheduledChange(ctx context.Context, tenantID string, today time.Time) (bool, error) {
	change, err := s.schedules.GetPending(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if change == nil || dateOnly(change.EffectiveDate).After(today) {
		return false, nil
	}

	tx, err := s.changes.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	won, err := tx.MarkApplied(ctx, change.ID)
	if err != nil || !won {
		return false, err
	}

	plan, err := tx.GetPlan(ctx, change.ToPlanID)
	if err != nil {
		return false, err
	}

	start := dateOnly(change.EffectiveDate)
	end := start.AddDate(0, 0, change.CoveredPeriods*plan.DurationDays)
	if err := tx.ActivateSubscription(ctx, tenantID, "", plan.ID, start, end); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to commit scheduled plan change", err)
	}

	s.logger.InfoContext(ctx, "scheduled plan change applied",
		slog.String("tenant_id", tenantID),
		slog.String("to_plan_id", plan.ID),
		slog.Int("covered_periods", change.CoveredPeriods),
		slog.Time("new_end_date", end),
	)
	return true, nil
}

// CheckoutSession is the gateway authorization handle returned to the client
// after a payment intent has been opened.
type CheckoutSession struct {
	AuthorizationURL string          `json:"authorization_url"`
	AccessCode       string          `json:"access_code"`
	Reference        string          `json:"reference"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
}

// InitializePaymentParams is the input to a plan purchase or renewal.
type InitializePaymentParams struct {
	TenantID string
	PlanID   string
	Email    string
}

// InitializePayment opens a payment intent for a fresh purchase or a plain
// renewal of the given plan: the ledger row is written first, then the
// gateway is asked for a checkout session. A gateway failure leaves a
// harmless pending ledger row that can never finalize as success.
func (s *Service) InitializePayment(ctx context.Context, p InitializePaymentParams) (*CheckoutSession, error) {
	if _, err := s.tenants.GetByID(ctx, p.TenantID); err != nil {
		return nil, err
	}
	plan, err := s.activePlan(ctx, p.PlanID)
	if err != nil {
		return nil, err
	}
	return s.initializeCharge(ctx, p.TenantID, p.Email, plan, plan.Amount)
}

// ChangePlanParams is the input to a plan change.
type ChangePlanParams struct {
	TenantID  string
	NewPlanID string
	Email     string
}

// ChangePlanResult describes a plan change outcome. Exactly one of Checkout
// and Scheduled is set, matching Immediate.
type ChangePlanResult struct {
	Immediate bool                       `json:"immediate"`
	Checkout  *CheckoutSession           `json:"checkout,omitempty"`
	Scheduled *types.ScheduledPlanChange `json:"scheduled,omitempty"`
	// UnusedValue is the full-precision credit for the remainder of the
	// current period, surfaced for client display.
	UnusedValue decimal.Decimal `json:"unused_value"`
}

// ChangePlan prorates a switch from the tenant's current plan to a new one.
// Upgrades (and downgrades whose credit covers less than one period of the
// new plan) open an immediate checkout for the prorated difference;
// downgrades whose credit covers a full period or more are scheduled at the
// current period's end with the leftover credit carried forward.
func (s *Service) ChangePlan(ctx context.Context, p ChangePlanParams) (*ChangePlanResult, error) {
	tenant, err := s.tenants.GetByID(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}
	if tenant.SubscriptionStatus != types.SubStatusActive || tenant.SubscriptionEndsAt == nil {
		return nil, types.NewAppError(
			types.ErrCodeConflictInvariantViolation,
			"plan changes require an active paid subscription",
			nil,
		)
	}
	history, err := s.tenants.ActiveHistory(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}
	if history == nil {
		return nil, types.NewAppError(
			types.ErrCodeConflictInvariantViolation,
			"tenant has no active subscription period",
			nil,
		)
	}

	oldPlan, err := s.plans.GetByID(ctx, history.PlanID)
	if err != nil {
		return nil, err
	}
	newPlan, err := s.activePlan(ctx, p.NewPlanID)
	if err != nil {
		return nil, err
	}

	today := dateOnly(s.now())
	daysRemaining := daysBetween(today, *tenant.SubscriptionEndsAt)

	pro, err := billing.ComputeProration(*oldPlan, *newPlan, daysRemaining, today)
	if err != nil {
		return nil, err
	}

	if pro.Immediate {
		session, err := s.initializeCharge(ctx, p.TenantID, p.Email, newPlan, pro.AmountToCharge)
		if err != nil {
			return nil, err
		}
		return &ChangePlanResult{
			Immediate:   true,
			Checkout:    session,
			UnusedValue: pro.UnusedValue,
		}, nil
	}

	change, err := s.schedules.Create(
		ctx,
		p.TenantID,
		oldPlan.ID,
		newPlan.ID,
		pro.EffectiveDate,
		int(pro.MonthsCovered),
		pro.RemainingCredit,
	)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "downgrade scheduled",
		slog.String("tenant_id", p.TenantID),
		slog.String("to_plan_id", newPlan.ID),
		slog.Time("effective_date", change.EffectiveDate),
		slog.String("remaining_credit", change.RemainingCredit.StringFixed(2)),
	)
	return &ChangePlanResult{
		Immediate:   false,
		Scheduled:   change,
		UnusedValue: pro.UnusedValue,
	}, nil
}

// ListPlans returns the plans currently offered for purchase.
func (s *Service) ListPlans(ctx context.Context) ([]*types.SubscriptionPlan, error) {
	return s.plans.ListActive(ctx)
}

// PaymentHistory returns the tenant's most recent ledger entries.
func (s *Service) PaymentHistory(ctx context.Context, tenantID string, limit int) ([]*types.PaymentRecord, error) {
	return s.payments.ListByTenant(ctx, tenantID, limit)
}

func (s *Service) activePlan(ctx context.Context, planID string) (*types.SubscriptionPlan, error) {
	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan is no longer offered", nil)
	}
	return plan, nil
}

func (s *Service) initializeCharge(
	ctx context.Context,
	tenantID, email string,
	plan *types.SubscriptionPlan,
	amount decimal.Decimal,
) (*CheckoutSession, error) {
	now := s.now().UTC()
	reference := billing.NewReference(types.PurposeSubscription, tenantID, plan.ID, now)
	currency := plan.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}

	meta := types.PaymentMetadata{
		Purpose:      types.PurposeSubscription,
		TenantID:     tenantID,
		PlanID:       plan.ID,
		SchoolAmount: decimal.Zero,
		PlatformFee:  amount,
	}

	rec := &types.PaymentRecord{
		ID:        uuid.NewString(),
		Reference: reference,
		TenantID:  tenantID,
		Purpose:   types.PurposeSubscription,
		PlanID:    plan.ID,
		Amount:    amount,
		Currency:  currency,
		Status:    types.PaymentPending,
		Metadata:  meta,
	}
	if err := s.payments.CreatePending(ctx, rec); err != nil {
		return nil, err
	}

	res, err := s.gateway.Initialize(ctx, external.InitializeRequest{
		Email:       email,
		Amount:      amount,
		Reference:   reference,
		Metadata:    meta,
		CallbackURL: s.cfg.CallbackURL,
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription payment initialized",
		slog.String("tenant_id", tenantID),
		slog.String("plan_id", plan.ID),
		slog.String("reference", reference),
		slog.String("amount", amount.StringFixed(2)),
	)
	return &CheckoutSession{
		AuthorizationURL: res.AuthorizationURL,
		AccessCode:       res.AccessCode,
		Reference:        reference,
		Amount:           amount,
		Currency:         currency,
	}, nil
}

// ApplyPayment activates the subscription purchased by a finalized payment.
// It must run inside the transaction that won the ledger finalization so the
// activation commits atomically with the payment row; the caller passes
// stores bound to that transaction.
//
// End-date rule: a renewal of the current plan extends from max(today,
// current end date) so paying early never loses time; a switch to a
// different plan cuts over today for a fresh period.
func ApplyPayment(
	ctx context.Context,
	tenants TenantStore,
	plans PlanStore,
	rec *types.PaymentRecord,
	today time.Time,
) error {
	planID := rec.PlanID
	if planID == "" {
		planID = rec.Metadata.PlanID
	}
	if planID == "" {
		return types.NewAppError(
			types.ErrCodeValidationInvalidMetadata,
			"subscription payment has no plan reference",
			nil,
		)
	}

	plan, err := plans.GetByID(ctx, planID)
	if err != nil {
		return err
	}
	tenant, err := tenants.GetByID(ctx, rec.TenantID)
	if err != nil {
		return err
	}
	history, err := tenants.ActiveHistory(ctx, rec.TenantID)
	if err != nil {
		return err
	}

	today = dateOnly(today)
	var end time.Time
	if history != nil && history.PlanID != plan.ID {
		end = today.AddDate(0, 0, plan.DurationDays)
	} else {
		end = billing.RenewalEndDate(tenant.SubscriptionEndsAt, plan.DurationDays, today)
	}

	return tenants.ActivateSubscription(ctx, rec.TenantID, rec.ID, plan.ID, today, end)
}

// dateOnly truncates to midnight UTC; subscription arithmetic is calendar
// arithmetic.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween counts whole days from a to b, never negative.
func daysBetween(a, b time.Time) int {
	d := int(dateOnly(b).Sub(dateOnly(a)).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
