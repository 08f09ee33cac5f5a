// Package types defines the domain model, error taxonomy, and context helpers
// shared across the ClassPay billing engine. Money amounts are represented as
// shopspring decimals backed by NUMERIC columns; they are never floats.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the tenant-level access state.
type SubscriptionStatus string

const (
	SubStatusTrial   SubscriptionStatus = "trial"
	SubStatusActive  SubscriptionStatus = "active"
	SubStatusExpired SubscriptionStatus = "expired"
)

// Tenant is a school account. Subscription fields are mutated only by the
// subscription state machine; a transition to expired is never silently
// reversed except through a verified payment.
type Tenant struct {
	ID                 string
	Name               string
	SubscriptionStatus SubscriptionStatus
	SubscriptionEndsAt *time.Time
	TrialEndsAt        *time.Time
	// SubaccountCode is the gateway settlement subaccount. Empty means the
	// full amount settles to the platform and the school is paid out manually.
	SubaccountCode string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SubscriptionPlan is immutable once referenced by a payment. Plan changes
// create a new payment intent against a different plan, never mutate history.
type SubscriptionPlan struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Amount       decimal.Decimal `json:"amount"`
	DurationDays int             `json:"duration_days"`
	Currency     string          `json:"currency"`
	Active       bool            `json:"active"`
}

// PaymentPurpose distinguishes what a ledger entry pays for.
type PaymentPurpose string

const (
	PurposeSubscription PaymentPurpose = "subscription"
	PurposeFee          PaymentPurpose = "fee"
)

// PaymentStatus is the ledger status of a payment record. Transitions
// pending -> success and pending -> failed are terminal.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

// Terminal reports whether the status permits no further transition.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSuccess || s == PaymentFailed
}

// PaymentRecord is a row in the payment ledger: the single source of truth
// for "has this reference already been applied". Exactly one record exists
// per reference.
type PaymentRecord struct {
	ID         string
	Reference  string
	TenantID   string
	Purpose    PaymentPurpose
	PlanID     string // set for subscription payments
	Amount     decimal.Decimal
	Currency   string
	Status     PaymentStatus
	GatewayRef string
	PaidAt     *time.Time
	Metadata   PaymentMetadata
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PaymentMetadata is the explicit, validated shape of the metadata blob that
// travels to and from the gateway. The gateway treats it as opaque JSON; this
// system is authoritative for its contents and rejects malformed metadata on
// ingress rather than trusting it.
type PaymentMetadata struct {
	Purpose      PaymentPurpose  `json:"purpose"`
	TenantID     string          `json:"tenant_id"`
	PlanID       string          `json:"plan_id,omitempty"`
	StudentID    string          `json:"student_id,omitempty"`
	StudentFeeID string          `json:"student_fee_id,omitempty"`
	SchoolAmount decimal.Decimal `json:"school_amount"`
	PlatformFee  decimal.Decimal `json:"platform_fee"`
}

// Validate checks the required fields for the metadata's purpose.
func (m PaymentMetadata) Validate() error {
	if m.TenantID == "" {
		return NewAppError(ErrCodeValidationInvalidMetadata, "metadata missing tenant_id", nil)
	}
	switch m.Purpose {
	case PurposeSubscription:
		if m.PlanID == "" {
			return NewAppError(ErrCodeValidationInvalidMetadata, "subscription metadata missing plan_id", nil)
		}
	case PurposeFee:
		if m.StudentID == "" || m.StudentFeeID == "" {
			return NewAppError(ErrCodeValidationInvalidMetadata, "fee metadata missing student_id or student_fee_id", nil)
		}
	default:
		return NewAppError(ErrCodeValidationInvalidMetadata, "metadata has unknown purpose", nil)
	}
	return nil
}

// SubscriptionHistoryStatus marks whether a history row is the tenant's
// current subscription period.
type SubscriptionHistoryStatus string

const (
	HistoryActive     SubscriptionHistoryStatus = "active"
	HistorySuperseded SubscriptionHistoryStatus = "superseded"
)

// SubscriptionHistory records one paid subscription period. At most one row
// per tenant has status=active at a time.
type SubscriptionHistory struct {
	ID        string
	TenantID  string
	PaymentID string
	PlanID    string
	StartDate time.Time
	EndDate   time.Time
	Status    SubscriptionHistoryStatus
	CreatedAt time.Time
}

// ScheduledChangeStatus is the lifecycle state of a scheduled plan change.
type ScheduledChangeStatus string

const (
	ScheduledPending  ScheduledChangeStatus = "pending"
	ScheduledApplied  ScheduledChangeStatus = "applied"
	ScheduledCanceled ScheduledChangeStatus = "canceled"
)

// ScheduledPlanChange materializes a downgrade whose credit covers one or
// more periods of the target plan. It takes effect at the current period's
// end date; CoveredPeriods is how many full periods of the target plan the
// credit buys, and RemainingCredit is the leftover carried forward, tracked
// but not yet spent.
type ScheduledPlanChange struct {
	ID              string                `json:"id"`
	TenantID        string                `json:"tenant_id"`
	FromPlanID      string                `json:"from_plan_id"`
	ToPlanID        string                `json:"to_plan_id"`
	EffectiveDate   time.Time             `json:"effective_date"`
	CoveredPeriods  int                   `json:"covered_periods"`
	RemainingCredit decimal.Decimal       `json:"remaining_credit"`
	Status          ScheduledChangeStatus `json:"status"`
	CreatedAt       time.Time             `json:"created_at"`
	AppliedAt       *time.Time            `json:"applied_at,omitempty"`
}

// FeeStatus is derived from (amount_paid, amount_due, due_date, waived).
// It is recomputed on every payment application, never hand-set.
type FeeStatus string

const (
	FeePending FeeStatus = "pending"
	FeePartial FeeStatus = "partial"
	FeePaid    FeeStatus = "paid"
	FeeOverdue FeeStatus = "overdue"
	FeeWaived  FeeStatus = "waived"
)

// StudentFee is one fee assignment to a student. AmountPaid is monotonically
// non-decreasing and never exceeds AmountDue as a result of this subsystem.
type StudentFee struct {
	ID             string
	TenantID       string
	StudentID      string
	FeeStructureID string
	AmountDue      decimal.Decimal
	AmountPaid     decimal.Decimal
	Status         FeeStatus
	DueDate        time.Time
	Session        string
	Term           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Balance returns the outstanding amount owed on the fee.
func (f *StudentFee) Balance() decimal.Decimal {
	return f.AmountDue.Sub(f.AmountPaid)
}

// PaymentMethod identifies how a fee payment was made.
type PaymentMethod string

const (
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodGateway      PaymentMethod = "gateway"
)

// VerificationStatus is the trust state of a fee payment. Gateway payments
// are auto-verified by reconciliation; bank transfers start pending and only
// affect balances after a separate manual verification.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
)

// FeePayment is the receipt-level record of money received against a
// StudentFee. A verified FeePayment has been reflected in its StudentFee's
// amount_paid exactly once.
type FeePayment struct {
	ID                 string
	TenantID           string
	ReceiptNumber      string
	ReceiptSeq         int
	StudentID          string
	StudentFeeID       string
	Amount             decimal.Decimal
	Method             PaymentMethod
	VerificationStatus VerificationStatus
	GatewayRef         string
	Reference          string
	CreatedAt          time.Time
	VerifiedAt         *time.Time
}

// AccessResult is the read-time derivation of a tenant's access state.
type AccessResult struct {
	HasAccess     bool               `json:"has_access"`
	Status        SubscriptionStatus `json:"status"`
	DaysRemaining int                `json:"days_remaining"`
}
