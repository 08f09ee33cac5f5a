package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"classpay/internal/types"
)

// FeeApplication is the result of applying a payment to a student fee.
type FeeApplication struct {
	NewAmountPaid decimal.Decimal
	NewBalance    decimal.Decimal
	NewStatus     types.FeeStatus
}

// ComputeFeeApplication validates a payment amount against a fee's current
// state and returns the fee's new amount_paid, balance, and derived status.
//
// A payment must be positive and must not exceed the outstanding balance;
// over-payment is rejected before any write so amount_paid can never exceed
// amount_due. Waived fees never accept payments: that is a programming or
// data error upstream, not a retryable condition.
func ComputeFeeApplication(fee *types.StudentFee, payment decimal.Decimal, today time.Time) (FeeApplication, error) {
	if fee.Status == types.FeeWaived {
		return FeeApplication{}, types.NewAppError(
			types.ErrCodeConflictInvariantViolation,
			"cannot accept a payment against a waived fee",
			nil,
		)
	}
	if !payment.IsPositive() {
		return FeeApplication{}, types.NewAppError(
			types.ErrCodeValidationInvalidAmount,
			"payment amount must be greater than zero",
			nil,
		)
	}
	balance := fee.Balance()
	if payment.GreaterThan(balance) {
		return FeeApplication{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationBalanceExceeded,
			"payment amount exceeds outstanding balance",
			nil,
			map[string]any{
				"balance":   balance.StringFixed(minorUnitScale),
				"requested": payment.StringFixed(minorUnitScale),
			},
		)
	}

	newPaid := fee.AmountPaid.Add(payment)
	return FeeApplication{
		NewAmountPaid: newPaid,
		NewBalance:    fee.AmountDue.Sub(newPaid),
		NewStatus:     DeriveFeeStatus(fee.AmountDue, newPaid, fee.DueDate, false, today),
	}, nil
}

// DeriveFeeStatus is the single status-derivation function for student fees.
// Status is a pure function of (amount_due, amount_paid, due_date, waived);
// it is recomputed on every payment application and by the time-driven
// overdue sweep, never hand-set.
func DeriveFeeStatus(amountDue, amountPaid decimal.Decimal, dueDate time.Time, waived bool, today time.Time) types.FeeStatus {
	if waived {
		return types.FeeWaived
	}
	if amountPaid.GreaterThanOrEqual(amountDue) {
		return types.FeePaid
	}
	if amountPaid.IsPositive() {
		return types.FeePartial
	}
	if dateOnly(dueDate).Before(dateOnly(today)) {
		return types.FeeOverdue
	}
	return types.FeePending
}
