// Package billing contains the pure money arithmetic for the ClassPay engine:
// plan-change proration, fee balance application, and payment reference
// generation. Nothing here performs I/O; all amounts are exact decimals with
// the currency's minor-unit scale, never binary floats.
package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"classpay/internal/types"
)

// minorUnitScale is the decimal scale for the supported currency (2 for NGN).
const minorUnitScale = 2

// ProrationResult describes the outcome of a plan change.
//
// For an immediate change (upgrade, or downgrade whose credit covers less
// than one period of the new plan), AmountToCharge is the rounded amount to
// collect now and NewEndDate is the cutover end date.
//
// For a scheduled change (downgrade whose credit covers at least one full
// period), no charge is due now: the change takes effect at EffectiveDate and
// RemainingCredit is carried forward.
type ProrationResult struct {
	Immediate       bool
	AmountToCharge  decimal.Decimal
	NewEndDate      time.Time
	EffectiveDate   time.Time
	MonthsCovered   int64
	UnusedValue     decimal.Decimal
	RemainingCredit decimal.Decimal
}

// ComputeProration computes the prorated outcome of switching from oldPlan to
// newPlan with daysRemaining days left on the current period.
//
// The unused value of the current plan is dailyRate * daysRemaining, kept at
// full precision; rounding happens exactly once, at the final charge amount,
// half-up to the minor unit. daysRemaining is clamped to at least 1 so an
// already-lapsed period never produces a zero or negative proration.
//
// Switching to the identical plan is rejected.
func ComputeProration(oldPlan, newPlan types.SubscriptionPlan, daysRemaining int, today time.Time) (ProrationResult, error) {
	if oldPlan.ID == newPlan.ID {
		return ProrationResult{}, types.NewAppError(
			types.ErrCodeValidationSamePlan,
			"already subscribed to this plan",
			nil,
		)
	}
	if oldPlan.DurationDays <= 0 || newPlan.DurationDays <= 0 {
		return ProrationResult{}, types.NewAppError(
			types.ErrCodeConflictInvariantViolation,
			"plan duration must be positive",
			nil,
		)
	}

	if daysRemaining < 1 {
		daysRemaining = 1
	}

	dailyRate := oldPlan.Amount.Div(decimal.NewFromInt(int64(oldPlan.DurationDays)))
	unused := dailyRate.Mul(decimal.NewFromInt(int64(daysRemaining)))

	today = dateOnly(today)

	// Upgrade: charge the difference now, cut over immediately.
	if newPlan.Amount.GreaterThan(oldPlan.Amount) {
		charge := newPlan.Amount.Sub(unused).Round(minorUnitScale)
		if charge.IsNegative() {
			charge = decimal.Zero
		}
		return ProrationResult{
			Immediate:      true,
			AmountToCharge: charge,
			NewEndDate:     today.AddDate(0, 0, newPlan.DurationDays),
			UnusedValue:    unused,
		}, nil
	}

	// Downgrade: the unused value becomes a credit against the new plan.
	credit := unused
	monthsCovered := credit.Div(newPlan.Amount).Floor().IntPart()

	if monthsCovered >= 1 {
		remaining := credit.Sub(newPlan.Amount.Mul(decimal.NewFromInt(monthsCovered)))
		return ProrationResult{
			Immediate:       false,
			EffectiveDate:   today.AddDate(0, 0, daysRemaining),
			MonthsCovered:   monthsCovered,
			UnusedValue:     unused,
			RemainingCredit: remaining,
		}, nil
	}

	charge := newPlan.Amount.Sub(credit).Round(minorUnitScale)
	if charge.IsNegative() {
		charge = decimal.Zero
	}
	return ProrationResult{
		Immediate:      true,
		AmountToCharge: charge,
		NewEndDate:     today.AddDate(0, 0, newPlan.DurationDays),
		UnusedValue:    unused,
	}, nil
}

// RenewalEndDate returns the end date for a fresh purchase or plain renewal:
// the plan duration is added to max(today, current end date), so renewing
// early extends the subscription rather than restarting it from today.
func RenewalEndDate(currentEnd *time.Time, durationDays int, today time.Time) time.Time {
	start := dateOnly(today)
	if currentEnd != nil && currentEnd.After(start) {
		start = dateOnly(*currentEnd)
	}
	return start.AddDate(0, 0, durationDays)
}

// dateOnly truncates a time to midnight UTC. Subscription and fee calendar
// arithmetic works on dates, not instants.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
