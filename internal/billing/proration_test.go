package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classpay/internal/types"
)

var testToday = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

func monthlyPlan() types.SubscriptionPlan {
	return types.SubscriptionPlan{
		ID:           "plan-monthly",
		Name:         "Monthly",
		Amount:       decimal.NewFromInt(3000),
		DurationDays: 30,
		Currency:     "NGN",
		Active:       true,
	}
}

func yearlyPlan() types.SubscriptionPlan {
	return types.SubscriptionPlan{
		ID:           "plan-yearly",
		Name:         "Yearly",
		Amount:       decimal.NewFromInt(30000),
		DurationDays: 365,
		Currency:     "NGN",
		Active:       true,
	}
}

func TestComputeProration_UpgradeChargesDifference(t *testing.T) {
	// 10 unused days on the 3000/30d plan are worth exactly 1000.
	res, err := ComputeProration(monthlyPlan(), yearlyPlan(), 10, testToday)
	require.NoError(t, err)

	assert.True(t, res.Immediate)
	assert.True(t, res.AmountToCharge.Equal(decimal.NewFromInt(29000)),
		"got %s", res.AmountToCharge)
	assert.True(t, res.UnusedValue.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, testToday.AddDate(0, 0, 365), res.NewEndDate)
}

func TestComputeProration_DowngradeWithLargeCreditIsScheduled(t *testing.T) {
	// 300 unused days on the 30000/365d plan are worth 24657.53...; that
	// covers 8 full periods of the 3000 plan with 657.53... left over.
	res, err := ComputeProration(yearlyPlan(), monthlyPlan(), 300, testToday)
	require.NoError(t, err)

	assert.False(t, res.Immediate)
	assert.Equal(t, int64(8), res.MonthsCovered)
	assert.Equal(t, testToday.AddDate(0, 0, 300), res.EffectiveDate)

	wantUnused := decimal.NewFromInt(30000).
		Div(decimal.NewFromInt(365)).
		Mul(decimal.NewFromInt(300))
	assert.True(t, res.UnusedValue.Equal(wantUnused))
	assert.True(t, res.RemainingCredit.Equal(wantUnused.Sub(decimal.NewFromInt(24000))),
		"got %s", res.RemainingCredit)
	// Sanity on the worked numbers.
	assert.Equal(t, "24657.53", res.UnusedValue.Round(2).StringFixed(2))
	assert.Equal(t, "657.53", res.RemainingCredit.Round(2).StringFixed(2))
}

func TestComputeProration_DowngradeWithSmallCreditChargesNow(t *testing.T) {
	// 5 unused days on the yearly plan are worth 410.96, under one period
	// of the monthly plan, so the change is immediate.
	res, err := ComputeProration(yearlyPlan(), monthlyPlan(), 5, testToday)
	require.NoError(t, err)

	assert.True(t, res.Immediate)
	want := decimal.NewFromInt(3000).
		Sub(decimal.NewFromInt(30000).Div(decimal.NewFromInt(365)).Mul(decimal.NewFromInt(5))).
		Round(2)
	assert.True(t, res.AmountToCharge.Equal(want), "got %s want %s", res.AmountToCharge, want)
	assert.Equal(t, testToday.AddDate(0, 0, 30), res.NewEndDate)
}

func TestComputeProration_RoundsOnceAtFinalCharge(t *testing.T) {
	// A 7-day plan at 1000 has a repeating daily rate; only the final
	// charge is rounded, half-up to the minor unit.
	weekly := types.SubscriptionPlan{ID: "plan-weekly", Amount: decimal.NewFromInt(1000), DurationDays: 7}
	res, err := ComputeProration(weekly, monthlyPlan(), 3, testToday)
	require.NoError(t, err)

	unused := decimal.NewFromInt(1000).Div(decimal.NewFromInt(7)).Mul(decimal.NewFromInt(3))
	assert.True(t, res.UnusedValue.Equal(unused), "intermediate value kept at full precision")
	assert.True(t, res.AmountToCharge.Equal(decimal.NewFromInt(3000).Sub(unused).Round(2)))
	assert.Equal(t, int32(-2), res.AmountToCharge.Exponent())
}

func TestComputeProration_SamePlanRejected(t *testing.T) {
	_, err := ComputeProration(monthlyPlan(), monthlyPlan(), 10, testToday)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationSamePlan, appErr.Code)
}

func TestComputeProration_DaysRemainingClampedToOne(t *testing.T) {
	forZero, err := ComputeProration(monthlyPlan(), yearlyPlan(), 0, testToday)
	require.NoError(t, err)
	forOne, err := ComputeProration(monthlyPlan(), yearlyPlan(), 1, testToday)
	require.NoError(t, err)

	assert.True(t, forZero.AmountToCharge.Equal(forOne.AmountToCharge))
	assert.True(t, forZero.UnusedValue.Equal(decimal.NewFromInt(100)))
}

func TestComputeProration_ChargeClampedAtZero(t *testing.T) {
	// daysRemaining beyond the old plan's duration (stacked renewals) can
	// make the unused value exceed the new plan's price; the charge floors
	// at zero rather than going negative.
	current := types.SubscriptionPlan{ID: "plan-a", Amount: decimal.NewFromInt(200), DurationDays: 30}
	target := types.SubscriptionPlan{ID: "plan-b", Amount: decimal.NewFromInt(300), DurationDays: 30}

	res, err := ComputeProration(current, target, 60, testToday)
	require.NoError(t, err)
	assert.True(t, res.Immediate)
	assert.True(t, res.AmountToCharge.IsZero(), "got %s", res.AmountToCharge)
}

func TestRenewalEndDate_EarlyRenewalExtends(t *testing.T) {
	end := testToday.AddDate(0, 0, 10)
	got := RenewalEndDate(&end, 30, testToday)
	assert.Equal(t, end.AddDate(0, 0, 30), got, "early renewal keeps the remaining days")
}

func TestRenewalEndDate_LapsedSubscriptionRestartsToday(t *testing.T) {
	end := testToday.AddDate(0, 0, -20)
	got := RenewalEndDate(&end, 30, testToday)
	assert.Equal(t, testToday.AddDate(0, 0, 30), got)
}

func TestRenewalEndDate_FirstPurchase(t *testing.T) {
	got := RenewalEndDate(nil, 365, testToday)
	assert.Equal(t, testToday.AddDate(0, 0, 365), got)
}
