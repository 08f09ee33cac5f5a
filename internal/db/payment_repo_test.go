package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"classpay/internal/types"
)

func pendingRecord() *types.PaymentRecord {
	return &types.PaymentRecord{
		Reference: "subscription_t1_plan1_1773568800_ab12cd34",
		TenantID:  "t1",
		Purpose:   types.PurposeSubscription,
		PlanID:    "plan1",
		Amount:    decimal.NewFromInt(3000),
		Currency:  "NGN",
		Metadata: types.PaymentMetadata{
			Purpose:  types.PurposeSubscription,
			TenantID: "t1",
			PlanID:   "plan1",
		},
	}
}

// scanRecordFn fills the thirteen payment_records columns with the given
// status, mirroring the column order of paymentColumns.
func scanRecordFn(rec *types.PaymentRecord, status types.PaymentStatus) func(dest ...any) error {
	return func(dest ...any) error {
		metadata, _ := json.Marshal(rec.Metadata)
		planID := rec.PlanID
		now := time.Now().UTC()

		*(dest[0].(*string)) = "pay-1"
		*(dest[1].(*string)) = rec.Reference
		*(dest[2].(*string)) = rec.TenantID
		*(dest[3].(*types.PaymentPurpose)) = rec.Purpose
		*(dest[4].(**string)) = &planID
		*(dest[5].(*decimal.Decimal)) = rec.Amount
		*(dest[6].(*string)) = rec.Currency
		*(dest[7].(*types.PaymentStatus)) = status
		*(dest[8].(**string)) = nil
		*(dest[9].(**time.Time)) = nil
		*(dest[10].(*[]byte)) = metadata
		*(dest[11].(*time.Time)) = now
		*(dest[12].(*time.Time)) = now
		return nil
	}
}

func TestPaymentRepo_CreatePending_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, nil)

	db.On("Exec", mock.Anything, sqlContaining("INSERT INTO payment_records"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	rec := pendingRecord()
	err := repo.CreatePending(context.Background(), rec)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID, "an id is assigned when the caller leaves it empty")
	assert.Equal(t, types.PaymentPending, rec.Status)
	db.AssertExpectations(t)
}

func TestPaymentRepo_CreatePending_DuplicateReference(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	err := repo.CreatePending(context.Background(), pendingRecord())

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictDuplicateReference, appErr.Code)
}

func TestPaymentRepo_CreatePending_RejectsMalformedMetadata(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, nil)

	rec := pendingRecord()
	rec.Metadata.PlanID = ""

	err := repo.CreatePending(context.Background(), rec)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationInvalidMetadata, appErr.Code)
	assert.Empty(t, db.Calls, "a malformed record never reaches the database")
}

func TestPaymentRepo_CreatePending_RejectsForeignPurpose(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, nil)

	rec := pendingRecord()
	rec.Metadata.Purpose = "refund"

	err := repo.CreatePending(context.Background(), rec)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationInvalidMetadata, appErr.Code)
}

func TestPaymentRepo_GetByReference_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByReference(context.Background(), "missing-ref")

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundPayment, appErr.Code)
}

func TestPaymentRepo_Finalize_WinnerGetsUpdatedRow(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, nil)
	rec := pendingRecord()

	db.On("QueryRow", mock.Anything, sqlContaining("UPDATE payment_records"), mock.Anything).
		Return(&mockRow{scanFn: scanRecordFn(rec, types.PaymentSuccess)})

	paidAt := time.Now().UTC()
	final, won, err := repo.Finalize(context.Background(), rec.Reference, FinalizeOutcome{
		Status:     types.PaymentSuccess,
		GatewayRef: "987654321",
		PaidAt:     &paidAt,
	})
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, types.PaymentSuccess, final.Status)
	assert.Equal(t, rec.Metadata.PlanID, final.Metadata.PlanID, "metadata survives the round trip")
	db.AssertExpectations(t)
}

func TestPaymentRepo_Finalize_AlreadyTerminalIsIdempotentNoOp(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, nil)
	rec := pendingRecord()

	// The conditional UPDATE misses because the row is no longer pending.
	db.On("QueryRow", mock.Anything, sqlContaining("UPDATE payment_records"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})
	// The follow-up read finds the row already finalized by the other path.
	db.On("QueryRow", mock.Anything, sqlContaining("SELECT"), mock.Anything).
		Return(&mockRow{scanFn: scanRecordFn(rec, types.PaymentSuccess)})

	final, won, err := repo.Finalize(context.Background(), rec.Reference, FinalizeOutcome{
		Status: types.PaymentSuccess,
	})
	require.NoError(t, err, "losing the race is a defined no-op, not an error")
	assert.False(t, won)
	assert.Equal(t, types.PaymentSuccess, final.Status)
	db.AssertExpectations(t)
}

func TestPaymentRepo_Finalize_UnknownReference(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, nil)

	db.On("QueryRow", mock.Anything, sqlContaining("UPDATE payment_records"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})
	db.On("QueryRow", mock.Anything, sqlContaining("SELECT"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, _, err := repo.Finalize(context.Background(), "missing-ref", FinalizeOutcome{
		Status: types.PaymentSuccess,
	})

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundPayment, appErr.Code)
}

func TestPaymentRepo_Finalize_RejectsNonTerminalOutcome(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, nil)

	_, _, err := repo.Finalize(context.Background(), "ref", FinalizeOutcome{
		Status: types.PaymentPending,
	})

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictInvariantViolation, appErr.Code)
	db.AssertNotCalled(t, "QueryRow")
}
