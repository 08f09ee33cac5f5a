package fees

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classpay/internal/db"
	"classpay/internal/external"
	"classpay/internal/types"
)

var testToday = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

type mockFeeStore struct {
	fee          *types.StudentFee
	hasRef       bool
	applied      []db.ApplyPaymentParams
	manual       []string
	overdueCount int64
}

func (m *mockFeeStore) GetStudentFee(_ context.Context, feeID string) (*types.StudentFee, error) {
	if m.fee == nil || m.fee.ID != feeID {
		return nil, types.NewAppError(types.ErrCodeNotFoundStudentFee, "student fee not found", nil)
	}
	f := *m.fee
	return &f, nil
}

func (m *mockFeeStore) HasGatewayRef(_ context.Context, _ string) (bool, error) {
	return m.hasRef, nil
}

func (m *mockFeeStore) ApplyPayment(_ context.Context, p db.ApplyPaymentParams) (*types.FeePayment, error) {
	m.applied = append(m.applied, p)
	return &types.FeePayment{
		ID:                 "fp-1",
		TenantID:           p.Fee.TenantID,
		ReceiptNumber:      "RCP-2026-0001",
		StudentID:          p.Fee.StudentID,
		StudentFeeID:       p.Fee.ID,
		Amount:             p.Amount,
		Method:             p.Method,
		VerificationStatus: types.VerificationVerified,
		GatewayRef:         p.GatewayRef,
		Reference:          p.Reference,
	}, nil
}

func (m *mockFeeStore) InsertManualPayment(_ context.Context, fee *types.StudentFee, amount decimal.Decimal, reference string) (*types.FeePayment, error) {
	m.manual = append(m.manual, reference)
	return &types.FeePayment{
		ID:                 "fp-2",
		TenantID:           fee.TenantID,
		ReceiptNumber:      "RCP-2026-0002",
		StudentFeeID:       fee.ID,
		Amount:             amount,
		Method:             types.MethodBankTransfer,
		VerificationStatus: types.VerificationPending,
		Reference:          reference,
	}, nil
}

func (m *mockFeeStore) MarkOverdue(_ context.Context, _ string, _ time.Time) (int64, error) {
	return m.overdueCount, nil
}

type mockTenantStore struct {
	tenant *types.Tenant
}

func (m *mockTenantStore) GetByID(_ context.Context, tenantID string) (*types.Tenant, error) {
	if m.tenant == nil || m.tenant.ID != tenantID {
		return nil, types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", nil)
	}
	return m.tenant, nil
}

type mockPaymentStore struct {
	created []*types.PaymentRecord
}

func (m *mockPaymentStore) CreatePending(_ context.Context, rec *types.PaymentRecord) error {
	m.created = append(m.created, rec)
	return nil
}

type mockGateway struct {
	initCalls []external.InitializeRequest
	initErr   error
}

func (m *mockGateway) Initialize(_ context.Context, req external.InitializeRequest) (*external.InitializeResult, error) {
	m.initCalls = append(m.initCalls, req)
	if m.initErr != nil {
		return nil, m.initErr
	}
	return &external.InitializeResult{
		AuthorizationURL: "https://checkout.example/" + req.Reference,
		AccessCode:       "ac_" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

func (m *mockGateway) Verify(_ context.Context, _ string) (*external.VerifyResult, error) {
	return nil, errors.New("not used")
}

type serviceFixture struct {
	svc      *Service
	fees     *mockFeeStore
	tenants  *mockTenantStore
	payments *mockPaymentStore
	gateway  *mockGateway
}

func testFee() *types.StudentFee {
	return &types.StudentFee{
		ID:         "fee-1",
		TenantID:   "tenant-1",
		StudentID:  "student-1",
		AmountDue:  decimal.NewFromInt(50000),
		AmountPaid: decimal.NewFromInt(20000),
		Status:     types.FeePartial,
		DueDate:    testToday.AddDate(0, 0, 30),
		Session:    "2025/2026",
		Term:       "second",
	}
}

func newFixture(subaccount string) *serviceFixture {
	f := &serviceFixture{
		fees: &mockFeeStore{fee: testFee()},
		tenants: &mockTenantStore{tenant: &types.Tenant{
			ID:             "tenant-1",
			Name:           "Sunrise Academy",
			SubaccountCode: subaccount,
		}},
		payments: &mockPaymentStore{},
		gateway:  &mockGateway{},
	}
	f.svc = NewService(
		f.fees, f.tenants, f.payments, f.gateway,
		Config{
			PlatformFee: decimal.NewFromInt(100),
			Currency:    "NGN",
			CallbackURL: "https://app.example/fees/callback",
		},
		slog.New(slog.NewJSONHandler(io.Discard, nil)),
	)
	f.svc.now = func() time.Time { return testToday }
	return f
}

func TestInitializePayment_SplitsSettlementToSubaccount(t *testing.T) {
	f := newFixture("ACCT_school1")

	session, err := f.svc.InitializePayment(context.Background(), InitializePaymentParams{
		TenantID:     "tenant-1",
		StudentFeeID: "fee-1",
		Amount:       decimal.NewFromInt(10000),
		Email:        "parent@example.com",
	})
	require.NoError(t, err)

	require.Len(t, f.payments.created, 1)
	rec := f.payments.created[0]
	assert.Equal(t, types.PurposeFee, rec.Purpose)
	assert.True(t, rec.Metadata.PlatformFee.Equal(decimal.NewFromInt(100)))
	assert.True(t, rec.Metadata.SchoolAmount.Equal(decimal.NewFromInt(9900)))
	assert.Equal(t, "student-1", rec.Metadata.StudentID)
	assert.Equal(t, "fee-1", rec.Metadata.StudentFeeID)

	require.Len(t, f.gateway.initCalls, 1)
	call := f.gateway.initCalls[0]
	assert.Equal(t, "ACCT_school1", call.SubaccountCode)
	assert.True(t, call.TransactionCharge.Equal(decimal.NewFromInt(100)))

	assert.Contains(t, session.Reference, "fee_tenant-1_fee-1_")
	assert.Equal(t, "NGN", session.Currency)
}

func TestInitializePayment_NoSubaccountNoSplit(t *testing.T) {
	f := newFixture("")

	_, err := f.svc.InitializePayment(context.Background(), InitializePaymentParams{
		TenantID:     "tenant-1",
		StudentFeeID: "fee-1",
		Amount:       decimal.NewFromInt(10000),
		Email:        "parent@example.com",
	})
	require.NoError(t, err)

	require.Len(t, f.gateway.initCalls, 1)
	call := f.gateway.initCalls[0]
	assert.Empty(t, call.SubaccountCode)
	assert.True(t, call.TransactionCharge.IsZero())

	rec := f.payments.created[0]
	assert.True(t, rec.Metadata.PlatformFee.IsZero())
	assert.True(t, rec.Metadata.SchoolAmount.Equal(decimal.NewFromInt(10000)))
}

func TestInitializePayment_AmountBelowPlatformFeeSkipsSplit(t *testing.T) {
	f := newFixture("ACCT_school1")

	_, err := f.svc.InitializePayment(context.Background(), InitializePaymentParams{
		TenantID:     "tenant-1",
		StudentFeeID: "fee-1",
		Amount:       decimal.NewFromInt(50),
		Email:        "parent@example.com",
	})
	require.NoError(t, err)
	assert.Empty(t, f.gateway.initCalls[0].SubaccountCode)
	assert.True(t, f.payments.created[0].Metadata.PlatformFee.IsZero())
}

func TestInitializePayment_RejectsOverpayment(t *testing.T) {
	f := newFixture("")

	_, err := f.svc.InitializePayment(context.Background(), InitializePaymentParams{
		TenantID:     "tenant-1",
		StudentFeeID: "fee-1",
		Amount:       decimal.NewFromInt(30001), // balance is 30000
		Email:        "parent@example.com",
	})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationBalanceExceeded, appErr.Code)
	assert.Empty(t, f.payments.created)
	assert.Empty(t, f.gateway.initCalls)
}

func TestInitializePayment_RejectsWaivedFee(t *testing.T) {
	f := newFixture("")
	f.fees.fee.Status = types.FeeWaived

	_, err := f.svc.InitializePayment(context.Background(), InitializePaymentParams{
		TenantID:     "tenant-1",
		StudentFeeID: "fee-1",
		Amount:       decimal.NewFromInt(100),
		Email:        "parent@example.com",
	})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeConflictInvariantViolation, appErr.Code)
}

func TestInitializePayment_ForeignFeeRejected(t *testing.T) {
	f := newFixture("")
	f.fees.fee.TenantID = "tenant-2"

	_, err := f.svc.InitializePayment(context.Background(), InitializePaymentParams{
		TenantID:     "tenant-1",
		StudentFeeID: "fee-1",
		Amount:       decimal.NewFromInt(100),
		Email:        "parent@example.com",
	})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodePermissionTenantMismatch, appErr.Code)
}

func TestSubmitManualPayment_PendingNoBalanceChange(t *testing.T) {
	f := newFixture("")

	payment, err := f.svc.SubmitManualPayment(context.Background(), SubmitManualPaymentParams{
		TenantID:     "tenant-1",
		StudentFeeID: "fee-1",
		Amount:       decimal.NewFromInt(5000),
	})
	require.NoError(t, err)

	assert.Equal(t, types.MethodBankTransfer, payment.Method)
	assert.Equal(t, types.VerificationPending, payment.VerificationStatus)
	require.Len(t, f.fees.manual, 1)
	assert.Empty(t, f.fees.applied, "manual submission must not touch the balance")
}

func TestSubmitManualPayment_RejectsOverpayment(t *testing.T) {
	f := newFixture("")

	_, err := f.svc.SubmitManualPayment(context.Background(), SubmitManualPaymentParams{
		TenantID:     "tenant-1",
		StudentFeeID: "fee-1",
		Amount:       decimal.NewFromInt(40000),
	})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationBalanceExceeded, appErr.Code)
	assert.Empty(t, f.fees.manual)
}

func feePaymentRecord(amount int64) *types.PaymentRecord {
	return &types.PaymentRecord{
		ID:        "pay-1",
		Reference: "fee_tenant-1_fee-1_1770000000_abcd1234",
		TenantID:  "tenant-1",
		Purpose:   types.PurposeFee,
		Amount:    decimal.NewFromInt(amount),
		Status:    types.PaymentSuccess,
		Metadata: types.PaymentMetadata{
			Purpose:      types.PurposeFee,
			TenantID:     "tenant-1",
			StudentID:    "student-1",
			StudentFeeID: "fee-1",
		},
	}
}

func TestApplyPayment_CreditsBalanceAndWritesReceipt(t *testing.T) {
	f := newFixture("")

	payment, err := ApplyPayment(context.Background(), f.fees, feePaymentRecord(10000), "gw-ref-1", testToday)
	require.NoError(t, err)
	require.NotNil(t, payment)

	require.Len(t, f.fees.applied, 1)
	applied := f.fees.applied[0]
	assert.True(t, applied.NewAmountPaid.Equal(decimal.NewFromInt(30000)))
	assert.Equal(t, types.FeePartial, applied.NewStatus)
	assert.Equal(t, types.MethodGateway, applied.Method)
	assert.Equal(t, "gw-ref-1", applied.GatewayRef)
}

func TestApplyPayment_FullPaymentMarksFeePaid(t *testing.T) {
	f := newFixture("")

	_, err := ApplyPayment(context.Background(), f.fees, feePaymentRecord(30000), "gw-ref-1", testToday)
	require.NoError(t, err)

	require.Len(t, f.fees.applied, 1)
	assert.Equal(t, types.FeePaid, f.fees.applied[0].NewStatus)
}

func TestApplyPayment_DuplicateGatewayRefIsNoOp(t *testing.T) {
	f := newFixture("")
	f.fees.hasRef = true

	payment, err := ApplyPayment(context.Background(), f.fees, feePaymentRecord(10000), "gw-ref-1", testToday)
	require.NoError(t, err)
	assert.Nil(t, payment)
	assert.Empty(t, f.fees.applied)
}

func TestApplyPayment_TenantMismatchRejected(t *testing.T) {
	f := newFixture("")
	rec := feePaymentRecord(10000)
	rec.TenantID = "tenant-2"
	rec.Metadata.TenantID = "tenant-2"

	_, err := ApplyPayment(context.Background(), f.fees, rec, "gw-ref-1", testToday)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodePermissionTenantMismatch, appErr.Code)
}

func TestApplyPayment_MissingFeeReferenceRejected(t *testing.T) {
	f := newFixture("")
	rec := feePaymentRecord(10000)
	rec.Metadata.StudentFeeID = ""

	_, err := ApplyPayment(context.Background(), f.fees, rec, "gw-ref-1", testToday)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidMetadata, appErr.Code)
}

func TestMarkOverdue_ReturnsSweepCount(t *testing.T) {
	f := newFixture("")
	f.fees.overdueCount = 7

	n, err := f.svc.MarkOverdue(context.Background(), "tenant-1", testToday)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}
