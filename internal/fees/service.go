// Package fees implements student fee collection: gateway checkout for fee
// payments with settlement split to the school's subaccount, manual
// bank-transfer submission, the verified-payment application invoked by
// reconciliation, and the overdue sweep.
package fees

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"classpay/internal/billing"
	"classpay/internal/db"
	"classpay/internal/external"
	"classpay/internal/types"
)

// FeeStore is the fee persistence surface the service needs.
type FeeStore interface {
	GetStudentFee(ctx context.Context, feeID string) (*types.StudentFee, error)
	HasGatewayRef(ctx context.Context, gatewayRef string) (bool, error)
	ApplyPayment(ctx context.Context, p db.ApplyPaymentParams) (*types.FeePayment, error)
	InsertManualPayment(ctx context.Context, fee *types.StudentFee, amount decimal.Decimal, reference string) (*types.FeePayment, error)
	MarkOverdue(ctx context.Context, tenantID string, today time.Time) (int64, error)
}

// TenantStore resolves tenants for settlement routing.
type TenantStore interface {
	GetByID(ctx context.Context, tenantID string) (*types.Tenant, error)
}

// PaymentStore is the ledger surface used to open payment intents.
type PaymentStore interface {
	CreatePending(ctx context.Context, rec *types.PaymentRecord) error
}

// Config carries the platform settings the service needs.
type Config struct {
	// PlatformFee is the flat charge retained by the platform on gateway
	// fee payments settled to a school subaccount, in major units.
	PlatformFee decimal.Decimal
	Currency    string
	CallbackURL string
}

// Service coordinates fee collection. Balance arithmetic lives in the
// billing package; atomic application lives in the repo. This layer does
// ownership checks, settlement routing, and gateway orchestration.
type Service struct {
	fees     FeeStore
	tenants  TenantStore
	payments PaymentStore
	gateway  external.GatewayClient
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires a fee Service.
func NewService(
	fees FeeStore,
	tenants TenantStore,
	payments PaymentStore,
	gateway external.GatewayClient,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		fees:     fees,
		tenants:  tenants,
		payments: payments,
		gateway:  gateway,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// CheckoutSession is the gateway authorization handle for a fee payment.
type CheckoutSession struct {
	AuthorizationURL string          `json:"authorization_url"`
	AccessCode       string          `json:"access_code"`
	Reference        string          `json:"reference"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
}

// InitializePaymentParams is the input to a gateway fee payment.
type InitializePaymentParams struct {
	TenantID     string
	StudentFeeID string
	Amount       decimal.Decimal
	Email        string
}

// InitializePayment opens a gateway checkout for a partial or full fee
// payment. The amount is validated against the fee's outstanding balance
// before any write; when the school has a settlement subaccount the
// transaction is split, with the platform's flat fee retained and the
// remainder credited to the school.
func (s *Service) InitializePayment(ctx context.Context, p InitializePaymentParams) (*CheckoutSession, error) {
	fee, err := s.ownedFee(ctx, p.TenantID, p.StudentFeeID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	// Dry-run application rejects non-positive amounts, over-payment, and
	// waived fees before the gateway is involved.
	if _, err := billing.ComputeFeeApplication(fee, p.Amount, now); err != nil {
		return nil, err
	}

	tenant, err := s.tenants.GetByID(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}

	platformFee := decimal.Zero
	if tenant.SubaccountCode != "" && p.Amount.GreaterThan(s.cfg.PlatformFee) {
		platformFee = s.cfg.PlatformFee
	}
	schoolAmount := p.Amount.Sub(platformFee)

	reference := billing.NewReference(types.PurposeFee, p.TenantID, fee.ID, now)
	meta := types.PaymentMetadata{
		Purpose:      types.PurposeFee,
		TenantID:     p.TenantID,
		StudentID:    fee.StudentID,
		StudentFeeID: fee.ID,
		SchoolAmount: schoolAmount,
		PlatformFee:  platformFee,
	}

	rec := &types.PaymentRecord{
		ID:        uuid.NewString(),
		Reference: reference,
		TenantID:  p.TenantID,
		Purpose:   types.PurposeFee,
		Amount:    p.Amount,
		Currency:  s.cfg.Currency,
		Status:    types.PaymentPending,
		Metadata:  meta,
	}
	if err := s.payments.CreatePending(ctx, rec); err != nil {
		return nil, err
	}

	req := external.InitializeRequest{
		Email:       p.Email,
		Amount:      p.Amount,
		Reference:   reference,
		Metadata:    meta,
		CallbackURL: s.cfg.CallbackURL,
	}
	if platformFee.IsPositive() {
		req.SubaccountCode = tenant.SubaccountCode
		req.TransactionCharge = platformFee
	}
	res, err := s.gateway.Initialize(ctx, req)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "fee payment initialized",
		slog.String("tenant_id", p.TenantID),
		slog.String("student_fee_id", fee.ID),
		slog.String("reference", reference),
		slog.String("amount", p.Amount.StringFixed(2)),
		slog.Bool("split_settlement", platformFee.IsPositive()),
	)
	return &CheckoutSession{
		AuthorizationURL: res.AuthorizationURL,
		AccessCode:       res.AccessCode,
		Reference:        reference,
		Amount:           p.Amount,
		Currency:         s.cfg.Currency,
	}, nil
}

// SubmitManualPaymentParams is the input to a bank-transfer submission.
type SubmitManualPaymentParams struct {
	TenantID     string
	StudentFeeID string
	Amount       decimal.Decimal
}

// SubmitManualPayment records a claimed bank transfer as a pending
// FeePayment. The fee's balance does not move; a separate manual
// verification step confirms the transfer before any credit is applied.
func (s *Service) SubmitManualPayment(ctx context.Context, p SubmitManualPaymentParams) (*types.FeePayment, error) {
	fee, err := s.ownedFee(ctx, p.TenantID, p.StudentFeeID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if _, err := billing.ComputeFeeApplication(fee, p.Amount, now); err != nil {
		return nil, err
	}

	reference := billing.NewReference(types.PurposeFee, p.TenantID, fee.ID, now)
	payment, err := s.fees.InsertManualPayment(ctx, fee, p.Amount, reference)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "manual fee payment submitted",
		slog.String("tenant_id", p.TenantID),
		slog.String("student_fee_id", fee.ID),
		slog.String("receipt_number", payment.ReceiptNumber),
	)
	return payment, nil
}

// MarkOverdue flips unpaid fees past their due date to overdue for a tenant.
func (s *Service) MarkOverdue(ctx context.Context, tenantID string, today time.Time) (int64, error) {
	n, err := s.fees.MarkOverdue(ctx, tenantID, today)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "overdue sweep applied",
			slog.String("tenant_id", tenantID),
			slog.Int64("fees_marked", n),
		)
	}
	return n, nil
}

func (s *Service) ownedFee(ctx context.Context, tenantID, feeID string) (*types.StudentFee, error) {
	fee, err := s.fees.GetStudentFee(ctx, feeID)
	if err != nil {
		return nil, err
	}
	if fee.TenantID != tenantID {
		return nil, types.NewAppError(
			types.ErrCodePermissionTenantMismatch,
			"student fee belongs to a different school",
			nil,
		)
	}
	return fee, nil
}

// ApplyPayment credits a gateway-verified payment to its student fee. It must
// run inside the transaction that won the ledger finalization; the caller
// passes a store bound to that transaction.
//
// The gateway-reference check is a second idempotency layer under the
// finalize-once ledger guarantee: a reference that already produced a
// FeePayment row is treated as applied and the call is a no-op.
func ApplyPayment(
	ctx context.Context,
	fees FeeStore,
	rec *types.PaymentRecord,
	gatewayRef string,
	paidAt time.Time,
) (*types.FeePayment, error) {
	if rec.Metadata.StudentFeeID == "" {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidMetadata,
			"fee payment has no student fee reference",
			nil,
		)
	}

	if gatewayRef != "" {
		applied, err := fees.HasGatewayRef(ctx, gatewayRef)
		if err != nil {
			return nil, err
		}
		if applied {
			return nil, nil
		}
	}

	fee, err := fees.GetStudentFee(ctx, rec.Metadata.StudentFeeID)
	if err != nil {
		return nil, err
	}
	if fee.TenantID != rec.TenantID {
		return nil, types.NewAppError(
			types.ErrCodePermissionTenantMismatch,
			"payment and fee belong to different schools",
			nil,
		)
	}

	app, err := billing.ComputeFeeApplication(fee, rec.Amount, paidAt)
	if err != nil {
		return nil, err
	}

	return fees.ApplyPayment(ctx, db.ApplyPaymentParams{
		Fee:           fee,
		Amount:        rec.Amount,
		NewAmountPaid: app.NewAmountPaid,
		NewStatus:     app.NewStatus,
		Method:        types.MethodGateway,
		GatewayRef:    gatewayRef,
		Reference:     rec.Reference,
		VerifiedAt:    paidAt,
	})
}
