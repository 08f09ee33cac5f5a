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

// FeeRepo manages student fee balances and the fee_payments receipt trail.
//
// Key invariants:
//   - A StudentFee's amount_paid only moves through ApplyPayment, which pairs
//     the balance update with a verified FeePayment row in the same unit of
//     work (callers pass a transaction-scoped DBTX).
//   - fee_payments carries a unique index on gateway_ref, the belt-and-
//     suspenders duplicate check on top of the ledger's finalize-once
//     guarantee; bank-transfer rows share the table but have no gateway_ref.
//   - Receipt numbers are sequential per tenant per year, assigned by a
//     MAX+1 subquery inside the INSERT. Two concurrent writers can still read
//     the same maximum; the (tenant_id, receipt_year, receipt_seq) unique
//     constraint rejects the loser, which surfaces as a retryable conflict.
type FeeRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewFeeRepo creates a FeeRepo backed by the given database connection
// (pool or transaction).
func NewFeeRepo(db DBTX, logger *slog.Logger) *FeeRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeeRepo{db: db, logger: logger}
}

// GetStudentFee returns a fee assignment, or not_found_student_fee.
func (r *FeeRepo) GetStudentFee(ctx context.Context, feeID string) (*types.StudentFee, error) {
	var f types.StudentFee
	err := r.db.QueryRow(ctx,
		`SELECT id, tenant_id, student_id, fee_structure_id, amount_due, amount_paid,
		        status, due_date, session, term, created_at, updated_at
		 FROM student_fees
		 WHERE id = $1`,
		feeID,
	).Scan(
		&f.ID,
		&f.TenantID,
		&f.StudentID,
		&f.FeeStructureID,
		&f.AmountDue,
		&f.AmountPaid,
		&f.Status,
		&f.DueDate,
		&f.Session,
		&f.Term,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundStudentFee, "student fee not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load student fee", err)
	}
	return &f, nil
}

// HasGatewayRef reports whether any fee payment already carries the given
// gateway reference.
func (r *FeeRepo) HasGatewayRef(ctx context.Context, gatewayRef string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM fee_payments WHERE gateway_ref = $1)`,
		gatewayRef,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check gateway reference", err)
	}
	return exists, nil
}

// ApplyPaymentParams carries the precomputed fee application plus the receipt
// details to record. NewAmountPaid/NewStatus come from the pure calculator;
// this repo only persists them.
type ApplyPaymentParams struct {
	Fee           *types.StudentFee
	Amount        decimal.Decimal
	NewAmountPaid decimal.Decimal
	NewStatus     types.FeeStatus
	Method        types.PaymentMethod
	GatewayRef    string
	Reference     string
	VerifiedAt    time.Time
}

// ApplyPayment writes the recomputed balance to the StudentFee and inserts a
// verified FeePayment row. The fee update is conditional on the previously
// observed amount_paid, so a concurrent application fails closed instead of
// double-crediting.
func (r *FeeRepo) ApplyPayment(ctx context.Context, p ApplyPaymentParams) (*types.FeePayment, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE student_fees
		 SET amount_paid = $1,
		     status = $2,
		     updated_at = NOW()
		 WHERE id = $3
		   AND amount_paid = $4`,
		p.NewAmountPaid,
		p.NewStatus,
		p.Fee.ID,
		p.Fee.AmountPaid,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update student fee balance", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, types.NewAppError(
			types.ErrCodeConflictInvariantViolation,
			"student fee balance changed concurrently",
			nil,
		)
	}

	payment, err := r.insertFeePayment(ctx, insertFeePaymentParams{
		tenantID:           p.Fee.TenantID,
		studentID:          p.Fee.StudentID,
		studentFeeID:       p.Fee.ID,
		amount:             p.Amount,
		method:             p.Method,
		verificationStatus: types.VerificationVerified,
		gatewayRef:         p.GatewayRef,
		reference:          p.Reference,
		verifiedAt:         &p.VerifiedAt,
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// InsertManualPayment records a bank-transfer submission as a pending
// FeePayment. Balances are untouched until a separate manual verification
// confirms the transfer.
func (r *FeeRepo) InsertManualPayment(
	ctx context.Context,
	fee *types.StudentFee,
	amount decimal.Decimal,
	reference string,
) (*types.FeePayment, error) {
	return r.insertFeePayment(ctx, insertFeePaymentParams{
		tenantID:           fee.TenantID,
		studentID:          fee.StudentID,
		studentFeeID:       fee.ID,
		amount:             amount,
		method:             types.MethodBankTransfer,
		verificationStatus: types.VerificationPending,
		reference:          reference,
	})
}

// MarkOverdue flips unpaid fees past their due date to overdue. It is the
// persistence half of the time-driven sweep; the status rule matches
// billing.DeriveFeeStatus.
func (r *FeeRepo) MarkOverdue(ctx context.Context, tenantID string, today time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE student_fees
		 SET status = 'overdue',
		     updated_at = NOW()
		 WHERE tenant_id = $1
		   AND status = 'pending'
		   AND amount_paid = 0
		   AND due_date < $2`,
		tenantID,
		today,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to mark overdue fees", err)
	}
	return tag.RowsAffected(), nil
}

// receiptConstraint names the unique constraint over (tenant_id,
// receipt_year, receipt_seq); a violation means a concurrent writer won the
// sequence race, distinct from a replayed gateway reference.
const receiptConstraint = "fee_payments_receipt_unique"

type insertFeePaymentParams struct {
	tenantID           string
	studentID          string
	studentFeeID       string
	amount             decimal.Decimal
	method             types.PaymentMethod
	verificationStatus types.VerificationStatus
	gatewayRef         string
	reference          string
	verifiedAt         *time.Time
}

// insertFeePayment writes one fee_payments row, assigning the next receipt
// sequence for the tenant and year inside the INSERT itself.
func (r *FeeRepo) insertFeePayment(ctx context.Context, p insertFeePaymentParams) (*types.FeePayment, error) {
	payment := &types.FeePayment{
		ID:                 uuid.NewString(),
		TenantID:           p.tenantID,
		StudentID:          p.studentID,
		StudentFeeID:       p.studentFeeID,
		Amount:             p.amount,
		Method:             p.method,
		VerificationStatus: p.verificationStatus,
		GatewayRef:         p.gatewayRef,
		Reference:          p.reference,
		VerifiedAt:         p.verifiedAt,
	}

	year := time.Now().UTC().Year()
	err := r.db.QueryRow(ctx,
		`INSERT INTO fee_payments
		   (id, tenant_id, receipt_year, receipt_seq, receipt_number, student_id, student_fee_id,
		    amount, method, verification_status, gateway_ref, reference, created_at, verified_at)
		 SELECT $1, $2, $3, next.seq,
		        'RCP-' || $3 || '-' || LPAD(next.seq::text, 5, '0'),
		        $4, $5, $6, $7, $8, NULLIF($9, ''), $10, NOW(), $11
		 FROM (
		   SELECT COALESCE(MAX(receipt_seq), 0) + 1 AS seq
		   FROM fee_payments
		   WHERE tenant_id = $2
		     AND receipt_year = $3
		 ) AS next
		 RETURNING receipt_seq, receipt_number, created_at`,
		payment.ID,
		p.tenantID,
		year,
		p.studentID,
		p.studentFeeID,
		p.amount,
		p.method,
		p.verificationStatus,
		p.gatewayRef,
		p.reference,
		p.verifiedAt,
	).Scan(&payment.ReceiptSeq, &payment.ReceiptNumber, &payment.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			if violatedConstraint(err) == receiptConstraint {
				return nil, types.NewAppError(
					types.ErrCodeConflictReceiptSequence,
					"a concurrent submission took this receipt number, retry",
					err,
				)
			}
			return nil, types.NewAppError(
				types.ErrCodeConflictDuplicateGatewayRef,
				"a fee payment with this gateway reference already exists",
				err,
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to insert fee payment", err)
	}
	return payment, nil
}
