package db

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"classpay/internal/types"
)

// PaymentRepo is the payment ledger: the durable store of payment attempts
// and their terminal status. It owns the idempotency guarantee for the whole
// reconciliation subsystem.
type PaymentRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewPaymentRepo creates a PaymentRepo backed by the given database
// connection (pool or transaction).
func NewPaymentRepo(db DBTX, logger *slog.Logger) *PaymentRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentRepo{db: db, logger: logger}
}

// FinalizeOutcome is the terminal result to record for a pending payment.
type FinalizeOutcome struct {
	Status     types.PaymentStatus
	GatewayRef string
	PaidAt     *time.Time
}

const paymentColumns = `id, reference, tenant_id, purpose, plan_id, amount, currency,
	       status, gateway_ref, paid_at, metadata, created_at, updated_at`

// CreatePending inserts a new ledger row in status=pending. The reference is
// generated by this system and must be globally unique; a collision surfaces
// as conflict_duplicate_reference and the caller regenerates. Metadata is
// validated here, the one ingress every ledger row passes through, so a row
// that would be unreconcilable is rejected before it exists.
func (r *PaymentRepo) CreatePending(ctx context.Context, rec *types.PaymentRecord) error {
	if err := rec.Metadata.Validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode payment metadata", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO payment_records
		   (id, reference, tenant_id, purpose, plan_id, amount, currency, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, NOW(), NOW())`,
		rec.ID,
		rec.Reference,
		rec.TenantID,
		rec.Purpose,
		rec.PlanID,
		rec.Amount,
		rec.Currency,
		types.PaymentPending,
		metadata,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(
				types.ErrCodeConflictDuplicateReference,
				"payment reference already exists",
				err,
			)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create payment record", err)
	}

	rec.Status = types.PaymentPending
	return nil
}

// GetByReference returns the ledger row for a reference, or
// not_found_payment if no such row exists.
func (r *PaymentRepo) GetByReference(ctx context.Context, reference string) (*types.PaymentRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+`
		 FROM payment_records
		 WHERE reference = $1`,
		reference,
	)
	rec, err := scanPaymentRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPayment, "payment record not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load payment record", err)
	}
	return rec, nil
}

// Finalize atomically moves a ledger row from pending to the given terminal
// outcome. It returns (record, true) if this call won the transition, or
// (existing record, false) if the row was already terminal -- the defined
// idempotent no-op outcome, not an error. The conditional UPDATE is the
// database-level mutual-exclusion point that makes concurrent verify+webhook
// safe: only the winner may go on to touch subscription or fee state.
func (r *PaymentRepo) Finalize(ctx context.Context, reference string, outcome FinalizeOutcome) (*types.PaymentRecord, bool, error) {
	if !outcome.Status.Terminal() {
		return nil, false, types.NewAppError(
			types.ErrCodeConflictInvariantViolation,
			"finalize outcome must be success or failed",
			nil,
		)
	}

	row := r.db.QueryRow(ctx,
		`UPDATE payment_records
		 SET status = $1,
		     gateway_ref = NULLIF($2, ''),
		     paid_at = $3,
		     updated_at = NOW()
		 WHERE reference = $4
		   AND status = 'pending'
		 RETURNING `+paymentColumns,
		outcome.Status,
		outcome.GatewayRef,
		outcome.PaidAt,
		reference,
	)
	rec, err := scanPaymentRecord(row)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to finalize payment record", err)
	}

	// Zero rows updated: either the reference is unknown or another path
	// already finalized it. Load the existing row to distinguish.
	existing, getErr := r.GetByReference(ctx, reference)
	if getErr != nil {
		return nil, false, getErr
	}
	if !existing.Status.Terminal() {
		// Row is pending but the conditional update missed it; a concurrent
		// finalize slipped in between. Treat as already finalized by re-read.
		r.logger.WarnContext(ctx, "finalize raced with concurrent transition",
			slog.String("reference", reference),
			slog.String("status", string(existing.Status)),
		)
	}
	return existing, false, nil
}

// ListByTenant returns a tenant's ledger rows, newest first. The ledger is a
// permanent audit trail; rows are never deleted.
func (r *PaymentRepo) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*types.PaymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+`
		 FROM payment_records
		 WHERE tenant_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		tenantID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list payment records", err)
	}
	defer rows.Close()

	var records []*types.PaymentRecord
	for rows.Next() {
		rec, err := scanPaymentRecord(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan payment record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate payment records", err)
	}
	return records, nil
}

// scanPaymentRecord scans one payment_records row from a pgx.Row or pgx.Rows.
func scanPaymentRecord(row pgx.Row) (*types.PaymentRecord, error) {
	var (
		rec        types.PaymentRecord
		planID     *string
		gatewayRef *string
		metadata   []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.Reference,
		&rec.TenantID,
		&rec.Purpose,
		&planID,
		&rec.Amount,
		&rec.Currency,
		&rec.Status,
		&gatewayRef,
		&rec.PaidAt,
		&metadata,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if planID != nil {
		rec.PlanID = *planID
	}
	if gatewayRef != nil {
		rec.GatewayRef = *gatewayRef
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}
