// Package reconcile turns gateway payment events into exactly-once financial
// state changes. Both entry points, the client's synchronous verify poll and
// the gateway's asynchronous webhook, funnel into the same pipeline; the
// ledger's conditional finalize decides the single winner when they race.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"classpay/internal/db"
	"classpay/internal/external"
	"classpay/internal/types"
)

// Outcome classifies what ProcessReference did.
type Outcome string

const (
	// OutcomeIgnored means the reference is not in the ledger. Webhooks for
	// foreign or stale references are acknowledged without any state change.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeAlreadyApplied means the payment was terminal before this call.
	OutcomeAlreadyApplied Outcome = "already_applied"
	// OutcomePending means the gateway has not reached a terminal status;
	// nothing was finalized and the call is safe to repeat.
	OutcomePending Outcome = "pending"
	// OutcomeApplied means this call won the finalization and applied the
	// payment to subscription or fee state.
	OutcomeApplied Outcome = "applied"
	// OutcomeFailed means this call finalized the payment as failed.
	OutcomeFailed Outcome = "failed"
)

// Result is the outcome of one reconciliation pass over a reference.
type Result struct {
	Outcome Outcome
	Payment *types.PaymentRecord
}

// Applied reports whether the payment is in a successful terminal state,
// whether this call put it there or an earlier one did.
func (r *Result) Applied() bool {
	if r.Payment == nil {
		return false
	}
	return r.Payment.Status == types.PaymentSuccess
}

// LedgerDB is the persistence surface the reconciler needs: a pool-scoped
// ledger read plus short transactions for the finalize-and-apply step.
type LedgerDB interface {
	GetPaymentByReference(ctx context.Context, reference string) (*types.PaymentRecord, error)
	BeginTx(ctx context.Context) (ReconcileTx, error)
}

// ReconcileTx is one finalize-and-apply transaction. FinalizePayment is the
// mutual-exclusion point; the domain applies run only for the winner, inside
// the same transaction, so a crash before Commit leaves the row pending and
// the next event retries cleanly.
type ReconcileTx interface {
	FinalizePayment(ctx context.Context, reference string, outcome db.FinalizeOutcome) (*types.PaymentRecord, bool, error)
	ApplySubscription(ctx context.Context, rec *types.PaymentRecord, today time.Time) error
	ApplyFee(ctx context.Context, rec *types.PaymentRecord, gatewayRef string, paidAt time.Time) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Reconciler drives the verify-and-apply pipeline.
type Reconciler struct {
	store   LedgerDB
	gateway external.GatewayClient
	logger  *slog.Logger
	now     func() time.Time
}

// NewReconciler wires a Reconciler.
func NewReconciler(store LedgerDB, gateway external.GatewayClient, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   store,
		gateway: gateway,
		logger:  logger,
		now:     time.Now,
	}
}

// ProcessReference reconciles one payment reference against the gateway.
//
// The gateway call happens with no transaction open; the transaction spans
// only the conditional finalize plus the domain apply. Repeating the call for
// an already-terminal reference is the defined idempotent no-op.
func (r *Reconciler) ProcessReference(ctx context.Context, reference string) (*Result, error) {
	rec, err := r.store.GetPaymentByReference(ctx, reference)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundPayment {
			r.logger.WarnContext(ctx, "event for unknown payment reference ignored",
				slog.String("reference", reference),
			)
			return &Result{Outcome: OutcomeIgnored}, nil
		}
		return nil, err
	}

	if rec.Status.Terminal() {
		return &Result{Outcome: OutcomeAlreadyApplied, Payment: rec}, nil
	}

	verified, err := r.gateway.Verify(ctx, reference)
	if err != nil {
		return nil, err
	}
	if !verified.Status.Terminal() {
		r.logger.InfoContext(ctx, "gateway status not terminal, leaving payment pending",
			slog.String("reference", reference),
		)
		return &Result{Outcome: OutcomePending, Payment: rec}, nil
	}

	if verified.Status == types.PaymentSuccess && !verified.Amount.Equal(rec.Amount) {
		r.logger.ErrorContext(ctx, "gateway amount disagrees with ledger",
			slog.String("reference", reference),
			slog.String("ledger_amount", rec.Amount.StringFixed(2)),
			slog.String("gateway_amount", verified.Amount.StringFixed(2)),
		)
		return nil, types.NewAppError(
			types.ErrCodeConflictInvariantViolation,
			"verified amount does not match the payment record",
			nil,
		)
	}

	return r.finalizeAndApply(ctx, reference, verified)
}

func (r *Reconciler) finalizeAndApply(ctx context.Context, reference string, verified *external.VerifyResult) (*Result, error) {
	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	final, won, err := tx.FinalizePayment(ctx, reference, db.FinalizeOutcome{
		Status:     verified.Status,
		GatewayRef: verified.GatewayRef,
		PaidAt:     verified.PaidAt,
	})
	if err != nil {
		return nil, err
	}
	if !won {
		// The other entry point got there first; its transaction already
		// applied the payment. Nothing to commit here.
		r.logger.InfoContext(ctx, "payment finalized by concurrent path",
			slog.String("reference", reference),
			slog.String("status", string(final.Status)),
		)
		return &Result{Outcome: OutcomeAlreadyApplied, Payment: final}, nil
	}

	if final.Status == types.PaymentFailed {
		if err := tx.Commit(ctx); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to commit payment finalization", err)
		}
		r.logger.InfoContext(ctx, "payment finalized as failed",
			slog.String("reference", reference),
		)
		return &Result{Outcome: OutcomeFailed, Payment: final}, nil
	}

	paidAt := r.now().UTC()
	if verified.PaidAt != nil {
		paidAt = *verified.PaidAt
	}

	switch final.Purpose {
	case types.PurposeSubscription:
		err = tx.ApplySubscription(ctx, final, paidAt)
	case types.PurposeFee:
		err = tx.ApplyFee(ctx, final, verified.GatewayRef, paidAt)
	default:
		err = types.NewAppError(
			types.ErrCodeValidationInvalidMetadata,
			"payment record has unknown purpose",
			nil,
		)
	}
	if err != nil {
		// Rollback leaves the row pending; the next verify or webhook
		// retries the whole finalize-and-apply step.
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to commit payment application", err)
	}

	r.logger.InfoContext(ctx, "payment applied",
		slog.String("reference", reference),
		slog.String("purpose", string(final.Purpose)),
		slog.String("amount", final.Amount.StringFixed(2)),
	)
	return &Result{Outcome: OutcomeApplied, Payment: final}, nil
}
