package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"classpay/internal/db"
	"classpay/internal/fees"
	"classpay/internal/subscription"
	"classpay/internal/types"
)

// Pool is the subset of *pgxpool.Pool the store needs.
type Pool interface {
	db.DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements LedgerDB over a Postgres pool. Each BeginTx binds fresh
// repositories to the transaction so the finalize and the domain apply share
// one unit of work.
type Store struct {
	pool   Pool
	ledger *db.PaymentRepo
	logger *slog.Logger
}

// NewStore wires a Store.
func NewStore(pool Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:   pool,
		ledger: db.NewPaymentRepo(pool, logger),
		logger: logger,
	}
}

func (s *Store) GetPaymentByReference(ctx context.Context, reference string) (*types.PaymentRecord, error) {
	return s.ledger.GetByReference(ctx, reference)
}

func (s *Store) BeginTx(ctx context.Context) (ReconcileTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	return &storeTx{
		tx:      tx,
		ledger:  db.NewPaymentRepo(tx, s.logger),
		tenants: db.NewTenantRepo(tx, s.logger),
		plans:   db.NewPlanRepo(tx),
		fees:    db.NewFeeRepo(tx, s.logger),
	}, nil
}

type storeTx struct {
	tx      pgx.Tx
	ledger  *db.PaymentRepo
	tenants *db.TenantRepo
	plans   *db.PlanRepo
	fees    *db.FeeRepo
}

func (t *storeTx) FinalizePayment(ctx context.Context, reference string, outcome db.FinalizeOutcome) (*types.PaymentRecord, bool, error) {
	return t.ledger.Finalize(ctx, reference, outcome)
}

func (t *storeTx) ApplySubscription(ctx context.Context, rec *types.PaymentRecord, today time.Time) error {
	return subscription.ApplyPayment(ctx, t.tenants, t.plans, rec, today)
}

func (t *storeTx) ApplyFee(ctx context.Context, rec *types.PaymentRecord, gatewayRef string, paidAt time.Time) error {
	_, err := fees.ApplyPayment(ctx, t.fees, rec, gatewayRef, paidAt)
	return err
}

func (t *storeTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *storeTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
