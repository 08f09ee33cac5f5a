package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"classpay/internal/db"
	"classpay/internal/types"
)

// Pool is the subset of *pgxpool.Pool the change store needs.
type Pool interface {
	db.DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements ChangeDB over a Postgres pool. Each BeginTx binds fresh
// repositories to the transaction so the schedule mark and the tenant
// activation share one unit of work.
type Store struct {
	pool   Pool
	logger *slog.Logger
}

// NewStore wires a Store.
func NewStore(pool Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) BeginTx(ctx context.Context) (ChangeTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	return &storeTx{
		tx:        tx,
		schedules: db.NewScheduleRepo(tx, s.logger),
		plans:     db.NewPlanRepo(tx),
		tenants:   db.NewTenantRepo(tx, s.logger),
	}, nil
}

type storeTx struct {
	tx        pgx.Tx
	schedules *db.ScheduleRepo
	plans     *db.PlanRepo
	tenants   *db.TenantRepo
}

func (t *storeTx) MarkApplied(ctx context.Context, changeID string) (bool, error) {
	return t.schedules.MarkApplied(ctx, changeID)
}

func (t *storeTx) GetPlan(ctx context.Context, planID string) (*types.SubscriptionPlan, error) {
	return t.plans.GetByID(ctx, planID)
}

func (t *storeTx) ActivateSubscription(ctx context.Context, tenantID, paymentID, planID string, startDate, endDate time.Time) error {
	return t.tenants.ActivateSubscription(ctx, tenantID, paymentID, planID, startDate, endDate)
}

func (t *storeTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *storeTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
