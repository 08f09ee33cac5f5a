package db

import (
	"context"
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

func TestScheduleRepo_Create_CancelsPriorPending(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleRepo(db, nil)

	db.On("Exec", mock.Anything, sqlContaining("SET status = 'canceled'"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("Exec", mock.Anything, sqlContaining("INSERT INTO scheduled_plan_changes"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	effective := time.Date(2027, 1, 9, 0, 0, 0, 0, time.UTC)
	change, err := repo.Create(
		context.Background(),
		"t1", "plan-yearly", "plan-monthly",
		effective, 8, decimal.RequireFromString("657.53"),
	)
	require.NoError(t, err)

	assert.NotEmpty(t, change.ID)
	assert.Equal(t, types.ScheduledPending, change.Status)
	assert.Equal(t, 8, change.CoveredPeriods)
	assert.Equal(t, effective, change.EffectiveDate)
	db.AssertExpectations(t)
}

func TestScheduleRepo_GetPending_NoneReturnsNil(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleRepo(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	change, err := repo.GetPending(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, change)
}

func TestScheduleRepo_MarkApplied_WinnerAndLoser(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleRepo(db, nil)

	db.On("Exec", mock.Anything, sqlContaining("SET status = 'applied'"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	db.On("Exec", mock.Anything, sqlContaining("SET status = 'applied'"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	won, err := repo.MarkApplied(context.Background(), "change-1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.MarkApplied(context.Background(), "change-1")
	require.NoError(t, err)
	assert.False(t, won, "a second application of the same change loses the conditional update")
}
