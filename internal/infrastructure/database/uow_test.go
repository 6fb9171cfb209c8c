package database_test

import (
	"context"
	"testing"

	"pointsbilling/internal/infrastructure/database"
	"pointsbilling/internal/model"
	"pointsbilling/internal/testutil"
	"pointsbilling/pkg/errcode"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitOfWork_Commit(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()

	uow, err := database.Begin(ctx, db)
	require.NoError(t, err)
	require.NoError(t, uow.Tx().Create(&model.Account{UserID: 1, Role: model.RoleUser}).Error)
	uow.MarkWritten()
	require.NoError(t, uow.Commit())

	var n int64
	require.NoError(t, db.Model(&model.Account{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	assert.ErrorIs(t, uow.Commit(), database.ErrUnitOfWorkDone)
	assert.NoError(t, uow.Rollback())
}

func TestUnitOfWork_PoisonedAfterWrite(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()

	uow, err := database.Begin(ctx, db)
	require.NoError(t, err)
	require.NoError(t, uow.Tx().Create(&model.Account{UserID: 1, Role: model.RoleUser}).Error)
	uow.MarkWritten()

	failure := errcode.Wrapf(errcode.ErrInsufficientBalance, nil, "balance=0 amount=10")
	assert.Same(t, failure, uow.Observe(failure))
	assert.Equal(t, failure, uow.Poisoned())

	err = uow.Commit()
	require.Error(t, err)
	assert.ErrorIs(t, err, database.ErrUnitOfWorkPoisoned)
	assert.ErrorIs(t, err, errcode.ErrInsufficientBalance)

	var n int64
	require.NoError(t, db.Model(&model.Account{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestUnitOfWork_FailureBeforeWriteDoesNotPoison(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()

	uow, err := database.Begin(ctx, db)
	require.NoError(t, err)

	uow.Observe(errcode.ErrInsufficientBalance)
	assert.NoError(t, uow.Poisoned())

	require.NoError(t, uow.Tx().Create(&model.Account{UserID: 2, Role: model.RoleUser}).Error)
	uow.MarkWritten()
	require.NoError(t, uow.Commit())

	var n int64
	require.NoError(t, db.Model(&model.Account{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestWithinTx(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := database.WithinTx(ctx, db, func(uow *database.UnitOfWork) error {
		if err := uow.Tx().Create(&model.Account{UserID: 1, Role: model.RoleUser}).Error; err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = database.WithinTx(ctx, db, func(uow *database.UnitOfWork) error {
		return uow.Tx().Create(&model.Account{UserID: 2, Role: model.RoleUser}).Error
	})
	require.NoError(t, err)

	var ids []int64
	require.NoError(t, db.Model(&model.Account{}).Pluck("user_id", &ids).Error)
	assert.Equal(t, []int64{2}, ids)
}

func TestWithinTx_RollsBackOnPanic(t *testing.T) {
	db := testutil.NewDB(t)

	assert.Panics(t, func() {
		_ = database.WithinTx(context.Background(), db, func(uow *database.UnitOfWork) error {
			_ = uow.Tx().Create(&model.Account{UserID: 1, Role: model.RoleUser}).Error
			panic("work failed")
		})
	})

	var n int64
	require.NoError(t, db.Model(&model.Account{}).Count(&n).Error)
	assert.Zero(t, n)
}
