package repository

import (
	"context"
	"testing"

	"pointsbilling/internal/infrastructure/database"
	"pointsbilling/internal/model"
	"pointsbilling/internal/testutil"
	"pointsbilling/pkg/errcode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountRepository_CompareAndSwapBalance(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()
	account := testutil.CreateAccount(t, db, 100, model.RoleUser)

	err := database.WithinTx(ctx, db, func(uow *database.UnitOfWork) error {
		locked, err := repo.GetForUpdate(ctx, uow.Tx(), account.ID)
		require.NoError(t, err)
		require.NoError(t, repo.CompareAndSwapBalance(ctx, uow.Tx(), locked.ID, locked.Version, 50))

		// 旧版本号不再命中
		assert.ErrorIs(t, repo.CompareAndSwapBalance(ctx, uow.Tx(), locked.ID, locked.Version, 10), ErrVersionConflict)
		// 余额不足也不命中
		assert.ErrorIs(t, repo.CompareAndSwapBalance(ctx, uow.Tx(), locked.ID, locked.Version+1, -51), ErrVersionConflict)
		return repo.CompareAndSwapBalance(ctx, uow.Tx(), locked.ID, locked.Version+1, -50)
	})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, nil, account.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Balance)
	assert.Equal(t, int64(2), got.Version)
}

func TestAccountRepository_NotFound(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	_, err := repo.GetByID(ctx, nil, 404)
	assert.ErrorIs(t, err, errcode.ErrAccountNotFound)

	err = database.WithinTx(ctx, db, func(uow *database.UnitOfWork) error {
		_, err := repo.GetForUpdate(ctx, uow.Tx(), 404)
		return err
	})
	assert.ErrorIs(t, err, errcode.ErrAccountNotFound)
	assert.ErrorIs(t, repo.UpdateRole(ctx, nil, 404, model.RoleAdmin), errcode.ErrAccountNotFound)
}

func TestAccountRepository_GetOrCreate(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	first, err := repo.GetOrCreate(ctx, 555, "")
	require.NoError(t, err)
	assert.Equal(t, model.RoleUser, first.Role)

	second, err := repo.GetOrCreate(ctx, 555, model.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.RoleUser, second.Role)
}

func TestAccountRepository_ListAfter(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewAccountRepository(db)
	for i := int64(1); i <= 5; i++ {
		testutil.CreateAccount(t, db, i, model.RoleUser)
	}

	page, err := repo.ListAfter(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)

	rest, err := repo.ListAfter(context.Background(), page[1].ID, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 3)
}
