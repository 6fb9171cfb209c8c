package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pointsbilling/internal/infrastructure/database"
	"pointsbilling/internal/model"
	"pointsbilling/internal/repository"
	"pointsbilling/pkg/errcode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countCalls(n *int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		*n++
		return nil
	}
}

func TestUsage_DailyLimitStopsSeventhCall(t *testing.T) {
	f := newFixture(t)
	user := f.account(model.RoleUser)
	f.assign(user.ID, "basic", 30*24*time.Hour)

	calls := 0
	for i := 0; i < 6; i++ {
		result, err := f.usage.Consume(f.ctx, UsageRequest{AccountID: user.ID, Resource: model.ResourceGeneric, Funding: FundingQuota}, countCalls(&calls))
		require.NoError(t, err, "call %d", i+1)
		assert.Equal(t, int64(i+1), result.Counters.GenericCount)
		assert.Nil(t, result.Entry)
	}

	result, err := f.usage.Consume(f.ctx, UsageRequest{AccountID: user.ID, Resource: model.ResourceGeneric, Funding: FundingQuota}, countCalls(&calls))
	assert.ErrorIs(t, err, errcode.ErrLimitExceeded)
	assert.Equal(t, 6, calls)
	require.NotNil(t, result)
	assert.False(t, result.Decision.Allowed)
	assert.Equal(t, int64(6), result.Decision.Used)

	counters, err := f.quota.Counters(f.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), counters.GenericCount)
}

func TestUsage_FailedWorkConsumesNothing(t *testing.T) {
	f := newFixture(t)
	user := f.account(model.RoleUser)
	f.assign(user.ID, "basic", 30*24*time.Hour)
	f.credit(user.ID, 50)

	boom := errors.New("generation failed")
	_, err := f.usage.Consume(f.ctx, UsageRequest{AccountID: user.ID, Resource: "image", Funding: FundingQuota}, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = f.usage.Consume(f.ctx, UsageRequest{AccountID: user.ID, Resource: "image", Funding: FundingPoints, Cost: 10}, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Zero(t, f.counterRows())
	assert.Equal(t, int64(50), f.balance(user.ID))
}

func TestUsage_PointsFundingBeyondQuota(t *testing.T) {
	f := newFixture(t)
	user := f.account(model.RoleUser)
	f.assign(user.ID, "basic", 30*24*time.Hour)
	f.credit(user.ID, 25)

	calls := 0
	for i := 0; i < 2; i++ {
		_, err := f.usage.Consume(f.ctx, UsageRequest{AccountID: user.ID, Resource: "video", Funding: FundingPoints, Cost: 10}, countCalls(&calls))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)

	// basic 的 video 每天只有 1 次，积分支付不受限，但余额只剩 5
	result, err := f.usage.Consume(f.ctx, UsageRequest{AccountID: user.ID, Resource: "video", Funding: FundingPoints, Cost: 10}, countCalls(&calls))
	assert.ErrorIs(t, err, errcode.ErrInsufficientBalance)
	assert.Equal(t, 2, calls)
	assert.True(t, result.Decision.Allowed)

	counters, err := f.quota.Counters(f.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counters.Used("video"))
	assert.Equal(t, int64(2), counters.GenericCount)
	assert.Equal(t, int64(20), counters.PointsSpent)
	assert.Equal(t, int64(5), f.balance(user.ID))
	f.requireBalanceMatchesLedger(user.ID)

	entries, _, err := f.ledger.ListEntries(f.ctx, user.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, model.EntryKindGeneration, entries[0].Kind)
	assert.Equal(t, int64(-10), entries[0].Amount)
}

func TestUsage_PointsFundingIdempotent(t *testing.T) {
	f := newFixture(t)
	user := f.account(model.RoleUser)
	f.credit(user.ID, 100)

	calls := 0
	req := UsageRequest{AccountID: user.ID, Resource: "image", Funding: FundingPoints, Cost: 10, IdempotencyKey: "gen-1"}
	first, err := f.usage.Consume(f.ctx, req, countCalls(&calls))
	require.NoError(t, err)
	require.NotNil(t, first.Entry)

	// 重放在执行 work 之前就被拒绝
	result, err := f.usage.Consume(f.ctx, req, countCalls(&calls))
	assert.ErrorIs(t, err, errcode.ErrDuplicateOperation)
	assert.Nil(t, result.Entry)
	assert.Nil(t, result.Counters)
	assert.Equal(t, 1, calls)

	counters, err := f.quota.Counters(f.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.Used("image"))
	assert.Equal(t, int64(90), f.balance(user.ID))

	receipt, err := repository.NewReceiptRepository(f.db).GetByKey(f.ctx, "gen-1")
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, model.ReceiptStatusCompleted, receipt.Status)
	assert.Equal(t, first.Entry.EntryNo, receipt.EntryNo)
}

func TestUsage_QuotaFundingIdempotent(t *testing.T) {
	f := newFixture(t)
	user := f.account(model.RoleUser)
	f.assign(user.ID, "basic", 30*24*time.Hour)

	calls := 0
	req := UsageRequest{AccountID: user.ID, Resource: "image", Funding: FundingQuota, IdempotencyKey: "img-42"}
	_, err := f.usage.Consume(f.ctx, req, countCalls(&calls))
	require.NoError(t, err)

	_, err = f.usage.Consume(f.ctx, req, countCalls(&calls))
	assert.ErrorIs(t, err, errcode.ErrDuplicateOperation)
	assert.Equal(t, 1, calls)

	counters, err := f.quota.Counters(f.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.Used("image"))
	assert.Equal(t, int64(1), counters.GenericCount)
}

func TestUsage_FailedWorkReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	user := f.account(model.RoleUser)
	f.credit(user.ID, 30)

	req := UsageRequest{AccountID: user.ID, Resource: "image", Funding: FundingPoints, Cost: 10, IdempotencyKey: "gen-retry"}
	boom := errors.New("generation failed")
	_, err := f.usage.Consume(f.ctx, req, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	// 失败的请求可以用同一个键重试
	calls := 0
	_, err = f.usage.Consume(f.ctx, req, countCalls(&calls))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(20), f.balance(user.ID))
}

func TestUsage_KeyUsedByLedgerIsRejected(t *testing.T) {
	f := newFixture(t)
	user := f.account(model.RoleUser)
	f.credit(user.ID, 50)

	err := f.tx(func(uow *database.UnitOfWork) error {
		_, err := f.ledger.Debit(f.ctx, uow, DebitRequest{AccountID: user.ID, Amount: 5, Kind: model.EntryKindGeneration, IdempotencyKey: "shared-key"})
		return err
	})
	require.NoError(t, err)

	calls := 0
	_, err = f.usage.Consume(f.ctx, UsageRequest{AccountID: user.ID, Resource: "image", Funding: FundingPoints, Cost: 10, IdempotencyKey: "shared-key"}, countCalls(&calls))
	assert.ErrorIs(t, err, errcode.ErrDuplicateOperation)
	assert.Zero(t, calls)
	assert.Equal(t, int64(45), f.balance(user.ID))
}

func TestUsage_ConcurrentReplaysRunWorkOnce(t *testing.T) {
	f := newFixture(t)
	user := f.account(model.RoleUser)
	f.credit(user.ID, 100)

	const n = 10
	var runs int32
	var wg sync.WaitGroup
	errs := make([]error, n)
	req := UsageRequest{AccountID: user.ID, Resource: "image", Funding: FundingPoints, Cost: 10, IdempotencyKey: "gen-burst"}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.usage.Consume(f.ctx, req, func(ctx context.Context) error {
				atomic.AddInt32(&runs, 1)
				return nil
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, errcode.ErrDuplicateOperation)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Equal(t, int64(90), f.balance(user.ID))
	f.requireBalanceMatchesLedger(user.ID)
}

func TestUsage_UnlimitedRoleNotCharged(t *testing.T) {
	f := newFixture(t)
	admin := f.account(model.RoleAdmin)

	result, err := f.usage.Consume(f.ctx, UsageRequest{AccountID: admin.ID, Resource: "image", Funding: FundingPoints, Cost: 10}, countCalls(new(int)))
	require.NoError(t, err)
	assert.Equal(t, ReasonUnlimitedRole, result.Decision.Reason)
	assert.Nil(t, result.Entry)
	assert.Equal(t, int64(1), result.Counters.Used("image"))
	assert.Zero(t, result.Counters.PointsSpent)
	assert.Equal(t, int64(0), f.balance(admin.ID))
}

func TestUsage_NoTariffDenied(t *testing.T) {
	f := newFixture(t)
	user := f.account(model.RoleUser)

	calls := 0
	result, err := f.usage.Consume(f.ctx, UsageRequest{AccountID: user.ID, Resource: "image", Funding: FundingQuota}, countCalls(&calls))
	assert.ErrorIs(t, err, errcode.ErrNoActiveTariff)
	assert.Equal(t, ReasonNoActiveTariff, result.Decision.Reason)
	assert.Zero(t, calls)
}

func TestUsage_Validation(t *testing.T) {
	f := newFixture(t)
	user := f.account(model.RoleUser)

	_, err := f.usage.Consume(f.ctx, UsageRequest{AccountID: user.ID, Funding: FundingQuota}, countCalls(new(int)))
	assert.Equal(t, errcode.CodeInvalidArgument, errcode.CodeOf(err))

	_, err = f.usage.Consume(f.ctx, UsageRequest{AccountID: user.ID, Resource: "image", Funding: "CARD"}, countCalls(new(int)))
	assert.Equal(t, errcode.CodeInvalidArgument, errcode.CodeOf(err))

	_, err = f.usage.Consume(f.ctx, UsageRequest{AccountID: user.ID, Resource: "image", Funding: FundingPoints}, countCalls(new(int)))
	assert.ErrorIs(t, err, errcode.ErrInvalidAmount)
}

func TestUsage_Reward(t *testing.T) {
	f := newFixture(t)
	user := f.account(model.RoleUser)

	entry, err := f.usage.Reward(f.ctx, RewardRequest{AccountID: user.ID, Amount: 15, Kind: model.EntryKindInviteBonus})
	require.NoError(t, err)
	assert.Equal(t, int64(15), entry.BalanceAfter)

	_, err = f.usage.Reward(f.ctx, RewardRequest{AccountID: user.ID, Amount: 5, Kind: model.EntryKindAchievement})
	require.NoError(t, err)

	_, err = f.usage.Reward(f.ctx, RewardRequest{AccountID: user.ID, Amount: 5, Kind: model.EntryKindPurchase})
	assert.Equal(t, errcode.CodeInvalidArgument, errcode.CodeOf(err))

	counters, err := f.quota.Counters(f.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), counters.PointsEarned)
	assert.Zero(t, counters.GenericCount)
	assert.Equal(t, int64(20), f.balance(user.ID))
}

func TestUsage_DailyTalliesMatchLedger(t *testing.T) {
	f := newFixture(t)
	user := f.account(model.RoleUser)
	f.assign(user.ID, "basic", 30*24*time.Hour)

	_, err := f.usage.Reward(f.ctx, RewardRequest{AccountID: user.ID, Amount: 40, Kind: model.EntryKindReward})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.usage.Consume(f.ctx, UsageRequest{AccountID: user.ID, Resource: "image", Funding: FundingPoints, Cost: 7}, countCalls(new(int)))
		require.NoError(t, err)
	}
	_, err = f.usage.Consume(f.ctx, UsageRequest{AccountID: user.ID, Resource: model.ResourceGeneric, Funding: FundingQuota}, countCalls(new(int)))
	require.NoError(t, err)

	counters, err := f.quota.Counters(f.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), counters.PointsEarned)
	assert.Equal(t, int64(21), counters.PointsSpent)
	assert.Equal(t, int64(3), counters.Used("image"))
	assert.Equal(t, int64(4), counters.GenericCount)
	assert.Equal(t, counters.PointsEarned-counters.PointsSpent, f.balance(user.ID))
	f.requireBalanceMatchesLedger(user.ID)
}
