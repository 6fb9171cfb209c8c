package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"pointsbilling/internal/config"
	"pointsbilling/internal/infrastructure/database"
	"pointsbilling/internal/model"
	"pointsbilling/internal/repository"
	"pointsbilling/internal/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Driver: config.DriverSQLite},
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{LedgerEvents: "ledger.entry.created"},
		},
		Ledger: config.LedgerConfig{
			OutboxEnabled:    true,
			OperationTimeout: 5 * time.Second,
		},
		Quota: config.QuotaConfig{
			Timezone:       "Europe/Moscow",
			UnlimitedRoles: []string{model.RoleStaff, model.RoleAdmin},
			Resources:      []string{"generic", "image", "video"},
			RetentionDays:  30,
		},
		Tariff: config.TariffConfig{
			CacheTTL: time.Minute,
			Catalog: []config.TariffSpec{
				{
					Code:              "basic",
					Name:              "Basic",
					DailyGenericLimit: 6,
					DailyLimits:       map[string]int64{"image": 2, "video": 1},
					PointCost:         10,
					Price:             "199.00",
				},
				{
					Code:              "pro",
					Name:              "Pro",
					DailyGenericLimit: model.UnlimitedLimit,
					DailyLimits:       map[string]int64{"image": model.UnlimitedLimit, "video": 5},
					PointCost:         5,
					Price:             "990.00",
					FeatureFlags:      map[string]bool{"hd": true},
				},
				{
					// 漏配了 video
					Code:              "lite",
					Name:              "Lite",
					DailyGenericLimit: 3,
					DailyLimits:       map[string]int64{"image": 1},
				},
			},
		},
	}
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	db      *gorm.DB
	cfg     *config.Config
	clock   *fakeClock
	ledger  *LedgerService
	tariffs *TariffService
	quota   *QuotaService
	usage   *UsageService
}

func newFixture(t *testing.T, opts ...testutil.DBOption) *fixture {
	t.Helper()

	db := testutil.NewDB(t, opts...)
	cfg := testConfig()
	logger := zaptest.NewLogger(t)
	clock := &fakeClock{now: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)}

	ledger := NewLedgerService(db, cfg, logger)
	tariffs := NewTariffService(db, cfg, logger, WithTariffClock(clock.Now))
	quota, err := NewQuotaService(tariffs, repository.NewCounterRepository(db), cfg, logger, WithQuotaClock(clock.Now))
	require.NoError(t, err)

	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		db:      db,
		cfg:     cfg,
		clock:   clock,
		ledger:  ledger,
		tariffs: tariffs,
		quota:   quota,
		usage:   NewUsageService(db, ledger, quota, cfg, logger),
	}
	require.NoError(t, tariffs.SyncCatalog(f.ctx, cfg.Tariff.Catalog))
	return f
}

var nextUserID int64

func (f *fixture) account(role string) *model.Account {
	f.t.Helper()
	nextUserID++
	return testutil.CreateAccount(f.t, f.db, nextUserID, role)
}

// tx 在一个事务里执行 fn 并提交
func (f *fixture) tx(fn func(uow *database.UnitOfWork) error) error {
	return database.WithinTx(f.ctx, f.db, fn)
}

func (f *fixture) credit(accountID, amount int64) *model.LedgerEntry {
	f.t.Helper()
	var entry *model.LedgerEntry
	err := f.tx(func(uow *database.UnitOfWork) error {
		var err error
		entry, err = f.ledger.Credit(f.ctx, uow, CreditRequest{AccountID: accountID, Amount: amount, Kind: model.EntryKindPurchase})
		return err
	})
	require.NoError(f.t, err)
	return entry
}

func (f *fixture) debit(accountID, amount int64) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := f.tx(func(uow *database.UnitOfWork) error {
		var err error
		entry, err = f.ledger.Debit(f.ctx, uow, DebitRequest{AccountID: accountID, Amount: amount, Kind: model.EntryKindGeneration})
		return err
	})
	return entry, err
}

func (f *fixture) assign(accountID int64, code string, duration time.Duration) *model.TariffAssignment {
	f.t.Helper()
	var assignment *model.TariffAssignment
	err := f.tx(func(uow *database.UnitOfWork) error {
		var err error
		assignment, err = f.tariffs.Assign(f.ctx, uow, accountID, code, duration)
		return err
	})
	require.NoError(f.t, err)
	return assignment
}

func (f *fixture) balance(accountID int64) int64 {
	f.t.Helper()
	account, err := f.ledger.GetBalance(f.ctx, accountID)
	require.NoError(f.t, err)
	return account.Balance
}

// requireBalanceMatchesLedger 余额等于流水之和，也等于最后一条流水的 balance_after
func (f *fixture) requireBalanceMatchesLedger(accountID int64) {
	f.t.Helper()
	account, err := f.ledger.GetBalance(f.ctx, accountID)
	require.NoError(f.t, err)
	require.NoError(f.t, f.ledger.Verify(f.ctx, account))
	require.GreaterOrEqual(f.t, account.Balance, int64(0))
}
