// Package testutil 测试用的数据库和账户构造
package testutil

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pointsbilling/internal/infrastructure/database"
	"pointsbilling/internal/model"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type dbOptions struct {
	busyTimeout time.Duration
	deferredTx  bool
	maxConns    int
}

// DBOption 调整测试库的连接参数
type DBOption func(*dbOptions)

// WithBusyTimeout 等待写锁的最长时间，用来构造锁等待超时
func WithBusyTimeout(d time.Duration) DBOption {
	return func(o *dbOptions) { o.busyTimeout = d }
}

// WithDeferredTx 事务用 BEGIN DEFERRED 开启，不在开始时拿写锁。
// 先读后写的事务在并发下会直接报 database is locked，用来验证写路径是单条原子语句
func WithDeferredTx() DBOption {
	return func(o *dbOptions) { o.deferredTx = true }
}

// NewDB 在临时目录里建一个 sqlite 库并迁移全部表
//
// WAL 模式，连接池有多个连接，并发的事务真正跑在不同连接上，
// 写事务之间靠 sqlite 的库级写锁互斥
func NewDB(t testing.TB, opts ...DBOption) *gorm.DB {
	t.Helper()

	o := dbOptions{busyTimeout: 5 * time.Second, maxConns: 8}
	for _, opt := range opts {
		opt(&o)
	}

	dsn := database.SQLiteDSN(filepath.Join(t.TempDir(), "pointsbilling.db"), o.busyTimeout)
	if o.deferredTx {
		dsn = strings.Replace(dsn, "_txlock=immediate", "_txlock=deferred", 1)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(o.maxConns)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(database.Models()...))
	return db
}

// CreateAccount 建一个零余额账户，余额只能通过账本操作变更
func CreateAccount(t testing.TB, db *gorm.DB, userID int64, role string) *model.Account {
	t.Helper()

	account := &model.Account{UserID: userID, Role: role}
	require.NoError(t, db.Create(account).Error)
	return account
}
