package database

import (
	"fmt"
	"time"

	"pointsbilling/internal/config"
	"pointsbilling/internal/model"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Models 需要自动迁移的表
func Models() []interface{} {
	return []interface{}{
		&model.Account{},
		&model.LedgerEntry{},
		&model.OutboxMessage{},
		&model.DailyUsageCounter{},
		&model.DailyResourceCounter{},
		&model.LegacyDailyUsage{},
		&model.Tariff{},
		&model.TariffAssignment{},
		&model.UsageReceipt{},
	}
}

// Dialector 按配置选择数据库驱动
func Dialector(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case config.DriverMySQL:
		dsn := cfg.DSN
		if dsn == "" {
			// innodb_lock_wait_timeout 作为会话变量下发，等锁超时会返回 1205
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC&innodb_lock_wait_timeout=5",
				cfg.User,
				cfg.Password,
				cfg.Host,
				cfg.Port,
				cfg.Database,
			)
		}
		return mysql.Open(dsn), nil
	case config.DriverPostgres:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC lock_timeout=5000",
				cfg.Host,
				cfg.Port,
				cfg.User,
				cfg.Password,
				cfg.Database,
			)
		}
		return postgres.Open(dsn), nil
	case config.DriverSQLite:
		return sqlite.Open(SQLiteDSN(cfg.DSN, sqliteBusyTimeout)), nil
	}
	return nil, errors.Errorf("不支持的数据库驱动: %q", cfg.Driver)
}

// SQLiteDSN sqlite 文件路径加上忙等待和 WAL 参数
//
// sqlite 没有行锁，gorm 会去掉 FOR UPDATE。事务用 BEGIN IMMEDIATE 开启，
// 写事务在开始时就拿到库级写锁，效果等同于锁住要改的账户行；
// 其他写事务最多等待 busyTimeout，超时返回 database is locked。
func SQLiteDSN(path string, busyTimeout time.Duration) string {
	return fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate",
		path, busyTimeout.Milliseconds())
}

const sqliteBusyTimeout = 5 * time.Second

// InitDB 建立连接、配置连接池并迁移表结构
func InitDB(cfg *config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         NewGormLogger(log, cfg.LogSQL),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "连接 %s 失败", cfg.Driver)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "获取底层 DB 失败")
	}

	// 连接池配置
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, errors.Wrap(err, "自动迁移表结构失败")
	}

	log.Sugar().Infow("数据库连接成功", "driver", cfg.Driver)
	return db, nil
}
