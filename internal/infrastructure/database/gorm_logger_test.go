package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pointsbilling/internal/config"
	"pointsbilling/internal/model"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestGormLogger_Trace(t *testing.T) {
	log, logs := observedLogger()
	l := NewGormLogger(log, false)
	ctx := context.Background()
	fc := func() (string, int64) { return "SELECT 1", 1 }

	// 普通语句不记录
	l.Trace(ctx, time.Now(), fc, nil)
	assert.Zero(t, logs.Len())

	// 查不到记录和唯一键冲突不算错误
	l.Trace(ctx, time.Now(), fc, gorm.ErrRecordNotFound)
	l.Trace(ctx, time.Now(), fc, gorm.ErrDuplicatedKey)
	assert.Zero(t, logs.Len())

	l.Trace(ctx, time.Now(), fc, errors.New("connection reset"))
	require.Equal(t, 1, logs.Len())
	entry := logs.TakeAll()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, "SELECT 1", entry.ContextMap()["sql"])

	l.Trace(ctx, time.Now().Add(-time.Second), fc, nil)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.TakeAll()[0].Level)

	l.LogMode(logger.Silent).Trace(ctx, time.Now(), fc, errors.New("connection reset"))
	assert.Zero(t, logs.Len())
}

func TestInitDB_LogsStatementsThroughZap(t *testing.T) {
	log, logs := observedLogger()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:       config.DriverSQLite,
		DSN:          filepath.Join(t.TempDir(), "init.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		LogSQL:       true,
	}, log)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	logs.TakeAll()
	var n int64
	require.NoError(t, db.Model(&model.Account{}).Count(&n).Error)

	statements := logs.Filter(func(e observer.LoggedEntry) bool {
		return e.LoggerName == "gorm" && e.Message == "SQL"
	}).All()
	require.Len(t, statements, 1)
	assert.Contains(t, statements[0].ContextMap()["sql"], "account")
}
