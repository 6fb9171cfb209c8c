package database

import (
	"context"
	"strings"

	"pointsbilling/pkg/errcode"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// MySQL 错误码
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
	mysqlDuplicateEntry  = 1062
)

// Postgres SQLSTATE
const (
	pgLockNotAvailable     = "55P03"
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
	pgQueryCanceled        = "57014"
	pgUniqueViolation      = "23505"
)

// Classify 把驱动层的锁超时、死锁、上下文超时统一成 ErrConcurrencyTimeout
// 其余错误原样返回
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errcode.ErrConcurrencyTimeout) {
		return err
	}
	if IsLockTimeout(err) {
		return errcode.Wrap(errcode.ErrConcurrencyTimeout, err)
	}
	return err
}

// IsLockTimeout 等锁超时、死锁被选为牺牲者、语句超时
func IsLockTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlLockWaitTimeout || myErr.Number == mysqlDeadlock
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgDeadlockDetected, pgSerializationFailure, pgQueryCanceled:
			return true
		}
		return false
	}

	// sqlite: SQLITE_BUSY / SQLITE_LOCKED
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// IsDuplicateKey 唯一索引冲突
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
