package database

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var (
	ErrUnitOfWorkRequired = errors.New("写操作必须在事务中执行")
	ErrUnitOfWorkDone     = errors.New("事务已经提交或回滚")
	ErrUnitOfWorkPoisoned = errors.New("事务在写入后发生失败，拒绝提交")
)

// UnitOfWork 一次数据库事务
//
// 由调用方开启并负责提交或回滚，账本和计数的写操作都通过参数传入同一个 UnitOfWork，
// 这样“扣积分”和“记用量”要么一起生效，要么一起消失。
// 写入之后的任何失败都会让事务失效，此后 Commit 只会回滚。
type UnitOfWork struct {
	tx *gorm.DB

	mu      sync.Mutex
	written bool
	failure error
	done    bool
}

// Begin 开启事务
func Begin(ctx context.Context, db *gorm.DB) (*UnitOfWork, error) {
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, Classify(errors.Wrap(tx.Error, "开启事务失败"))
	}
	return &UnitOfWork{tx: tx}, nil
}

// Tx 事务内的 gorm 句柄，仓储层用它执行语句
func (u *UnitOfWork) Tx() *gorm.DB {
	return u.tx
}

// MarkWritten 记录本事务已经产生写入
func (u *UnitOfWork) MarkWritten() {
	u.mu.Lock()
	u.written = true
	u.mu.Unlock()
}

// Observe 记录一次操作的结果，已有写入时的失败会让事务失效
// 原样返回 err，方便在 return 处调用
func (u *UnitOfWork) Observe(err error) error {
	if err == nil {
		return nil
	}
	u.mu.Lock()
	if u.written && u.failure == nil {
		u.failure = err
	}
	u.mu.Unlock()
	return err
}

// Poisoned 返回导致事务失效的错误，未失效时返回 nil
func (u *UnitOfWork) Poisoned() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.failure
}

func (u *UnitOfWork) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done {
		return ErrUnitOfWorkDone
	}
	u.done = true

	if u.failure != nil {
		_ = u.tx.Rollback().Error
		return &poisonedError{cause: u.failure}
	}

	if err := u.tx.Commit().Error; err != nil {
		return Classify(errors.Wrap(err, "提交事务失败"))
	}
	return nil
}

// Rollback 回滚事务，重复调用是安全的
func (u *UnitOfWork) Rollback() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Rollback().Error
}

// WithinTx 开启事务执行 fn，fn 成功且事务未失效时提交，否则回滚
func WithinTx(ctx context.Context, db *gorm.DB, fn func(uow *UnitOfWork) error) (err error) {
	uow, err := Begin(ctx, db)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = uow.Rollback()
			panic(r)
		}
	}()

	if err := fn(uow); err != nil {
		_ = uow.Rollback()
		return err
	}
	return uow.Commit()
}

type poisonedError struct {
	cause error
}

func (e *poisonedError) Error() string {
	return ErrUnitOfWorkPoisoned.Error() + ": " + e.cause.Error()
}

func (e *poisonedError) Unwrap() error {
	return e.cause
}

func (e *poisonedError) Is(target error) bool {
	return target == ErrUnitOfWorkPoisoned
}
