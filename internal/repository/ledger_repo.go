package repository

import (
	"context"
	"errors"

	"pointsbilling/internal/infrastructure/database"
	"pointsbilling/internal/model"
	"pointsbilling/pkg/errcode"

	"gorm.io/gorm"
)

// LedgerRepository 流水只有插入和查询，没有更新和删除
type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx)
}

// Create 插入流水，幂等键冲突时返回 ErrDuplicateOperation
func (r *LedgerRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) error {
	err := tx.WithContext(ctx).Create(entry).Error
	if err != nil && entry.IdempotencyKey != nil && database.IsDuplicateKey(err) {
		return errcode.Wrapf(errcode.ErrDuplicateOperation, err, "idempotency_key=%s", *entry.IdempotencyKey)
	}
	return err
}

// FindByIdempotencyKey 不存在时返回 nil, nil
func (r *LedgerRepository) FindByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.conn(ctx, tx).Where("idempotency_key = ?", key).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *LedgerRepository) GetByEntryNo(ctx context.Context, entryNo string) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).Where("entry_no = ?", entryNo).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// ListByAccount 按提交顺序倒序分页
func (r *LedgerRepository) ListByAccount(ctx context.Context, accountID int64, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	var entries []*model.LedgerEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("account_id = ?", accountID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}

// SumByAccount 账户全部流水金额之和，对账用
func (r *LedgerRepository) SumByAccount(ctx context.Context, tx *gorm.DB, accountID int64) (int64, error) {
	var sum int64
	err := r.conn(ctx, tx).
		Model(&model.LedgerEntry{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}

// LastEntry 账户最后一条流水，没有流水时返回 nil, nil
func (r *LedgerRepository) LastEntry(ctx context.Context, tx *gorm.DB, accountID int64) (*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := r.conn(ctx, tx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(1).
		Find(&entries).Error
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}
