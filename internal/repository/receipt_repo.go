package repository

import (
	"context"

	"pointsbilling/internal/infrastructure/database"
	"pointsbilling/internal/model"
	"pointsbilling/pkg/errcode"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var errReceiptNotPending = errors.New("回执不是 PENDING 状态")

// ReceiptRepository 付费操作的幂等回执
type ReceiptRepository struct {
	db *gorm.DB
}

func NewReceiptRepository(db *gorm.DB) *ReceiptRepository {
	return &ReceiptRepository{db: db}
}

// Claim 占用幂等键，键已存在时返回 ErrDuplicateOperation
// 在业务事务之外单独提交，并发的重放只有一个能占到
func (r *ReceiptRepository) Claim(ctx context.Context, receipt *model.UsageReceipt) error {
	receipt.Status = model.ReceiptStatusPending
	err := r.db.WithContext(ctx).Create(receipt).Error
	if err != nil && database.IsDuplicateKey(err) {
		return errcode.Wrapf(errcode.ErrDuplicateOperation, err, "idempotency_key=%s", receipt.IdempotencyKey)
	}
	return err
}

// Complete 在记账事务内把占位改为 COMPLETED
func (r *ReceiptRepository) Complete(ctx context.Context, tx *gorm.DB, id int64, entryNo string) error {
	if tx == nil {
		return database.ErrUnitOfWorkRequired
	}
	result := tx.WithContext(ctx).
		Model(&model.UsageReceipt{}).
		Where("id = ? AND status = ?", id, model.ReceiptStatusPending).
		Updates(map[string]interface{}{
			"status":   model.ReceiptStatusCompleted,
			"entry_no": entryNo,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(errReceiptNotPending, "id=%d", id)
	}
	return nil
}

// Release 删除仍是 PENDING 的占位，work 失败后调用
func (r *ReceiptRepository) Release(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, model.ReceiptStatusPending).
		Delete(&model.UsageReceipt{}).Error
}

// GetByKey 不存在时返回 nil, nil
func (r *ReceiptRepository) GetByKey(ctx context.Context, key string) (*model.UsageReceipt, error) {
	var receipts []*model.UsageReceipt
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).Limit(1).Find(&receipts).Error
	if err != nil || len(receipts) == 0 {
		return nil, err
	}
	return receipts[0], nil
}
