package repository

import (
	"context"
	"time"

	"pointsbilling/internal/model"

	"gorm.io/gorm"
)

type AssignmentRepository struct {
	db *gorm.DB
}

func NewAssignmentRepository(db *gorm.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

func (r *AssignmentRepository) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx)
}

func (r *AssignmentRepository) Create(ctx context.Context, tx *gorm.DB, assignment *model.TariffAssignment) error {
	return tx.WithContext(ctx).Create(assignment).Error
}

// GetActive 账户当前标记为生效的订阅，没有时返回 nil, nil
// 是否已过期由调用方按墙上时间判断
func (r *AssignmentRepository) GetActive(ctx context.Context, tx *gorm.DB, accountID int64) (*model.TariffAssignment, error) {
	var assignments []*model.TariffAssignment
	err := r.conn(ctx, tx).
		Where("account_id = ? AND active = ?", accountID, true).
		Order("id DESC").
		Limit(1).
		Find(&assignments).Error
	if err != nil || len(assignments) == 0 {
		return nil, err
	}
	return assignments[0], nil
}

// DeactivateByAccount 关闭账户所有生效中的订阅
func (r *AssignmentRepository) DeactivateByAccount(ctx context.Context, tx *gorm.DB, accountID int64) (int64, error) {
	result := tx.WithContext(ctx).
		Model(&model.TariffAssignment{}).
		Where("account_id = ? AND active = ?", accountID, true).
		Update("active", false)
	return result.RowsAffected, result.Error
}

// GetExpired 已过期但仍标记为生效的订阅
func (r *AssignmentRepository) GetExpired(ctx context.Context, now time.Time, limit int) ([]*model.TariffAssignment, error) {
	var assignments []*model.TariffAssignment
	err := r.db.WithContext(ctx).
		Where("active = ? AND expires_at <= ?", true, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&assignments).Error
	return assignments, err
}

// Deactivate 关闭一条已过期的订阅，条件里带上过期判断，避免关掉刚续期的记录
func (r *AssignmentRepository) Deactivate(ctx context.Context, id int64, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.TariffAssignment{}).
		Where("id = ? AND active = ? AND expires_at <= ?", id, true, now).
		Update("active", false)
	return result.RowsAffected > 0, result.Error
}
