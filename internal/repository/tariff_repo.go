package repository

import (
	"context"
	"errors"

	"pointsbilling/internal/model"
	"pointsbilling/pkg/errcode"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TariffRepository struct {
	db *gorm.DB
}

func NewTariffRepository(db *gorm.DB) *TariffRepository {
	return &TariffRepository{db: db}
}

func (r *TariffRepository) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx)
}

func (r *TariffRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Tariff, error) {
	var tariff model.Tariff
	err := r.conn(ctx, tx).Where("id = ?", id).First(&tariff).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errcode.ErrTariffNotFound
		}
		return nil, err
	}
	return &tariff, nil
}

func (r *TariffRepository) GetByCode(ctx context.Context, tx *gorm.DB, code string) (*model.Tariff, error) {
	var tariff model.Tariff
	err := r.conn(ctx, tx).Where("code = ?", code).First(&tariff).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errcode.ErrTariffNotFound
		}
		return nil, err
	}
	return &tariff, nil
}

func (r *TariffRepository) ListActive(ctx context.Context) ([]*model.Tariff, error) {
	var tariffs []*model.Tariff
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("id ASC").
		Find(&tariffs).Error
	return tariffs, err
}

// Upsert 按 code 插入或覆盖套餐定义
func (r *TariffRepository) Upsert(ctx context.Context, tx *gorm.DB, tariff *model.Tariff) error {
	return r.conn(ctx, tx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name",
			"daily_generic_limit",
			"daily_limits",
			"point_cost",
			"price",
			"currency",
			"feature_flags",
			"active",
			"updated_at",
		}),
	}).Create(tariff).Error
}

// DeactivateExcept 不在 codes 里的套餐标记为下架
func (r *TariffRepository) DeactivateExcept(ctx context.Context, tx *gorm.DB, codes []string) (int64, error) {
	query := r.conn(ctx, tx).Model(&model.Tariff{}).Where("active = ?", true)
	if len(codes) > 0 {
		query = query.Where("code NOT IN ?", codes)
	}
	result := query.Update("active", false)
	return result.RowsAffected, result.Error
}
