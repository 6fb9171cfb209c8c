package repository

import (
	"context"
	"errors"

	"pointsbilling/internal/model"
	"pointsbilling/pkg/errcode"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrVersionConflict CAS 更新没有命中任何行：版本号变了或余额不够
var ErrVersionConflict = errors.New("账户版本冲突")

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx)
}

func (r *AccountRepository) Create(ctx context.Context, tx *gorm.DB, account *model.Account) error {
	return r.conn(ctx, tx).Create(account).Error
}

func (r *AccountRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Account, error) {
	var account model.Account
	err := r.conn(ctx, tx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errcode.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID int64) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errcode.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetForUpdate 锁住账户行直到事务结束，同一账户的账本操作在这里串行
func (r *AccountRepository) GetForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Account, error) {
	var account model.Account
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errcode.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// CompareAndSwapBalance 余额加 delta，版本号加一
// delta 为负时同时要求余额足够，没有命中任何行返回 ErrVersionConflict
func (r *AccountRepository) CompareAndSwapBalance(ctx context.Context, tx *gorm.DB, id, version, delta int64) error {
	query := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", id, version)
	if delta < 0 {
		query = query.Where("balance >= ?", -delta)
	}

	result := query.Updates(map[string]interface{}{
		"balance": gorm.Expr("balance + ?", delta),
		"version": gorm.Expr("version + 1"),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// GetOrCreate 按外部身份ID取账户，不存在时创建
func (r *AccountRepository) GetOrCreate(ctx context.Context, userID int64, role string) (*model.Account, error) {
	account, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, errcode.ErrAccountNotFound) {
		return nil, err
	}

	if role == "" {
		role = model.RoleUser
	}
	newAccount := &model.Account{
		UserID: userID,
		Role:   role,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error
	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}

func (r *AccountRepository) UpdateRole(ctx context.Context, tx *gorm.DB, id int64, role string) error {
	result := r.conn(ctx, tx).
		Model(&model.Account{}).
		Where("id = ?", id).
		Update("role", role)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errcode.ErrAccountNotFound
	}
	return nil
}

// ListAfter 按 id 升序分批遍历账户
func (r *AccountRepository) ListAfter(ctx context.Context, afterID int64, limit int) ([]*model.Account, error) {
	var accounts []*model.Account
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}
