package model

import (
	"time"
)

const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Account 用户积分账户
// 账户由外部身份流程在首次登录时创建，余额只能通过账本操作变更
type Account struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex;not null" json:"user_id"`                // 外部身份ID（如 Telegram 用户ID）
	Role      string    `gorm:"type:varchar(32);not null;default:user" json:"role"` // 角色，决定是否免额度
	Balance   int64     `gorm:"not null;default:0" json:"balance"`                  // 积分余额，恒等于流水金额之和
	Version   int64     `gorm:"not null;default:0" json:"version"`                  // 乐观锁版本号
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
