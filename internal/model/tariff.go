package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UnlimitedLimit 套餐中某资源的上限为 -1 表示该套餐此资源不限量
const UnlimitedLimit int64 = -1

// ResourceLimits 资源类别 -> 每日上限
type ResourceLimits map[Resource]int64

// Tariff 套餐（订阅档位），对本模块只读
type Tariff struct {
	ID                int64                               `gorm:"primaryKey;autoIncrement" json:"id"`
	Code              string                              `gorm:"type:varchar(32);uniqueIndex;not null" json:"code"`
	Name              string                              `gorm:"type:varchar(64);not null" json:"name"`
	DailyGenericLimit int64                               `gorm:"not null" json:"daily_generic_limit"`
	DailyLimits       datatypes.JSONType[ResourceLimits]  `json:"daily_limits"`                             // 按资源类别的每日上限
	PointCost         int64                               `gorm:"not null;default:0" json:"point_cost"`     // 跳过额度时单次消耗的积分
	Price             decimal.Decimal                     `gorm:"type:decimal(10,2);not null" json:"price"` // 标价，仅展示
	Currency          string                              `gorm:"type:varchar(8);not null;default:RUB" json:"currency"`
	FeatureFlags      datatypes.JSONType[map[string]bool] `json:"feature_flags"`
	Active            bool                                `gorm:"not null" json:"active"`
	CreatedAt         time.Time                           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time                           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Tariff) TableName() string {
	return "tariff"
}

// Limit 返回某资源类别的每日上限，ok=false 表示套餐未配置该资源
func (t *Tariff) Limit(resource Resource) (int64, bool) {
	if resource == ResourceGeneric {
		return t.DailyGenericLimit, true
	}
	limit, ok := t.DailyLimits.Data()[resource]
	return limit, ok
}

func (t *Tariff) HasFeature(flag string) bool {
	return t.FeatureFlags.Data()[flag]
}

// TariffAssignment 账户的套餐订阅记录，同一账户同一时刻最多一条生效
type TariffAssignment struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID int64     `gorm:"index:idx_assignment_account_active,priority:1;not null" json:"account_id"`
	TariffID  int64     `gorm:"not null" json:"tariff_id"`
	StartedAt time.Time `gorm:"not null" json:"started_at"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
	Active    bool      `gorm:"index:idx_assignment_account_active,priority:2;not null" json:"active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TariffAssignment) TableName() string {
	return "tariff_assignment"
}

// ExpiredAt 按墙上时间判断是否已过期
func (a *TariffAssignment) ExpiredAt(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}
