package model

import (
	"time"
)

// Resource 额度资源类别
type Resource string

const (
	// ResourceGeneric 通用次数，对应套餐的每日通用上限
	ResourceGeneric Resource = "generic"

	// 以下两个键不是资源类别，而是每日积分统计，复用同一个增量 map 提交
	TallyPointsEarned Resource = "points_earned"
	TallyPointsSpent  Resource = "points_spent"
)

// DayLayout 计数日期格式，按业务时区取自然日
const DayLayout = "2006-01-02"

// DayKey 把时间换算成业务时区的自然日
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayLayout)
}

// DailyUsageCounter 每账户每日用量
// (account_id, usage_date) 唯一，第一次消费时通过 upsert 创建，之后原地累加
type DailyUsageCounter struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID    int64     `gorm:"uniqueIndex:uk_usage_account_date,priority:1;not null" json:"account_id"`
	UsageDate    string    `gorm:"type:varchar(10);uniqueIndex:uk_usage_account_date,priority:2;index;not null" json:"usage_date"`
	GenericCount int64     `gorm:"not null;default:0" json:"generic_count"`
	PointsEarned int64     `gorm:"not null;default:0" json:"points_earned"`
	PointsSpent  int64     `gorm:"not null;default:0" json:"points_spent"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DailyUsageCounter) TableName() string {
	return "daily_usage_counter"
}

// DailyResourceCounter 每账户每日按资源类别的用量
type DailyResourceCounter struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID int64     `gorm:"uniqueIndex:uk_resource_account_date_res,priority:1;not null" json:"account_id"`
	UsageDate string    `gorm:"type:varchar(10);uniqueIndex:uk_resource_account_date_res,priority:2;index;not null" json:"usage_date"`
	Resource  Resource  `gorm:"type:varchar(32);uniqueIndex:uk_resource_account_date_res,priority:3;not null" json:"resource"`
	Count     int64     `gorm:"not null;default:0" json:"count"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DailyResourceCounter) TableName() string {
	return "daily_resource_counter"
}

// Counters 某账户某日的用量快照（对外的逻辑结构）
type Counters struct {
	AccountID    int64              `json:"account_id"`
	Date         string             `json:"date"`
	GenericCount int64              `json:"generic_count"`
	Resources    map[Resource]int64 `json:"per_resource_counts"`
	PointsEarned int64              `json:"points_earned_today"`
	PointsSpent  int64              `json:"points_spent_today"`
}

// Used 返回某资源类别的已用次数
func (c *Counters) Used(resource Resource) int64 {
	if resource == ResourceGeneric {
		return c.GenericCount
	}
	return c.Resources[resource]
}

// Deltas 计数增量，generic/points_earned/points_spent 写入用量行，其余写入资源行
type Deltas map[Resource]int64

// LegacyDailyUsage 旧版用量表，建表时没有唯一约束，可能存在同一账户同一天的重复行
// 只由一次性维护命令读写
type LegacyDailyUsage struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID    int64     `gorm:"index:idx_legacy_account_date,priority:1;not null" json:"account_id"`
	UsageDate    string    `gorm:"type:varchar(10);index:idx_legacy_account_date,priority:2;not null" json:"usage_date"`
	GenericCount int64     `gorm:"not null;default:0" json:"generic_count"`
	PointsEarned int64     `gorm:"not null;default:0" json:"points_earned"`
	PointsSpent  int64     `gorm:"not null;default:0" json:"points_spent"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (LegacyDailyUsage) TableName() string {
	return "daily_usage_legacy"
}
