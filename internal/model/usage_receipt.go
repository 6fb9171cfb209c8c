package model

import (
	"time"
)

// 回执状态：work 执行前先占位 PENDING，记账成功后改为 COMPLETED
// work 失败时删除占位，同一个幂等键可以重试
const (
	ReceiptStatusPending   = "PENDING"
	ReceiptStatusCompleted = "COMPLETED"
)

// UsageReceipt 带幂等键的一次付费操作
// idempotency_key 唯一，重放的请求在执行 work 之前就会被拒绝
type UsageReceipt struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	IdempotencyKey string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"idempotency_key"`
	AccountID      int64     `gorm:"index;not null" json:"account_id"`
	Resource       Resource  `gorm:"type:varchar(32);not null" json:"resource"`
	Funding        string    `gorm:"type:varchar(16);not null" json:"funding"`
	Status         string    `gorm:"type:varchar(16);not null;default:PENDING" json:"status"`
	EntryNo        string    `gorm:"type:varchar(64)" json:"entry_no,omitempty"` // 积分支付时对应的流水号
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UsageReceipt) TableName() string {
	return "usage_receipt"
}
