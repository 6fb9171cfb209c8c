package model

import (
	"time"
)

// 投递状态：PENDING -> SENT，或者重试耗尽后 PENDING -> FAILED
const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// EventLedgerEntryCreated 账本写入一条流水
const EventLedgerEntryCreated = "ledger.entry.created"

// OutboxMessage 与账本写入同一事务落库，由 OutboxSender 异步投递到 Kafka
// MessageKey 取账户ID，同一账户的事件按 ID 顺序投递
type OutboxMessage struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType  string     `gorm:"type:varchar(64);not null" json:"event_type"`
	MessageKey string     `gorm:"type:varchar(64);not null;index" json:"message_key"`
	Topic      string     `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string     `gorm:"type:text;not null" json:"payload"`
	Status     string     `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int        `gorm:"not null;default:0" json:"retry_count"`
	LastError  string     `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "ledger_outbox"
}
