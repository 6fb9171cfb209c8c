package model

import (
	"time"

	"gorm.io/datatypes"
)

// EntryKind 流水类型
type EntryKind string

const (
	EntryKindGeneration      EntryKind = "GENERATION"       // 生成内容扣费
	EntryKindPurchase        EntryKind = "PURCHASE"         // 购买积分
	EntryKindReward          EntryKind = "REWARD"           // 奖励
	EntryKindRefund          EntryKind = "REFUND"           // 退款
	EntryKindInviteBonus     EntryKind = "INVITE_BONUS"     // 邀请奖励
	EntryKindAchievement     EntryKind = "ACHIEVEMENT"      // 成就奖励
	EntryKindAdminCorrection EntryKind = "ADMIN_CORRECTION" // 管理员调账
	EntryKindTransfer        EntryKind = "TRANSFER"         // 账户间转账
)

var entryKinds = map[EntryKind]struct{}{
	EntryKindGeneration:      {},
	EntryKindPurchase:        {},
	EntryKindReward:          {},
	EntryKindRefund:          {},
	EntryKindInviteBonus:     {},
	EntryKindAchievement:     {},
	EntryKindAdminCorrection: {},
	EntryKindTransfer:        {},
}

func (k EntryKind) Valid() bool {
	_, ok := entryKinds[k]
	return ok
}

// LedgerEntry 积分流水表
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除
// 2. 每个账户的流水按提交顺序全序，BalanceAfter 反映提交时的余额
// 3. 账户余额恒等于该账户所有流水 Amount 之和
type LedgerEntry struct {
	ID             int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo        string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_no"` // 流水号（全局唯一）
	AccountID      int64             `gorm:"index;not null" json:"account_id"`
	Amount         int64             `gorm:"not null" json:"amount"` // 正数入账，负数出账
	Kind           EntryKind         `gorm:"type:varchar(32);index;not null" json:"kind"`
	Description    string            `gorm:"type:varchar(256)" json:"description"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	BalanceBefore  int64             `gorm:"not null" json:"balance_before"`
	BalanceAfter   int64             `gorm:"not null" json:"balance_after"`
	RefundedKind   EntryKind         `gorm:"type:varchar(32)" json:"refunded_kind,omitempty"` // 退款流水对应的原流水类型
	IdempotencyKey *string           `gorm:"type:varchar(128);uniqueIndex" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}

// RefundDirection 退款流水的方向
// 撤销扣费类（GENERATION）是入账 +1，撤销入账类是出账 -1，0 表示该类型不支持退款
func (k EntryKind) RefundDirection() int64 {
	switch k {
	case EntryKindGeneration:
		return 1
	case EntryKindPurchase, EntryKindReward, EntryKindInviteBonus, EntryKindAchievement:
		return -1
	}
	return 0
}
