package model

import (
	"fmt"
	"time"
)

// ============================================================================
// 流水类型
// ============================================================================

type RecordType string

const (
	RecordGrantRedeem RecordType = "grant-redeem" // 兑换码发放
	RecordGrantOrder  RecordType = "grant-order"  // 订单赠送
	RecordUsageDebit  RecordType = "usage-debit"  // 使用扣减
	RecordDailyRefill RecordType = "daily-refill" // 每日恢复
	RecordReward      RecordType = "reward"       // 奖励（注册赠送等）
)

func ParseRecordType(s string) (RecordType, error) {
	switch t := RecordType(s); t {
	case RecordGrantRedeem, RecordGrantOrder, RecordUsageDebit, RecordDailyRefill, RecordReward:
		return t, nil
	}
	return "", fmt.Errorf("%w: 未知流水类型 %q", ErrInvalidArgument, s)
}

// IsCredit 通过 ApplyDelta 入账时该类型是否只能为正数
// 每日重置截断余额时 daily-refill 流水可以为负
func (t RecordType) IsCredit() bool {
	return t != RecordUsageDebit
}

// ============================================================================
// 积分流水
// ============================================================================

// LedgerRecord 积分流水表
//
// 【重要】流水表只追加，不修改，不删除：
// 1. 每笔余额变动对应一条流水，记录变动前后余额
// 2. (type, correlation_id) 唯一，同一兑换码/订单不会重复入账
// 3. 按 id 顺序累加 amount 即可还原当前余额
type LedgerRecord struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RecordNo      string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"record_no"`
	AccountID     int64      `gorm:"index:idx_ledger_account,priority:1;not null" json:"account_id"`
	Type          RecordType `gorm:"type:varchar(20);not null;uniqueIndex:ux_ledger_type_correlation,priority:1" json:"type"`
	Amount        int64      `gorm:"not null" json:"amount"`
	BalanceBefore int64      `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64      `gorm:"not null" json:"balance_after"`
	Description   string     `gorm:"type:varchar(256)" json:"description"`
	CorrelationID string     `gorm:"type:varchar(96);not null;uniqueIndex:ux_ledger_type_correlation,priority:2" json:"correlation_id"`
	CreatedAt     time.Time  `gorm:"not null;index:idx_ledger_account,priority:2" json:"created_at"`
}

func (LedgerRecord) TableName() string {
	return "ledger_record"
}
