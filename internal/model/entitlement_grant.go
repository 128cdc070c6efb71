package model

import "time"

type GrantSource string

const (
	GrantSourceRedeem GrantSource = "redeem"
	GrantSourceOrder  GrantSource = "order"
)

// EntitlementGrant 订阅延期记录，只追加
// 与账户更新在同一事务内写入，对账任务据此判断奖励是否已发放
type EntitlementGrant struct {
	ID            int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID     int64       `gorm:"index;not null" json:"account_id"`
	PlanID        string      `gorm:"type:varchar(32);not null" json:"plan_id"`
	Days          int         `gorm:"not null" json:"days"`
	Source        GrantSource `gorm:"type:varchar(16);not null" json:"source"`
	CorrelationID string      `gorm:"type:varchar(96);uniqueIndex;not null" json:"correlation_id"`
	ExpiryBefore  *time.Time  `json:"expiry_before"`
	ExpiryAfter   time.Time   `gorm:"not null" json:"expiry_after"`
	CreatedAt     time.Time   `json:"created_at"`
}

func (EntitlementGrant) TableName() string {
	return "entitlement_grant"
}
