package model

import "time"

// FreePlanID 免费基础权益
const FreePlanID = "free"

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Subscription 账户当前的订阅权益
// ExpiryDate 为 nil 表示不限期（免费版）
type Subscription struct {
	PlanID           string             `gorm:"column:plan_id;type:varchar(32);not null;default:free" json:"plan_id"`
	Status           SubscriptionStatus `gorm:"column:subscription_status;type:varchar(16);not null;index:idx_account_sub_expiry,priority:1" json:"status"`
	StartDate        *time.Time         `gorm:"column:start_date" json:"start_date"`
	ExpiryDate       *time.Time         `gorm:"column:expiry_date;index:idx_account_sub_expiry,priority:2" json:"expiry_date"`
	DailyCredits     int64              `gorm:"column:daily_credits;not null;default:0" json:"daily_credits"`
	AutoRenew        bool               `gorm:"column:auto_renew;not null;default:false" json:"auto_renew"`
	RenewalFlaggedAt *time.Time         `gorm:"column:renewal_flagged_at" json:"renewal_flagged_at,omitempty"`
}

// IsActive 订阅在 now 时刻是否有效
func (s Subscription) IsActive(now time.Time) bool {
	if s.Status != SubscriptionActive {
		return false
	}
	return s.ExpiryDate == nil || now.Before(*s.ExpiryDate)
}

// Entitled 是否仍享有套餐额度
// 已取消的订阅在到期前继续生效，只是不再续费
func (s Subscription) Entitled(now time.Time) bool {
	if s.Status == SubscriptionCancelled {
		return s.ExpiryDate != nil && now.Before(*s.ExpiryDate)
	}
	return s.IsActive(now)
}

// Account 用户积分账户
// 余额与订阅权益属于同一个聚合，共用 Version 作为乐观锁版本号
type Account struct {
	ID           int64        `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Balance      int64        `gorm:"not null;default:0" json:"balance"`
	DailyUsage   int64        `gorm:"not null;default:0" json:"daily_usage"`
	LastResetAt  time.Time    `gorm:"not null" json:"last_reset_at"`
	Subscription Subscription `gorm:"embedded" json:"subscription"`
	Version      int          `gorm:"not null;default:0" json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
