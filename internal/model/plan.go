package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Promotion 套餐促销窗口
type Promotion struct {
	Enabled         bool       `gorm:"column:promotion_enabled;not null;default:false" json:"enabled"`
	DiscountPercent int64      `gorm:"column:promotion_discount;not null;default:0" json:"discount_percent"`
	StartDate       *time.Time `gorm:"column:promotion_start" json:"start_date,omitempty"`
	EndDate         *time.Time `gorm:"column:promotion_end" json:"end_date,omitempty"`
}

// Active 促销在 now 时刻是否生效
func (p Promotion) Active(now time.Time) bool {
	if !p.Enabled {
		return false
	}
	if p.StartDate != nil && now.Before(*p.StartDate) {
		return false
	}
	if p.EndDate != nil && now.After(*p.EndDate) {
		return false
	}
	return true
}

// Plan 套餐目录（只读参考数据）
// 价格单位为分
type Plan struct {
	PlanID           string    `gorm:"primaryKey;type:varchar(32)" json:"plan_id"`
	DisplayName      string    `gorm:"type:varchar(64);not null" json:"display_name"`
	Price            int64     `gorm:"not null" json:"price"`
	DailyCredits     int64     `gorm:"not null" json:"daily_credits"`
	BillingCycleDays int       `gorm:"not null" json:"billing_cycle_days"`
	BonusCredits     int64     `gorm:"not null;default:0" json:"bonus_credits"`
	Promotion        Promotion `gorm:"embedded" json:"promotion"`
	IsActive         bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (Plan) TableName() string {
	return "subscription_plan"
}

// EffectivePrice 计算促销后的实际价格，向下取整到分，不低于 0
func (p *Plan) EffectivePrice(now time.Time) int64 {
	if !p.Promotion.Active(now) {
		return p.Price
	}
	ratio := decimal.NewFromInt(100 - p.Promotion.DiscountPercent).Div(decimal.NewFromInt(100))
	price := decimal.NewFromInt(p.Price).Mul(ratio).Floor()
	if price.IsNegative() {
		return 0
	}
	return price.IntPart()
}

// DefaultPlans 初始套餐目录
func DefaultPlans() []Plan {
	return []Plan{
		{PlanID: FreePlanID, DisplayName: "免费版", Price: 0, DailyCredits: 1000, BillingCycleDays: 30, IsActive: true},
		{PlanID: "basic", DisplayName: "基础版", Price: 19900, DailyCredits: 10000, BillingCycleDays: 30, IsActive: true},
		{PlanID: "pro", DisplayName: "专业版", Price: 39900, DailyCredits: 18000, BillingCycleDays: 30, IsActive: true},
		{PlanID: "enterprise", DisplayName: "企业版", Price: 99900, DailyCredits: 50000, BillingCycleDays: 30, BonusCredits: 50000, IsActive: true},
	}
}
