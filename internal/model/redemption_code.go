package model

import (
	"fmt"
	"strings"
	"time"
)

type CodeKind string

const (
	CodeKindCredit CodeKind = "credit" // 兑换积分
	CodeKindPlan   CodeKind = "plan"   // 兑换套餐天数
)

func ParseCodeKind(s string) (CodeKind, error) {
	switch k := CodeKind(s); k {
	case CodeKindCredit, CodeKindPlan:
		return k, nil
	}
	return "", fmt.Errorf("%w: 未知兑换码类型 %q", ErrInvalidArgument, s)
}

type CodeStatus string

const (
	CodeStatusActive   CodeStatus = "active"
	CodeStatusUsed     CodeStatus = "used"
	CodeStatusExpired  CodeStatus = "expired"
	CodeStatusDisabled CodeStatus = "disabled"
)

// 兑换码状态只能单向流转，active -> used 至多发生一次
var validCodeTransitions = map[CodeStatus][]CodeStatus{
	CodeStatusActive: {CodeStatusUsed, CodeStatusExpired, CodeStatusDisabled},
}

func CanCodeTransitionTo(current, target CodeStatus) bool {
	for _, s := range validCodeTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// NormalizeCode 去除首尾空白并转大写
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// RedemptionCode 一次性兑换码
type RedemptionCode struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Code         string     `gorm:"type:varchar(32);uniqueIndex;not null" json:"code"`
	Kind         CodeKind   `gorm:"type:varchar(16);not null" json:"kind"`
	Credits      int64      `gorm:"not null;default:0" json:"credits"`
	PlanID       string     `gorm:"type:varchar(32)" json:"plan_id,omitempty"`
	Days         int        `gorm:"not null;default:0" json:"days"`
	BonusCredits int64      `gorm:"not null;default:0" json:"bonus_credits"`
	Status       CodeStatus `gorm:"type:varchar(16);not null;index:idx_code_status_redeemed,priority:1" json:"status"`
	RedeemedBy   *int64     `gorm:"index" json:"redeemed_by,omitempty"`
	RedeemedAt   *time.Time `gorm:"index:idx_code_status_redeemed,priority:2" json:"redeemed_at,omitempty"`
	RedeemIP     string     `gorm:"type:varchar(64)" json:"redeem_ip,omitempty"`
	ValidFrom    *time.Time `json:"valid_from,omitempty"`
	ValidUntil   *time.Time `json:"valid_until,omitempty"`
	BatchID      string     `gorm:"type:varchar(32);index" json:"batch_id"`
	Note         string     `gorm:"type:varchar(256)" json:"note,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (RedemptionCode) TableName() string {
	return "redemption_code"
}

// PastValidity 兑换码在 now 时刻是否已超过有效期
func (c *RedemptionCode) PastValidity(now time.Time) bool {
	return c.ValidUntil != nil && now.After(*c.ValidUntil)
}

// BeforeValidity 兑换码在 now 时刻是否尚未生效
func (c *RedemptionCode) BeforeValidity(now time.Time) bool {
	return c.ValidFrom != nil && now.Before(*c.ValidFrom)
}
