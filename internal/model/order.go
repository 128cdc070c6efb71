package model

import (
	"time"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusActivated OrderStatus = "activated"
	OrderStatusExpired   OrderStatus = "expired"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// activated 是唯一的成功终态，只能从 paid 到达
var ValidStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusExpired, OrderStatusCancelled},
	OrderStatusPaid:    {OrderStatusActivated},
}

func CanTransitionTo(currentStatus, targetStatus OrderStatus) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Order 订阅订单
// OrderID 对外暴露，同时作为激活的幂等键
type Order struct {
	ID             int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID        string      `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_id"`
	RequestID      string      `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"`
	AccountID      int64       `gorm:"index;not null" json:"account_id"`
	PlanID         string      `gorm:"type:varchar(32);not null" json:"plan_id"`
	Amount         int64       `gorm:"not null" json:"amount"`
	OriginalAmount int64       `gorm:"not null" json:"original_amount"`
	Status         OrderStatus `gorm:"type:varchar(20);index:idx_order_status_activated,priority:1;not null" json:"status"`
	PaymentRef     string      `gorm:"type:varchar(128)" json:"payment_ref,omitempty"`
	ExpiresAt      time.Time   `gorm:"not null" json:"expires_at"`
	PaidAt         *time.Time  `json:"paid_at"`
	ActivatedAt    *time.Time  `gorm:"index:idx_order_status_activated,priority:2" json:"activated_at"`
	CreatedAt      time.Time   `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (Order) TableName() string {
	return "subscription_order"
}
