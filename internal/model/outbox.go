package model

import (
	"time"
)

type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "PENDING"
	OutboxStatusSent    OutboxStatus = "SENT"
	OutboxStatusFailed  OutboxStatus = "FAILED"
)

// 事件类型，写入 payload 的 event 字段
const (
	EventOrderActivated = "order.activated"
	EventCodeRedeemed   = "code.redeemed"
	EventRenewalDue     = "subscription.renewal_due"
)

// OutboxMessage 待投递到 Kafka 的事件
// 通知类事件（确认邮件、续费提醒）统一走 outbox，投递失败不影响已提交的账务
type OutboxMessage struct {
	ID         int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string       `gorm:"type:varchar(96);not null" json:"message_key"`
	Topic      string       `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string       `gorm:"type:text;not null" json:"payload"`
	Status     OutboxStatus `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int          `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time    `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
