package domain

import (
	"fmt"
	"strings"
	"time"

	"creditledger/internal/model"
)

const day = 24 * time.Hour

// Mutation 一次账户聚合变更：新快照加上需要在同一事务内追加的记录
type Mutation struct {
	Account model.Account
	Records []model.LedgerRecord
	Grant   *model.EntitlementGrant
	Outbox  []model.OutboxMessage
}

// Extension 订阅延期请求
type Extension struct {
	PlanID        string
	DailyCredits  int64
	Days          int
	BonusCredits  int64
	BonusType     model.RecordType
	CorrelationID string
	Source        model.GrantSource
	Description   string
}

func (e Extension) Validate() error {
	if strings.TrimSpace(e.PlanID) == "" {
		return fmt.Errorf("%w: 套餐不能为空", model.ErrInvalidArgument)
	}
	if e.Days <= 0 {
		return fmt.Errorf("%w: 延期天数必须大于 0", model.ErrInvalidArgument)
	}
	if e.BonusCredits < 0 {
		return fmt.Errorf("%w: 赠送积分不能为负", model.ErrInvalidArgument)
	}
	if strings.TrimSpace(e.CorrelationID) == "" {
		return fmt.Errorf("%w: 缺少关联单号", model.ErrInvalidArgument)
	}
	return nil
}

// Extend 叠加订阅期
//
// 订阅仍有效时从当前到期日顺延，提前续费不损失剩余天数；
// 已过期、已取消或免费版从 now 起算。
func Extend(acc model.Account, ext Extension, now time.Time) (Mutation, error) {
	if err := ext.Validate(); err != nil {
		return Mutation{}, err
	}

	sub := acc.Subscription
	before := sub.ExpiryDate
	period := time.Duration(ext.Days) * day

	var start, expiry time.Time
	if sub.Status == model.SubscriptionActive && before != nil && before.After(now) {
		expiry = before.Add(period)
		if sub.StartDate != nil {
			start = *sub.StartDate
		} else {
			start = now
		}
	} else {
		start = now
		expiry = now.Add(period)
	}

	sub.PlanID = ext.PlanID
	sub.DailyCredits = ext.DailyCredits
	sub.Status = model.SubscriptionActive
	sub.StartDate = &start
	sub.ExpiryDate = &expiry
	sub.RenewalFlaggedAt = nil
	acc.Subscription = sub

	m := Mutation{
		Grant: &model.EntitlementGrant{
			AccountID:     acc.ID,
			PlanID:        ext.PlanID,
			Days:          ext.Days,
			Source:        ext.Source,
			CorrelationID: ext.CorrelationID,
			ExpiryBefore:  before,
			ExpiryAfter:   expiry,
			CreatedAt:     now,
		},
	}

	if ext.BonusCredits > 0 {
		desc := ext.Description
		if desc == "" {
			desc = fmt.Sprintf("开通 %s 赠送积分", ext.PlanID)
		}
		var rec model.LedgerRecord
		var err error
		acc, rec, err = ApplyDelta(acc, Delta{
			Amount:        ext.BonusCredits,
			Type:          ext.BonusType,
			Description:   desc,
			CorrelationID: ext.CorrelationID,
		}, now)
		if err != nil {
			return Mutation{}, err
		}
		m.Records = append(m.Records, rec)
	}

	m.Account = acc
	return m, nil
}

// Downgrade 回退到免费版基础权益
func Downgrade(acc model.Account, freeDailyCredits int64, now time.Time) model.Account {
	start := now
	acc.Subscription = model.Subscription{
		PlanID:       model.FreePlanID,
		Status:       model.SubscriptionActive,
		StartDate:    &start,
		DailyCredits: freeDailyCredits,
	}
	return acc
}

// FlagRenewal 标记待续费，已标记的不重复标记
func FlagRenewal(acc model.Account, now time.Time) (model.Account, bool) {
	if acc.Subscription.RenewalFlaggedAt != nil {
		return acc, false
	}
	flagged := now
	acc.Subscription.RenewalFlaggedAt = &flagged
	return acc, true
}

// Cancel 取消订阅，到期前仍可使用，到期后不再续费
func Cancel(acc model.Account) (model.Account, error) {
	if acc.Subscription.PlanID == model.FreePlanID {
		return acc, model.ErrNoSubscription
	}
	if acc.Subscription.Status != model.SubscriptionActive {
		return acc, fmt.Errorf("%w: 当前状态 %s", model.ErrNoSubscription, acc.Subscription.Status)
	}
	acc.Subscription.Status = model.SubscriptionCancelled
	acc.Subscription.AutoRenew = false
	return acc, nil
}

// SetAutoRenew 切换自动续费
func SetAutoRenew(acc model.Account, autoRenew bool) (model.Account, error) {
	if acc.Subscription.PlanID == model.FreePlanID {
		return acc, model.ErrNoSubscription
	}
	acc.Subscription.AutoRenew = autoRenew
	return acc, nil
}
