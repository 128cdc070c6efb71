package domain

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"creditledger/internal/model"
)

const dayLayout = "2006-01-02"

// DayKey 返回 t 在 loc 时区下的日历日
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dayLayout)
}

// RefillCorrelationID 每个账户每天至多一条恢复流水
func RefillCorrelationID(accountID int64, day string) string {
	return fmt.Sprintf("refill:%d:%s", accountID, day)
}

// ResetIfNewDay 跨日时清零当日用量并恢复每日积分
//
// 仅生效中的订阅恢复额度，余额取 min(余额+每日额度, 2倍每日额度)，
// 余额超过上限时会被截到上限，流水金额为实际变动量（可能为负）。
// 同一天内重复调用无任何效果。
func ResetIfNewDay(acc model.Account, now time.Time, loc *time.Location) (model.Account, []model.LedgerRecord, bool) {
	today := DayKey(now, loc)
	if today <= DayKey(acc.LastResetAt, loc) {
		return acc, nil, false
	}

	acc.DailyUsage = 0
	acc.LastResetAt = now

	sub := acc.Subscription
	if !sub.IsActive(now) || sub.DailyCredits <= 0 {
		return acc, nil, true
	}

	target := acc.Balance + sub.DailyCredits
	if ceiling := sub.DailyCredits * 2; target > ceiling {
		target = ceiling
	}
	delta := target - acc.Balance
	if delta == 0 {
		return acc, nil, true
	}

	rec := model.LedgerRecord{
		AccountID:     acc.ID,
		Type:          model.RecordDailyRefill,
		Amount:        delta,
		BalanceBefore: acc.Balance,
		BalanceAfter:  target,
		Description:   fmt.Sprintf("每日积分恢复（%s）", sub.PlanID),
		CorrelationID: RefillCorrelationID(acc.ID, today),
		CreatedAt:     now,
	}
	acc.Balance = target
	return acc, []model.LedgerRecord{rec}, true
}
