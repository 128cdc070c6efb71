// Package domain 账户状态的纯函数变换
//
// 输入账户快照，返回新快照与需要追加的流水，不访问数据库。
package domain

import (
	"fmt"
	"strings"
	"time"

	"creditledger/internal/model"
)

// Delta 一次余额变动请求
type Delta struct {
	Amount        int64
	Type          model.RecordType
	Description   string
	CorrelationID string
}

// Validate 在访问存储前拒绝非法请求
func (d Delta) Validate() error {
	if _, err := model.ParseRecordType(string(d.Type)); err != nil {
		return err
	}
	if d.Amount == 0 {
		return fmt.Errorf("%w: 变动金额不能为 0", model.ErrInvalidArgument)
	}
	if d.Type.IsCredit() && d.Amount < 0 {
		return fmt.Errorf("%w: %s 只能入账", model.ErrInvalidArgument, d.Type)
	}
	if !d.Type.IsCredit() && d.Amount > 0 {
		return fmt.Errorf("%w: %s 只能扣减", model.ErrInvalidArgument, d.Type)
	}
	if strings.TrimSpace(d.CorrelationID) == "" {
		return fmt.Errorf("%w: 缺少关联单号", model.ErrInvalidArgument)
	}
	return nil
}

// ApplyDelta 计算变动后的账户与对应流水
func ApplyDelta(acc model.Account, d Delta, now time.Time) (model.Account, model.LedgerRecord, error) {
	if err := d.Validate(); err != nil {
		return acc, model.LedgerRecord{}, err
	}

	after := acc.Balance + d.Amount
	if after < 0 {
		return acc, model.LedgerRecord{}, fmt.Errorf("%w: 当前余额 %d，需要 %d", model.ErrInsufficientBalance, acc.Balance, -d.Amount)
	}

	rec := model.LedgerRecord{
		AccountID:     acc.ID,
		Type:          d.Type,
		Amount:        d.Amount,
		BalanceBefore: acc.Balance,
		BalanceAfter:  after,
		Description:   d.Description,
		CorrelationID: d.CorrelationID,
		CreatedAt:     now,
	}

	acc.Balance = after
	if d.Type == model.RecordUsageDebit {
		acc.DailyUsage += -d.Amount
	}
	return acc, rec, nil
}
