package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/domain"
	"creditledger/internal/model"
	"creditledger/internal/repository"

	"go.uber.org/zap"
)

// PlanCatalog 套餐目录，由外部维护，这里只读
type PlanCatalog interface {
	Get(ctx context.Context, planID string) (*model.Plan, error)
	List(ctx context.Context) ([]*model.Plan, error)
}

// planInvalidator 带缓存的目录实现，套餐在库中被修改后需要清除缓存
type planInvalidator interface {
	Invalidate(ctx context.Context, planID string) error
}

// EntitlementSnapshot 账户当前权益
type EntitlementSnapshot struct {
	AccountID    int64                    `json:"account_id"`
	PlanID       string                   `json:"plan_id"`
	Status       model.SubscriptionStatus `json:"status"`
	Entitled     bool                     `json:"entitled"`
	StartDate    *time.Time               `json:"start_date"`
	ExpiryDate   *time.Time               `json:"expiry_date"`
	DailyCredits int64                    `json:"daily_credits"`
	AutoRenew    bool                     `json:"auto_renew"`
	Balance      int64                    `json:"balance"`
	DailyUsage   int64                    `json:"daily_usage"`
}

func snapshotOf(acc *model.Account, now time.Time) *EntitlementSnapshot {
	sub := acc.Subscription
	return &EntitlementSnapshot{
		AccountID:    acc.ID,
		PlanID:       sub.PlanID,
		Status:       sub.Status,
		Entitled:     sub.Entitled(now),
		StartDate:    sub.StartDate,
		ExpiryDate:   sub.ExpiryDate,
		DailyCredits: sub.DailyCredits,
		AutoRenew:    sub.AutoRenew,
		Balance:      acc.Balance,
		DailyUsage:   acc.DailyUsage,
	}
}

// ExtendRequest 订阅延期
// CorrelationID 为兑换码或订单号，同一关联单号只会生效一次
type ExtendRequest struct {
	AccountID     int64
	PlanID        string
	Days          int
	BonusCredits  int64
	CorrelationID string
	Source        model.GrantSource
}

type EntitlementService struct {
	ledger    *LedgerService
	accounts  *repository.AccountRepository
	plans     PlanCatalog
	topics    config.KafkaTopicConfig
	batchSize int
	log       *zap.Logger
}

func NewEntitlementService(ledger *LedgerService, plans PlanCatalog, cfg *config.Config, log *zap.Logger) *EntitlementService {
	return &EntitlementService{
		ledger:    ledger,
		accounts:  ledger.accounts,
		plans:     plans,
		topics:    cfg.Kafka.Topic,
		batchSize: cfg.Jobs.BatchSize,
		log:       log.Named("entitlement"),
	}
}

// Extend 叠加订阅期，可附带赠送积分
func (s *EntitlementService) Extend(ctx context.Context, req ExtendRequest) (*EntitlementSnapshot, error) {
	if strings.TrimSpace(req.PlanID) == "" || req.PlanID == model.FreePlanID {
		return nil, fmt.Errorf("%w: 套餐 %q 不能用于延期", model.ErrInvalidArgument, req.PlanID)
	}
	bonusType := model.RecordGrantOrder
	switch req.Source {
	case model.GrantSourceOrder:
	case model.GrantSourceRedeem:
		bonusType = model.RecordGrantRedeem
	default:
		return nil, fmt.Errorf("%w: 未知延期来源 %q", model.ErrInvalidArgument, req.Source)
	}

	plan, err := s.plans.Get(ctx, req.PlanID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: 套餐 %s 不存在", model.ErrInvalidArgument, req.PlanID)
		}
		return nil, fmt.Errorf("查询套餐失败: %w", err)
	}

	ext := domain.Extension{
		PlanID:        plan.PlanID,
		DailyCredits:  plan.DailyCredits,
		Days:          req.Days,
		BonusCredits:  req.BonusCredits,
		BonusType:     bonusType,
		CorrelationID: req.CorrelationID,
		Source:        req.Source,
	}
	if err := ext.Validate(); err != nil {
		return nil, err
	}

	m, err := s.ledger.mutate(ctx, req.AccountID, func(acc model.Account, now time.Time) (domain.Mutation, error) {
		return domain.Extend(acc, ext, now)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("订阅已延期",
		zap.Int64("account_id", req.AccountID),
		zap.String("plan_id", plan.PlanID),
		zap.Int("days", req.Days),
		zap.Timep("expiry_date", m.Account.Subscription.ExpiryDate),
		zap.String("correlation_id", req.CorrelationID),
	)
	return snapshotOf(&m.Account, s.ledger.clock.Now()), nil
}

// GetEntitlement 查询权益，跨日时顺带完成每日重置
func (s *EntitlementService) GetEntitlement(ctx context.Context, accountID int64) (*EntitlementSnapshot, error) {
	acc, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return snapshotOf(acc, s.ledger.clock.Now()), nil
}

// Cancel 取消订阅，到期前仍可使用
func (s *EntitlementService) Cancel(ctx context.Context, accountID int64) (*EntitlementSnapshot, error) {
	m, err := s.ledger.mutate(ctx, accountID, func(acc model.Account, now time.Time) (domain.Mutation, error) {
		next, err := domain.Cancel(acc)
		if err != nil {
			return domain.Mutation{}, err
		}
		return domain.Mutation{Account: next}, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("订阅已取消", zap.Int64("account_id", accountID), zap.Timep("expiry_date", m.Account.Subscription.ExpiryDate))
	return snapshotOf(&m.Account, s.ledger.clock.Now()), nil
}

func (s *EntitlementService) SetAutoRenew(ctx context.Context, accountID int64, autoRenew bool) (*EntitlementSnapshot, error) {
	m, err := s.ledger.mutate(ctx, accountID, func(acc model.Account, now time.Time) (domain.Mutation, error) {
		if acc.Subscription.AutoRenew == autoRenew && acc.Subscription.PlanID != model.FreePlanID {
			return domain.Mutation{}, errNoChange
		}
		next, err := domain.SetAutoRenew(acc, autoRenew)
		if err != nil {
			return domain.Mutation{}, err
		}
		return domain.Mutation{Account: next}, nil
	})
	if err != nil {
		return nil, err
	}
	return snapshotOf(&m.Account, s.ledger.clock.Now()), nil
}

// ListPlans 在售套餐，按价格升序
func (s *EntitlementService) ListPlans(ctx context.Context) ([]*model.Plan, error) {
	plans, err := s.plans.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询套餐目录失败: %w", err)
	}
	return plans, nil
}

// RefreshPlan 套餐在库中被修改后清除缓存并返回最新内容
func (s *EntitlementService) RefreshPlan(ctx context.Context, planID string) (*model.Plan, error) {
	if strings.TrimSpace(planID) == "" {
		return nil, fmt.Errorf("%w: plan_id 不能为空", model.ErrInvalidArgument)
	}
	if inv, ok := s.plans.(planInvalidator); ok {
		if err := inv.Invalidate(ctx, planID); err != nil {
			return nil, fmt.Errorf("清除套餐缓存失败: %w", err)
		}
	}
	plan, err := s.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	s.log.Info("套餐缓存已刷新", zap.String("plan_id", planID))
	return plan, nil
}

// SweepResult 过期扫描统计
type SweepResult struct {
	Downgraded int `json:"downgraded"`
	Flagged    int `json:"flagged"`
	Failed     int `json:"failed"`
}

// SweepExpired 处理已过期的订阅
//   - 未开启自动续费：回退免费版
//   - 开启自动续费：保持 active，标记待续费并发出 renewal_due 事件，扣费由外部计费系统完成
func (s *EntitlementService) SweepExpired(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	var cursor int64
	for {
		accounts, err := s.accounts.ListExpired(ctx, s.ledger.clock.Now(), cursor, s.batchSize)
		if err != nil {
			return result, fmt.Errorf("查询过期订阅失败: %w", err)
		}
		if len(accounts) == 0 {
			return result, nil
		}

		for _, acc := range accounts {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			downgraded, flagged, err := s.sweepOne(ctx, acc.ID)
			switch {
			case err != nil:
				result.Failed++
				s.log.Error("处理过期订阅失败", zap.Int64("account_id", acc.ID), zap.Error(err))
			case downgraded:
				result.Downgraded++
			case flagged:
				result.Flagged++
			}
		}
		cursor = accounts[len(accounts)-1].ID
	}
}

func (s *EntitlementService) sweepOne(ctx context.Context, accountID int64) (downgraded, flagged bool, err error) {
	_, err = s.ledger.mutate(ctx, accountID, func(acc model.Account, now time.Time) (domain.Mutation, error) {
		downgraded, flagged = false, false
		sub := acc.Subscription
		if sub.ExpiryDate == nil || !sub.ExpiryDate.Before(now) {
			return domain.Mutation{}, errNoChange
		}

		switch {
		case sub.Status == model.SubscriptionCancelled,
			sub.Status == model.SubscriptionActive && !sub.AutoRenew:
			downgraded = true
			return domain.Mutation{Account: domain.Downgrade(acc, s.ledger.cfg.FreeDailyCredits, now)}, nil

		case sub.Status == model.SubscriptionActive && sub.AutoRenew:
			next, ok := domain.FlagRenewal(acc, now)
			if !ok {
				return domain.Mutation{}, errNoChange
			}
			msg, err := s.renewalDueMessage(&next)
			if err != nil {
				return domain.Mutation{}, err
			}
			flagged = true
			return domain.Mutation{Account: next, Outbox: []model.OutboxMessage{*msg}}, nil
		}
		return domain.Mutation{}, errNoChange
	})
	if err != nil {
		return false, false, err
	}

	if downgraded {
		s.log.Info("订阅到期，已回退免费版", zap.Int64("account_id", accountID))
	}
	if flagged {
		s.log.Info("订阅到期，等待自动续费", zap.Int64("account_id", accountID))
	}
	return downgraded, flagged, nil
}

func (s *EntitlementService) renewalDueMessage(acc *model.Account) (*model.OutboxMessage, error) {
	sub := acc.Subscription
	payload, err := json.Marshal(map[string]interface{}{
		"event":       model.EventRenewalDue,
		"account_id":  acc.ID,
		"plan_id":     sub.PlanID,
		"expiry_date": sub.ExpiryDate.Format(time.RFC3339),
		"flagged_at":  sub.RenewalFlaggedAt.Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	return &model.OutboxMessage{
		MessageKey: fmt.Sprintf("renewal:%d:%d", acc.ID, sub.ExpiryDate.Unix()),
		Topic:      s.topics.RenewalDue,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}, nil
}
