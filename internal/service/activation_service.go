package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ActivationService 订单生命周期：下单 -> 支付确认 -> 激活
//
// 激活的幂等完全依赖订单状态 paid -> activated 的条件更新，
// 与兑换码核销是同一种模式。
type ActivationService struct {
	orderRepo    *repository.OrderRepository
	outboxRepo   *repository.OutboxRepository
	ledger       *LedgerService
	entitlements *EntitlementService
	ids          *idgen.Generator
	cfg          *config.Config
	metrics      *metrics.Metrics
	log          *zap.Logger
}

func NewActivationService(db *gorm.DB, ledger *LedgerService, entitlements *EntitlementService, ids *idgen.Generator, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) *ActivationService {
	return &ActivationService{
		orderRepo:    repository.NewOrderRepository(db),
		outboxRepo:   repository.NewOutboxRepository(db),
		ledger:       ledger,
		entitlements: entitlements,
		ids:          ids,
		cfg:          cfg,
		metrics:      m,
		log:          log.Named("activation"),
	}
}

type CreateOrderRequest struct {
	RequestID string
	AccountID int64
	PlanID    string
}

// CreateOrder 下单，RequestID 相同的请求返回同一订单
func (s *ActivationService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*model.Order, error) {
	if strings.TrimSpace(req.RequestID) == "" {
		return nil, fmt.Errorf("%w: request_id 不能为空", model.ErrInvalidArgument)
	}

	existingOrder, err := s.orderRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if existingOrder != nil {
		return existingOrder, nil
	}

	if req.PlanID == model.FreePlanID {
		return nil, fmt.Errorf("%w: 免费版无需下单", model.ErrInvalidArgument)
	}
	plan, err := s.entitlements.plans.Get(ctx, req.PlanID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: 套餐 %s 不存在", model.ErrInvalidArgument, req.PlanID)
		}
		return nil, err
	}
	if _, err := s.ledger.GetAccount(ctx, req.AccountID); err != nil {
		return nil, err
	}

	now := s.ledger.clock.Now()
	order := &model.Order{
		OrderID:        s.ids.OrderID(),
		RequestID:      req.RequestID,
		AccountID:      req.AccountID,
		PlanID:         plan.PlanID,
		Amount:         plan.EffectivePrice(now),
		OriginalAmount: plan.Price,
		Status:         model.OrderStatusPending,
		ExpiresAt:      now.Add(time.Duration(s.cfg.Business.OrderTimeoutMinutes) * time.Minute),
		CreatedAt:      now,
	}

	err = s.orderRepo.Create(ctx, nil, order)
	if errors.Is(err, model.ErrDuplicateCorrelation) {
		// 并发的相同请求已经创建了订单
		existingOrder, getErr := s.orderRepo.GetByRequestID(ctx, req.RequestID)
		if getErr == nil && existingOrder != nil {
			return existingOrder, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("创建订单失败: %w", err)
	}

	s.log.Info("订单已创建",
		zap.String("order_id", order.OrderID),
		zap.Int64("account_id", order.AccountID),
		zap.String("plan_id", order.PlanID),
		zap.Int64("amount", order.Amount),
	)
	return order, nil
}

func (s *ActivationService) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.orderRepo.GetByOrderID(ctx, orderID)
}

func (s *ActivationService) ListOrders(ctx context.Context, accountID int64, page, pageSize int) ([]*model.Order, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	return s.orderRepo.ListByAccountID(ctx, accountID, page, pageSize)
}

func (s *ActivationService) CancelOrder(ctx context.Context, orderID string) error {
	order, err := s.orderRepo.GetByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == model.OrderStatusCancelled {
		return nil
	}

	won, err := s.orderRepo.UpdateStatus(ctx, nil, orderID, order.Status, model.OrderStatusCancelled, s.ledger.clock.Now(), "")
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: 订单状态已变化", model.ErrOrderStatusInvalid)
	}
	return nil
}

// ConfirmPaid 支付网关回调：pending -> paid
// 已支付或已激活的订单重复回调直接返回
func (s *ActivationService) ConfirmPaid(ctx context.Context, orderID, paymentRef string) (*model.Order, error) {
	order, err := s.orderRepo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case model.OrderStatusPaid, model.OrderStatusActivated:
		return order, nil
	case model.OrderStatusPending:
	default:
		s.log.Warn("订单已关闭但收到支付回调",
			zap.String("order_id", orderID),
			zap.String("status", string(order.Status)),
			zap.String("payment_ref", paymentRef),
		)
		return nil, fmt.Errorf("%w: 订单状态为 %s", model.ErrOrderStatusInvalid, order.Status)
	}

	won, err := s.orderRepo.UpdateStatus(ctx, nil, orderID, model.OrderStatusPending, model.OrderStatusPaid, s.ledger.clock.Now(), paymentRef)
	if err != nil {
		return nil, fmt.Errorf("更新订单状态失败: %w", err)
	}

	latest, err := s.orderRepo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !won && latest.Status != model.OrderStatusPaid && latest.Status != model.OrderStatusActivated {
		return nil, fmt.Errorf("%w: 订单状态为 %s", model.ErrOrderStatusInvalid, latest.Status)
	}
	if won {
		s.log.Info("订单已支付", zap.String("order_id", orderID), zap.String("payment_ref", paymentRef))
	}
	return latest, nil
}

// ActivationResult 激活结果，重复激活返回当前权益
type ActivationResult struct {
	Success          bool                 `json:"success"`
	OrderID          string               `json:"order_id"`
	AlreadyActivated bool                 `json:"already_activated"`
	Entitlement      *EntitlementSnapshot `json:"entitlement"`
}

// Activate 将已支付订单转换为权益
func (s *ActivationService) Activate(ctx context.Context, orderID string) (*ActivationResult, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("%w: order_id 不能为空", model.ErrInvalidArgument)
	}

	order, err := s.orderRepo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	won := false
	if order.Status == model.OrderStatusPaid {
		won, err = s.orderRepo.UpdateStatus(ctx, nil, orderID, model.OrderStatusPaid, model.OrderStatusActivated, s.ledger.clock.Now(), "")
		if err != nil {
			s.metrics.Activation("error")
			return nil, fmt.Errorf("更新订单状态失败: %w", err)
		}
	}

	if !won {
		latest, err := s.orderRepo.GetByOrderID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		switch latest.Status {
		case model.OrderStatusActivated:
			s.metrics.Activation("already_activated")
			snap, err := s.entitlements.GetEntitlement(ctx, latest.AccountID)
			if err != nil {
				return nil, err
			}
			return &ActivationResult{Success: true, OrderID: orderID, AlreadyActivated: true, Entitlement: snap}, nil
		case model.OrderStatusPending:
			s.metrics.Activation("not_paid")
			return nil, model.ErrNotPaid
		default:
			s.metrics.Activation("error")
			return nil, fmt.Errorf("%w: 订单状态为 %s", model.ErrOrderStatusInvalid, latest.Status)
		}
	}

	snap, err := s.grant(ctx, order)
	if err != nil {
		s.metrics.Activation("extend_failed")
		s.log.Error("订单已激活但权益发放失败，等待对账补发",
			zap.String("order_id", orderID),
			zap.Int64("account_id", order.AccountID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("订单 %s 权益发放失败，稍后自动补发: %w", orderID, err)
	}

	s.metrics.Activation("success")
	s.log.Info("订单已激活",
		zap.String("order_id", orderID),
		zap.Int64("account_id", order.AccountID),
		zap.String("plan_id", order.PlanID),
	)
	s.notifyActivated(ctx, order, snap)

	return &ActivationResult{Success: true, OrderID: orderID, Entitlement: snap}, nil
}

// grant 按套餐周期延期并发放赠送积分，关联单号为订单号
func (s *ActivationService) grant(ctx context.Context, order *model.Order) (*EntitlementSnapshot, error) {
	plan, err := s.entitlements.plans.Get(ctx, order.PlanID)
	if err != nil {
		return nil, fmt.Errorf("查询套餐失败: %w", err)
	}
	snap, err := s.entitlements.Extend(ctx, ExtendRequest{
		AccountID:     order.AccountID,
		PlanID:        plan.PlanID,
		Days:          plan.BillingCycleDays,
		BonusCredits:  plan.BonusCredits,
		CorrelationID: order.OrderID,
		Source:        model.GrantSourceOrder,
	})
	if errors.Is(err, model.ErrDuplicateCorrelation) {
		return s.entitlements.GetEntitlement(ctx, order.AccountID)
	}
	return snap, err
}

// notifyActivated 写入确认通知事件，失败只记录日志，不影响激活结果
func (s *ActivationService) notifyActivated(ctx context.Context, order *model.Order, snap *EntitlementSnapshot) {
	msgPayload := map[string]interface{}{
		"event":       model.EventOrderActivated,
		"order_id":    order.OrderID,
		"account_id":  order.AccountID,
		"plan_id":     order.PlanID,
		"amount":      order.Amount,
		"expiry_date": snap.ExpiryDate,
	}
	payloadBytes, err := json.Marshal(msgPayload)
	if err == nil {
		err = s.outboxRepo.Create(ctx, nil, &model.OutboxMessage{
			MessageKey: order.OrderID,
			Topic:      s.cfg.Kafka.Topic.OrderActivated,
			Payload:    string(payloadBytes),
			Status:     model.OutboxStatusPending,
		})
	}
	if err != nil {
		s.log.Warn("写入激活通知失败", zap.String("order_id", order.OrderID), zap.Error(err))
	}
}

// CloseExpiredOrders 关闭超时未支付的订单
func (s *ActivationService) CloseExpiredOrders(ctx context.Context, limit int) (int, error) {
	now := s.ledger.clock.Now()
	orders, err := s.orderRepo.GetExpiredPending(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	closedCount := 0
	for _, order := range orders {
		won, err := s.orderRepo.UpdateStatus(ctx, nil, order.OrderID, model.OrderStatusPending, model.OrderStatusExpired, now, "")
		if err != nil {
			s.log.Warn("关闭超时订单失败", zap.String("order_id", order.OrderID), zap.Error(err))
			continue
		}
		if won {
			closedCount++
		}
	}
	return closedCount, nil
}

// ReconcileActivatedOrders 补发已激活但缺少延期记录的订单
func (s *ActivationService) ReconcileActivatedOrders(ctx context.Context, from, to time.Time, batchSize int) (*ReconcileResult, error) {
	result := &ReconcileResult{}
	var cursor int64
	for {
		orders, err := s.orderRepo.ListActivatedBetween(ctx, from, to, cursor, batchSize)
		if err != nil {
			return result, fmt.Errorf("查询已激活订单失败: %w", err)
		}
		if len(orders) == 0 {
			return result, nil
		}

		for _, order := range orders {
			result.Scanned++
			granted, err := s.ledger.grants.ExistsByCorrelation(ctx, order.OrderID)
			if err != nil {
				return result, err
			}
			if granted {
				continue
			}

			if _, err := s.grant(ctx, order); err != nil {
				result.Failed++
				s.metrics.Reconciled("order", false)
				s.log.Error("订单权益补发失败", zap.String("order_id", order.OrderID), zap.Error(err))
				continue
			}
			result.Repaired++
			s.metrics.Reconciled("order", true)
			s.log.Warn("订单权益已补发", zap.String("order_id", order.OrderID), zap.Int64("account_id", order.AccountID))
		}
		cursor = orders[len(orders)-1].ID
	}
}
