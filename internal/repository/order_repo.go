package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditledger/internal/model"

	"gorm.io/gorm"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(order).Error
	if isDuplicateKey(err) {
		return model.ErrDuplicateCorrelation
	}
	return err
}

func (r *OrderRepository) GetByOrderID(ctx context.Context, orderID string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("订单 %s: %w", orderID, model.ErrNotFound)
		}
		return nil, err
	}
	return &order, nil
}

func (r *OrderRepository) GetByRequestID(ctx context.Context, requestID string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// UpdateStatus 以当前状态为条件推进订单状态，并写入对应的时间戳
// 返回 false 表示订单状态已不是 fromStatus
func (r *OrderRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, orderID string, fromStatus, toStatus model.OrderStatus, at time.Time, paymentRef string) (bool, error) {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return false, model.ErrOrderStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}

	switch toStatus {
	case model.OrderStatusPaid:
		updates["paid_at"] = at
		if paymentRef != "" {
			updates["payment_ref"] = paymentRef
		}
	case model.OrderStatusActivated:
		updates["activated_at"] = at
	}

	result := tx.WithContext(ctx).
		Model(&model.Order{}).
		Where("order_id = ? AND status = ?", orderID, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

func (r *OrderRepository) GetExpiredPending(ctx context.Context, now time.Time, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", model.OrderStatusPending, now).
		Order("id ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// ListActivatedBetween 对账用，按 id 游标遍历时间窗口内激活的订单
func (r *OrderRepository) ListActivatedBetween(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND activated_at >= ? AND activated_at < ? AND id > ?", model.OrderStatusActivated, from, to, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *OrderRepository) ListByAccountID(ctx context.Context, accountID int64, page, pageSize int) ([]*model.Order, int64, error) {
	var orders []*model.Order
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Order{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error

	return orders, total, err
}
