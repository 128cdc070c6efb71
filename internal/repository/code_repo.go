package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditledger/internal/model"

	"gorm.io/gorm"
)

type CodeRepository struct {
	db *gorm.DB
}

func NewCodeRepository(db *gorm.DB) *CodeRepository {
	return &CodeRepository{db: db}
}

func (r *CodeRepository) CreateInBatches(ctx context.Context, codes []*model.RedemptionCode, batchSize int) error {
	err := r.db.WithContext(ctx).CreateInBatches(codes, batchSize).Error
	if isDuplicateKey(err) {
		return fmt.Errorf("兑换码重复: %w", model.ErrInvalidArgument)
	}
	return err
}

func (r *CodeRepository) GetByCode(ctx context.Context, code string) (*model.RedemptionCode, error) {
	var rc model.RedemptionCode
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&rc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &rc, nil
}

// Transition 以当前状态为条件切换兑换码状态
// 返回 false 表示状态已被其他请求修改
func (r *CodeRepository) Transition(ctx context.Context, tx *gorm.DB, code string, from, to model.CodeStatus, extra map[string]interface{}) (bool, error) {
	if !model.CanCodeTransitionTo(from, to) {
		return false, fmt.Errorf("兑换码状态 %s -> %s: %w", from, to, model.ErrInvalidArgument)
	}
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": to,
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.RedemptionCode{}).
		Where("code = ? AND status = ?", code, from).
		Updates(updates)

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkUsed active -> used，同一兑换码只有一个调用方能成功
func (r *CodeRepository) MarkUsed(ctx context.Context, code string, accountID int64, ip string, at time.Time) (bool, error) {
	return r.Transition(ctx, nil, code, model.CodeStatusActive, model.CodeStatusUsed, map[string]interface{}{
		"redeemed_by": accountID,
		"redeemed_at": at,
		"redeem_ip":   ip,
	})
}

// DeleteUnused 只允许删除未使用的兑换码
func (r *CodeRepository) DeleteUnused(ctx context.Context, code string) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("code = ? AND status = ?", code, model.CodeStatusActive).
		Delete(&model.RedemptionCode{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListUsedBetween 对账用，按 id 游标遍历指定时间窗口内被使用的兑换码
func (r *CodeRepository) ListUsedBetween(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]*model.RedemptionCode, error) {
	var codes []*model.RedemptionCode
	err := r.db.WithContext(ctx).
		Where("status = ? AND redeemed_at >= ? AND redeemed_at < ? AND id > ?", model.CodeStatusUsed, from, to, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&codes).Error
	return codes, err
}
