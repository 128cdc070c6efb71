package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// CreateIfAbsent 账户已存在时不做任何修改，返回 false
func (r *AccountRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, account *model.Account) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(account)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, tx *gorm.DB, accountID int64) (*model.Account, error) {
	if tx == nil {
		tx = r.db
	}
	var account model.Account
	err := tx.WithContext(ctx).Where("id = ?", accountID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("账户 %d: %w", accountID, model.ErrNotFound)
		}
		return nil, err
	}
	return &account, nil
}

// CompareAndSwap 以读取时的版本号为条件写回整个账户快照
//
// 影响行数为 0 说明期间有其他写入，返回 ErrConcurrencyConflict 由调用方重试
func (r *AccountRepository) CompareAndSwap(ctx context.Context, tx *gorm.DB, account *model.Account, expectedVersion int) error {
	sub := account.Subscription
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", account.ID, expectedVersion).
		Updates(map[string]interface{}{
			"balance":             account.Balance,
			"daily_usage":         account.DailyUsage,
			"last_reset_at":       account.LastResetAt,
			"plan_id":             sub.PlanID,
			"subscription_status": sub.Status,
			"start_date":          sub.StartDate,
			"expiry_date":         sub.ExpiryDate,
			"daily_credits":       sub.DailyCredits,
			"auto_renew":          sub.AutoRenew,
			"renewal_flagged_at":  sub.RenewalFlaggedAt,
			"version":             expectedVersion + 1,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return model.ErrConcurrencyConflict
	}

	account.Version = expectedVersion + 1
	return nil
}

// ListExpired 查询已过期且仍需处理的订阅
//   - 未开启自动续费的 active 订阅：降级
//   - 已取消的订阅：降级
//   - 开启自动续费且尚未标记的 active 订阅：标记待续费
func (r *AccountRepository) ListExpired(ctx context.Context, now time.Time, afterID int64, limit int) ([]*model.Account, error) {
	var accounts []*model.Account
	err := r.db.WithContext(ctx).
		Where("id > ? AND expiry_date IS NOT NULL AND expiry_date < ?", afterID, now).
		Where(
			r.db.Where("subscription_status = ?", model.SubscriptionCancelled).
				Or("subscription_status = ? AND (auto_renew = ? OR renewal_flagged_at IS NULL)", model.SubscriptionActive, false),
		).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

// ListIDs 按 id 游标分页遍历账户
func (r *AccountRepository) ListIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
