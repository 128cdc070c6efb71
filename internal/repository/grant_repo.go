package repository

import (
	"context"

	"creditledger/internal/model"

	"gorm.io/gorm"
)

type GrantRepository struct {
	db *gorm.DB
}

func NewGrantRepository(db *gorm.DB) *GrantRepository {
	return &GrantRepository{db: db}
}

func (r *GrantRepository) Create(ctx context.Context, tx *gorm.DB, grant *model.EntitlementGrant) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(grant).Error
	if isDuplicateKey(err) {
		return model.ErrDuplicateCorrelation
	}
	return err
}

func (r *GrantRepository) ExistsByCorrelation(ctx context.Context, correlationID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.EntitlementGrant{}).
		Where("correlation_id = ?", correlationID).
		Count(&count).Error
	return count > 0, err
}
