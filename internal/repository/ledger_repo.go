package repository

import (
	"context"

	"creditledger/internal/model"
	"creditledger/pkg/idgen"

	"gorm.io/gorm"
)

// LedgerRepository 流水表只提供插入和查询，不提供更新、删除
type LedgerRepository struct {
	db  *gorm.DB
	ids *idgen.Generator
}

func NewLedgerRepository(db *gorm.DB, ids *idgen.Generator) *LedgerRepository {
	return &LedgerRepository{db: db, ids: ids}
}

func (r *LedgerRepository) Create(ctx context.Context, tx *gorm.DB, record *model.LedgerRecord) error {
	if tx == nil {
		tx = r.db
	}
	if record.RecordNo == "" {
		record.RecordNo = r.ids.RecordNo()
	}
	err := tx.WithContext(ctx).Create(record).Error
	if isDuplicateKey(err) {
		return model.ErrDuplicateCorrelation
	}
	return err
}

// ListByAccount 按时间倒序分页
func (r *LedgerRepository) ListByAccount(ctx context.Context, accountID int64, limit, offset int) ([]*model.LedgerRecord, int64, error) {
	var records []*model.LedgerRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerRecord{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&records).Error

	return records, total, err
}

func (r *LedgerRepository) ExistsByCorrelation(ctx context.Context, recordType model.RecordType, correlationID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.LedgerRecord{}).
		Where("type = ? AND correlation_id = ?", recordType, correlationID).
		Count(&count).Error
	return count > 0, err
}

// SumByAccount 按流水累加得到的余额
func (r *LedgerRepository) SumByAccount(ctx context.Context, accountID int64) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.LedgerRecord{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}
