package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditledger/internal/clock"
	"creditledger/internal/config"
	"creditledger/internal/domain"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errNoChange 变更函数判断无需修改账户时返回，只落地每日重置
var errNoChange = errors.New("no change")

// mutateFunc 在已完成每日重置的账户快照上计算变更
type mutateFunc func(acc model.Account, now time.Time) (domain.Mutation, error)

// LedgerService 账户余额与流水的唯一写入口
//
// 所有账户写入都经过 mutate：读取快照 -> 每日重置 -> 计算变更 ->
// 同一事务内按版本号写回账户并追加流水，版本冲突时有限次重试。
type LedgerService struct {
	db         *gorm.DB
	accounts   *repository.AccountRepository
	ledger     *repository.LedgerRepository
	grants     *repository.GrantRepository
	outbox     *repository.OutboxRepository
	clock      clock.Clock
	loc        *time.Location
	cfg        config.LedgerConfig
	maxRetries int
	metrics    *metrics.Metrics
	log        *zap.Logger
}

func NewLedgerService(db *gorm.DB, ids *idgen.Generator, clk clock.Clock, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) *LedgerService {
	return &LedgerService{
		db:         db,
		accounts:   repository.NewAccountRepository(db),
		ledger:     repository.NewLedgerRepository(db, ids),
		grants:     repository.NewGrantRepository(db),
		outbox:     repository.NewOutboxRepository(db),
		clock:      clk,
		loc:        cfg.Location(),
		cfg:        cfg.Ledger,
		maxRetries: cfg.Ledger.MaxCASRetries,
		metrics:    m,
		log:        log.Named("ledger"),
	}
}

func (s *LedgerService) mutate(ctx context.Context, accountID int64, fn mutateFunc) (*domain.Mutation, error) {
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		acc, err := s.accounts.GetByID(ctx, nil, accountID)
		if err != nil {
			return nil, err
		}
		expected := acc.Version

		now := s.clock.Now()
		reset, refills, changed := domain.ResetIfNewDay(*acc, now, s.loc)
		m := domain.Mutation{Account: reset, Records: refills}

		if fn != nil {
			next, err := fn(reset, now)
			switch {
			case errors.Is(err, errNoChange):
			case err != nil:
				return nil, err
			default:
				next.Records = append(refills, next.Records...)
				m = next
				changed = true
			}
		}

		if !changed {
			return &m, nil
		}

		err = s.commit(ctx, expected, &m)
		if errors.Is(err, model.ErrConcurrencyConflict) {
			s.metrics.CASConflict(false)
			s.log.Debug("账户版本冲突，重试",
				zap.Int64("account_id", accountID),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, err
		}

		for _, r := range refills {
			s.metrics.Refilled(r.Amount)
		}
		return &m, nil
	}

	s.metrics.CASConflict(true)
	s.log.Warn("账户写入冲突次数超限", zap.Int64("account_id", accountID), zap.Int("max_retries", s.maxRetries))
	return nil, fmt.Errorf("账户 %d 连续 %d 次写入冲突: %w", accountID, s.maxRetries, model.ErrUnavailable)
}

// commit 账户、流水、延期记录、outbox 消息在同一事务内落地
func (s *LedgerService) commit(ctx context.Context, expectedVersion int, m *domain.Mutation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.accounts.CompareAndSwap(ctx, tx, &m.Account, expectedVersion); err != nil {
			return err
		}
		for i := range m.Records {
			if err := s.ledger.Create(ctx, tx, &m.Records[i]); err != nil {
				return fmt.Errorf("记录流水失败: %w", err)
			}
		}
		if m.Grant != nil {
			if err := s.grants.Create(ctx, tx, m.Grant); err != nil {
				return fmt.Errorf("记录延期失败: %w", err)
			}
		}
		for i := range m.Outbox {
			if err := s.outbox.Create(ctx, tx, &m.Outbox[i]); err != nil {
				return fmt.Errorf("写入消息失败: %w", err)
			}
		}
		return nil
	})
}

// Register 开户：免费版权益加注册奖励，重复调用返回已有账户
func (s *LedgerService) Register(ctx context.Context, accountID int64) (*model.Account, bool, error) {
	if accountID <= 0 {
		return nil, false, fmt.Errorf("%w: account_id 必须为正数", model.ErrInvalidArgument)
	}

	now := s.clock.Now()
	start := now
	account := &model.Account{
		ID:          accountID,
		Balance:     s.cfg.WelcomeCredits,
		LastResetAt: now,
		Subscription: model.Subscription{
			PlanID:       model.FreePlanID,
			Status:       model.SubscriptionActive,
			StartDate:    &start,
			DailyCredits: s.cfg.FreeDailyCredits,
		},
	}

	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.accounts.CreateIfAbsent(ctx, tx, account)
		if err != nil || !ok {
			return err
		}
		created = true
		if s.cfg.WelcomeCredits <= 0 {
			return nil
		}
		return s.ledger.Create(ctx, tx, &model.LedgerRecord{
			AccountID:     accountID,
			Type:          model.RecordReward,
			Amount:        s.cfg.WelcomeCredits,
			BalanceBefore: 0,
			BalanceAfter:  s.cfg.WelcomeCredits,
			Description:   "注册奖励",
			CorrelationID: fmt.Sprintf("welcome:%d", accountID),
			CreatedAt:     now,
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("开户失败: %w", err)
	}

	if created {
		s.log.Info("账户已创建", zap.Int64("account_id", accountID), zap.Int64("welcome_credits", s.cfg.WelcomeCredits))
		return account, true, nil
	}

	existing, err := s.GetAccount(ctx, accountID)
	return existing, false, err
}

// GetAccount 读取账户，跨日时顺带完成每日重置
func (s *LedgerService) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	m, err := s.mutate(ctx, accountID, nil)
	if err != nil {
		return nil, err
	}
	return &m.Account, nil
}

// ApplyDelta 单笔余额变动
func (s *LedgerService) ApplyDelta(ctx context.Context, accountID int64, amount int64, recordType model.RecordType, description, correlationID string) (*model.LedgerRecord, error) {
	delta := domain.Delta{
		Amount:        amount,
		Type:          recordType,
		Description:   description,
		CorrelationID: correlationID,
	}
	if err := delta.Validate(); err != nil {
		return nil, err
	}

	m, err := s.mutate(ctx, accountID, func(acc model.Account, now time.Time) (domain.Mutation, error) {
		next, rec, err := domain.ApplyDelta(acc, delta, now)
		if err != nil {
			return domain.Mutation{}, err
		}
		return domain.Mutation{Account: next, Records: []model.LedgerRecord{rec}}, nil
	})
	if err != nil {
		return nil, err
	}

	rec := m.Records[len(m.Records)-1]
	s.log.Info("余额变动",
		zap.Int64("account_id", accountID),
		zap.String("type", string(recordType)),
		zap.Int64("amount", amount),
		zap.Int64("balance_after", rec.BalanceAfter),
		zap.String("correlation_id", correlationID),
	)
	return &rec, nil
}

// ConsumeCredits 使用扣减，requestID 作为幂等键
func (s *LedgerService) ConsumeCredits(ctx context.Context, accountID, amount int64, requestID, description string) (*model.LedgerRecord, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: 扣减积分必须大于 0", model.ErrInvalidArgument)
	}
	if description == "" {
		description = "积分使用"
	}
	return s.ApplyDelta(ctx, accountID, -amount, model.RecordUsageDebit, description, requestID)
}

// HistoryPage 流水分页结果，按时间倒序
type HistoryPage struct {
	Records []*model.LedgerRecord `json:"records"`
	Total   int64                 `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

func (s *LedgerService) GetLedgerHistory(ctx context.Context, accountID int64, limit, offset int) (*HistoryPage, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset 不能为负", model.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = s.cfg.HistoryDefaultLimit
	}
	if limit > s.cfg.HistoryMaxLimit {
		limit = s.cfg.HistoryMaxLimit
	}

	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	records, total, err := s.ledger.ListByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	return &HistoryPage{Records: records, Total: total, Limit: limit, Offset: offset}, nil
}

// ConsistencyReport 余额与流水累加值的比对结果
type ConsistencyReport struct {
	AccountID  int64 `json:"account_id"`
	Balance    int64 `json:"balance"`
	LedgerSum  int64 `json:"ledger_sum"`
	Consistent bool  `json:"consistent"`
}

// VerifyConsistency 只读校验，不触发每日重置
func (s *LedgerService) VerifyConsistency(ctx context.Context, accountID int64) (*ConsistencyReport, error) {
	acc, err := s.accounts.GetByID(ctx, nil, accountID)
	if err != nil {
		return nil, err
	}
	sum, err := s.ledger.SumByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("汇总流水失败: %w", err)
	}

	report := &ConsistencyReport{
		AccountID:  accountID,
		Balance:    acc.Balance,
		LedgerSum:  sum,
		Consistent: acc.Balance == sum,
	}
	if !report.Consistent {
		s.log.Error("余额与流水不一致",
			zap.Int64("account_id", accountID),
			zap.Int64("balance", acc.Balance),
			zap.Int64("ledger_sum", sum),
		)
	}
	return report, nil
}

// VerifyAll 遍历全部账户做一致性校验，返回不一致的账户
func (s *LedgerService) VerifyAll(ctx context.Context, batchSize int) ([]*ConsistencyReport, error) {
	var broken []*ConsistencyReport
	var cursor int64
	for {
		ids, err := s.accounts.ListIDs(ctx, cursor, batchSize)
		if err != nil {
			return broken, err
		}
		if len(ids) == 0 {
			return broken, nil
		}
		for _, id := range ids {
			report, err := s.VerifyConsistency(ctx, id)
			if err != nil {
				return broken, err
			}
			if !report.Consistent {
				broken = append(broken, report)
			}
		}
		cursor = ids[len(ids)-1]
	}
}
