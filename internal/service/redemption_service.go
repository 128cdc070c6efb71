package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
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

const (
	codePrefix = "CRK"
	// 去掉易混淆的 0/O/1/I
	codeAlphabet  = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	maxBatchCount = 1000
)

// RedemptionResult 兑换结果
type RedemptionResult struct {
	Success        bool                 `json:"success"`
	Message        string               `json:"message"`
	Code           string               `json:"code"`
	Kind           model.CodeKind       `json:"kind"`
	GrantedCredits int64                `json:"granted_credits,omitempty"`
	NewBalance     int64                `json:"new_balance"`
	Entitlement    *EntitlementSnapshot `json:"entitlement,omitempty"`
}

type RedemptionService struct {
	codes        *repository.CodeRepository
	ledger       *LedgerService
	entitlements *EntitlementService
	outbox       *repository.OutboxRepository
	ids          *idgen.Generator
	topic        string
	metrics      *metrics.Metrics
	log          *zap.Logger
}

func NewRedemptionService(db *gorm.DB, ledger *LedgerService, entitlements *EntitlementService, ids *idgen.Generator, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) *RedemptionService {
	return &RedemptionService{
		codes:        repository.NewCodeRepository(db),
		ledger:       ledger,
		entitlements: entitlements,
		outbox:       repository.NewOutboxRepository(db),
		ids:          ids,
		topic:        cfg.Kafka.Topic.CodeRedeemed,
		metrics:      m,
		log:          log.Named("redemption"),
	}
}

// Redeem 核销兑换码
//
// 兑换码状态 active -> used 的条件更新是唯一的并发控制点：
// 只有更新成功的请求发放奖励，其余请求得到 ErrAlreadyConsumed。
// 核销成功但奖励发放失败时，兑换码保持 used，由对账任务补发。
func (s *RedemptionService) Redeem(ctx context.Context, accountID int64, rawCode, ip string) (*RedemptionResult, error) {
	code := model.NormalizeCode(rawCode)
	if code == "" {
		return nil, fmt.Errorf("%w: 兑换码不能为空", model.ErrInvalidArgument)
	}
	if accountID <= 0 {
		return nil, fmt.Errorf("%w: account_id 必须为正数", model.ErrInvalidArgument)
	}

	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	rc, err := s.codes.GetByCode(ctx, code)
	if err != nil {
		s.observe(err)
		return nil, err
	}

	now := s.ledger.clock.Now()
	if err := s.checkRedeemable(ctx, rc, now); err != nil {
		s.observe(err)
		return nil, err
	}

	won, err := s.codes.MarkUsed(ctx, code, accountID, ip, now)
	if err != nil {
		return nil, fmt.Errorf("核销兑换码失败: %w", err)
	}
	if !won {
		err := s.lostRace(ctx, code)
		s.observe(err)
		return nil, err
	}

	s.log.Info("兑换码已核销",
		zap.String("code", code),
		zap.Int64("account_id", accountID),
		zap.String("ip", ip),
	)

	result, err := s.applyReward(ctx, rc, accountID)
	if err != nil {
		s.metrics.Redemption("reward_failed")
		s.log.Error("兑换码已核销但奖励发放失败，等待对账补发",
			zap.String("code", code),
			zap.Int64("account_id", accountID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("兑换码 %s 奖励发放失败，稍后自动补发: %w", code, err)
	}

	s.metrics.Redemption("success")
	s.notifyRedeemed(ctx, rc, accountID, result)
	return result, nil
}

func (s *RedemptionService) checkRedeemable(ctx context.Context, rc *model.RedemptionCode, now time.Time) error {
	switch rc.Status {
	case model.CodeStatusUsed:
		return model.ErrAlreadyConsumed
	case model.CodeStatusDisabled:
		return model.ErrCodeDisabled
	case model.CodeStatusExpired:
		return model.ErrExpired
	}

	if rc.PastValidity(now) {
		if _, err := s.codes.Transition(ctx, nil, rc.Code, model.CodeStatusActive, model.CodeStatusExpired, nil); err != nil {
			s.log.Warn("标记兑换码过期失败", zap.String("code", rc.Code), zap.Error(err))
		}
		return model.ErrExpired
	}
	if rc.BeforeValidity(now) {
		return model.ErrNotYetValid
	}
	return nil
}

// lostRace 条件更新未命中，按最新状态给出结果
func (s *RedemptionService) lostRace(ctx context.Context, code string) error {
	latest, err := s.codes.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	switch latest.Status {
	case model.CodeStatusDisabled:
		return model.ErrCodeDisabled
	case model.CodeStatusExpired:
		return model.ErrExpired
	default:
		return model.ErrAlreadyConsumed
	}
}

func (s *RedemptionService) applyReward(ctx context.Context, rc *model.RedemptionCode, accountID int64) (*RedemptionResult, error) {
	result := &RedemptionResult{
		Success: true,
		Code:    rc.Code,
		Kind:    rc.Kind,
	}

	switch rc.Kind {
	case model.CodeKindCredit:
		rec, err := s.ledger.ApplyDelta(ctx, accountID, rc.Credits, model.RecordGrantRedeem,
			fmt.Sprintf("兑换码 %s 兑换积分", rc.Code), rc.Code)
		if err != nil {
			return nil, err
		}
		result.GrantedCredits = rec.Amount
		result.NewBalance = rec.BalanceAfter
		result.Message = fmt.Sprintf("兑换成功，获得 %d 积分", rec.Amount)

	case model.CodeKindPlan:
		snap, err := s.entitlements.Extend(ctx, ExtendRequest{
			AccountID:     accountID,
			PlanID:        rc.PlanID,
			Days:          rc.Days,
			BonusCredits:  rc.BonusCredits,
			CorrelationID: rc.Code,
			Source:        model.GrantSourceRedeem,
		})
		if err != nil {
			return nil, err
		}
		result.GrantedCredits = rc.BonusCredits
		result.NewBalance = snap.Balance
		result.Entitlement = snap
		result.Message = fmt.Sprintf("兑换成功，%s 延长 %d 天", rc.PlanID, rc.Days)

	default:
		return nil, fmt.Errorf("%w: 未知兑换码类型 %q", model.ErrInvalidArgument, rc.Kind)
	}
	return result, nil
}

// notifyRedeemed 兑换事件只用于通知，写入失败不影响兑换结果
func (s *RedemptionService) notifyRedeemed(ctx context.Context, rc *model.RedemptionCode, accountID int64, result *RedemptionResult) {
	payload, err := json.Marshal(map[string]interface{}{
		"event":           model.EventCodeRedeemed,
		"code":            rc.Code,
		"kind":            rc.Kind,
		"account_id":      accountID,
		"granted_credits": result.GrantedCredits,
		"plan_id":         rc.PlanID,
		"days":            rc.Days,
	})
	if err == nil {
		err = s.outbox.Create(ctx, nil, &model.OutboxMessage{
			MessageKey: rc.Code,
			Topic:      s.topic,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		})
	}
	if err != nil {
		s.log.Warn("写入兑换通知失败", zap.String("code", rc.Code), zap.Error(err))
	}
}

func (s *RedemptionService) observe(err error) {
	switch {
	case errors.Is(err, model.ErrAlreadyConsumed):
		s.metrics.Redemption("already_consumed")
	case errors.Is(err, model.ErrExpired):
		s.metrics.Redemption("expired")
	case errors.Is(err, model.ErrNotFound):
		s.metrics.Redemption("not_found")
	case errors.Is(err, model.ErrCodeDisabled):
		s.metrics.Redemption("disabled")
	case errors.Is(err, model.ErrNotYetValid):
		s.metrics.Redemption("not_yet_valid")
	default:
		s.metrics.Redemption("error")
	}
}

// ============================================================================
// 运营操作
// ============================================================================

// BatchRequest 批量生成兑换码
type BatchRequest struct {
	Kind         model.CodeKind
	Count        int
	Credits      int64
	PlanID       string
	Days         int
	BonusCredits int64
	ValidFrom    *time.Time
	ValidUntil   *time.Time
	Note         string
}

type Batch struct {
	BatchID string   `json:"batch_id"`
	Codes   []string `json:"codes"`
}

func (s *RedemptionService) CreateBatch(ctx context.Context, req BatchRequest) (*Batch, error) {
	if err := s.validateBatch(ctx, req); err != nil {
		return nil, err
	}

	batchID := s.ids.BatchID()
	seen := make(map[string]struct{}, req.Count)
	codes := make([]*model.RedemptionCode, 0, req.Count)
	for len(codes) < req.Count {
		code, err := generateCode()
		if err != nil {
			return nil, fmt.Errorf("生成兑换码失败: %w", err)
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}

		rc := &model.RedemptionCode{
			Code:       code,
			Kind:       req.Kind,
			Status:     model.CodeStatusActive,
			ValidFrom:  req.ValidFrom,
			ValidUntil: req.ValidUntil,
			BatchID:    batchID,
			Note:       req.Note,
		}
		if req.Kind == model.CodeKindCredit {
			rc.Credits = req.Credits
		} else {
			rc.PlanID = req.PlanID
			rc.Days = req.Days
			rc.BonusCredits = req.BonusCredits
		}
		codes = append(codes, rc)
	}

	if err := s.codes.CreateInBatches(ctx, codes, 100); err != nil {
		return nil, fmt.Errorf("保存兑换码失败: %w", err)
	}

	batch := &Batch{BatchID: batchID, Codes: make([]string, len(codes))}
	for i, rc := range codes {
		batch.Codes[i] = rc.Code
	}
	s.log.Info("兑换码批次已生成",
		zap.String("batch_id", batchID),
		zap.String("kind", string(req.Kind)),
		zap.Int("count", len(codes)),
	)
	return batch, nil
}

func (s *RedemptionService) validateBatch(ctx context.Context, req BatchRequest) error {
	if _, err := model.ParseCodeKind(string(req.Kind)); err != nil {
		return err
	}
	if req.Count < 1 || req.Count > maxBatchCount {
		return fmt.Errorf("%w: 单批数量必须在 1-%d 之间", model.ErrInvalidArgument, maxBatchCount)
	}
	if req.ValidFrom != nil && req.ValidUntil != nil && !req.ValidUntil.After(*req.ValidFrom) {
		return fmt.Errorf("%w: 有效期结束时间必须晚于开始时间", model.ErrInvalidArgument)
	}

	if req.Kind == model.CodeKindCredit {
		if req.Credits <= 0 {
			return fmt.Errorf("%w: 积分兑换码面额必须大于 0", model.ErrInvalidArgument)
		}
		return nil
	}

	if req.Days <= 0 {
		return fmt.Errorf("%w: 套餐兑换码天数必须大于 0", model.ErrInvalidArgument)
	}
	if req.BonusCredits < 0 {
		return fmt.Errorf("%w: 赠送积分不能为负", model.ErrInvalidArgument)
	}
	if req.PlanID == model.FreePlanID {
		return fmt.Errorf("%w: 免费版不能作为兑换内容", model.ErrInvalidArgument)
	}
	if _, err := s.entitlements.plans.Get(ctx, req.PlanID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("%w: 套餐 %s 不存在", model.ErrInvalidArgument, req.PlanID)
		}
		return err
	}
	return nil
}

// generateCode 生成 CRK-XXXX-XXXX-XXXX 格式的兑换码
func generateCode() (string, error) {
	var b strings.Builder
	b.WriteString(codePrefix)
	base := big.NewInt(int64(len(codeAlphabet)))
	for group := 0; group < 3; group++ {
		b.WriteByte('-')
		for i := 0; i < 4; i++ {
			n, err := rand.Int(rand.Reader, base)
			if err != nil {
				return "", err
			}
			b.WriteByte(codeAlphabet[n.Int64()])
		}
	}
	return b.String(), nil
}

// Disable 停用未使用的兑换码，重复停用视为成功
func (s *RedemptionService) Disable(ctx context.Context, rawCode string) error {
	code := model.NormalizeCode(rawCode)
	rc, err := s.codes.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	if rc.Status == model.CodeStatusDisabled {
		return nil
	}

	won, err := s.codes.Transition(ctx, nil, code, model.CodeStatusActive, model.CodeStatusDisabled, nil)
	if err != nil {
		return err
	}
	if !won {
		latest, err := s.codes.GetByCode(ctx, code)
		if err != nil {
			return err
		}
		switch latest.Status {
		case model.CodeStatusDisabled:
			return nil
		case model.CodeStatusUsed:
			return model.ErrAlreadyConsumed
		default:
			return model.ErrExpired
		}
	}
	s.log.Info("兑换码已停用", zap.String("code", code))
	return nil
}

// DeleteUnused 只允许删除未使用的兑换码
func (s *RedemptionService) DeleteUnused(ctx context.Context, rawCode string) error {
	code := model.NormalizeCode(rawCode)
	ok, err := s.codes.DeleteUnused(ctx, code)
	if err != nil {
		return err
	}
	if ok {
		s.log.Info("兑换码已删除", zap.String("code", code))
		return nil
	}

	rc, err := s.codes.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	if rc.Status == model.CodeStatusUsed {
		return model.ErrAlreadyConsumed
	}
	return fmt.Errorf("%w: 兑换码状态为 %s，不能删除", model.ErrInvalidArgument, rc.Status)
}

// ReconcileResult 对账统计
type ReconcileResult struct {
	Scanned  int `json:"scanned"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

// ReconcileUsedCodes 补发已核销但未发放奖励的兑换码
// 积分码以流水 (grant-redeem, code) 为准，套餐码以延期记录为准
func (s *RedemptionService) ReconcileUsedCodes(ctx context.Context, from, to time.Time, batchSize int) (*ReconcileResult, error) {
	result := &ReconcileResult{}
	var cursor int64
	for {
		codes, err := s.codes.ListUsedBetween(ctx, from, to, cursor, batchSize)
		if err != nil {
			return result, fmt.Errorf("查询已核销兑换码失败: %w", err)
		}
		if len(codes) == 0 {
			return result, nil
		}

		for _, rc := range codes {
			result.Scanned++
			if rc.RedeemedBy == nil {
				continue
			}

			rewarded, err := s.rewarded(ctx, rc)
			if err != nil {
				return result, err
			}
			if rewarded {
				continue
			}

			_, err = s.applyReward(ctx, rc, *rc.RedeemedBy)
			if err != nil && !errors.Is(err, model.ErrDuplicateCorrelation) {
				result.Failed++
				s.metrics.Reconciled("code", false)
				s.log.Error("兑换码补发失败", zap.String("code", rc.Code), zap.Int64("account_id", *rc.RedeemedBy), zap.Error(err))
				continue
			}
			result.Repaired++
			s.metrics.Reconciled("code", true)
			s.log.Warn("兑换码奖励已补发", zap.String("code", rc.Code), zap.Int64("account_id", *rc.RedeemedBy))
		}
		cursor = codes[len(codes)-1].ID
	}
}

func (s *RedemptionService) rewarded(ctx context.Context, rc *model.RedemptionCode) (bool, error) {
	if rc.Kind == model.CodeKindCredit {
		return s.ledger.ledger.ExistsByCorrelation(ctx, model.RecordGrantRedeem, rc.Code)
	}
	return s.ledger.grants.ExistsByCorrelation(ctx, rc.Code)
}
