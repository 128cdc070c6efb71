package service

import (
	"context"
	"testing"
	"time"

	"creditledger/internal/clock"
	"creditledger/internal/config"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/internal/testutil"
	"creditledger/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 2024-03-01 12:00 Asia/Shanghai
var t0 = time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)

type fixture struct {
	db           *gorm.DB
	cfg          *config.Config
	clock        *clock.Manual
	ledger       *LedgerService
	entitlements *EntitlementService
	redemptions  *RedemptionService
	activations  *ActivationService
}

func newFixture(t *testing.T, tweak ...func(*config.Config)) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	cfg := testutil.Config(t)
	cfg.Ledger.WelcomeCredits = 500
	for _, fn := range tweak {
		fn(cfg)
	}

	ids, err := idgen.New(1)
	if err != nil {
		t.Fatalf("idgen: %v", err)
	}
	clk := clock.NewManual(t0)
	log := zap.NewNop()

	ledger := NewLedgerService(db, ids, clk, cfg, nil, log)
	entitlements := NewEntitlementService(ledger, repository.NewPlanRepository(db), cfg, log)
	return &fixture{
		db:           db,
		cfg:          cfg,
		clock:        clk,
		ledger:       ledger,
		entitlements: entitlements,
		redemptions:  NewRedemptionService(db, ledger, entitlements, ids, cfg, nil, log),
		activations:  NewActivationService(db, ledger, entitlements, ids, cfg, nil, log),
	}
}

func (f *fixture) register(t *testing.T, accountID int64) *model.Account {
	t.Helper()
	acc, _, err := f.ledger.Register(context.Background(), accountID)
	if err != nil {
		t.Fatalf("register %d: %v", accountID, err)
	}
	return acc
}

func (f *fixture) insertCode(t *testing.T, rc *model.RedemptionCode) {
	t.Helper()
	if rc.Status == "" {
		rc.Status = model.CodeStatusActive
	}
	if err := f.db.Create(rc).Error; err != nil {
		t.Fatalf("insert code %s: %v", rc.Code, err)
	}
}

func (f *fixture) balance(t *testing.T, accountID int64) int64 {
	t.Helper()
	var acc model.Account
	if err := f.db.First(&acc, "id = ?", accountID).Error; err != nil {
		t.Fatalf("load account %d: %v", accountID, err)
	}
	return acc.Balance
}

func (f *fixture) records(t *testing.T, accountID int64, recordType model.RecordType) []model.LedgerRecord {
	t.Helper()
	var records []model.LedgerRecord
	if err := f.db.Where("account_id = ? AND type = ?", accountID, recordType).Order("id ASC").Find(&records).Error; err != nil {
		t.Fatalf("load records: %v", err)
	}
	return records
}

func (f *fixture) assertConsistent(t *testing.T, accountID int64) {
	t.Helper()
	report, err := f.ledger.VerifyConsistency(context.Background(), accountID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Consistent {
		t.Fatalf("ledger inconsistent: balance=%d sum=%d", report.Balance, report.LedgerSum)
	}
}

// paidOrder 下单并确认支付
func (f *fixture) paidOrder(t *testing.T, accountID int64, planID, requestID string) *model.Order {
	t.Helper()
	ctx := context.Background()
	order, err := f.activations.CreateOrder(ctx, &CreateOrderRequest{RequestID: requestID, AccountID: accountID, PlanID: planID})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := f.activations.ConfirmPaid(ctx, order.OrderID, "pay-"+requestID); err != nil {
		t.Fatalf("confirm paid: %v", err)
	}
	return order
}
