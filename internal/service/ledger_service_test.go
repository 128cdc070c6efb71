package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/model"
)

func TestRegisterIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acc, created, err := f.ledger.Register(ctx, 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !created || acc.Balance != 500 || acc.Subscription.PlanID != model.FreePlanID {
		t.Fatalf("unexpected account: created=%v %+v", created, acc)
	}

	again, created, err := f.ledger.Register(ctx, 1)
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if created {
		t.Fatalf("expected existing account")
	}
	if again.Balance != 500 {
		t.Fatalf("expected balance unchanged, got %d", again.Balance)
	}
	if n := len(f.records(t, 1, model.RecordReward)); n != 1 {
		t.Fatalf("expected one welcome record, got %d", n)
	}
	f.assertConsistent(t, 1)
}

func TestApplyDeltaRejectsOverdraft(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1)

	_, err := f.ledger.ConsumeCredits(context.Background(), 1, 501, "req-1", "")
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := f.balance(t, 1); got != 500 {
		t.Fatalf("expected balance unchanged, got %d", got)
	}
	if n := len(f.records(t, 1, model.RecordUsageDebit)); n != 0 {
		t.Fatalf("expected no debit record, got %d", n)
	}
}

func TestApplyDeltaValidation(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1)
	ctx := context.Background()

	if _, err := f.ledger.ApplyDelta(ctx, 1, 0, model.RecordReward, "", "zero"); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero amount, got %v", err)
	}
	if _, err := f.ledger.ApplyDelta(ctx, 1, 10, model.RecordType("bogus"), "", "bogus"); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for unknown type, got %v", err)
	}
	if _, err := f.ledger.ApplyDelta(ctx, 404, 10, model.RecordReward, "", "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyDeltaDuplicateCorrelation(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1)
	ctx := context.Background()

	if _, err := f.ledger.ConsumeCredits(ctx, 1, 100, "req-1", ""); err != nil {
		t.Fatalf("consume: %v", err)
	}
	_, err := f.ledger.ConsumeCredits(ctx, 1, 100, "req-1", "")
	if !errors.Is(err, model.ErrDuplicateCorrelation) {
		t.Fatalf("expected ErrDuplicateCorrelation, got %v", err)
	}
	if got := f.balance(t, 1); got != 400 {
		t.Fatalf("expected balance 400, got %d", got)
	}
	f.assertConsistent(t, 1)
}

func TestConsumeCreditsTracksDailyUsage(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.ledger.ConsumeCredits(ctx, 1, 50, fmt.Sprintf("req-%d", i), ""); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}

	acc, err := f.ledger.GetAccount(ctx, 1)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.DailyUsage != 150 || acc.Balance != 350 {
		t.Fatalf("expected usage 150 balance 350, got %d/%d", acc.DailyUsage, acc.Balance)
	}
}

func TestConcurrentApplyDelta(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Ledger.MaxCASRetries = 50
	})
	f.register(t, 1)

	const workers = 20
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		succeeded   int
		unavailable int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ledger.ApplyDelta(context.Background(), 1, 10, model.RecordReward, "活动奖励", fmt.Sprintf("promo-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, model.ErrUnavailable):
				unavailable++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded+unavailable != workers {
		t.Fatalf("expected %d outcomes, got %d+%d", workers, succeeded, unavailable)
	}
	if got, want := f.balance(t, 1), int64(500+10*succeeded); got != want {
		t.Fatalf("expected balance %d, got %d", want, got)
	}
	f.assertConsistent(t, 1)
}

func TestDailyResetRefillsOnRead(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1)
	ctx := context.Background()

	if _, err := f.ledger.ConsumeCredits(ctx, 1, 200, "req-1", ""); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// 次日 00:30 上海时间
	f.clock.Set(time.Date(2024, 3, 1, 16, 30, 0, 0, time.UTC))
	snap, err := f.entitlements.GetEntitlement(ctx, 1)
	if err != nil {
		t.Fatalf("get entitlement: %v", err)
	}
	if snap.DailyUsage != 0 {
		t.Fatalf("expected usage reset, got %d", snap.DailyUsage)
	}
	// 300 + 1000，不超过 2000
	if snap.Balance != 1300 {
		t.Fatalf("expected balance 1300, got %d", snap.Balance)
	}

	// 同一天再次读取不重复发放
	if _, err := f.entitlements.GetEntitlement(ctx, 1); err != nil {
		t.Fatalf("get entitlement again: %v", err)
	}
	refills := f.records(t, 1, model.RecordDailyRefill)
	if len(refills) != 1 {
		t.Fatalf("expected one refill record, got %d", len(refills))
	}
	if refills[0].CorrelationID != "refill:1:2024-03-02" {
		t.Fatalf("unexpected correlation id %q", refills[0].CorrelationID)
	}
	f.assertConsistent(t, 1)
}

func TestDailyResetClipsBalanceAboveCap(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1)
	ctx := context.Background()

	if _, err := f.ledger.ApplyDelta(ctx, 1, 3000, model.RecordReward, "活动奖励", "promo-1"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	f.clock.Set(time.Date(2024, 3, 1, 16, 30, 0, 0, time.UTC))
	acc, err := f.ledger.GetAccount(ctx, 1)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	// 3500 截到 2 倍每日额度
	if acc.Balance != 2000 {
		t.Fatalf("expected balance 2000, got %d", acc.Balance)
	}
	refills := f.records(t, 1, model.RecordDailyRefill)
	if len(refills) != 1 || refills[0].Amount != -1500 {
		t.Fatalf("expected one -1500 refill record, got %+v", refills)
	}
	f.assertConsistent(t, 1)
}

func TestGetLedgerHistoryNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Second)
		if _, err := f.ledger.ConsumeCredits(ctx, 1, 10, fmt.Sprintf("req-%d", i), ""); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}

	page, err := f.ledger.GetLedgerHistory(ctx, 1, 2, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.Total != 4 || len(page.Records) != 2 {
		t.Fatalf("expected total 4 and 2 records, got %d/%d", page.Total, len(page.Records))
	}
	if page.Records[0].CorrelationID != "req-2" || page.Records[1].CorrelationID != "req-1" {
		t.Fatalf("unexpected order: %s, %s", page.Records[0].CorrelationID, page.Records[1].CorrelationID)
	}

	if _, err := f.ledger.GetLedgerHistory(ctx, 1, 10, -1); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for negative offset, got %v", err)
	}
}

func TestVerifyAllReportsBrokenAccounts(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1)
	f.register(t, 2)

	if err := f.db.Model(&model.Account{}).Where("id = ?", 2).Update("balance", 9999).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}

	broken, err := f.ledger.VerifyAll(context.Background(), 1)
	if err != nil {
		t.Fatalf("verify all: %v", err)
	}
	if len(broken) != 1 || broken[0].AccountID != 2 {
		t.Fatalf("expected account 2 reported, got %+v", broken)
	}
}
