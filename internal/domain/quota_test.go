package domain

import (
	"errors"
	"testing"
	"time"

	"creditledger/internal/model"
)

func shanghai(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func freeAccount(balance int64, lastReset time.Time) model.Account {
	return model.Account{
		ID:          10,
		Balance:     balance,
		DailyUsage:  300,
		LastResetAt: lastReset,
		Subscription: model.Subscription{
			PlanID:       model.FreePlanID,
			Status:       model.SubscriptionActive,
			DailyCredits: 1000,
		},
	}
}

func TestResetIfNewDaySameDayIsNoop(t *testing.T) {
	loc := shanghai(t)
	acc := freeAccount(100, t0)
	got, recs, changed := ResetIfNewDay(acc, t0.Add(time.Hour), loc)
	if changed || len(recs) != 0 {
		t.Fatalf("expected no reset within the same day")
	}
	if got.DailyUsage != 300 || got.Balance != 100 {
		t.Fatalf("account should be unchanged, got %+v", got)
	}
}

func TestResetIfNewDayUsesReferenceZone(t *testing.T) {
	loc := shanghai(t)
	// 15:30 UTC 为上海 23:30，16:30 UTC 已是上海次日 00:30
	last := time.Date(2024, 3, 1, 15, 30, 0, 0, time.UTC)
	acc := freeAccount(0, last)

	if _, _, changed := ResetIfNewDay(acc, last.Add(20*time.Minute), loc); changed {
		t.Fatalf("15:50 UTC is still the same day in Shanghai")
	}
	got, recs, changed := ResetIfNewDay(acc, last.Add(time.Hour), loc)
	if !changed {
		t.Fatalf("expected reset after Shanghai midnight")
	}
	if got.DailyUsage != 0 {
		t.Fatalf("expected daily usage cleared, got %d", got.DailyUsage)
	}
	if len(recs) != 1 || recs[0].Amount != 1000 || recs[0].CorrelationID != "refill:10:2024-03-02" {
		t.Fatalf("unexpected refill records %+v", recs)
	}
}

func TestResetCapNeverExceedsTwiceDaily(t *testing.T) {
	loc := shanghai(t)
	acc := freeAccount(0, t0)
	var refilled int64
	now := t0
	for i := 0; i < 30; i++ {
		now = now.Add(day)
		var recs []model.LedgerRecord
		acc, recs, _ = ResetIfNewDay(acc, now, loc)
		for _, r := range recs {
			refilled += r.Amount
			if r.BalanceAfter-r.BalanceBefore != r.Amount {
				t.Fatalf("record does not match delta: %+v", r)
			}
		}
	}
	if acc.Balance != 2000 || refilled != 2000 {
		t.Fatalf("expected balance capped at 2000, got balance=%d refilled=%d", acc.Balance, refilled)
	}
}

func TestResetClipsBalanceAboveCap(t *testing.T) {
	loc := shanghai(t)
	acc := freeAccount(5000, t0)
	got, recs, changed := ResetIfNewDay(acc, t0.Add(day), loc)
	if !changed || len(recs) != 1 {
		t.Fatalf("expected one refill record, got %d", len(recs))
	}
	if got.Balance != 2000 {
		t.Fatalf("expected balance clipped to 2000, got %d", got.Balance)
	}
	r := recs[0]
	if r.Amount != -3000 || r.BalanceBefore != 5000 || r.BalanceAfter != 2000 || r.Type != model.RecordDailyRefill {
		t.Fatalf("unexpected refill record %+v", r)
	}
}

func TestResetSkipsRefillWhenCancelled(t *testing.T) {
	loc := shanghai(t)
	acc := freeAccount(0, t0)
	acc.Subscription = model.Subscription{PlanID: "pro", Status: model.SubscriptionCancelled, DailyCredits: 18000, ExpiryDate: ptr(t0.Add(10 * day))}
	got, recs, changed := ResetIfNewDay(acc, t0.Add(day), loc)
	if !changed || len(recs) != 0 || got.Balance != 0 {
		t.Fatalf("cancelled subscription should not refill: balance=%d records=%d", got.Balance, len(recs))
	}
	if got.DailyUsage != 0 {
		t.Fatalf("daily usage must still be cleared, got %d", got.DailyUsage)
	}
}

func TestResetSkipsRefillWhenNotEntitled(t *testing.T) {
	loc := shanghai(t)
	acc := freeAccount(0, t0)
	acc.Subscription = model.Subscription{PlanID: "pro", Status: model.SubscriptionActive, DailyCredits: 18000, ExpiryDate: ptr(t0.Add(time.Hour))}
	got, recs, changed := ResetIfNewDay(acc, t0.Add(day), loc)
	if !changed || len(recs) != 0 || got.Balance != 0 {
		t.Fatalf("expired subscription should not refill: %+v %+v", got, recs)
	}
}

func TestApplyDeltaValidation(t *testing.T) {
	acc := model.Account{ID: 11, Balance: 100}
	cases := []struct {
		name string
		d    Delta
		want error
	}{
		{"zero", Delta{Amount: 0, Type: model.RecordReward, CorrelationID: "x"}, model.ErrInvalidArgument},
		{"negative credit", Delta{Amount: -5, Type: model.RecordGrantRedeem, CorrelationID: "x"}, model.ErrInvalidArgument},
		{"positive debit", Delta{Amount: 5, Type: model.RecordUsageDebit, CorrelationID: "x"}, model.ErrInvalidArgument},
		{"unknown type", Delta{Amount: 5, Type: "bonus", CorrelationID: "x"}, model.ErrInvalidArgument},
		{"missing correlation", Delta{Amount: 5, Type: model.RecordReward}, model.ErrInvalidArgument},
		{"overdraft", Delta{Amount: -101, Type: model.RecordUsageDebit, CorrelationID: "x"}, model.ErrInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _, err := ApplyDelta(acc, tc.d, t0)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if got.Balance != 100 {
				t.Fatalf("rejected delta must not mutate balance, got %d", got.Balance)
			}
		})
	}
}

func TestApplyDeltaDebitTracksUsage(t *testing.T) {
	acc := model.Account{ID: 12, Balance: 100, DailyUsage: 10}
	got, rec, err := ApplyDelta(acc, Delta{Amount: -40, Type: model.RecordUsageDebit, CorrelationID: "req-1"}, t0)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.Balance != 60 || got.DailyUsage != 50 {
		t.Fatalf("unexpected account %+v", got)
	}
	if rec.BalanceBefore != 100 || rec.BalanceAfter != 60 || rec.Amount != -40 {
		t.Fatalf("unexpected record %+v", rec)
	}
}
