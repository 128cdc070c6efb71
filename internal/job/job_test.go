package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"creditledger/internal/clock"
	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/internal/service"
	"creditledger/internal/testutil"
	"creditledger/pkg/idgen"

	"go.uber.org/zap"
)

type fakePublisher struct {
	sent    map[string]int
	failing map[string]bool
}

func (p *fakePublisher) Publish(topic, key, value string) error {
	if p.failing[key] {
		return errors.New("broker unavailable")
	}
	p.sent[key]++
	return nil
}

type fakeLocker struct {
	err      error
	acquired int
	released int
}

func (l *fakeLocker) TryAcquire(ctx context.Context, job string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired++
	return func() { l.released++ }, nil
}

func TestOutboxSenderRunOnce(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	repo := repository.NewOutboxRepository(db)

	for _, key := range []string{"ok-1", "bad-1"} {
		msg := &model.OutboxMessage{MessageKey: key, Topic: "order.activated", Payload: "{}", Status: model.OutboxStatusPending}
		if err := repo.Create(ctx, nil, msg); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	pub := &fakePublisher{sent: map[string]int{}, failing: map[string]bool{"bad-1": true}}
	sender := NewOutboxSender(db, pub, Options{Interval: time.Second, BatchSize: 10, MaxRetry: 2, Logger: zap.NewNop()})

	sender.RunOnce(ctx)
	if pub.sent["ok-1"] != 1 {
		t.Fatalf("expected ok-1 sent once, got %d", pub.sent["ok-1"])
	}

	var bad model.OutboxMessage
	if err := db.First(&bad, "message_key = ?", "bad-1").Error; err != nil {
		t.Fatalf("load message: %v", err)
	}
	if bad.Status != model.OutboxStatusPending || bad.RetryCount != 1 {
		t.Fatalf("expected pending with one retry, got %s/%d", bad.Status, bad.RetryCount)
	}

	sender.RunOnce(ctx)
	if pub.sent["ok-1"] != 1 {
		t.Fatalf("sent message must not be re-published")
	}
	if err := db.First(&bad, "message_key = ?", "bad-1").Error; err != nil {
		t.Fatalf("load message: %v", err)
	}
	if bad.Status != model.OutboxStatusFailed {
		t.Fatalf("expected failed after max retries, got %s", bad.Status)
	}
}

func TestLoopRunOnceHonoursLocker(t *testing.T) {
	ctx := context.Background()

	held := &fakeLocker{err: lock.ErrLockFailed}
	l := newLoop("test", time.Second, held, zap.NewNop())
	ran := 0
	l.runOnce(ctx, func(context.Context) { ran++ })
	if ran != 0 {
		t.Fatalf("tick must be skipped when another instance holds the lock")
	}

	free := &fakeLocker{}
	l = newLoop("test", time.Second, free, zap.NewNop())
	l.runOnce(ctx, func(context.Context) { ran++ })
	if ran != 1 || free.acquired != 1 || free.released != 1 {
		t.Fatalf("expected one locked run, got ran=%d acquired=%d released=%d", ran, free.acquired, free.released)
	}

	l = newLoop("test", time.Second, nil, zap.NewNop())
	l.runOnce(ctx, func(context.Context) { ran++ })
	if ran != 2 {
		t.Fatalf("tick must run without a locker")
	}
}

func TestLoopStops(t *testing.T) {
	l := newLoop("test", time.Millisecond, nil, zap.NewNop())
	done := make(chan struct{})
	go func() {
		l.run(context.Background(), func(context.Context) {})
		close(done)
	}()
	l.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("loop did not stop")
	}
}

func TestOrderTimeoutAndReconcileJobs(t *testing.T) {
	db := testutil.NewDB(t)
	cfg := testutil.Config(t)
	ctx := context.Background()
	log := zap.NewNop()

	ids, err := idgen.New(1)
	if err != nil {
		t.Fatalf("idgen: %v", err)
	}
	clk := clock.NewManual(time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC))
	ledger := service.NewLedgerService(db, ids, clk, cfg, nil, log)
	entitlements := service.NewEntitlementService(ledger, repository.NewPlanRepository(db), cfg, log)
	redemptions := service.NewRedemptionService(db, ledger, entitlements, ids, cfg, nil, log)
	activations := service.NewActivationService(db, ledger, entitlements, ids, cfg, nil, log)

	if _, _, err := ledger.Register(ctx, 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	order, err := activations.CreateOrder(ctx, &service.CreateOrderRequest{RequestID: "req-1", AccountID: 1, PlanID: "basic"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	clk.Advance(20 * time.Minute)
	NewOrderTimeoutJob(activations, Options{Interval: time.Second, BatchSize: 10, Logger: log}).RunOnce(ctx)

	got, err := activations.GetOrder(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != model.OrderStatusExpired {
		t.Fatalf("expected expired order, got %s", got.Status)
	}

	// 对账任务在没有待修复数据时不改变任何余额
	before, _ := ledger.GetAccount(ctx, 1)
	NewReconcileJob(redemptions, activations, clk, 24*time.Hour, time.Minute, Options{Interval: time.Second, BatchSize: 10, Logger: log}).RunOnce(ctx)
	NewExpirySweepJob(entitlements, Options{Interval: time.Second, Logger: log}).RunOnce(ctx)
	after, _ := ledger.GetAccount(ctx, 1)
	if before.Balance != after.Balance {
		t.Fatalf("balance changed without repairs: %d -> %d", before.Balance, after.Balance)
	}
}
