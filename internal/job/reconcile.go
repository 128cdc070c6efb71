package job

import (
	"context"
	"time"

	"creditledger/internal/clock"
	"creditledger/internal/service"

	"go.uber.org/zap"
)

// ReconcileJob 补偿任务
//
// 兑换码核销、订单激活与奖励发放是两次独立写入，进程在两者之间崩溃时
// 会留下"已核销/已激活但未发放"的记录。任务扫描最近 lookback 内的记录补发，
// grace 内的记录可能仍在处理中，跳过。
type ReconcileJob struct {
	loop
	codes     *service.RedemptionService
	orders    *service.ActivationService
	clock     clock.Clock
	lookback  time.Duration
	grace     time.Duration
	batchSize int
}

func NewReconcileJob(codes *service.RedemptionService, orders *service.ActivationService, clk clock.Clock, lookback, grace time.Duration, opts Options) *ReconcileJob {
	return &ReconcileJob{
		loop:      newLoop("reconcile", opts.Interval, opts.Locker, opts.Logger),
		codes:     codes,
		orders:    orders,
		clock:     clk,
		lookback:  lookback,
		grace:     grace,
		batchSize: opts.BatchSize,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	j.run(ctx, j.RunOnce)
}

func (j *ReconcileJob) RunOnce(ctx context.Context) {
	now := j.clock.Now()
	from, to := now.Add(-j.lookback), now.Add(-j.grace)

	codeResult, err := j.codes.ReconcileUsedCodes(ctx, from, to, j.batchSize)
	if err != nil {
		j.log.Error("兑换码对账中断", zap.Error(err))
	}
	if codeResult != nil && (codeResult.Repaired > 0 || codeResult.Failed > 0) {
		j.log.Warn("兑换码对账完成",
			zap.Int("scanned", codeResult.Scanned),
			zap.Int("repaired", codeResult.Repaired),
			zap.Int("failed", codeResult.Failed),
		)
	}

	orderResult, err := j.orders.ReconcileActivatedOrders(ctx, from, to, j.batchSize)
	if err != nil {
		j.log.Error("订单对账中断", zap.Error(err))
	}
	if orderResult != nil && (orderResult.Repaired > 0 || orderResult.Failed > 0) {
		j.log.Warn("订单对账完成",
			zap.Int("scanned", orderResult.Scanned),
			zap.Int("repaired", orderResult.Repaired),
			zap.Int("failed", orderResult.Failed),
		)
	}
}
