package job

import (
	"context"

	"creditledger/internal/service"

	"go.uber.org/zap"
)

// OrderTimeoutJob 关闭超时未支付的订单
type OrderTimeoutJob struct {
	loop
	orders    *service.ActivationService
	batchSize int
}

func NewOrderTimeoutJob(orders *service.ActivationService, opts Options) *OrderTimeoutJob {
	return &OrderTimeoutJob{
		loop:      newLoop("order_timeout", opts.Interval, opts.Locker, opts.Logger),
		orders:    orders,
		batchSize: opts.BatchSize,
	}
}

func (j *OrderTimeoutJob) Start(ctx context.Context) {
	j.run(ctx, j.RunOnce)
}

func (j *OrderTimeoutJob) RunOnce(ctx context.Context) {
	closedCount, err := j.orders.CloseExpiredOrders(ctx, j.batchSize)
	if err != nil {
		j.log.Error("查询超时订单失败", zap.Error(err))
		return
	}
	if closedCount > 0 {
		j.log.Info("超时订单已关闭", zap.Int("count", closedCount))
	}
}
