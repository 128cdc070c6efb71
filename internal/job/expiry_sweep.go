package job

import (
	"context"

	"creditledger/internal/service"

	"go.uber.org/zap"
)

// ExpirySweepJob 定期处理到期订阅
type ExpirySweepJob struct {
	loop
	entitlements *service.EntitlementService
}

func NewExpirySweepJob(entitlements *service.EntitlementService, opts Options) *ExpirySweepJob {
	return &ExpirySweepJob{
		loop:         newLoop("expiry_sweep", opts.Interval, opts.Locker, opts.Logger),
		entitlements: entitlements,
	}
}

func (j *ExpirySweepJob) Start(ctx context.Context) {
	j.run(ctx, j.RunOnce)
}

func (j *ExpirySweepJob) RunOnce(ctx context.Context) {
	result, err := j.entitlements.SweepExpired(ctx)
	if err != nil {
		j.log.Error("过期扫描中断", zap.Error(err))
	}
	if result != nil && (result.Downgraded+result.Flagged+result.Failed) > 0 {
		j.log.Info("过期扫描完成",
			zap.Int("downgraded", result.Downgraded),
			zap.Int("flagged", result.Flagged),
			zap.Int("failed", result.Failed),
		)
	}
}
