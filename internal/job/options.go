package job

import (
	"time"

	"creditledger/internal/metrics"

	"go.uber.org/zap"
)

// Options 各任务共用的运行参数
type Options struct {
	Interval  time.Duration
	BatchSize int
	MaxRetry  int
	Locker    Locker
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}
