package job

import (
	"context"
	"errors"
	"time"

	"creditledger/internal/infrastructure/lock"

	"go.uber.org/zap"
)

// Locker 多实例部署时选出一个实例执行任务，为 nil 时每次都执行
type Locker interface {
	TryAcquire(ctx context.Context, job string) (func(), error)
}

// loop 定时执行 tick，直到 ctx 取消或 stopCh 关闭
type loop struct {
	name     string
	interval time.Duration
	locker   Locker
	stopCh   chan struct{}
	log      *zap.Logger
}

func newLoop(name string, interval time.Duration, locker Locker, log *zap.Logger) loop {
	return loop{
		name:     name,
		interval: interval,
		locker:   locker,
		stopCh:   make(chan struct{}),
		log:      log.Named(name),
	}
}

func (l *loop) run(ctx context.Context, tick func(ctx context.Context)) {
	l.log.Info("任务启动", zap.Duration("interval", l.interval))

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("收到停止信号，任务退出")
			return
		case <-l.stopCh:
			l.log.Info("任务停止")
			return
		case <-ticker.C:
			l.runOnce(ctx, tick)
		}
	}
}

func (l *loop) runOnce(ctx context.Context, tick func(ctx context.Context)) {
	if l.locker != nil {
		release, err := l.locker.TryAcquire(ctx, l.name)
		if errors.Is(err, lock.ErrLockFailed) {
			return
		}
		if err != nil {
			l.log.Warn("获取任务锁失败", zap.Error(err))
			return
		}
		defer release()
	}
	tick(ctx)
}

func (l *loop) Stop() {
	close(l.stopCh)
}
