package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creditledger/internal/handler"
	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/infrastructure/mq"
	"creditledger/internal/job"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP 服务与后台任务",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	producer, err := mq.NewProducer(&a.cfg.Kafka, a.log)
	if err != nil {
		return err
	}
	defer producer.Close()

	var locker job.Locker
	if a.redis != nil {
		locker = lock.NewJobLocker(a.redis, holderID(), a.cfg.Jobs.LockTTL)
	}

	jobsCfg := a.cfg.Jobs
	opts := func(interval time.Duration) job.Options {
		return job.Options{
			Interval:  interval,
			BatchSize: jobsCfg.BatchSize,
			MaxRetry:  a.cfg.Business.MaxRetryCount,
			Locker:    locker,
			Metrics:   a.metrics,
			Logger:    a.log,
		}
	}

	// 启动后台任务
	outboxSender := job.NewOutboxSender(a.db, producer, opts(jobsCfg.OutboxInterval))
	go outboxSender.Start(ctx)

	orderTimeoutJob := job.NewOrderTimeoutJob(a.activations, opts(jobsCfg.OrderTimeoutInterval))
	go orderTimeoutJob.Start(ctx)

	expiryJob := job.NewExpirySweepJob(a.entitlements, opts(jobsCfg.ExpirySweepInterval))
	go expiryJob.Start(ctx)

	reconcileJob := job.NewReconcileJob(a.redemptions, a.activations, a.clock,
		jobsCfg.ReconcileLookback, jobsCfg.ReconcileGrace, opts(jobsCfg.ReconcileInterval))
	go reconcileJob.Start(ctx)

	h := handler.NewHandler(a.ledger, a.entitlements, a.redemptions, a.activations, a.log)
	router := handler.SetupRouter(h, a.cfg.Server.Mode, a.registry, a.log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("服务启动", zap.Int("port", a.cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		a.log.Info("正在关闭服务...")
	case err := <-errCh:
		a.log.Error("服务启动失败", zap.Error(err))
		return err
	}

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("服务关闭异常", zap.Error(err))
	}

	a.log.Info("服务已关闭")
	return nil
}
