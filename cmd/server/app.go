package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"creditledger/internal/clock"
	"creditledger/internal/config"
	"creditledger/internal/infrastructure/cache"
	"creditledger/internal/infrastructure/database"
	"creditledger/internal/infrastructure/logger"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/internal/service"
	"creditledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app 进程内所有组件，由 newApp 显式构造
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	db       *gorm.DB
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	clock    clock.Clock

	ledger       *service.LedgerService
	entitlements *service.EntitlementService
	redemptions  *service.RedemptionService
	activations  *service.ActivationService
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	ids, err := idgen.New(cfg.Server.NodeID)
	if err != nil {
		return nil, fmt.Errorf("初始化 ID 生成器失败: %w", err)
	}

	db, err := database.Open(&cfg.MySQL, log)
	if err != nil {
		return nil, err
	}
	plans := repository.NewPlanRepository(db)
	if err := plans.Seed(ctx, model.DefaultPlans()); err != nil {
		return nil, fmt.Errorf("初始化套餐目录失败: %w", err)
	}

	// Redis 只承担缓存与任务选主，不可用时降级运行
	rdb, err := cache.NewRedis(&cfg.Redis, log)
	if err != nil {
		log.Warn("Redis 不可用，套餐缓存与任务选主已关闭", zap.Error(err))
		rdb = nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	clk := clock.System{}
	catalog := cache.NewPlanCache(rdb, plans, cfg.Redis.PlanCacheTTL, log)
	ledger := service.NewLedgerService(db, ids, clk, cfg, m, log)
	entitlements := service.NewEntitlementService(ledger, catalog, cfg, log)

	return &app{
		cfg:          cfg,
		log:          log,
		db:           db,
		redis:        rdb,
		registry:     registry,
		metrics:      m,
		clock:        clk,
		ledger:       ledger,
		entitlements: entitlements,
		redemptions:  service.NewRedemptionService(db, ledger, entitlements, ids, cfg, m, log),
		activations:  service.NewActivationService(db, ledger, entitlements, ids, cfg, m, log),
	}, nil
}

// holderID 分布式锁持有者标识
func holderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.log.Sync()
}
