package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"creditledger/internal/model"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// PlanSource 套餐目录的权威来源
type PlanSource interface {
	Get(ctx context.Context, planID string) (*model.Plan, error)
	List(ctx context.Context) ([]*model.Plan, error)
}

// PlanCache 套餐目录读穿缓存
//
// Redis 不可用时直接回源，缓存只影响性能不影响正确性。
// client 为 nil 时等价于直接读数据库。
type PlanCache struct {
	client *redis.Client
	source PlanSource
	ttl    time.Duration
	log    *zap.Logger
}

func NewPlanCache(client *redis.Client, source PlanSource, ttl time.Duration, log *zap.Logger) *PlanCache {
	return &PlanCache{client: client, source: source, ttl: ttl, log: log.Named("plan_cache")}
}

func planKey(planID string) string {
	return "ledger:plan:" + planID
}

func (c *PlanCache) Get(ctx context.Context, planID string) (*model.Plan, error) {
	if c.client == nil {
		return c.source.Get(ctx, planID)
	}

	raw, err := c.client.Get(ctx, planKey(planID)).Bytes()
	if err == nil {
		var plan model.Plan
		if jsonErr := json.Unmarshal(raw, &plan); jsonErr == nil {
			return &plan, nil
		}
		c.log.Warn("缓存内容无法解析，回源读取", zap.String("plan_id", planID))
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn("读取套餐缓存失败", zap.String("plan_id", planID), zap.Error(err))
	}

	plan, err := c.source.Get(ctx, planID)
	if err != nil {
		return nil, err
	}

	if payload, jsonErr := json.Marshal(plan); jsonErr == nil {
		if setErr := c.client.Set(ctx, planKey(planID), payload, c.ttl).Err(); setErr != nil {
			c.log.Warn("写入套餐缓存失败", zap.String("plan_id", planID), zap.Error(setErr))
		}
	}
	return plan, nil
}

// List 目录列表量小且只在展示时读取，不走缓存
func (c *PlanCache) List(ctx context.Context) ([]*model.Plan, error) {
	return c.source.List(ctx)
}

// Invalidate 套餐变更后清除缓存
func (c *PlanCache) Invalidate(ctx context.Context, planID string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, planKey(planID)).Err()
}
