package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 账务写入依赖数据库的版本号与状态条件更新，不使用分布式锁。
// 这里的锁只用于多实例部署时选出一个实例执行定时任务（过期扫描、对账），
// 避免同一批账户被多个实例同时处理。
//
// 加锁：SET key value NX PX ttl
// 释放：Lua 脚本校验 value 后删除，不会误删其他实例的锁
//
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁持有者标识
	expiration time.Duration // 锁的过期时间
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Unlock 释放锁，只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}

// JobLocker 定时任务选主
type JobLocker struct {
	client   *redis.Client
	holderID string
	ttl      time.Duration
}

// NewJobLocker holderID 标识当前实例，通常为节点号
func NewJobLocker(client *redis.Client, holderID string, ttl time.Duration) *JobLocker {
	return &JobLocker{client: client, holderID: holderID, ttl: ttl}
}

// TryAcquire 抢到锁时返回释放函数；未抢到返回 ErrLockFailed
func (j *JobLocker) TryAcquire(ctx context.Context, job string) (func(), error) {
	l := NewDistributedLock(j.client, fmt.Sprintf("ledger:job:lock:%s", job), j.holderID, j.ttl)
	ok, err := l.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockFailed
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Unlock(ctx)
	}, nil
}
