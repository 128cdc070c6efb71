// Package clock 时间来源，订阅期计算与每日重置在测试中使用固定时刻
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

// System 返回 UTC 时间，数据库中统一存 UTC
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

// Manual 手动推进的时钟，测试使用
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(now time.Time) *Manual {
	return &Manual{now: now.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(now time.Time) {
	m.mu.Lock()
	m.now = now.UTC()
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
