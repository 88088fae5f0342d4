package clock

import (
	"sync"
	"time"
)

// Clock 时钟抽象
// 限额窗口与规则评估都依赖"现在"，注入时钟后测试可以冻结时间
type Clock interface {
	Now() time.Time
}

// System 系统时钟
type System struct{}

func (System) Now() time.Time {
	return time.Now()
}

// Manual 手动时钟，测试用
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set 直接设置当前时间
func (m *Manual) Set(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Advance 前进指定时长
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
