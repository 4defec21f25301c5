package ratelimit

import (
	"sync"
	"testing"
	"time"

	"accessory-gateway/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock, *metrics.Metrics) {
	m := metrics.NewMetrics()
	l := NewLimiter(cfg, zap.NewNop(), m)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l.SetClock(clock.Now)
	return l, clock, m
}

func TestCheckRate_ExactlyMaxRatePerWindow(t *testing.T) {
	l, clock, m := newTestLimiter(Config{MaxRate: 100, Window: time.Second})

	for i := 0; i < 100; i++ {
		require.True(t, l.CheckRate("dev-1"), "admission %d", i)
	}
	assert.False(t, l.CheckRate("dev-1"))

	stats, ok := l.Stats("dev-1")
	require.True(t, ok)
	assert.Equal(t, 100, stats.Current)
	assert.Equal(t, uint64(100), stats.Total)
	assert.Equal(t, uint64(1), stats.Blocked)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RateLimited))

	// 窗口过去后恢复放行
	clock.Advance(time.Second)
	assert.True(t, l.CheckRate("dev-1"))
}

func TestCheckRate_SlidingWindow(t *testing.T) {
	l, clock, _ := newTestLimiter(Config{MaxRate: 2, Window: time.Second})

	assert.True(t, l.CheckRate("dev-1"))
	clock.Advance(600 * time.Millisecond)
	assert.True(t, l.CheckRate("dev-1"))
	assert.False(t, l.CheckRate("dev-1"))

	// 第一条过期，第二条仍在窗口内
	clock.Advance(500 * time.Millisecond)
	assert.True(t, l.CheckRate("dev-1"))
	assert.False(t, l.CheckRate("dev-1"))
}

func TestCheckRate_DevicesIsolated(t *testing.T) {
	l, _, _ := newTestLimiter(Config{MaxRate: 1, Window: time.Second})

	assert.True(t, l.CheckRate("dev-1"))
	assert.False(t, l.CheckRate("dev-1"))
	assert.True(t, l.CheckRate("dev-2"))
}

func TestCheckRate_GlobalCap(t *testing.T) {
	l, _, _ := newTestLimiter(Config{MaxRate: 10, Window: time.Second, GlobalMaxRate: 3})

	assert.True(t, l.CheckRate("a"))
	assert.True(t, l.CheckRate("b"))
	assert.True(t, l.CheckRate("c"))
	assert.False(t, l.CheckRate("d"))

	global, ok := l.GlobalStats()
	require.True(t, ok)
	assert.Equal(t, uint64(3), global.Total)
	assert.Equal(t, uint64(1), global.Blocked)
}

func TestCheckRate_GlobalRejectLeavesDeviceWindowFree(t *testing.T) {
	l, clock, _ := newTestLimiter(Config{MaxRate: 2, Window: time.Second, GlobalMaxRate: 2})

	assert.True(t, l.CheckRate("a"))
	assert.True(t, l.CheckRate("b"))
	assert.False(t, l.CheckRate("c"))

	stats, ok := l.Stats("c")
	require.True(t, ok)
	assert.Equal(t, 0, stats.Current)
	assert.Equal(t, uint64(0), stats.Total)
	assert.Equal(t, uint64(1), stats.Blocked)

	// 全局窗口滑过后，c 仍有完整的设备配额
	clock.Advance(1100 * time.Millisecond)
	assert.True(t, l.CheckRate("c"))
	assert.True(t, l.CheckRate("c"))
	assert.False(t, l.CheckRate("c"))
}

func TestCleanup_RemovesIdleWindows(t *testing.T) {
	l, clock, _ := newTestLimiter(Config{MaxRate: 10, Window: time.Second, IdleTimeout: time.Minute})

	l.CheckRate("idle")
	clock.Advance(45 * time.Second)
	l.CheckRate("active")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, l.Cleanup())
	_, ok := l.Stats("idle")
	assert.False(t, ok)
	_, ok = l.Stats("active")
	assert.True(t, ok)
}

func TestCheckRate_Concurrent(t *testing.T) {
	l, _, _ := newTestLimiter(Config{MaxRate: 50, Window: time.Second})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckRate("dev-1") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, admitted)
}
