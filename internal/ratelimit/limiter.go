package ratelimit

import (
	"context"
	"sync"
	"time"

	"accessory-gateway/internal/metrics"

	"go.uber.org/zap"
)

// Config 限流配置
type Config struct {
	MaxRate         int           // 每个设备窗口内允许的最大消息数，默认 100
	Window          time.Duration // 滑动窗口，默认 1s
	GlobalMaxRate   int           // 全局上限，0 表示关闭
	CleanupInterval time.Duration // 空闲窗口回收间隔，默认 60s
	IdleTimeout     time.Duration // 窗口空闲多久后回收，默认 60s
}

// DefaultConfig 默认限流配置
func DefaultConfig() Config {
	return Config{
		MaxRate:         100,
		Window:          time.Second,
		CleanupInterval: 60 * time.Second,
		IdleTimeout:     60 * time.Second,
	}
}

// Stats 单个窗口的计数
type Stats struct {
	Current int
	Total   uint64
	Blocked uint64
}

// window 单设备滑动窗口，只在自己的锁内修改
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	total      uint64
	blocked    uint64
	lastActive time.Time
}

// admit 裁剪过期时间戳后判断是否放行
func (w *window) admit(now time.Time, maxRate int, size time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastActive = now
	cutoff := now.Add(-size)
	drop := 0
	for drop < len(w.timestamps) && !w.timestamps[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[drop:]...)
	}

	if len(w.timestamps) >= maxRate {
		w.blocked++
		return false
	}

	w.timestamps = append(w.timestamps, now)
	w.total++
	return true
}

// revoke 撤销 admit 在 now 记录的放行，并计为拦截
func (w *window) revoke(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.timestamps) - 1; i >= 0; i-- {
		if w.timestamps[i].Equal(now) {
			w.timestamps = append(w.timestamps[:i], w.timestamps[i+1:]...)
			w.total--
			w.blocked++
			return
		}
	}
}

func (w *window) stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{Current: len(w.timestamps), Total: w.total, Blocked: w.blocked}
}

func (w *window) idleSince(now time.Time, idle time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Sub(w.lastActive) > idle
}

// Limiter 按设备的滑动窗口限流器
type Limiter struct {
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	windows map[string]*window
	global  *window
}

// NewLimiter 创建限流器
func NewLimiter(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Limiter {
	def := DefaultConfig()
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = def.MaxRate
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	l := &Limiter{
		config:  cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		windows: make(map[string]*window),
	}
	if cfg.GlobalMaxRate > 0 {
		l.global = &window{}
	}
	return l
}

// SetClock 替换时间源（测试用）
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// CheckRate 判断设备消息是否放行
func (l *Limiter) CheckRate(deviceID string) bool {
	now := l.now()

	w := l.windowFor(deviceID)
	if !w.admit(now, l.config.MaxRate, l.config.Window) {
		l.blocked(deviceID, "device")
		return false
	}
	if l.global != nil && !l.global.admit(now, l.config.GlobalMaxRate, l.config.Window) {
		// 全局拒绝不占用设备窗口
		w.revoke(now)
		l.blocked(deviceID, "global")
		return false
	}
	return true
}

func (l *Limiter) blocked(deviceID, scope string) {
	if l.metrics != nil {
		l.metrics.RateLimited.Inc()
	}
	l.logger.Debug("Rate limit exceeded",
		zap.String("device_uuid", deviceID),
		zap.String("scope", scope),
	)
}

// windowFor 获取或创建设备窗口，map 锁只在查找/创建时持有
func (l *Limiter) windowFor(deviceID string) *window {
	l.mu.RLock()
	w, ok := l.windows[deviceID]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[deviceID]; ok {
		return w
	}
	w = &window{}
	l.windows[deviceID] = w
	return w
}

// Stats 返回设备窗口计数
func (l *Limiter) Stats(deviceID string) (Stats, bool) {
	l.mu.RLock()
	w, ok := l.windows[deviceID]
	l.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return w.stats(), true
}

// GlobalStats 返回全局窗口计数
func (l *Limiter) GlobalStats() (Stats, bool) {
	if l.global == nil {
		return Stats{}, false
	}
	return l.global.stats(), true
}

// Tracked 当前跟踪的设备数
func (l *Limiter) Tracked() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// Cleanup 回收空闲窗口，返回回收数量
func (l *Limiter) Cleanup() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, w := range l.windows {
		if w.idleSince(now, l.config.IdleTimeout) {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}

// Start 启动空闲窗口回收循环，直到 ctx 取消
func (l *Limiter) Start(ctx context.Context) {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := l.Cleanup(); removed > 0 {
				l.logger.Debug("Collected idle rate limit windows",
					zap.Int("removed", removed),
					zap.Int("tracked", l.Tracked()),
				)
			}
		}
	}
}
