package telemetry

import (
	"context"
	"sync"
	"time"

	"accessory-gateway/internal/metrics"
	"accessory-gateway/internal/models"

	"go.uber.org/zap"
)

// BatchWriter 批量写入端
type BatchWriter interface {
	WriteBatch(ctx context.Context, points []models.TelemetryPoint) error
	Name() string
}

// Config 管道配置
type Config struct {
	Capacity      int
	MaxAge        time.Duration
	FlushInterval time.Duration
	QueueSize     int
	WriteTimeout  time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Capacity:      10,
		MaxAge:        5 * time.Second,
		FlushInterval: 5 * time.Second,
		QueueSize:     16,
		WriteTimeout:  5 * time.Second,
	}
}

// Pipeline 遥测缓冲与批量写入
// 缓冲达到容量或最老数据超过 MaxAge 时切批；后台定时刷新；停止时最终排空
type Pipeline struct {
	cfg     Config
	writers []BatchWriter
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	buffer []models.TelemetryPoint
	oldest time.Time

	batches chan []models.TelemetryPoint
	now     func() time.Time

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPipeline 创建遥测管道
func NewPipeline(cfg Config, logger *zap.Logger, m *metrics.Metrics, writers ...BatchWriter) *Pipeline {
	defaults := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaults.Capacity
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaults.MaxAge
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	return &Pipeline{
		cfg:     cfg,
		writers: writers,
		logger:  logger,
		metrics: m,
		buffer:  make([]models.TelemetryPoint, 0, cfg.Capacity),
		batches: make(chan []models.TelemetryPoint, cfg.QueueSize),
		now:     time.Now,
	}
}

// SetClock 替换时钟（测试用）
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Start 启动写入与定时刷新协程
func (p *Pipeline) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(2)
	go p.writeLoop(loopCtx)
	go p.flushLoop(loopCtx)
}

// Ingest 追加遥测点，按容量或时间切批
func (p *Pipeline) Ingest(points []models.TelemetryPoint) {
	if len(points) == 0 {
		return
	}

	var ready [][]models.TelemetryPoint

	p.mu.Lock()
	for _, pt := range points {
		if len(p.buffer) == 0 {
			p.oldest = p.now()
		}
		p.buffer = append(p.buffer, pt)
		if len(p.buffer) >= p.cfg.Capacity {
			ready = append(ready, p.swapLocked())
		}
	}
	if len(p.buffer) > 0 && p.now().Sub(p.oldest) >= p.cfg.MaxAge {
		ready = append(ready, p.swapLocked())
	}
	p.mu.Unlock()

	p.metrics.TelemetryPoints.WithLabelValues("buffered").Add(float64(len(points)))
	for _, batch := range ready {
		p.enqueue(batch)
	}
}

// Buffered 当前缓冲的点数
func (p *Pipeline) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func (p *Pipeline) swapLocked() []models.TelemetryPoint {
	batch := p.buffer
	p.buffer = make([]models.TelemetryPoint, 0, p.cfg.Capacity)
	p.oldest = time.Time{}
	return batch
}

func (p *Pipeline) take() []models.TelemetryPoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) == 0 {
		return nil
	}
	return p.swapLocked()
}

func (p *Pipeline) enqueue(batch []models.TelemetryPoint) {
	select {
	case p.batches <- batch:
	default:
		p.metrics.TelemetryPoints.WithLabelValues("dropped").Add(float64(len(batch)))
		p.logger.Warn("Telemetry write queue full, dropping batch", zap.Int("points", len(batch)))
	}
}

// Flush 同步写出当前缓冲
func (p *Pipeline) Flush(ctx context.Context) int {
	batch := p.take()
	if len(batch) == 0 {
		return 0
	}
	p.write(ctx, batch)
	return len(batch)
}

// FlushAsync 把当前缓冲切批交给写入协程，不等待写入
func (p *Pipeline) FlushAsync() int {
	batch := p.take()
	if len(batch) == 0 {
		return 0
	}
	p.enqueue(batch)
	return len(batch)
}

func (p *Pipeline) flushLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if batch := p.take(); len(batch) > 0 {
				p.enqueue(batch)
			}
		}
	}
}

func (p *Pipeline) writeLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case batch := <-p.batches:
			p.write(context.Background(), batch)
		case <-ctx.Done():
			for {
				select {
				case batch := <-p.batches:
					p.write(context.Background(), batch)
				default:
					return
				}
			}
		}
	}
}

// write 写入所有写入端；失败只记录和计数，不重试
func (p *Pipeline) write(ctx context.Context, batch []models.TelemetryPoint) {
	for _, w := range p.writers {
		writeCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		err := w.WriteBatch(writeCtx, batch)
		cancel()

		if err != nil {
			p.metrics.StorageFailures.WithLabelValues("telemetry_" + w.Name()).Inc()
			p.metrics.TelemetryPoints.WithLabelValues(w.Name() + "_failed").Add(float64(len(batch)))
			p.logger.Error("Failed to write telemetry batch",
				zap.String("writer", w.Name()),
				zap.Int("points", len(batch)),
				zap.Error(err),
			)
			continue
		}
		p.metrics.TelemetryPoints.WithLabelValues(w.Name() + "_written").Add(float64(len(batch)))
	}
}

// Stop 停止后台协程并排空剩余数据
func (p *Pipeline) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		if n := p.Flush(ctx); n > 0 {
			p.logger.Info("Telemetry drained on shutdown", zap.Int("points", n))
		}
	})
}
