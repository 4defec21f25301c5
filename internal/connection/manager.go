package connection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mqttcommon "accessory-gateway/common/mqtt"
	"accessory-gateway/internal/metrics"
	"accessory-gateway/internal/protocol"

	"go.uber.org/zap"
)

// ErrReconnectExhausted 重连次数耗尽
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Config 连接管理配置
type Config struct {
	TopicRoot            string
	GatewayUUID          string
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	MaxReconnectAttempts int
	StatusInterval       time.Duration
	InboundBuffer        int
	OutboundBuffer       int
	StopTimeout          time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		TopicRoot:            protocol.DefaultTopicRoot,
		BaseDelay:            time.Second,
		MaxDelay:             60 * time.Second,
		MaxReconnectAttempts: 10,
		StatusInterval:       30 * time.Second,
		InboundBuffer:        1024,
		OutboundBuffer:       1024,
		StopTimeout:          2 * time.Second,
	}
}

// InboundMessage 入站消息
type InboundMessage struct {
	Topic      string
	Payload    []byte
	QoS        byte
	ReceivedAt time.Time
}

type outboundMessage struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// StatusProvider 网关自身状态的附加字段（在线设备数、运行中的宏等）
type StatusProvider func() map[string]interface{}

// Manager 连接管理器
// 入站：传输层回调 -> HandleMessage -> 有界 channel；出站：Publish -> 有界队列 -> 单写协程
type Manager struct {
	cfg     Config
	topics  protocol.Topics
	factory TransportFactory
	codec   *protocol.Codec
	logger  *zap.Logger
	metrics *metrics.Metrics

	transport Transport
	inbound   chan InboundMessage
	outbound  chan outboundMessage
	lost      chan error
	fatal     chan error

	statusProvider StatusProvider
	startedAt      time.Time
	connected      atomic.Bool
	stopping       atomic.Bool

	// wait 可在测试中替换，返回 false 表示 ctx 已取消
	wait func(ctx context.Context, d time.Duration) bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager 创建连接管理器
func NewManager(cfg Config, factory TransportFactory, codec *protocol.Codec, logger *zap.Logger, m *metrics.Metrics) *Manager {
	defaults := DefaultConfig()
	if cfg.TopicRoot == "" {
		cfg.TopicRoot = defaults.TopicRoot
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaults.StatusInterval
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = defaults.InboundBuffer
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = defaults.OutboundBuffer
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaults.StopTimeout
	}

	return &Manager{
		cfg:      cfg,
		topics:   protocol.NewTopics(cfg.TopicRoot),
		factory:  factory,
		codec:    codec,
		logger:   logger,
		metrics:  m,
		inbound:  make(chan InboundMessage, cfg.InboundBuffer),
		outbound: make(chan outboundMessage, cfg.OutboundBuffer),
		lost:     make(chan error, 1),
		fatal:    make(chan error, 1),
		wait:     waitFor,
	}
}

// SetStatusProvider 设置自身状态附加字段提供者
func (m *Manager) SetStatusProvider(p StatusProvider) {
	m.statusProvider = p
}

// Topics 主题构造器
func (m *Manager) Topics() protocol.Topics {
	return m.topics
}

// Messages 入站消息 channel（由路由器单协程消费）
func (m *Manager) Messages() <-chan InboundMessage {
	return m.inbound
}

// Fatal 重连耗尽时投递致命错误
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// IsConnected 当前是否已连接
func (m *Manager) IsConnected() bool {
	return m.connected.Load()
}

// Start 连接、订阅、发布在线状态并启动后台循环
func (m *Manager) Start(ctx context.Context) error {
	will, err := m.statusPayload("offline", "connection_lost")
	if err != nil {
		return fmt.Errorf("failed to build last will: %w", err)
	}

	m.transport = m.factory(Hooks{
		Will: &mqttcommon.Will{
			Topic:    m.topics.GatewayStatus(),
			Payload:  will,
			QoS:      protocol.QoSAtLeastOnce,
			Retained: true,
		},
		OnConnectionLost: m.onConnectionLost,
	})
	m.startedAt = time.Now()

	if err := m.connectAndSubscribe(); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(3)
	go m.writeLoop(loopCtx)
	go m.reconnectLoop(loopCtx)
	go m.statusLoop(loopCtx)

	m.publishStatus("online", "")

	m.logger.Info("Connection manager started",
		zap.String("topic_root", m.cfg.TopicRoot),
		zap.Int("subscriptions", len(m.topics.Subscriptions())),
	)
	return nil
}

func (m *Manager) connectAndSubscribe() error {
	if err := m.transport.Connect(); err != nil {
		m.setConnected(false)
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	for _, topic := range m.topics.Subscriptions() {
		if err := m.transport.Subscribe(topic, protocol.QoSAtLeastOnce, m.HandleMessage); err != nil {
			m.setConnected(false)
			return fmt.Errorf("failed to subscribe %s: %w", topic, err)
		}
	}
	m.setConnected(true)
	return nil
}

func (m *Manager) setConnected(v bool) {
	m.connected.Store(v)
	if v {
		m.metrics.Connected.Set(1)
	} else {
		m.metrics.Connected.Set(0)
	}
}

func (m *Manager) onConnectionLost(err error) {
	m.setConnected(false)
	if m.stopping.Load() {
		return
	}
	m.logger.Warn("Connection lost", zap.Error(err))
	select {
	case m.lost <- err:
	default:
	}
}

// HandleMessage 唯一入站入口，运行在传输层协程上，非阻塞投递
func (m *Manager) HandleMessage(topic string, payload []byte, qos byte) {
	msg := InboundMessage{
		Topic:      topic,
		Payload:    payload,
		QoS:        qos,
		ReceivedAt: time.Now(),
	}
	select {
	case m.inbound <- msg:
	default:
		m.metrics.MessagesDropped.WithLabelValues("inbound_overflow").Inc()
		m.logger.Warn("Inbound queue full, dropping message",
			zap.String("topic", topic),
			zap.Int("payload_size", len(payload)),
		)
	}
}

// Publish 非阻塞入队发布；队列满或已停止时返回 false
func (m *Manager) Publish(topic string, payload []byte, qos byte, retain bool) bool {
	if m.stopping.Load() {
		m.metrics.PublishFailures.Inc()
		m.logger.Debug("Publish after stop ignored", zap.String("topic", topic))
		return false
	}
	select {
	case m.outbound <- outboundMessage{topic: topic, payload: payload, qos: qos, retain: retain}:
		return true
	default:
		m.metrics.PublishFailures.Inc()
		m.logger.Warn("Outbound queue full, dropping publish", zap.String("topic", topic))
		return false
	}
}

// PublishEnvelope 序列化信封并按消息类型选择 QoS 发布
func (m *Manager) PublishEnvelope(topic string, env protocol.Envelope, retain bool) bool {
	payload, err := m.codec.Serialize(env)
	if err != nil {
		m.metrics.PublishFailures.Inc()
		return false
	}
	return m.Publish(topic, payload, protocol.QoSFor(env.MessageType), retain)
}

func (m *Manager) writeLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case msg := <-m.outbound:
			m.send(msg)
		case <-ctx.Done():
			// 退出前尽量把已入队的消息发出去
			for {
				select {
				case msg := <-m.outbound:
					m.send(msg)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) send(msg outboundMessage) {
	if err := m.transport.Publish(msg.topic, msg.qos, msg.retain, msg.payload); err != nil {
		m.metrics.PublishFailures.Inc()
		m.logger.Error("Failed to publish message",
			zap.String("topic", msg.topic),
			zap.Uint8("qos", msg.qos),
			zap.Error(err),
		)
		return
	}
	m.metrics.MessagesPublished.WithLabelValues(strconv.Itoa(int(msg.qos))).Inc()
}

// Backoff 第 attempt 次重连前的等待时间：min(max, base*2^attempt)
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

func (m *Manager) reconnectLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cause := <-m.lost:
			if err := m.reconnect(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				m.logger.Error("Giving up on broker connection",
					zap.Int("attempts", m.cfg.MaxReconnectAttempts),
					zap.NamedError("cause", cause),
					zap.Error(err),
				)
				select {
				case m.fatal <- err:
				default:
				}
				return
			}
		}
	}
}

func (m *Manager) reconnect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxReconnectAttempts; attempt++ {
		delay := Backoff(m.cfg.BaseDelay, m.cfg.MaxDelay, attempt)
		m.logger.Info("Reconnecting to broker",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)
		if !m.wait(ctx, delay) {
			return ctx.Err()
		}

		if err := m.connectAndSubscribe(); err != nil {
			lastErr = err
			m.logger.Warn("Reconnect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}

		m.metrics.Reconnects.Inc()
		m.publishStatus("online", "reconnected")
		m.logger.Info("Reconnected to broker", zap.Int("attempt", attempt+1))
		return nil
	}
	return fmt.Errorf("%w: %v", ErrReconnectExhausted, lastErr)
}

func (m *Manager) statusLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.IsConnected() {
				m.publishStatus("online", "")
			}
		}
	}
}

func (m *Manager) statusFields(status, reason string) map[string]interface{} {
	fields := map[string]interface{}{
		"status": status,
	}
	if reason != "" {
		fields["reason"] = reason
	}
	if !m.startedAt.IsZero() && status == "online" {
		fields["uptime_seconds"] = int64(time.Since(m.startedAt).Seconds())
		if m.statusProvider != nil {
			for k, v := range m.statusProvider() {
				if _, exists := fields[k]; !exists {
					fields[k] = v
				}
			}
		}
	}
	return fields
}

func (m *Manager) statusPayload(status, reason string) ([]byte, error) {
	env := protocol.BuildEnvelope(m.cfg.GatewayUUID, protocol.MessageTypeGatewayStatus, m.statusFields(status, reason))
	return m.codec.Serialize(env)
}

func (m *Manager) publishStatus(status, reason string) bool {
	env := protocol.BuildEnvelope(m.cfg.GatewayUUID, protocol.MessageTypeGatewayStatus, m.statusFields(status, reason))
	return m.PublishEnvelope(m.topics.GatewayStatus(), env, true)
}

// Stop 停止后台循环，直接发布离线状态（有界等待）后断开
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		m.stopping.Store(true)
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()

		if m.transport == nil {
			return
		}

		if m.transport.IsConnected() {
			m.publishOfflineDirect(ctx)
		}
		m.transport.Disconnect()
		m.setConnected(false)
		m.logger.Info("Connection manager stopped")
	})
}

func (m *Manager) publishOfflineDirect(ctx context.Context) {
	payload, err := m.statusPayload("offline", "shutdown")
	if err != nil {
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- m.transport.Publish(m.topics.GatewayStatus(), protocol.QoSAtLeastOnce, true, payload)
	}()

	timer := time.NewTimer(m.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			m.logger.Warn("Failed to publish offline status", zap.Error(err))
		}
	case <-timer.C:
		m.logger.Warn("Timed out publishing offline status")
	case <-ctx.Done():
		m.logger.Warn("Shutdown context expired before offline status was published")
	}
}

func waitFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
