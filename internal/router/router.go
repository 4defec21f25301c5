package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"accessory-gateway/internal/connection"
	"accessory-gateway/internal/macro"
	"accessory-gateway/internal/metrics"
	"accessory-gateway/internal/models"
	"accessory-gateway/internal/protocol"
	"accessory-gateway/internal/reporter"
	"accessory-gateway/internal/telemetry"

	"go.uber.org/zap"
)

const maxLoggedPayload = 512

// DeviceRegistry 设备注册表
type DeviceRegistry interface {
	HandleAnnounce(deviceUUID string, payload map[string]interface{})
	HandleStatus(deviceUUID string, payload map[string]interface{})
	HandleTelemetry(deviceUUID string, payload map[string]interface{})
	HandleRelayStatus(deviceUUID string, payload map[string]interface{})
	HandleCommandResponse(deviceUUID string, payload map[string]interface{}) bool
	HandleDiscovery(payload map[string]interface{})
	MarkError(deviceUUID, message string)
	SendCommand(deviceUUID, command string, params map[string]interface{}) (string, bool)
	SweepOffline() []string
}

// TelemetrySink 遥测批处理管道
type TelemetrySink interface {
	Ingest(points []models.TelemetryPoint)
	FlushAsync() int
}

// MacroController 宏引擎控制面
type MacroController interface {
	Execute(ctx context.Context, id int64) (macro.RunStatus, error)
	Stop(id int64, reason string) error
	Pause(id int64) error
	Resume(id int64) error
	Heartbeat(id int64) error
	EmergencyStop(reason string) macro.EmergencyReport
}

// RateLimiter 限流器
type RateLimiter interface {
	CheckRate(deviceID string) bool
}

// ErrorReporter 错误上报
type ErrorReporter interface {
	PublishError(code reporter.ErrorCode, message string, deviceUUID string, context map[string]interface{}) bool
}

// EventSink 事件记录
type EventSink interface {
	AppendEvent(ctx context.Context, eventType, source, action string, payload map[string]interface{}) error
}

// Config 路由配置
type Config struct {
	TopicRoot             string
	GatewayUUID           string
	RejectVersionMismatch bool
	EventTimeout          time.Duration
	EventBuffer           int
	ExecuteTimeout        time.Duration
}

// Router 入站消息路由
type Router struct {
	cfg        Config
	codec      *protocol.Codec
	normalizer *telemetry.Normalizer
	registry   DeviceRegistry
	telemetry  TelemetrySink
	macros     MacroController
	limiter    RateLimiter
	errors     ErrorReporter
	events     EventSink
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu          sync.RWMutex
	mode        string
	modeChanged time.Time

	eventQ chan pendingEvent
	wg     sync.WaitGroup
}

type pendingEvent struct {
	eventType string
	source    string
	action    string
	payload   map[string]interface{}
}

// NewRouter 创建路由器
func NewRouter(
	cfg Config,
	codec *protocol.Codec,
	normalizer *telemetry.Normalizer,
	registry DeviceRegistry,
	sink TelemetrySink,
	macros MacroController,
	limiter RateLimiter,
	errs ErrorReporter,
	events EventSink,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Router {
	if cfg.TopicRoot == "" {
		cfg.TopicRoot = protocol.DefaultTopicRoot
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = 2 * time.Second
	}
	return &Router{
		cfg:        cfg,
		codec:      codec,
		normalizer: normalizer,
		registry:   registry,
		telemetry:  sink,
		macros:     macros,
		limiter:    limiter,
		errors:     errs,
		events:     events,
		logger:     logger,
		metrics:    m,
		eventQ:     make(chan pendingEvent, cfg.EventBuffer),
	}
}

// Start 启动事件写入协程；ctx 取消后写完队列中剩余事件再退出
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.eventLoop(ctx)
}

// Wait 等待事件写入协程退出
func (r *Router) Wait() {
	r.wg.Wait()
}

// Run 单协程消费入站消息，直到 ctx 取消或 channel 关闭
func (r *Router) Run(ctx context.Context, in <-chan connection.InboundMessage) {
	r.logger.Info("Message router started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Message router stopped")
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			r.Dispatch(ctx, msg)
		}
	}
}

// Mode 当前车辆模式
func (r *Router) Mode() (string, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode, r.modeChanged
}

// Dispatch 处理单条消息；任何 panic 都在这里被隔离
func (r *Router) Dispatch(ctx context.Context, msg connection.InboundMessage) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.MessagesDropped.WithLabelValues("handler_panic").Inc()
			r.logger.Error("Message handler panicked",
				zap.String("topic", msg.Topic),
				zap.String("payload", truncate(msg.Payload)),
				zap.Uint8("qos", msg.QoS),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			r.errors.PublishError(reporter.CodeCommandFailed,
				fmt.Sprintf("message handler failed: %v", p),
				"",
				map[string]interface{}{"topic": msg.Topic, "qos": msg.QoS},
			)
		}
	}()

	// 1. 解析主题与 payload
	info := protocol.ParseTopic(r.cfg.TopicRoot, msg.Topic)
	if !info.Valid {
		r.metrics.MessagesDropped.WithLabelValues("invalid_topic").Inc()
		r.logger.Warn("Dropping message on invalid topic", zap.String("topic", msg.Topic))
		return
	}
	payload := r.codec.Deserialize(msg.Payload)

	msgType := info.MessageType
	if msgType == protocol.MessageTypeUnknown {
		if embedded := protocol.StringField(payload, protocol.FieldMessageType); embedded != "" {
			msgType = protocol.ParseMessageType(embedded)
		}
	}

	// 2. 解析 uuid
	deviceUUID := info.UUID
	if deviceUUID == "" && !protocol.IsUUIDLessCategory(info.Category) {
		r.metrics.MessagesDropped.WithLabelValues("no_uuid").Inc()
		r.logger.Warn("Dropping message without resolvable uuid", zap.String("topic", msg.Topic))
		return
	}

	// 网关自己发出的消息回流时不再处理
	if sender := protocol.StringField(payload, protocol.FieldUUID); sender != "" && sender == r.cfg.GatewayUUID {
		r.metrics.MessagesDropped.WithLabelValues("self_echo").Inc()
		r.logger.Debug("Ignoring echo of gateway publish", zap.String("topic", msg.Topic))
		return
	}

	// 3. 限流
	rateKey := deviceUUID
	if rateKey == "" {
		rateKey = protocol.StringField(payload, protocol.FieldUUID)
	}
	if rateKey == "" {
		rateKey = info.Category
	}
	if !r.limiter.CheckRate(rateKey) {
		r.metrics.MessagesDropped.WithLabelValues("rate_limited").Inc()
		r.errors.PublishError(reporter.CodeDeviceBusy, "rate limit exceeded", deviceUUID,
			map[string]interface{}{"topic": msg.Topic})
		return
	}

	// 4. 协议版本：默认只上报不拒绝
	if !protocol.ValidateProtocolVersion(payload) {
		r.errors.PublishError(reporter.CodeProtocolMismatch,
			"unsupported protocol version",
			deviceUUID,
			map[string]interface{}{
				"topic":     msg.Topic,
				"received":  protocol.StringField(payload, protocol.FieldProtocolVersion),
				"supported": protocol.ProtocolVersion,
			},
		)
		if r.cfg.RejectVersionMismatch {
			r.metrics.MessagesDropped.WithLabelValues("version_mismatch").Inc()
			return
		}
	}

	r.metrics.MessagesReceived.WithLabelValues(string(msgType)).Inc()

	// 5. 分发
	r.dispatch(ctx, msgType, info, deviceUUID, payload, msg)
}

func (r *Router) dispatch(ctx context.Context, msgType protocol.MessageType, info protocol.TopicInfo, deviceUUID string, payload map[string]interface{}, msg connection.InboundMessage) {
	switch msgType {
	case protocol.MessageTypeDeviceAnnounce:
		r.registry.HandleAnnounce(deviceUUID, payload)
	case protocol.MessageTypeDeviceStatus:
		r.registry.HandleStatus(deviceUUID, payload)
	case protocol.MessageTypeTelemetry:
		r.registry.HandleTelemetry(deviceUUID, payload)
		r.telemetry.Ingest(r.normalizer.Normalize(deviceUUID, payload, msg.ReceivedAt))
	case protocol.MessageTypeRelayState:
		r.registry.HandleRelayStatus(deviceUUID, payload)
	case protocol.MessageTypeRelayCommand:
		r.handleRelayCommand(deviceUUID, payload)
	case protocol.MessageTypeDeviceCommand:
		r.logger.Debug("Observed device command", zap.String("device_uuid", deviceUUID))
	case protocol.MessageTypeCommandResponse:
		r.registry.HandleCommandResponse(deviceUUID, payload)
	case protocol.MessageTypeDiscovery:
		r.registry.HandleDiscovery(payload)
	case protocol.MessageTypeSystemCommand:
		r.handleSystemCommand(payload)
	case protocol.MessageTypeGatewayStatus, protocol.MessageTypeMacroStatus:
		r.logger.Debug("Observed status message", zap.String("topic", msg.Topic))
	case protocol.MessageTypeMacroControl:
		r.handleMacroControl(ctx, info, payload)
	case protocol.MessageTypeModeChange:
		r.handleModeChange(payload)
	case protocol.MessageTypeError:
		r.handleDeviceError(deviceUUID, info, payload)
	case protocol.MessageTypeUnknown:
		r.rejectUnknown(msg, deviceUUID)
	default:
		r.rejectUnknown(msg, deviceUUID)
	}
}

func (r *Router) rejectUnknown(msg connection.InboundMessage, deviceUUID string) {
	r.metrics.MessagesDropped.WithLabelValues("unknown_type").Inc()
	r.errors.PublishError(reporter.CodeInvalidPayload, "unrecognized message type", deviceUUID,
		map[string]interface{}{"topic": msg.Topic})
}

func (r *Router) invalid(deviceUUID, message string, context map[string]interface{}) {
	r.metrics.MessagesDropped.WithLabelValues("invalid_payload").Inc()
	r.errors.PublishError(reporter.CodeInvalidPayload, message, deviceUUID, context)
}

// handleRelayCommand 校验继电器命令（通道、列表或 "all"）并记录审计事件
func (r *Router) handleRelayCommand(deviceUUID string, payload map[string]interface{}) {
	raw, ok := payload["channel"]
	if !ok {
		raw, ok = payload["target"]
	}
	if !ok {
		r.invalid(deviceUUID, "relay command without channel", nil)
		return
	}
	target, err := models.ParseRelayTarget(raw)
	if err != nil {
		r.invalid(deviceUUID, err.Error(), nil)
		return
	}

	state := strings.ToLower(protocol.StringField(payload, "state"))
	if state == "" {
		state = strings.ToLower(protocol.StringField(payload, "action"))
	}
	if state != "on" && state != "off" && state != "toggle" {
		r.invalid(deviceUUID, fmt.Sprintf("invalid relay state %q", state), nil)
		return
	}

	r.logger.Info("Relay command observed",
		zap.String("device_uuid", deviceUUID),
		zap.Bool("all", target.All),
		zap.Ints("channels", target.Channels),
		zap.String("state", state),
		zap.String("source", protocol.StringField(payload, "source")),
	)
	r.appendEvent("relay_command", sourceOf(payload, deviceUUID), state, payload)
}

// handleSystemCommand 网关系统命令
func (r *Router) handleSystemCommand(payload map[string]interface{}) {
	command := protocol.StringField(payload, "command")
	source := sourceOf(payload, "system")

	switch command {
	case "emergency_stop":
		reason := protocol.StringField(payload, "reason")
		if reason == "" {
			reason = macro.ReasonEmergencyStop
		}
		report := r.macros.EmergencyStop(reason)
		r.logger.Warn("Emergency stop requested by system command",
			zap.String("source", source),
			zap.Int("stopped", len(report.Stopped)),
		)
	case "sweep_offline":
		offline := r.registry.SweepOffline()
		r.logger.Info("Offline sweep requested", zap.Strings("offline", offline))
	case "flush_telemetry":
		n := r.telemetry.FlushAsync()
		r.logger.Info("Telemetry flush requested", zap.Int("points", n))
	case "send_command":
		deviceUUID := protocol.StringField(payload, "device_uuid")
		deviceCommand := protocol.StringField(payload, "device_command")
		if deviceUUID == "" || deviceCommand == "" {
			r.invalid("", "send_command requires device_uuid and device_command", nil)
			return
		}
		params, _ := protocol.MapField(payload, "params")
		commandID, ok := r.registry.SendCommand(deviceUUID, deviceCommand, params)
		if !ok {
			r.errors.PublishError(reporter.CodeCommandFailed, "failed to publish device command", deviceUUID,
				map[string]interface{}{"command": deviceCommand})
			return
		}
		r.logger.Info("Device command sent",
			zap.String("device_uuid", deviceUUID),
			zap.String("command", deviceCommand),
			zap.String("command_id", commandID),
		)
	default:
		r.invalid("", fmt.Sprintf("unknown system command %q", command), nil)
		return
	}
	r.appendEvent("system_command", source, command, payload)
}

// handleMacroControl macros/{id}/{execute|stop|heartbeat|pause|resume|emergency_stop}
func (r *Router) handleMacroControl(ctx context.Context, info protocol.TopicInfo, payload map[string]interface{}) {
	action := info.Resource
	if action == "emergency_stop" {
		reason := protocol.StringField(payload, "reason")
		if reason == "" {
			reason = macro.ReasonEmergencyStop
		}
		r.macros.EmergencyStop(reason)
		return
	}

	id, err := strconv.ParseInt(info.UUID, 10, 64)
	if err != nil {
		r.invalid("", fmt.Sprintf("invalid macro id %q", info.UUID), nil)
		return
	}

	switch action {
	case "execute":
		execCtx, cancel := context.WithTimeout(ctx, r.cfg.ExecuteTimeout)
		_, err = r.macros.Execute(execCtx, id)
		cancel()
	case "stop":
		err = r.macros.Stop(id, protocol.StringField(payload, "reason"))
	case "heartbeat":
		err = r.macros.Heartbeat(id)
		if errors.Is(err, macro.ErrNotRunning) {
			r.logger.Debug("Heartbeat for macro that is not running", zap.Int64("macro_id", id))
			return
		}
	case "pause":
		err = r.macros.Pause(id)
	case "resume":
		err = r.macros.Resume(id)
	}

	if err == nil {
		return
	}
	if errors.Is(err, macro.ErrNotRunning) {
		r.logger.Warn("Macro control ignored", zap.Int64("macro_id", id), zap.String("action", action), zap.Error(err))
		return
	}
	r.errors.PublishError(reporter.CodeCommandFailed, err.Error(), "",
		map[string]interface{}{"macro_id": id, "action": action})
}

func (r *Router) handleModeChange(payload map[string]interface{}) {
	mode := protocol.StringField(payload, "mode")
	if mode == "" {
		r.invalid("", "mode change without mode", nil)
		return
	}

	r.mu.Lock()
	previous := r.mode
	r.mode = mode
	r.modeChanged = time.Now()
	r.mu.Unlock()

	r.logger.Info("Vehicle mode changed", zap.String("from", previous), zap.String("to", mode))
	r.appendEvent("mode_change", sourceOf(payload, "modes"), mode, payload)
}

// handleDeviceError 设备上报的错误只记录，不再分发；网关自己的错误忽略
func (r *Router) handleDeviceError(deviceUUID string, info protocol.TopicInfo, payload map[string]interface{}) {
	if reporter.IsGatewayOriginated(payload) {
		r.logger.Debug("Ignoring gateway-originated error", zap.String("device_uuid", deviceUUID))
		return
	}

	message := protocol.StringField(payload, "error_message")
	severity := protocol.StringField(payload, "severity")
	r.logger.Warn("Device reported error",
		zap.String("device_uuid", deviceUUID),
		zap.String("error_type", info.Resource),
		zap.String("severity", severity),
		zap.String("message", message),
	)
	if severity == string(reporter.SeverityCritical) || severity == string(reporter.SeverityHigh) {
		r.registry.MarkError(deviceUUID, message)
	}
	r.appendEvent("device_error", deviceUUID, info.Resource, payload)
}

// appendEvent 事件入队，由 eventLoop 写入；队列满时丢弃并计数
func (r *Router) appendEvent(eventType, source, action string, payload map[string]interface{}) {
	if r.events == nil {
		return
	}
	select {
	case r.eventQ <- pendingEvent{eventType: eventType, source: source, action: action, payload: payload}:
	default:
		r.metrics.StorageFailures.WithLabelValues("event_queue_full").Inc()
		r.logger.Warn("Event queue full, skipping event", zap.String("event_type", eventType))
	}
}

func (r *Router) eventLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.eventQ:
			r.writeEvent(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.eventQ:
					r.writeEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) writeEvent(ev pendingEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.EventTimeout)
	defer cancel()
	if err := r.events.AppendEvent(ctx, ev.eventType, ev.source, ev.action, ev.payload); err != nil {
		r.metrics.StorageFailures.WithLabelValues("append_event").Inc()
		r.logger.Warn("Failed to append event", zap.String("event_type", ev.eventType), zap.Error(err))
	}
}

func sourceOf(payload map[string]interface{}, fallback string) string {
	if s := protocol.StringField(payload, "source"); s != "" {
		return s
	}
	if s := protocol.StringField(payload, protocol.FieldUUID); s != "" {
		return s
	}
	return fallback
}

func truncate(payload []byte) string {
	if len(payload) > maxLoggedPayload {
		return string(payload[:maxLoggedPayload]) + "..."
	}
	return string(payload)
}
