package reporter

import (
	"sync/atomic"

	"accessory-gateway/internal/metrics"
	"accessory-gateway/internal/protocol"

	"go.uber.org/zap"
)

// ErrorCode 错误码
type ErrorCode string

const (
	CodeCommandFailed    ErrorCode = "COMMAND_FAILED"
	CodeInvalidPayload   ErrorCode = "INVALID_PAYLOAD"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	CodeDeviceBusy       ErrorCode = "DEVICE_BUSY"
	CodeHardwareFault    ErrorCode = "HARDWARE_FAULT"
	CodeNetworkError     ErrorCode = "NETWORK_ERROR"
	CodeProtocolMismatch ErrorCode = "PROTOCOL_MISMATCH"
)

// Severity 严重级别
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SourceGateway 网关自身发布的错误的 source 字段
const SourceGateway = "gateway"

// DefaultSeverity 错误码的默认严重级别
func DefaultSeverity(code ErrorCode) Severity {
	switch code {
	case CodeHardwareFault:
		return SeverityCritical
	case CodeTimeout, CodeUnauthorized, CodeNetworkError, CodeProtocolMismatch:
		return SeverityHigh
	case CodeCommandFailed, CodeInvalidPayload, CodeDeviceBusy:
		return SeverityMedium
	default:
		return SeverityMedium
	}
}

// Publisher 信封发布接口
type Publisher interface {
	PublishEnvelope(topic string, env protocol.Envelope, retain bool) bool
}

// Reporter 结构化错误上报
type Reporter struct {
	publisher   Publisher
	topics      protocol.Topics
	gatewayUUID string
	logger      *zap.Logger
	metrics     *metrics.Metrics
	count       atomic.Uint64
}

// NewReporter 创建错误上报器
func NewReporter(publisher Publisher, topics protocol.Topics, gatewayUUID string, logger *zap.Logger, m *metrics.Metrics) *Reporter {
	return &Reporter{
		publisher:   publisher,
		topics:      topics,
		gatewayUUID: gatewayUUID,
		logger:      logger,
		metrics:     m,
	}
}

// PublishError 发布错误信封（QoS 1），同时写本地日志
func (r *Reporter) PublishError(code ErrorCode, message string, deviceUUID string, context map[string]interface{}) bool {
	severity := DefaultSeverity(code)
	count := r.count.Add(1)

	fields := map[string]interface{}{
		"error_code":    string(code),
		"error_message": message,
		"severity":      string(severity),
		"source":        SourceGateway,
		"error_count":   count,
	}
	if deviceUUID != "" {
		fields["device_uuid"] = deviceUUID
	}
	if len(context) > 0 {
		fields["context"] = context
	}

	r.log(code, severity, message, deviceUUID, context)
	if r.metrics != nil {
		r.metrics.ErrorsPublished.WithLabelValues(string(code), string(severity)).Inc()
	}

	env := protocol.BuildEnvelope(r.gatewayUUID, protocol.MessageTypeError, fields)
	return r.publisher.PublishEnvelope(r.topics.Error(deviceUUID, string(code)), env, false)
}

// Count 已发布错误总数
func (r *Reporter) Count() uint64 {
	return r.count.Load()
}

func (r *Reporter) log(code ErrorCode, severity Severity, message, deviceUUID string, context map[string]interface{}) {
	fields := []zap.Field{
		zap.String("error_code", string(code)),
		zap.String("severity", string(severity)),
		zap.String("device_uuid", deviceUUID),
	}

	switch severity {
	case SeverityCritical:
		fields = append(fields, zap.Any("context", context))
		r.logger.Error(message, fields...)
	case SeverityHigh:
		r.logger.Warn(message, fields...)
	default:
		r.logger.Info(message, fields...)
	}
}

// IsGatewayOriginated 判断错误 payload 是否由网关自己发出（防止回环）
func IsGatewayOriginated(payload map[string]interface{}) bool {
	return protocol.StringField(payload, "source") == SourceGateway
}
