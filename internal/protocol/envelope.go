package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// ProtocolVersion 网关支持的协议版本（出站消息总是带此版本）
const ProtocolVersion = "1.0.0"

// 信封保留字段
const (
	FieldProtocolVersion = "protocol_version"
	FieldUUID            = "uuid"
	FieldTimestamp       = "timestamp"
	FieldMessageType     = "message_type"
)

// Envelope 消息信封
// JSON 形式是扁平的：{protocol_version, uuid, timestamp, message_type, ...fields}
type Envelope struct {
	ProtocolVersion string
	UUID            string
	Timestamp       string
	MessageType     MessageType
	Fields          map[string]interface{}
}

// BuildEnvelope 构建信封（版本、发送方、UTC 时间戳、类型，并合并字段）
func BuildEnvelope(uuid string, messageType MessageType, fields map[string]interface{}) Envelope {
	return BuildEnvelopeAt(uuid, messageType, fields, time.Now())
}

// BuildEnvelopeAt 与 BuildEnvelope 相同，但使用给定时间
func BuildEnvelopeAt(uuid string, messageType MessageType, fields map[string]interface{}, now time.Time) Envelope {
	merged := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if isReserved(k) {
			continue
		}
		merged[k] = v
	}
	return Envelope{
		ProtocolVersion: ProtocolVersion,
		UUID:            uuid,
		Timestamp:       now.UTC().Format(time.RFC3339Nano),
		MessageType:     messageType,
		Fields:          merged,
	}
}

// Field 读取类型相关字段
func (e Envelope) Field(key string) (interface{}, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

// ToMap 返回扁平化的 map 形式
func (e Envelope) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Fields)+4)
	for k, v := range e.Fields {
		out[k] = v
	}
	out[FieldProtocolVersion] = e.ProtocolVersion
	out[FieldUUID] = e.UUID
	out[FieldTimestamp] = e.Timestamp
	out[FieldMessageType] = string(e.MessageType)
	return out
}

// MarshalJSON 实现 json.Marshaler
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToMap())
}

// UnmarshalJSON 实现 json.Unmarshaler
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = EnvelopeFromMap(raw)
	return nil
}

// EnvelopeFromMap 从已解码的 payload 中提取信封
func EnvelopeFromMap(raw map[string]interface{}) Envelope {
	env := Envelope{
		ProtocolVersion: StringField(raw, FieldProtocolVersion),
		UUID:            StringField(raw, FieldUUID),
		Timestamp:       StringField(raw, FieldTimestamp),
		MessageType:     MessageType(StringField(raw, FieldMessageType)),
		Fields:          make(map[string]interface{}, len(raw)),
	}
	for k, v := range raw {
		if isReserved(k) {
			continue
		}
		env.Fields[k] = v
	}
	return env
}

// MajorVersion 返回版本号的主版本部分
func MajorVersion(version string) string {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if i := strings.IndexByte(version, '.'); i >= 0 {
		return version[:i]
	}
	return version
}

// ValidateProtocolVersion 检查 payload 的协议主版本是否与网关一致
// 缺失字段或主版本不一致都返回 false，是否继续处理由调用方决定
func ValidateProtocolVersion(payload map[string]interface{}) bool {
	version := StringField(payload, FieldProtocolVersion)
	if version == "" {
		return false
	}
	return MajorVersion(version) == MajorVersion(ProtocolVersion)
}

func isReserved(key string) bool {
	switch key {
	case FieldProtocolVersion, FieldUUID, FieldTimestamp, FieldMessageType:
		return true
	}
	return false
}
