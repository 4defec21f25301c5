package protocol

import (
	"bytes"
	"encoding/json"

	"go.uber.org/zap"
)

// Codec JSON 编解码
// 解码是宽松的：格式错误只记录日志并返回空 map，不向调用方抛错
type Codec struct {
	logger *zap.Logger
}

// NewCodec 创建编解码器
func NewCodec(logger *zap.Logger) *Codec {
	return &Codec{logger: logger}
}

// Serialize 序列化为紧凑 JSON
func (c *Codec) Serialize(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to serialize payload", zap.Error(err))
		return nil, err
	}
	return data, nil
}

// Deserialize 反序列化为 map
func (c *Codec) Deserialize(data []byte) map[string]interface{} {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return map[string]interface{}{}
	}

	var out map[string]interface{}
	if err := json.Unmarshal(trimmed, &out); err != nil {
		c.logger.Error("Failed to deserialize payload",
			zap.Int("payload_size", len(data)),
			zap.Error(err),
		)
		return map[string]interface{}{}
	}
	if out == nil {
		return map[string]interface{}{}
	}
	return out
}

// DecodeEnvelope 解码信封；payload 不是 JSON 对象时返回 false
func (c *Codec) DecodeEnvelope(data []byte) (Envelope, bool) {
	raw := c.Deserialize(data)
	if len(raw) == 0 {
		return Envelope{Fields: map[string]interface{}{}}, false
	}
	return EnvelopeFromMap(raw), true
}
