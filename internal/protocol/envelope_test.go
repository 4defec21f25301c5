package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuildEnvelope_StampsHeader(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CST", 8*3600))
	env := BuildEnvelopeAt("gw-1", MessageTypeDeviceStatus, map[string]interface{}{
		"status":       "online",
		FieldUUID:      "spoofed",
		"battery_volt": 12.6,
	}, now)

	assert.Equal(t, ProtocolVersion, env.ProtocolVersion)
	assert.Equal(t, "gw-1", env.UUID)
	assert.Equal(t, "2026-03-01T04:00:00Z", env.Timestamp)
	assert.Equal(t, MessageTypeDeviceStatus, env.MessageType)
	assert.Equal(t, "online", env.Fields["status"])
	// 保留字段不能被 fields 覆盖
	_, exists := env.Fields[FieldUUID]
	assert.False(t, exists)
}

func TestCodec_RoundTrip(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	env := BuildEnvelope("gw-1", MessageTypeRelayCommand, map[string]interface{}{
		"channel": 3.0,
		"state":   "on",
		"source":  "macro",
		"nested":  map[string]interface{}{"a": true},
		"list":    []interface{}{"x", 2.0},
	})

	data, err := codec.Serialize(env)
	require.NoError(t, err)

	decoded, ok := codec.DecodeEnvelope(data)
	require.True(t, ok)
	assert.Equal(t, env, decoded)
}

func TestCodec_DeserializeMalformed(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	assert.Empty(t, codec.Deserialize([]byte("{not json")))
	assert.Empty(t, codec.Deserialize([]byte("[1,2,3]")))
	assert.Empty(t, codec.Deserialize(nil))
	assert.NotNil(t, codec.Deserialize([]byte("null")))

	_, ok := codec.DecodeEnvelope([]byte("garbage"))
	assert.False(t, ok)
}

func TestValidateProtocolVersion(t *testing.T) {
	assert.True(t, ValidateProtocolVersion(map[string]interface{}{FieldProtocolVersion: "1.0.0"}))
	assert.True(t, ValidateProtocolVersion(map[string]interface{}{FieldProtocolVersion: "1.4.2"}))
	assert.False(t, ValidateProtocolVersion(map[string]interface{}{FieldProtocolVersion: "2.0.0"}))
	assert.False(t, ValidateProtocolVersion(map[string]interface{}{}))
	assert.False(t, ValidateProtocolVersion(map[string]interface{}{FieldProtocolVersion: ""}))
}

func TestTimeField(t *testing.T) {
	ts, ok := TimeField(map[string]interface{}{"timestamp": "2026-01-02T03:04:05Z"}, "timestamp")
	require.True(t, ok)
	assert.Equal(t, 2026, ts.Year())

	ts, ok = TimeField(map[string]interface{}{"timestamp": 1700000000.0}, "timestamp")
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), ts.Unix())

	_, ok = TimeField(map[string]interface{}{"timestamp": "yesterday"}, "timestamp")
	assert.False(t, ok)
}
