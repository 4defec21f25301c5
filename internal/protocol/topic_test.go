package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTopic_ValidTopics(t *testing.T) {
	cases := []struct {
		topic    string
		category string
		uuid     string
		resource string
		action   string
		msgType  MessageType
	}{
		{"vehicle/devices/abc/announce", "devices", "abc", "announce", "", MessageTypeDeviceAnnounce},
		{"vehicle/devices/abc/status", "devices", "abc", "status", "", MessageTypeDeviceStatus},
		{"vehicle/devices/abc/telemetry", "devices", "abc", "telemetry", "", MessageTypeTelemetry},
		{"vehicle/devices/abc/relays/state", "devices", "abc", "relays", "state", MessageTypeRelayState},
		{"vehicle/devices/abc/relays/set", "devices", "abc", "relays", "set", MessageTypeRelayCommand},
		{"vehicle/devices/abc/commands/response", "devices", "abc", "commands", "response", MessageTypeCommandResponse},
		{"vehicle/devices/abc/commands/execute", "devices", "abc", "commands", "execute", MessageTypeDeviceCommand},
		{"vehicle/discovery/announce", "discovery", "", "announce", "", MessageTypeDiscovery},
		{"vehicle/gateway/status", "gateway", "", "status", "", MessageTypeGatewayStatus},
		{"vehicle/gateway/command", "gateway", "", "command", "", MessageTypeSystemCommand},
		{"vehicle/modes/change", "modes", "", "change", "", MessageTypeModeChange},
		{"vehicle/macros/7/status", "macros", "7", "status", "", MessageTypeMacroStatus},
		{"vehicle/macros/7/heartbeat", "macros", "7", "heartbeat", "", MessageTypeMacroControl},
		{"vehicle/errors/abc/timeout", "errors", "abc", "timeout", "", MessageTypeError},
		{"vehicle/lights/abc/foo/bar", "lights", "abc", "foo", "bar", MessageTypeUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.topic, func(t *testing.T) {
			info := ParseTopic("vehicle", tc.topic)
			assert.True(t, info.Valid)
			assert.Equal(t, tc.category, info.Category)
			assert.Equal(t, tc.uuid, info.UUID)
			assert.Equal(t, tc.resource, info.Resource)
			assert.Equal(t, tc.action, info.Action)
			assert.Equal(t, tc.msgType, info.MessageType)
		})
	}
}

func TestParseTopic_RelayStateVsSet(t *testing.T) {
	state := ParseTopic("vehicle", "vehicle/devices/board-1/relays/state")
	set := ParseTopic("vehicle", "vehicle/devices/board-1/relays/set")
	other := ParseTopic("vehicle", "vehicle/devices/board-1/relays/blink")

	assert.Equal(t, MessageTypeRelayState, state.MessageType)
	assert.Equal(t, MessageTypeRelayCommand, set.MessageType)
	assert.True(t, other.Valid)
	assert.Equal(t, MessageTypeUnknown, other.MessageType)
}

func TestParseTopic_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"vehicle",
		"vehicle/devices",
		"other/devices/abc/status",
		"vehicle//abc/status",
		"vehicle/devices/abc/",
		"/vehicle/devices/abc",
	}

	for _, topic := range invalid {
		info := ParseTopic("vehicle", topic)
		assert.False(t, info.Valid, "topic %q should be invalid", topic)
	}
}

func TestTopics_BuildersRoundTrip(t *testing.T) {
	topics := NewTopics("vehicle")

	assert.Equal(t, MessageTypeRelayCommand, ParseTopic("vehicle", topics.RelaySet("b1")).MessageType)
	assert.Equal(t, MessageTypeDeviceCommand, ParseTopic("vehicle", topics.DeviceCommand("b1")).MessageType)
	assert.Equal(t, MessageTypeGatewayStatus, ParseTopic("vehicle", topics.GatewayStatus()).MessageType)
	assert.Equal(t, MessageTypeMacroStatus, ParseTopic("vehicle", topics.MacroStatus("3")).MessageType)
	assert.Equal(t, "vehicle/errors/gateway/device_busy", topics.Error("", "DEVICE_BUSY"))
	assert.Equal(t, MessageTypeError, ParseTopic("vehicle", topics.Error("abc", "TIMEOUT")).MessageType)
}

func TestQoSFor(t *testing.T) {
	assert.Equal(t, QoSAtMostOnce, QoSFor(MessageTypeTelemetry))
	assert.Equal(t, QoSAtLeastOnce, QoSFor(MessageTypeDeviceStatus))
	assert.Equal(t, QoSAtLeastOnce, QoSFor(MessageTypeRelayState))
	assert.Equal(t, QoSAtLeastOnce, QoSFor(MessageTypeCommandResponse))
	assert.Equal(t, QoSAtLeastOnce, QoSFor(MessageTypeError))
	assert.Equal(t, QoSExactlyOnce, QoSFor(MessageTypeRelayCommand))
	assert.Equal(t, QoSExactlyOnce, QoSFor(MessageTypeDeviceCommand))
}

func TestParseMessageType(t *testing.T) {
	assert.Equal(t, MessageTypeTelemetry, ParseMessageType("telemetry"))
	assert.Equal(t, MessageTypeUnknown, ParseMessageType("does_not_exist"))
	assert.Equal(t, MessageTypeUnknown, ParseMessageType(""))
}
