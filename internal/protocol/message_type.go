package protocol

// MessageType 消息类型（封闭枚举，未知值统一归为 MessageTypeUnknown）
type MessageType string

const (
	MessageTypeUnknown         MessageType = "unknown"
	MessageTypeDeviceAnnounce  MessageType = "device_announce"
	MessageTypeDeviceStatus    MessageType = "device_status"
	MessageTypeTelemetry       MessageType = "telemetry"
	MessageTypeRelayState      MessageType = "relay_state"
	MessageTypeRelayCommand    MessageType = "relay_command"
	MessageTypeDeviceCommand   MessageType = "device_command"
	MessageTypeCommandResponse MessageType = "command_response"
	MessageTypeDiscovery       MessageType = "discovery"
	MessageTypeSystemCommand   MessageType = "system_command"
	MessageTypeGatewayStatus   MessageType = "gateway_status"
	MessageTypeMacroStatus     MessageType = "macro_status"
	MessageTypeMacroControl    MessageType = "macro_control"
	MessageTypeModeChange      MessageType = "mode_change"
	MessageTypeError           MessageType = "error"
)

var knownMessageTypes = map[MessageType]struct{}{
	MessageTypeDeviceAnnounce:  {},
	MessageTypeDeviceStatus:    {},
	MessageTypeTelemetry:       {},
	MessageTypeRelayState:      {},
	MessageTypeRelayCommand:    {},
	MessageTypeDeviceCommand:   {},
	MessageTypeCommandResponse: {},
	MessageTypeDiscovery:       {},
	MessageTypeSystemCommand:   {},
	MessageTypeGatewayStatus:   {},
	MessageTypeMacroStatus:     {},
	MessageTypeMacroControl:    {},
	MessageTypeModeChange:      {},
	MessageTypeError:           {},
}

// ParseMessageType 将字符串映射为消息类型
func ParseMessageType(s string) MessageType {
	t := MessageType(s)
	if _, ok := knownMessageTypes[t]; ok {
		return t
	}
	return MessageTypeUnknown
}

// String 实现 fmt.Stringer
func (t MessageType) String() string {
	return string(t)
}

// QoS 级别
const (
	QoSAtMostOnce  byte = 0
	QoSAtLeastOnce byte = 1
	QoSExactlyOnce byte = 2
)

// QoSFor 按消息类型返回发布 QoS
// 遥测允许丢失；状态/响应/错误至少一次；执行器命令必须恰好一次
func QoSFor(t MessageType) byte {
	switch t {
	case MessageTypeTelemetry:
		return QoSAtMostOnce
	case MessageTypeRelayCommand, MessageTypeDeviceCommand, MessageTypeSystemCommand, MessageTypeMacroControl:
		return QoSExactlyOnce
	default:
		return QoSAtLeastOnce
	}
}
