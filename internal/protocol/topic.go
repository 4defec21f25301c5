package protocol

import "strings"

// 主题分类
const (
	CategoryDevices   = "devices"
	CategoryDiscovery = "discovery"
	CategoryGateway   = "gateway"
	CategoryModes     = "modes"
	CategoryMacros    = "macros"
	CategoryErrors    = "errors"
)

// DefaultTopicRoot 默认主题根
const DefaultTopicRoot = "vehicle"

// TopicInfo 主题解析结果
type TopicInfo struct {
	Category    string
	UUID        string
	Resource    string
	Action      string
	MessageType MessageType
	Valid       bool
}

// IsUUIDLessCategory 不携带设备 uuid 的广播类分类
func IsUUIDLessCategory(category string) bool {
	switch category {
	case CategoryDiscovery, CategoryGateway, CategoryModes:
		return true
	}
	return false
}

// ParseTopic 解析 root/category/{uuid}/{resource}/{action}
// 根不匹配、段数少于 3 或存在空段时 Valid=false
func ParseTopic(root, topic string) TopicInfo {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != root {
		return TopicInfo{}
	}
	for _, p := range parts {
		if p == "" {
			return TopicInfo{}
		}
	}

	info := TopicInfo{
		Category: parts[1],
		Valid:    true,
	}

	if IsUUIDLessCategory(info.Category) {
		// root/discovery/announce, root/gateway/status, root/modes/change
		info.Resource = parts[2]
		if len(parts) > 3 {
			info.Action = parts[3]
		}
	} else {
		info.UUID = parts[2]
		if len(parts) > 3 {
			info.Resource = parts[3]
		}
		if len(parts) > 4 {
			info.Action = parts[4]
		}
	}

	info.MessageType = deriveMessageType(info.Category, info.Resource, info.Action)
	return info
}

// deriveMessageType 根据 (category, resource, action) 推导消息类型
func deriveMessageType(category, resource, action string) MessageType {
	switch category {
	case CategoryDevices:
		switch resource {
		case "announce":
			return MessageTypeDeviceAnnounce
		case "status":
			return MessageTypeDeviceStatus
		case "telemetry":
			return MessageTypeTelemetry
		case "relays":
			// 继电器的 state 是设备上报，set 是命令
			switch action {
			case "state":
				return MessageTypeRelayState
			case "set":
				return MessageTypeRelayCommand
			}
		case "response":
			return MessageTypeCommandResponse
		case "commands":
			switch action {
			case "response":
				return MessageTypeCommandResponse
			case "execute":
				return MessageTypeDeviceCommand
			}
		}
	case CategoryDiscovery:
		if resource == "announce" {
			return MessageTypeDiscovery
		}
	case CategoryGateway:
		switch resource {
		case "status":
			return MessageTypeGatewayStatus
		case "command":
			return MessageTypeSystemCommand
		}
	case CategoryModes:
		if resource == "change" {
			return MessageTypeModeChange
		}
	case CategoryMacros:
		switch resource {
		case "status":
			return MessageTypeMacroStatus
		case "execute", "stop", "heartbeat", "pause", "resume", "emergency_stop":
			return MessageTypeMacroControl
		}
	case CategoryErrors:
		if resource != "" {
			return MessageTypeError
		}
	}
	return MessageTypeUnknown
}

// Topics 出站主题构建器
type Topics struct {
	Root string
}

// NewTopics 创建主题构建器
func NewTopics(root string) Topics {
	if root == "" {
		root = DefaultTopicRoot
	}
	return Topics{Root: root}
}

func (t Topics) join(parts ...string) string {
	return t.Root + "/" + strings.Join(parts, "/")
}

// Device 设备主题 root/devices/{uuid}/{resource}[/{action}]
func (t Topics) Device(uuid, resource, action string) string {
	if action == "" {
		return t.join(CategoryDevices, uuid, resource)
	}
	return t.join(CategoryDevices, uuid, resource, action)
}

// RelaySet 继电器命令主题
func (t Topics) RelaySet(uuid string) string {
	return t.Device(uuid, "relays", "set")
}

// DeviceCommand 设备命令主题
func (t Topics) DeviceCommand(uuid string) string {
	return t.Device(uuid, "commands", "execute")
}

// GatewayStatus 网关自身状态主题
func (t Topics) GatewayStatus() string {
	return t.join(CategoryGateway, "status")
}

// GatewayCommand 网关系统命令主题
func (t Topics) GatewayCommand() string {
	return t.join(CategoryGateway, "command")
}

// Error 错误主题 root/errors/{uuid}/{error_type}
func (t Topics) Error(uuid, errorType string) string {
	if uuid == "" {
		uuid = "gateway"
	}
	return t.join(CategoryErrors, uuid, strings.ToLower(errorType))
}

// MacroStatus 宏状态主题
func (t Topics) MacroStatus(macroID string) string {
	return t.join(CategoryMacros, macroID, "status")
}

// Discovery 发现广播主题
func (t Topics) Discovery() string {
	return t.join(CategoryDiscovery, "announce")
}

// Subscriptions 网关固定订阅的入站主题
func (t Topics) Subscriptions() []string {
	return []string{
		t.join(CategoryDevices, "+", "#"),
		t.join(CategoryDiscovery, "#"),
		t.GatewayCommand(),
		t.join(CategoryModes, "#"),
		t.join(CategoryMacros, "#"),
		t.join(CategoryErrors, "#"),
	}
}
