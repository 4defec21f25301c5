package models

import "time"

// DeviceStatus 设备状态
type DeviceStatus string

const (
	DeviceStatusOnline     DeviceStatus = "online"
	DeviceStatusOffline    DeviceStatus = "offline"
	DeviceStatusConnecting DeviceStatus = "connecting"
	DeviceStatusError      DeviceStatus = "error"
	DeviceStatusUpdating   DeviceStatus = "updating"
)

// ParseDeviceStatus 解析设备状态字符串
func ParseDeviceStatus(s string) (DeviceStatus, bool) {
	switch DeviceStatus(s) {
	case DeviceStatusOnline, DeviceStatusOffline, DeviceStatusConnecting, DeviceStatusError, DeviceStatusUpdating:
		return DeviceStatus(s), true
	}
	return "", false
}

// TelemetrySnapshot 设备最近一次遥测摘要
type TelemetrySnapshot struct {
	Battery    *float64 `json:"battery,omitempty"`
	Signal     *float64 `json:"signal,omitempty"`
	Uptime     *float64 `json:"uptime,omitempty"`
	FreeMemory *float64 `json:"free_memory,omitempty"`
}

// DeviceState 设备状态（由设备注册表独占）
type DeviceState struct {
	UUID            string             `json:"uuid"`
	DeviceType      string             `json:"device_type"`
	FirmwareVersion string             `json:"firmware_version"`
	Capabilities    []string           `json:"capabilities"`
	Status          DeviceStatus       `json:"status"`
	LastSeen        time.Time          `json:"last_seen"`
	IPAddress       string             `json:"ip_address,omitempty"`
	MACAddress      string             `json:"mac_address,omitempty"`
	Telemetry       *TelemetrySnapshot `json:"telemetry,omitempty"`
	Relays          map[string]bool    `json:"relays,omitempty"`
	Errors          []string           `json:"errors,omitempty"`
}

// Clone 深拷贝，注册表对外只返回副本
func (d *DeviceState) Clone() DeviceState {
	out := *d
	if d.Capabilities != nil {
		out.Capabilities = append([]string(nil), d.Capabilities...)
	}
	if d.Errors != nil {
		out.Errors = append([]string(nil), d.Errors...)
	}
	if d.Relays != nil {
		out.Relays = make(map[string]bool, len(d.Relays))
		for k, v := range d.Relays {
			out.Relays[k] = v
		}
	}
	if d.Telemetry != nil {
		snap := *d.Telemetry
		out.Telemetry = &snap
	}
	return out
}

// PendingCommand 等待响应的命令
type PendingCommand struct {
	CommandID  string
	DeviceUUID string
	Command    string
	IssuedAt   time.Time
}
