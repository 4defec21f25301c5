package models

import "time"

// TelemetryPoint 统一的遥测点
type TelemetryPoint struct {
	DeviceUUID string                 `json:"device_uuid"`
	SensorType string                 `json:"sensor_type"`
	Value      float64                `json:"value"`
	Unit       string                 `json:"unit,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}
