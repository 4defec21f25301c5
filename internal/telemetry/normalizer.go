package telemetry

import (
	"sort"
	"time"

	"accessory-gateway/internal/models"
	"accessory-gateway/internal/protocol"

	"go.uber.org/zap"
)

// 数据来源，写入 metadata.source
const (
	SourceCAN    = "can"
	SourceAnalog = "analog"
	SourceSystem = "system"
	SourceGPS    = "gps"
)

type systemField struct {
	key  string
	unit string
}

var systemFields = []systemField{
	{"cpu_temp", "C"},
	{"memory_percent", "%"},
	{"uptime", "s"},
	{"wifi_signal", "dBm"},
	{"battery_voltage", "V"},
}

var gpsFields = []systemField{
	{"lat", "deg"},
	{"lon", "deg"},
	{"alt", "m"},
	{"speed", "km/h"},
	{"heading", "deg"},
	{"satellites", "count"},
}

// Normalizer 将多种遥测载荷形态统一为 TelemetryPoint
type Normalizer struct {
	logger *zap.Logger
}

// NewNormalizer 创建归一化器
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize 一次遍历组合各个可选解码器；格式错误的子对象跳过并告警
func (n *Normalizer) Normalize(deviceUUID string, payload map[string]interface{}, now time.Time) []models.TelemetryPoint {
	ts := now.UTC()
	if t, ok := protocol.TimeField(payload, protocol.FieldTimestamp); ok {
		ts = t
	}

	var points []models.TelemetryPoint
	points = append(points, n.decodeSensorMap(deviceUUID, payload, ts, SourceCAN, "can_signals", "signals")...)
	points = append(points, n.decodeSensorMap(deviceUUID, payload, ts, SourceAnalog, "analog_sensors", "sensors")...)
	points = append(points, n.decodeFixed(deviceUUID, payload, ts, SourceSystem, "", systemFields)...)

	if raw, present := payload["gps"]; present {
		gps, ok := raw.(map[string]interface{})
		if !ok {
			n.logger.Warn("Skipping malformed gps block", zap.String("device_uuid", deviceUUID))
		} else {
			points = append(points, n.decodeFixed(deviceUUID, gps, ts, SourceGPS, "gps_", gpsFields)...)
		}
	}
	return points
}

// decodeSensorMap 解析 name -> number 或 name -> {value, unit, ...}
func (n *Normalizer) decodeSensorMap(deviceUUID string, payload map[string]interface{}, ts time.Time, source string, keys ...string) []models.TelemetryPoint {
	var points []models.TelemetryPoint
	for _, key := range keys {
		raw, present := payload[key]
		if !present {
			continue
		}
		sensors, ok := raw.(map[string]interface{})
		if !ok {
			n.logger.Warn("Skipping malformed sensor block",
				zap.String("device_uuid", deviceUUID),
				zap.String("block", key),
			)
			continue
		}

		names := make([]string, 0, len(sensors))
		for name := range sensors {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			point := models.TelemetryPoint{
				DeviceUUID: deviceUUID,
				SensorType: name,
				Timestamp:  ts,
				Metadata:   map[string]interface{}{"source": source},
			}

			switch v := sensors[name].(type) {
			case map[string]interface{}:
				value, ok := protocol.FloatField(v, "value")
				if !ok {
					n.logger.Warn("Skipping sensor without numeric value",
						zap.String("device_uuid", deviceUUID),
						zap.String("sensor", name),
					)
					continue
				}
				point.Value = value
				point.Unit = protocol.StringField(v, "unit")
				for k, extra := range v {
					if k != "value" && k != "unit" {
						point.Metadata[k] = extra
					}
				}
			default:
				value, ok := protocol.ToFloat(v)
				if !ok {
					n.logger.Warn("Skipping non-numeric sensor value",
						zap.String("device_uuid", deviceUUID),
						zap.String("sensor", name),
					)
					continue
				}
				point.Value = value
			}
			points = append(points, point)
		}
	}
	return points
}

func (n *Normalizer) decodeFixed(deviceUUID string, payload map[string]interface{}, ts time.Time, source, prefix string, fields []systemField) []models.TelemetryPoint {
	var points []models.TelemetryPoint
	for _, f := range fields {
		raw, present := payload[f.key]
		if !present {
			continue
		}
		value, ok := protocol.ToFloat(raw)
		if !ok {
			n.logger.Warn("Skipping non-numeric field",
				zap.String("device_uuid", deviceUUID),
				zap.String("field", prefix+f.key),
			)
			continue
		}
		points = append(points, models.TelemetryPoint{
			DeviceUUID: deviceUUID,
			SensorType: prefix + f.key,
			Value:      value,
			Unit:       f.unit,
			Metadata:   map[string]interface{}{"source": source},
			Timestamp:  ts,
		})
	}
	return points
}
