package protocol

import (
	"encoding/json"
	"strconv"
	"time"
)

// StringField 读取字符串字段（数字会被格式化为字符串）
func StringField(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	}
	return ""
}

// FloatField 读取数值字段，兼容数字字符串
func FloatField(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// ToFloat 将 JSON 解码出的值转换为 float64
func ToFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// BoolField 读取布尔字段
func BoolField(m map[string]interface{}, key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		switch val {
		case "on", "true", "1":
			return true, true
		case "off", "false", "0":
			return false, true
		}
	case float64:
		return val != 0, true
	}
	return false, false
}

// MapField 读取嵌套对象字段
func MapField(m map[string]interface{}, key string) (map[string]interface{}, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	sub, ok := v.(map[string]interface{})
	return sub, ok
}

// StringSliceField 读取字符串数组字段
func StringSliceField(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		if ss, ok := m[key].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// TimeField 读取 RFC3339 时间字段或 unix 秒时间戳
func TimeField(m map[string]interface{}, key string) (time.Time, bool) {
	v, ok := m[key]
	if !ok {
		return time.Time{}, false
	}
	switch val := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t.UTC(), true
		}
	case float64:
		if val > 0 {
			sec := int64(val)
			return time.Unix(sec, int64((val-float64(sec))*1e9)).UTC(), true
		}
	}
	return time.Time{}, false
}
