package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ActionType 宏动作类型
type ActionType string

const (
	ActionRelay        ActionType = "relay"
	ActionDelay        ActionType = "delay"
	ActionLoop         ActionType = "loop"
	ActionSaveState    ActionType = "save_state"
	ActionRestoreState ActionType = "restore_state"
	ActionParallel     ActionType = "parallel"
	ActionPublish      ActionType = "publish"
	ActionLog          ActionType = "log"
)

// RelayTarget 继电器目标：单个通道、通道列表或 "all"
type RelayTarget struct {
	All      bool
	Channels []int
}

// UnmarshalJSON 支持 3 / [1,2] / "all" / "3" 四种写法
func (t *RelayTarget) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseRelayTarget(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalJSON 实现 json.Marshaler
func (t RelayTarget) MarshalJSON() ([]byte, error) {
	if t.All {
		return json.Marshal("all")
	}
	if len(t.Channels) == 1 {
		return json.Marshal(t.Channels[0])
	}
	return json.Marshal(t.Channels)
}

// ParseRelayTarget 从已解码 JSON 值解析目标
func ParseRelayTarget(raw interface{}) (RelayTarget, error) {
	switch v := raw.(type) {
	case string:
		if strings.EqualFold(v, "all") {
			return RelayTarget{All: true}, nil
		}
		ch, err := strconv.Atoi(v)
		if err != nil || ch <= 0 {
			return RelayTarget{}, fmt.Errorf("invalid relay target %q", v)
		}
		return RelayTarget{Channels: []int{ch}}, nil
	case float64:
		if v <= 0 || v != float64(int(v)) {
			return RelayTarget{}, fmt.Errorf("invalid relay channel %v", v)
		}
		return RelayTarget{Channels: []int{int(v)}}, nil
	case []interface{}:
		if len(v) == 0 {
			return RelayTarget{}, fmt.Errorf("empty relay target list")
		}
		channels := make([]int, 0, len(v))
		for _, item := range v {
			f, ok := item.(float64)
			if !ok || f <= 0 || f != float64(int(f)) {
				return RelayTarget{}, fmt.Errorf("invalid relay channel %v", item)
			}
			channels = append(channels, int(f))
		}
		return RelayTarget{Channels: channels}, nil
	}
	return RelayTarget{}, fmt.Errorf("unsupported relay target %v", raw)
}

// MacroAction 宏动作
type MacroAction struct {
	Type    ActionType             `json:"type"`
	Device  string                 `json:"device,omitempty"`
	Target  *RelayTarget           `json:"target,omitempty"`
	Action  string                 `json:"action,omitempty"`
	Ms      int                    `json:"ms,omitempty"`
	Count   int                    `json:"count,omitempty"`
	Actions []MacroAction          `json:"actions,omitempty"`
	Key     string                 `json:"key,omitempty"`
	Topic   string                 `json:"topic,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Message string                 `json:"message,omitempty"`
	Level   string                 `json:"level,omitempty"`
}

// TriggerConfig 宏触发配置
type TriggerConfig struct {
	PreserveState     bool `json:"preserve_state"`
	RequiresHeartbeat bool `json:"requires_heartbeat"`
}

// MacroDefinition 宏定义
type MacroDefinition struct {
	ID             int64         `json:"id"`
	Name           string        `json:"name"`
	Actions        []MacroAction `json:"action_sequence"`
	Trigger        TriggerConfig `json:"trigger_config"`
	ExecutionCount int64         `json:"execution_count"`
	LastExecuted   *time.Time    `json:"last_executed,omitempty"`
}
