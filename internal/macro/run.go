package macro

import (
	"context"
	"sort"
	"sync"
	"time"

	"accessory-gateway/internal/models"
)

// RunState 宏运行状态
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StatePaused    RunState = "paused"
	StateStopped   RunState = "stopped"
	StateError     RunState = "error"
	StateCompleted RunState = "completed"
)

// Live 是否仍在运行（含暂停）
func (s RunState) Live() bool {
	return s == StateRunning || s == StatePaused
}

// 终止原因
const (
	ReasonRequested        = "requested"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonEmergencyStop    = "emergency_stop"
	ReasonShutdown         = "shutdown"
)

// RunStatus 运行状态快照
type RunStatus struct {
	MacroID       int64     `json:"macro_id"`
	RunID         string    `json:"run_id"`
	Name          string    `json:"name"`
	State         RunState  `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	ActionIndex   int       `json:"action_index"`
	StateKey      string    `json:"state_key,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

type channelRef struct {
	device  string
	channel string
}

// run 单次宏执行
type run struct {
	def   *models.MacroDefinition
	runID string

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         RunState
	reason        string
	startedAt     time.Time
	actionIndex   int
	stateKey      string
	savedKeys     []string
	lastHeartbeat time.Time
	resume        chan struct{}
	activated     map[channelRef]struct{}
	forcedOff     bool

	stopSupervisor context.CancelFunc
	done           chan struct{}
}

func (r *run) status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunStatus{
		MacroID:       r.def.ID,
		RunID:         r.runID,
		Name:          r.def.Name,
		State:         r.state,
		Reason:        r.reason,
		StartedAt:     r.startedAt,
		ActionIndex:   r.actionIndex,
		StateKey:      r.stateKey,
		LastHeartbeat: r.lastHeartbeat,
	}
}

func (r *run) currentState() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// finish 仅从 live 状态迁移到终止状态，返回是否发生迁移
func (r *run) finish(state RunState, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Live() {
		return false
	}
	r.state = state
	r.reason = reason
	if r.resume != nil {
		close(r.resume)
		r.resume = nil
	}
	return true
}

func (r *run) heartbeatAge(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.lastHeartbeat)
}

func (r *run) markActivated(device string, channel string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := channelRef{device: device, channel: channel}
	if on {
		r.activated[ref] = struct{}{}
		// 强制关闭之后仍有通道被打开时，收尾阶段需要再关一次
		r.forcedOff = false
		return
	}
	if channel == allChannels {
		for k := range r.activated {
			if k.device == device {
				delete(r.activated, k)
			}
		}
		return
	}
	delete(r.activated, ref)
}

// takeActivated 取出需要强制关闭的通道（只执行一次）
func (r *run) takeActivated() []channelRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forcedOff {
		return nil
	}
	r.forcedOff = true
	out := make([]channelRef, 0, len(r.activated))
	for ref := range r.activated {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].device != out[j].device {
			return out[i].device < out[j].device
		}
		return out[i].channel < out[j].channel
	})
	return out
}

func (r *run) requeueActivated(refs []channelRef) {
	if len(refs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activated = make(map[channelRef]struct{}, len(refs))
	for _, ref := range refs {
		r.activated[ref] = struct{}{}
	}
	r.forcedOff = false
}
