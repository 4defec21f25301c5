package macro

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"accessory-gateway/internal/metrics"
	"accessory-gateway/internal/models"
	"accessory-gateway/internal/protocol"
	"accessory-gateway/internal/reporter"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning 同一宏已有运行实例
	ErrAlreadyRunning = errors.New("macro already running")
	// ErrNotRunning 宏没有运行实例
	ErrNotRunning = errors.New("macro not running")
	// ErrEngineClosed 引擎已关闭，不再接受新的运行
	ErrEngineClosed = errors.New("macro engine closed")
	// ErrPublishRejected 发布被拒绝（队列满或连接已停止）
	ErrPublishRejected = errors.New("publish rejected")
)

// Definitions 宏定义存储
type Definitions interface {
	GetMacroByID(ctx context.Context, id int64) (*models.MacroDefinition, error)
	UpdateMacroCounters(ctx context.Context, id int64) error
}

// EventSink 事件记录
type EventSink interface {
	AppendEvent(ctx context.Context, eventType, source, action string, payload map[string]interface{}) error
}

// RelayStateProvider 当前继电器状态来源（设备注册表）
type RelayStateProvider interface {
	RelayStates() map[string]map[string]bool
}

// Config 宏引擎配置
type Config struct {
	GatewayUUID        string
	DefaultRelayDevice string
	RelayDelay         time.Duration
	LoopMax            int
	HeartbeatTimeout   time.Duration
	HeartbeatPoll      time.Duration
	StorageTimeout     time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		RelayDelay:       50 * time.Millisecond,
		LoopMax:          100,
		HeartbeatTimeout: 5 * time.Second,
		HeartbeatPoll:    time.Second,
		StorageTimeout:   5 * time.Second,
	}
}

// EmergencyReport 紧急停止结果
type EmergencyReport struct {
	Reason  string           `json:"reason"`
	Stopped []int64          `json:"stopped"`
	Errors  map[int64]string `json:"errors,omitempty"`
}

// Engine 宏引擎
type Engine struct {
	cfg       Config
	defs      Definitions
	publisher reporter.Publisher
	topics    protocol.Topics
	snapshots SnapshotStore
	relays    RelayStateProvider
	events    EventSink
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	runs   map[int64]*run
	last   map[int64]RunStatus
	closed bool

	now func() time.Time
	wg  sync.WaitGroup
}

// NewEngine 创建宏引擎
func NewEngine(
	cfg Config,
	defs Definitions,
	publisher reporter.Publisher,
	topics protocol.Topics,
	snapshots SnapshotStore,
	relays RelayStateProvider,
	events EventSink,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Engine {
	defaults := DefaultConfig()
	// RelayDelay 为 0 取默认值，负数表示不延时
	if cfg.RelayDelay == 0 {
		cfg.RelayDelay = defaults.RelayDelay
	} else if cfg.RelayDelay < 0 {
		cfg.RelayDelay = 0
	}
	if cfg.LoopMax <= 0 {
		cfg.LoopMax = defaults.LoopMax
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if cfg.HeartbeatPoll <= 0 {
		cfg.HeartbeatPoll = defaults.HeartbeatPoll
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = defaults.StorageTimeout
	}
	if snapshots == nil {
		snapshots = NewMemorySnapshotStore()
	}

	return &Engine{
		cfg:       cfg,
		defs:      defs,
		publisher: publisher,
		topics:    topics,
		snapshots: snapshots,
		relays:    relays,
		events:    events,
		logger:    logger,
		metrics:   m,
		runs:      make(map[int64]*run),
		last:      make(map[int64]RunStatus),
		now:       time.Now,
	}
}

// SetClock 替换时钟（测试用）
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Execute 从存储加载宏定义并执行
func (e *Engine) Execute(ctx context.Context, id int64) (RunStatus, error) {
	if e.defs == nil {
		return RunStatus{}, fmt.Errorf("macro %d: no definition store configured", id)
	}
	def, err := e.defs.GetMacroByID(ctx, id)
	if err != nil {
		return RunStatus{}, fmt.Errorf("failed to load macro %d: %w", id, err)
	}
	return e.ExecuteDefinition(ctx, def)
}

// ExecuteDefinition 执行宏定义；同一 id 已在运行时返回 ErrAlreadyRunning
func (e *Engine) ExecuteDefinition(ctx context.Context, def *models.MacroDefinition) (RunStatus, error) {
	now := e.now()
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		def:           def,
		runID:         uuid.NewString(),
		ctx:           runCtx,
		cancel:        cancel,
		state:         StateRunning,
		startedAt:     now,
		lastHeartbeat: now,
		activated:     make(map[channelRef]struct{}),
		done:          make(chan struct{}),
	}

	// 检查与占位在同一把锁内完成
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return RunStatus{}, fmt.Errorf("macro %d: %w", def.ID, ErrEngineClosed)
	}
	if _, exists := e.runs[def.ID]; exists {
		e.mu.Unlock()
		cancel()
		return RunStatus{}, fmt.Errorf("macro %d: %w", def.ID, ErrAlreadyRunning)
	}
	e.runs[def.ID] = r
	// 与登记同锁计数，Wait 不会漏掉已登记的运行
	if def.Trigger.RequiresHeartbeat {
		e.wg.Add(2)
	} else {
		e.wg.Add(1)
	}
	e.mu.Unlock()

	if def.Trigger.PreserveState {
		key := fmt.Sprintf("macro:%d:%s:start", def.ID, r.runID)
		if err := e.saveSnapshot(ctx, key); err != nil {
			e.logger.Warn("Failed to capture start-of-run snapshot, state will not be restored",
				zap.Int64("macro_id", def.ID),
				zap.Error(err),
			)
		} else {
			r.stateKey = key
		}
	}

	if def.Trigger.RequiresHeartbeat {
		supCtx, stop := context.WithCancel(runCtx)
		r.stopSupervisor = stop
		go e.supervise(supCtx, r)
	}

	e.logger.Info("Macro started",
		zap.Int64("macro_id", def.ID),
		zap.String("name", def.Name),
		zap.String("run_id", r.runID),
		zap.Int("actions", len(def.Actions)),
		zap.Bool("requires_heartbeat", def.Trigger.RequiresHeartbeat),
		zap.Bool("preserve_state", def.Trigger.PreserveState),
	)
	e.publishStatus(r.status())

	go e.execute(r)

	return r.status(), nil
}

func (e *Engine) execute(r *run) {
	defer e.wg.Done()
	defer e.finalize(r)

	err := e.runSequence(r.ctx, r, r.def.Actions, true)
	switch {
	case err == nil:
		r.finish(StateCompleted, "")
	case errors.Is(err, errAborted), errors.Is(err, context.Canceled):
		// 停止方已设置状态
		r.finish(StateStopped, ReasonRequested)
	default:
		if r.finish(StateError, err.Error()) {
			e.logger.Error("Macro failed",
				zap.Int64("macro_id", r.def.ID),
				zap.String("run_id", r.runID),
				zap.Error(err),
			)
		}
	}
}

// finalize 运行结束的收尾：异常恢复、强制关闭、状态恢复、计数、事件、状态发布
func (e *Engine) finalize(r *run) {
	if p := recover(); p != nil {
		r.finish(StateError, fmt.Sprintf("panic: %v", p))
		e.logger.Error("Macro panicked",
			zap.Int64("macro_id", r.def.ID),
			zap.String("run_id", r.runID),
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	r.cancel()
	if r.stopSupervisor != nil {
		r.stopSupervisor()
	}

	status := r.status()

	// 需要心跳的宏只要不是正常完成，已打开的通道一律强制关闭
	if r.def.Trigger.RequiresHeartbeat && status.State != StateCompleted {
		if err := e.forceOff(r); err != nil {
			e.logger.Error("Failed to force channels off", zap.Int64("macro_id", r.def.ID), zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StorageTimeout)
	defer cancel()

	if status.StateKey != "" {
		if err := e.restoreSnapshot(ctx, r, status.StateKey); err != nil {
			e.logger.Error("Failed to restore start-of-run state",
				zap.Int64("macro_id", r.def.ID),
				zap.String("state_key", status.StateKey),
				zap.Error(err),
			)
		}
	}
	e.discardSnapshots(ctx, r)

	if e.defs != nil {
		if err := e.defs.UpdateMacroCounters(ctx, r.def.ID); err != nil {
			e.metrics.StorageFailures.WithLabelValues("update_macro_counters").Inc()
			e.logger.Warn("Failed to update macro counters", zap.Int64("macro_id", r.def.ID), zap.Error(err))
		}
	}
	e.appendEvent(ctx, string(status.State), map[string]interface{}{
		"macro_id": r.def.ID,
		"run_id":   r.runID,
		"name":     r.def.Name,
		"reason":   status.Reason,
	})
	e.metrics.MacroRuns.WithLabelValues(string(status.State)).Inc()
	e.publishStatus(status)

	e.mu.Lock()
	if e.runs[r.def.ID] == r {
		delete(e.runs, r.def.ID)
	}
	e.last[r.def.ID] = status
	e.mu.Unlock()

	e.logger.Info("Macro finished",
		zap.Int64("macro_id", r.def.ID),
		zap.String("run_id", r.runID),
		zap.String("state", string(status.State)),
		zap.String("reason", status.Reason),
		zap.Duration("elapsed", e.now().Sub(status.StartedAt)),
	)
	close(r.done)
}

func (e *Engine) lookup(id int64) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

// Stop 停止运行中的宏
func (e *Engine) Stop(id int64, reason string) error {
	r, ok := e.lookup(id)
	if !ok {
		return fmt.Errorf("macro %d: %w", id, ErrNotRunning)
	}
	return e.stopRun(r, reason)
}

// stopRun 先标记状态再取消，保证停止后不再有新的动作发出
func (e *Engine) stopRun(r *run, reason string) error {
	if reason == "" {
		reason = ReasonRequested
	}
	if !r.finish(StateStopped, reason) {
		return fmt.Errorf("macro %d: %w", r.def.ID, ErrNotRunning)
	}
	if r.stopSupervisor != nil {
		r.stopSupervisor()
	}
	r.cancel()
	e.logger.Info("Macro stopped",
		zap.Int64("macro_id", r.def.ID),
		zap.String("run_id", r.runID),
		zap.String("reason", reason),
	)
	return nil
}

// Pause 暂停（在下一个动作边界生效）
func (e *Engine) Pause(id int64) error {
	r, ok := e.lookup(id)
	if !ok {
		return fmt.Errorf("macro %d: %w", id, ErrNotRunning)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return fmt.Errorf("macro %d is %s: %w", id, r.state, ErrNotRunning)
	}
	r.state = StatePaused
	r.resume = make(chan struct{})
	e.logger.Info("Macro paused", zap.Int64("macro_id", id))
	return nil
}

// Resume 恢复暂停的宏
func (e *Engine) Resume(id int64) error {
	r, ok := e.lookup(id)
	if !ok {
		return fmt.Errorf("macro %d: %w", id, ErrNotRunning)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return fmt.Errorf("macro %d is %s: %w", id, r.state, ErrNotRunning)
	}
	r.state = StateRunning
	close(r.resume)
	r.resume = nil
	e.logger.Info("Macro resumed", zap.Int64("macro_id", id))
	return nil
}

// Heartbeat 刷新心跳时间
func (e *Engine) Heartbeat(id int64) error {
	r, ok := e.lookup(id)
	if !ok {
		return fmt.Errorf("macro %d: %w", id, ErrNotRunning)
	}
	r.mu.Lock()
	r.lastHeartbeat = e.now()
	r.mu.Unlock()
	return nil
}

// Close 拒绝之后的 Execute；已有运行不受影响
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// EmergencyStop 停止全部运行中的宏，单个失败不影响其余；发布一条汇总事件
func (e *Engine) EmergencyStop(reason string) EmergencyReport {
	if reason == "" {
		reason = ReasonEmergencyStop
	}

	e.mu.Lock()
	live := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		live = append(live, r)
	}
	e.mu.Unlock()
	sort.Slice(live, func(i, j int) bool { return live[i].def.ID < live[j].def.ID })

	report := EmergencyReport{
		Reason:  reason,
		Stopped: make([]int64, 0, len(live)),
		Errors:  make(map[int64]string),
	}
	for _, r := range live {
		if err := e.emergencyStopRun(r, reason); err != nil {
			report.Errors[r.def.ID] = err.Error()
		}
		if !r.currentState().Live() {
			report.Stopped = append(report.Stopped, r.def.ID)
		}
	}

	ids := make([]string, 0, len(report.Stopped))
	for _, id := range report.Stopped {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	fields := map[string]interface{}{
		"event":   "emergency_stop",
		"reason":  reason,
		"stopped": ids,
		"count":   len(ids),
	}
	if len(report.Errors) > 0 {
		errs := make(map[string]interface{}, len(report.Errors))
		for id, msg := range report.Errors {
			errs[strconv.FormatInt(id, 10)] = msg
		}
		fields["errors"] = errs
	}
	env := protocol.BuildEnvelope(e.cfg.GatewayUUID, protocol.MessageTypeMacroStatus, fields)
	if err := e.publish(e.topics.MacroStatus("all"), env); err != nil {
		e.logger.Error("Failed to publish emergency stop event", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StorageTimeout)
	defer cancel()
	e.appendEvent(ctx, "emergency_stop", fields)

	e.logger.Warn("Emergency stop executed",
		zap.String("reason", reason),
		zap.Int("stopped", len(report.Stopped)),
		zap.Int("failures", len(report.Errors)),
	)
	return report
}

func (e *Engine) emergencyStopRun(r *run, reason string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stop panicked: %v", p)
		}
	}()
	if err := e.stopRun(r, reason); err != nil {
		return err
	}
	if r.def.Trigger.RequiresHeartbeat {
		return e.forceOff(r)
	}
	return nil
}

// heartbeatTimeout 心跳超时：停止运行并立即关闭已打开的通道
func (e *Engine) heartbeatTimeout(r *run, age time.Duration) {
	e.logger.Warn("Heartbeat timeout, force stopping macro",
		zap.Int64("macro_id", r.def.ID),
		zap.String("run_id", r.runID),
		zap.Duration("since_last_heartbeat", age),
	)
	if err := e.stopRun(r, ReasonHeartbeatTimeout); err != nil {
		return
	}
	if err := e.forceOff(r); err != nil {
		e.logger.Error("Failed to force channels off after heartbeat timeout",
			zap.Int64("macro_id", r.def.ID),
			zap.Error(err),
		)
	}
}

// Status 运行中或最近一次运行的状态
func (e *Engine) Status(id int64) (RunStatus, bool) {
	e.mu.Lock()
	r, live := e.runs[id]
	last, finished := e.last[id]
	e.mu.Unlock()

	if live {
		return r.status(), true
	}
	return last, finished
}

// Running 运行中的宏 id
func (e *Engine) Running() []int64 {
	e.mu.Lock()
	ids := make([]int64, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Done 运行结束时关闭的 channel；没有运行实例时返回已关闭的 channel
func (e *Engine) Done(id int64) <-chan struct{} {
	if r, ok := e.lookup(id); ok {
		return r.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Wait 等待所有运行与监督协程退出
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) publishStatus(s RunStatus) {
	fields := map[string]interface{}{
		"macro_id":     s.MacroID,
		"run_id":       s.RunID,
		"name":         s.Name,
		"state":        string(s.State),
		"action_index": s.ActionIndex,
		"started_at":   s.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.Reason != "" {
		fields["reason"] = s.Reason
	}
	env := protocol.BuildEnvelope(e.cfg.GatewayUUID, protocol.MessageTypeMacroStatus, fields)
	if err := e.publish(e.topics.MacroStatus(strconv.FormatInt(s.MacroID, 10)), env); err != nil {
		e.logger.Warn("Failed to publish macro status", zap.Int64("macro_id", s.MacroID), zap.Error(err))
	}
}

// publish 发布信封；发布端的 panic 转为错误
func (e *Engine) publish(topic string, env protocol.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("publish to %s panicked: %v", topic, p)
		}
	}()
	if !e.publisher.PublishEnvelope(topic, env, false) {
		return fmt.Errorf("%w: %s", ErrPublishRejected, topic)
	}
	return nil
}

func (e *Engine) appendEvent(ctx context.Context, action string, payload map[string]interface{}) {
	if e.events == nil {
		return
	}
	if err := e.events.AppendEvent(ctx, "macro", reporter.SourceGateway, action, payload); err != nil {
		e.metrics.StorageFailures.WithLabelValues("append_event").Inc()
		e.logger.Warn("Failed to append macro event", zap.String("action", action), zap.Error(err))
	}
}
