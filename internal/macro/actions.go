package macro

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"accessory-gateway/internal/models"
	"accessory-gateway/internal/protocol"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const allChannels = "all"

// errAborted 运行状态已离开 running
var errAborted = errors.New("macro run aborted")

func (e *Engine) runSequence(ctx context.Context, r *run, actions []models.MacroAction, top bool) error {
	for i, a := range actions {
		if err := e.checkpoint(ctx, r); err != nil {
			return err
		}
		if top {
			r.mu.Lock()
			r.actionIndex = i
			r.mu.Unlock()
		}
		if err := e.runAction(ctx, r, a); err != nil {
			return err
		}
	}
	return nil
}

// checkpoint 动作边界：暂停时等待恢复，状态离开 running 时中止
func (e *Engine) checkpoint(ctx context.Context, r *run) error {
	for {
		r.mu.Lock()
		state, resume := r.state, r.resume
		r.mu.Unlock()

		switch state {
		case StateRunning:
			return ctx.Err()
		case StatePaused:
			select {
			case <-resume:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			return errAborted
		}
	}
}

func (e *Engine) runAction(ctx context.Context, r *run, a models.MacroAction) error {
	switch a.Type {
	case models.ActionRelay:
		return e.relay(ctx, r, a)
	case models.ActionDelay:
		return sleepCtx(ctx, time.Duration(a.Ms)*time.Millisecond)
	case models.ActionLoop:
		count := a.Count
		if count < 0 {
			count = e.cfg.LoopMax
		}
		for i := 0; i < count; i++ {
			if err := e.runSequence(ctx, r, a.Actions, false); err != nil {
				return err
			}
		}
		return nil
	case models.ActionSaveState:
		key := e.scopedKey(r, a.Key)
		if err := e.saveSnapshot(ctx, key); err != nil {
			return err
		}
		r.mu.Lock()
		r.savedKeys = append(r.savedKeys, key)
		r.mu.Unlock()
		return nil
	case models.ActionRestoreState:
		return e.restoreSnapshot(ctx, r, e.scopedKey(r, a.Key))
	case models.ActionParallel:
		g, gctx := errgroup.WithContext(ctx)
		for _, sub := range a.Actions {
			sub := sub
			g.Go(func() (err error) {
				// 分支 goroutine 不在 finalize 的 recover 范围内
				defer func() {
					if p := recover(); p != nil {
						e.logger.Error("Macro parallel branch panicked",
							zap.Int64("macro_id", r.def.ID),
							zap.String("run_id", r.runID),
							zap.Any("panic", p),
							zap.Stack("stack"),
						)
						err = fmt.Errorf("panic: %v", p)
					}
				}()
				return e.runSequence(gctx, r, []models.MacroAction{sub}, false)
			})
		}
		return g.Wait()
	case models.ActionPublish:
		return e.publishAction(r, a)
	case models.ActionLog:
		e.logAction(r, a)
		return nil
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

func (e *Engine) relay(ctx context.Context, r *run, a models.MacroAction) error {
	device := a.Device
	if device == "" {
		device = e.cfg.DefaultRelayDevice
	}
	if device == "" {
		return errors.New("relay action without device and no default relay device configured")
	}
	if a.Target == nil {
		return errors.New("relay action without target")
	}
	action := strings.ToLower(a.Action)
	if action != "on" && action != "off" && action != "toggle" {
		return fmt.Errorf("invalid relay action %q", a.Action)
	}

	var channels []string
	if a.Target.All {
		channels = []string{allChannels}
	} else {
		for _, ch := range a.Target.Channels {
			channels = append(channels, strconv.Itoa(ch))
		}
	}

	for _, ch := range channels {
		if !r.currentState().Live() {
			return errAborted
		}
		if err := e.publishRelay(device, ch, action, "macro", r); err != nil {
			return err
		}
		r.markActivated(device, ch, action != "off")
		if err := sleepCtx(ctx, e.cfg.RelayDelay); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) publishRelay(device, channel, state, source string, r *run) error {
	fields := map[string]interface{}{
		"channel":  channelValue(channel),
		"state":    state,
		"source":   source,
		"macro_id": r.def.ID,
		"run_id":   r.runID,
	}
	env := protocol.BuildEnvelope(e.cfg.GatewayUUID, protocol.MessageTypeRelayCommand, fields)
	return e.publish(e.topics.RelaySet(device), env)
}

// forceOff 关闭本次运行打开过的所有通道，不做延时
func (e *Engine) forceOff(r *run) error {
	var (
		errs   []error
		failed []channelRef
	)
	for _, ref := range r.takeActivated() {
		if err := e.publishRelay(ref.device, ref.channel, "off", "macro_safety", r); err != nil {
			errs = append(errs, err)
			failed = append(failed, ref)
			continue
		}
		e.logger.Warn("Channel forced off",
			zap.Int64("macro_id", r.def.ID),
			zap.String("device", ref.device),
			zap.String("channel", ref.channel),
		)
	}
	// 发布失败的通道留给下一次强制关闭重试
	r.requeueActivated(failed)
	return errors.Join(errs...)
}

func (e *Engine) scopedKey(r *run, key string) string {
	if key == "" {
		key = "default"
	}
	return fmt.Sprintf("macro:%d:%s:%s", r.def.ID, r.runID, key)
}

func (e *Engine) saveSnapshot(ctx context.Context, key string) error {
	snap := Snapshot{}
	if e.relays != nil {
		snap = Snapshot(e.relays.RelayStates())
	}
	if err := e.snapshots.Save(ctx, key, snap); err != nil {
		return fmt.Errorf("failed to save state %s: %w", key, err)
	}
	return nil
}

func (e *Engine) restoreSnapshot(ctx context.Context, r *run, key string) error {
	snap, err := e.snapshots.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to restore state %s: %w", key, err)
	}

	devices := make([]string, 0, len(snap))
	for device := range snap {
		devices = append(devices, device)
	}
	sort.Strings(devices)

	for _, device := range devices {
		channels := make([]string, 0, len(snap[device]))
		for ch := range snap[device] {
			channels = append(channels, ch)
		}
		sort.Strings(channels)

		for _, ch := range channels {
			state := "off"
			if snap[device][ch] {
				state = "on"
			}
			if err := e.publishRelay(device, ch, state, "macro_restore", r); err != nil {
				return err
			}
			if err := sleepCtx(ctx, e.cfg.RelayDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) discardSnapshots(ctx context.Context, r *run) {
	r.mu.Lock()
	keys := append([]string(nil), r.savedKeys...)
	if r.stateKey != "" {
		keys = append(keys, r.stateKey)
	}
	r.mu.Unlock()

	for _, key := range keys {
		if err := e.snapshots.Delete(ctx, key); err != nil {
			e.logger.Warn("Failed to discard snapshot", zap.String("state_key", key), zap.Error(err))
		}
	}
}

func (e *Engine) publishAction(r *run, a models.MacroAction) error {
	if a.Topic == "" {
		return errors.New("publish action without topic")
	}
	topic := a.Topic
	root := e.topics.Root + "/"
	if !strings.HasPrefix(topic, root) {
		topic = root + strings.TrimPrefix(topic, "/")
	}

	info := protocol.ParseTopic(e.topics.Root, topic)
	env := protocol.BuildEnvelope(e.cfg.GatewayUUID, info.MessageType, a.Payload)
	return e.publish(topic, env)
}

func (e *Engine) logAction(r *run, a models.MacroAction) {
	fields := []zap.Field{
		zap.Int64("macro_id", r.def.ID),
		zap.String("run_id", r.runID),
	}
	switch strings.ToLower(a.Level) {
	case "debug":
		e.logger.Debug(a.Message, fields...)
	case "warn", "warning":
		e.logger.Warn(a.Message, fields...)
	case "error":
		e.logger.Error(a.Message, fields...)
	default:
		e.logger.Info(a.Message, fields...)
	}
}

// supervise 心跳监督：按 HeartbeatPoll 轮询，超过 HeartbeatTimeout 未收到心跳即强制停止
func (e *Engine) supervise(ctx context.Context, r *run) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.HeartbeatPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if age := r.heartbeatAge(e.now()); age > e.cfg.HeartbeatTimeout {
				e.heartbeatTimeout(r, age)
				return
			}
		}
	}
}

func channelValue(channel string) interface{} {
	if n, err := strconv.Atoi(channel); err == nil {
		return n
	}
	return channel
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
