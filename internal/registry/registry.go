package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"accessory-gateway/internal/metrics"
	"accessory-gateway/internal/models"
	"accessory-gateway/internal/protocol"
	"accessory-gateway/internal/reporter"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxDeviceErrors = 10

// Store 设备持久化接口
type Store interface {
	UpsertDevice(ctx context.Context, device models.DeviceState) error
	ListDevices(ctx context.Context) ([]models.DeviceState, error)
}

// ErrorReporter 错误上报接口
type ErrorReporter interface {
	PublishError(code reporter.ErrorCode, message string, deviceUUID string, context map[string]interface{}) bool
}

// Config 注册表配置
type Config struct {
	GatewayUUID    string
	SweepInterval  time.Duration
	OfflineTimeout time.Duration
	CommandTimeout time.Duration
	PersistBuffer  int
	PersistTimeout time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		SweepInterval:  30 * time.Second,
		OfflineTimeout: 300 * time.Second,
		CommandTimeout: 30 * time.Second,
		PersistBuffer:  256,
		PersistTimeout: 5 * time.Second,
	}
}

// Registry 设备注册表（设备状态的唯一拥有者）
type Registry struct {
	cfg       Config
	store     Store
	publisher reporter.Publisher
	topics    protocol.Topics
	errors    ErrorReporter
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu      sync.RWMutex
	devices map[string]*models.DeviceState
	pending map[string]models.PendingCommand

	persist chan models.DeviceState
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewRegistry 创建设备注册表
func NewRegistry(cfg Config, store Store, publisher reporter.Publisher, topics protocol.Topics, errs ErrorReporter, logger *zap.Logger, m *metrics.Metrics) *Registry {
	defaults := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = defaults.OfflineTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaults.CommandTimeout
	}
	if cfg.PersistBuffer <= 0 {
		cfg.PersistBuffer = defaults.PersistBuffer
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaults.PersistTimeout
	}

	return &Registry{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		topics:    topics,
		errors:    errs,
		logger:    logger,
		metrics:   m,
		devices:   make(map[string]*models.DeviceState),
		pending:   make(map[string]models.PendingCommand),
		persist:   make(chan models.DeviceState, cfg.PersistBuffer),
		now:       time.Now,
	}
}

// SetClock 替换时钟（测试用）
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Load 启动时从存储加载设备
func (r *Registry) Load(ctx context.Context) error {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for i := range devices {
		d := devices[i]
		r.devices[d.UUID] = &d
	}
	r.updateOnlineGaugeLocked()
	r.mu.Unlock()

	r.logger.Info("Device registry loaded", zap.Int("devices", len(devices)))
	return nil
}

// Start 启动离线扫描与持久化协程
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(2)
	go r.sweepLoop(ctx)
	go r.persistLoop(ctx)
}

// Wait 等待后台协程退出
func (r *Registry) Wait() {
	r.wg.Wait()
}

// getOrCreateLocked 未知设备按最小记录懒创建（状态可能先于 announce 到达）
func (r *Registry) getOrCreateLocked(deviceUUID string) (*models.DeviceState, bool) {
	if d, ok := r.devices[deviceUUID]; ok {
		return d, false
	}
	d := &models.DeviceState{
		UUID:   deviceUUID,
		Status: models.DeviceStatusOnline,
	}
	r.devices[deviceUUID] = d
	return d, true
}

// HandleAnnounce 设备上线公告：完整重新注册
func (r *Registry) HandleAnnounce(deviceUUID string, payload map[string]interface{}) {
	r.mu.Lock()
	d, created := r.getOrCreateLocked(deviceUUID)
	previous := d.Status

	if v := protocol.StringField(payload, "device_type"); v != "" {
		d.DeviceType = v
	}
	if v := protocol.StringField(payload, "firmware_version"); v != "" {
		d.FirmwareVersion = v
	}
	if caps := protocol.StringSliceField(payload, "capabilities"); caps != nil {
		d.Capabilities = caps
	}
	if v := protocol.StringField(payload, "ip_address"); v != "" {
		d.IPAddress = v
	}
	if v := protocol.StringField(payload, "mac_address"); v != "" {
		d.MACAddress = v
	}
	d.Status = models.DeviceStatusOnline
	d.LastSeen = r.now()
	d.Errors = nil
	snapshot := d.Clone()
	r.updateOnlineGaugeLocked()
	r.mu.Unlock()

	if created || previous != models.DeviceStatusOnline {
		r.logger.Info("Device registered",
			zap.String("device_uuid", deviceUUID),
			zap.String("device_type", snapshot.DeviceType),
			zap.String("firmware_version", snapshot.FirmwareVersion),
			zap.Strings("capabilities", snapshot.Capabilities),
		)
	}
	r.enqueuePersist(snapshot)
}

// HandleStatus 设备状态上报：刷新 last_seen 并合并字段
func (r *Registry) HandleStatus(deviceUUID string, payload map[string]interface{}) {
	r.mu.Lock()
	d, created := r.getOrCreateLocked(deviceUUID)
	d.LastSeen = r.now()

	if s, ok := models.ParseDeviceStatus(protocol.StringField(payload, "status")); ok && s != models.DeviceStatusOffline {
		d.Status = s
	} else if d.Status == models.DeviceStatusOffline {
		d.Status = models.DeviceStatusOnline
	}
	if v := protocol.StringField(payload, "firmware_version"); v != "" {
		d.FirmwareVersion = v
	}
	if v := protocol.StringField(payload, "ip_address"); v != "" {
		d.IPAddress = v
	}
	if msg := protocol.StringField(payload, "error"); msg != "" {
		d.Errors = appendError(d.Errors, msg)
	}
	mergeTelemetry(d, payload)
	snapshot := d.Clone()
	r.updateOnlineGaugeLocked()
	r.mu.Unlock()

	if created {
		r.logger.Debug("Status received before announce, created minimal record", zap.String("device_uuid", deviceUUID))
	}
	r.enqueuePersist(snapshot)
}

// HandleTelemetry 刷新遥测摘要
func (r *Registry) HandleTelemetry(deviceUUID string, payload map[string]interface{}) {
	r.mu.Lock()
	d, _ := r.getOrCreateLocked(deviceUUID)
	d.LastSeen = r.now()
	if d.Status == models.DeviceStatusOffline {
		d.Status = models.DeviceStatusOnline
	}
	mergeTelemetry(d, payload)
	snapshot := d.Clone()
	r.updateOnlineGaugeLocked()
	r.mu.Unlock()

	r.enqueuePersist(snapshot)
}

// HandleRelayStatus 继电器状态上报：relays 映射或 channel/state 单通道
func (r *Registry) HandleRelayStatus(deviceUUID string, payload map[string]interface{}) {
	r.mu.Lock()
	d, _ := r.getOrCreateLocked(deviceUUID)
	d.LastSeen = r.now()
	if d.Status == models.DeviceStatusOffline {
		d.Status = models.DeviceStatusOnline
	}
	if d.Relays == nil {
		d.Relays = make(map[string]bool)
	}

	if relays, ok := protocol.MapField(payload, "relays"); ok {
		for ch := range relays {
			if state, ok := protocol.BoolField(relays, ch); ok {
				d.Relays[ch] = state
			}
		}
	} else if ch := protocol.StringField(payload, "channel"); ch != "" {
		if state, ok := protocol.BoolField(payload, "state"); ok {
			d.Relays[ch] = state
		}
	}
	snapshot := d.Clone()
	r.updateOnlineGaugeLocked()
	r.mu.Unlock()

	r.enqueuePersist(snapshot)
}

// HandleCommandResponse 匹配待响应命令；未匹配的响应只记录日志
func (r *Registry) HandleCommandResponse(deviceUUID string, payload map[string]interface{}) bool {
	commandID := protocol.StringField(payload, "command_id")

	r.mu.Lock()
	if d, ok := r.devices[deviceUUID]; ok {
		d.LastSeen = r.now()
	}
	cmd, matched := r.pending[commandID]
	// 只接受被命令设备自己的响应
	matched = matched && cmd.DeviceUUID == deviceUUID
	if matched {
		delete(r.pending, commandID)
	}
	r.mu.Unlock()

	if !matched {
		r.logger.Warn("Unmatched command response dropped",
			zap.String("device_uuid", deviceUUID),
			zap.String("command_id", commandID),
			zap.String("expected_device", cmd.DeviceUUID),
		)
		return false
	}

	success, hasSuccess := protocol.BoolField(payload, "success")
	if hasSuccess && !success {
		r.errors.PublishError(reporter.CodeCommandFailed,
			"device reported command failure: "+protocol.StringField(payload, "error"),
			deviceUUID,
			map[string]interface{}{"command_id": commandID, "command": cmd.Command},
		)
		return true
	}

	r.logger.Info("Command acknowledged",
		zap.String("device_uuid", deviceUUID),
		zap.String("command_id", commandID),
		zap.String("command", cmd.Command),
		zap.Duration("latency", r.now().Sub(cmd.IssuedAt)),
	)
	return true
}

// HandleDiscovery 发现广播：已注册设备刷新，未注册设备只记录
func (r *Registry) HandleDiscovery(payload map[string]interface{}) {
	deviceUUID := protocol.StringField(payload, protocol.FieldUUID)
	if deviceUUID == "" {
		r.logger.Debug("Discovery message without uuid ignored")
		return
	}

	r.mu.Lock()
	d, ok := r.devices[deviceUUID]
	var snapshot models.DeviceState
	if ok {
		d.LastSeen = r.now()
		if d.Status == models.DeviceStatusOffline {
			d.Status = models.DeviceStatusOnline
		}
		snapshot = d.Clone()
		r.updateOnlineGaugeLocked()
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Info("Unregistered device seen on discovery",
			zap.String("device_uuid", deviceUUID),
			zap.String("device_type", protocol.StringField(payload, "device_type")),
		)
		return
	}
	r.enqueuePersist(snapshot)
}

// MarkError 设备置为 error 状态
func (r *Registry) MarkError(deviceUUID, message string) {
	r.mu.Lock()
	d, _ := r.getOrCreateLocked(deviceUUID)
	d.Status = models.DeviceStatusError
	d.Errors = appendError(d.Errors, message)
	snapshot := d.Clone()
	r.updateOnlineGaugeLocked()
	r.mu.Unlock()

	r.logger.Warn("Device marked as error", zap.String("device_uuid", deviceUUID), zap.String("error", message))
	r.enqueuePersist(snapshot)
}

// SendCommand 向设备下发命令并记录待响应
func (r *Registry) SendCommand(deviceUUID, command string, params map[string]interface{}) (string, bool) {
	commandID := uuid.NewString()
	fields := map[string]interface{}{
		"command_id": commandID,
		"command":    command,
	}
	if params != nil {
		fields["params"] = params
	}
	env := protocol.BuildEnvelope(r.cfg.GatewayUUID, protocol.MessageTypeDeviceCommand, fields)

	r.mu.Lock()
	r.pending[commandID] = models.PendingCommand{
		CommandID:  commandID,
		DeviceUUID: deviceUUID,
		Command:    command,
		IssuedAt:   r.now(),
	}
	r.mu.Unlock()

	if !r.publisher.PublishEnvelope(r.topics.DeviceCommand(deviceUUID), env, false) {
		r.mu.Lock()
		delete(r.pending, commandID)
		r.mu.Unlock()
		return "", false
	}
	return commandID, true
}

// PendingCount 待响应命令数
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// SweepOffline 超时设备置为 offline，并清理超时命令
func (r *Registry) SweepOffline() []string {
	now := r.now()

	var (
		offline   []string
		snapshots []models.DeviceState
		expired   []models.PendingCommand
	)

	r.mu.Lock()
	for id, d := range r.devices {
		if d.Status == models.DeviceStatusOffline {
			continue
		}
		if now.Sub(d.LastSeen) > r.cfg.OfflineTimeout {
			d.Status = models.DeviceStatusOffline
			offline = append(offline, id)
			snapshots = append(snapshots, d.Clone())
		}
	}
	for id, cmd := range r.pending {
		if now.Sub(cmd.IssuedAt) > r.cfg.CommandTimeout {
			expired = append(expired, cmd)
			delete(r.pending, id)
		}
	}
	r.updateOnlineGaugeLocked()
	r.mu.Unlock()

	sort.Strings(offline)
	for _, id := range offline {
		r.logger.Info("Device went offline", zap.String("device_uuid", id))
	}
	for _, s := range snapshots {
		r.enqueuePersist(s)
	}
	for _, cmd := range expired {
		r.errors.PublishError(reporter.CodeTimeout, "no response to command "+cmd.Command, cmd.DeviceUUID,
			map[string]interface{}{"command_id": cmd.CommandID, "issued_at": cmd.IssuedAt.UTC().Format(time.RFC3339)})
	}
	return offline
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOffline()
		}
	}
}

func (r *Registry) enqueuePersist(d models.DeviceState) {
	select {
	case r.persist <- d:
	default:
		r.metrics.StorageFailures.WithLabelValues("persist_queue_full").Inc()
		r.logger.Warn("Persistence queue full, skipping device upsert", zap.String("device_uuid", d.UUID))
	}
}

func (r *Registry) persistLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case d := <-r.persist:
			r.upsert(d)
		case <-ctx.Done():
			for {
				select {
				case d := <-r.persist:
					r.upsert(d)
				default:
					return
				}
			}
		}
	}
}

func (r *Registry) upsert(d models.DeviceState) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PersistTimeout)
	defer cancel()
	if err := r.store.UpsertDevice(ctx, d); err != nil {
		r.metrics.StorageFailures.WithLabelValues("upsert_device").Inc()
		r.logger.Error("Failed to persist device", zap.String("device_uuid", d.UUID), zap.Error(err))
	}
}

// Get 获取设备副本
func (r *Registry) Get(deviceUUID string) (models.DeviceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceUUID]
	if !ok {
		return models.DeviceState{}, false
	}
	return d.Clone(), true
}

// List 按 uuid 排序的全部设备副本
func (r *Registry) List() []models.DeviceState {
	r.mu.RLock()
	out := make([]models.DeviceState, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// OnlineCount 在线设备数
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineCountLocked()
}

// RelayStates 各设备继电器状态副本 device -> channel -> on
func (r *Registry) RelayStates() map[string]map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]bool)
	for id, d := range r.devices {
		if len(d.Relays) == 0 {
			continue
		}
		channels := make(map[string]bool, len(d.Relays))
		for ch, on := range d.Relays {
			channels[ch] = on
		}
		out[id] = channels
	}
	return out
}

func (r *Registry) onlineCountLocked() int {
	n := 0
	for _, d := range r.devices {
		if d.Status == models.DeviceStatusOnline {
			n++
		}
	}
	return n
}

func (r *Registry) updateOnlineGaugeLocked() {
	r.metrics.DevicesOnline.Set(float64(r.onlineCountLocked()))
}

func mergeTelemetry(d *models.DeviceState, payload map[string]interface{}) {
	source := payload
	if nested, ok := protocol.MapField(payload, "telemetry"); ok {
		source = nested
	}

	set := func(dst **float64, keys ...string) {
		for _, k := range keys {
			if v, ok := protocol.FloatField(source, k); ok {
				val := v
				*dst = &val
				return
			}
		}
	}

	if d.Telemetry == nil {
		d.Telemetry = &models.TelemetrySnapshot{}
	}
	set(&d.Telemetry.Battery, "battery", "battery_voltage")
	set(&d.Telemetry.Signal, "signal", "wifi_signal", "rssi")
	set(&d.Telemetry.Uptime, "uptime")
	set(&d.Telemetry.FreeMemory, "free_memory", "free_heap")

	if *d.Telemetry == (models.TelemetrySnapshot{}) {
		d.Telemetry = nil
	}
}

func appendError(errs []string, msg string) []string {
	errs = append(errs, msg)
	if len(errs) > maxDeviceErrors {
		errs = errs[len(errs)-maxDeviceErrors:]
	}
	return errs
}
