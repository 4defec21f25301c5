package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"accessory-gateway/common/database"
	rediscommon "accessory-gateway/common/redis"
	"accessory-gateway/internal/config"
	"accessory-gateway/internal/connection"
	"accessory-gateway/internal/macro"
	"accessory-gateway/internal/metrics"
	"accessory-gateway/internal/protocol"
	"accessory-gateway/internal/ratelimit"
	"accessory-gateway/internal/registry"
	"accessory-gateway/internal/reporter"
	"accessory-gateway/internal/repository"
	"accessory-gateway/internal/router"
	"accessory-gateway/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Dependencies 外部连接，由 Open 创建或在测试中注入
type Dependencies struct {
	DB        *sql.DB
	Redis     *redis.Client // 可为 nil，此时快照存内存、不镜像流
	Transport connection.TransportFactory
}

// Gateway 网关服务
type Gateway struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	deps    Dependencies

	manager  *connection.Manager
	reporter *reporter.Reporter
	limiter  *ratelimit.Limiter
	registry *registry.Registry
	pipeline *telemetry.Pipeline
	engine   *macro.Engine
	router   *router.Router

	cancel       context.CancelFunc
	cancelRouter context.CancelFunc
	wg           sync.WaitGroup
	routerWG     sync.WaitGroup
	stopOnce     sync.Once
}

// Open 建立数据库、Redis 与 MQTT 传输层并创建网关
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*Gateway, error) {
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		database.Close(db)
		rediscommon.Close(redisClient)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewGateway(cfg, Dependencies{
		DB:        db,
		Redis:     redisClient,
		Transport: connection.MQTTTransportFactory(&cfg.MQTT),
	}, logger, m), nil
}

// NewGateway 按依赖组装各组件
func NewGateway(cfg *config.Config, deps Dependencies, logger *zap.Logger, m *metrics.Metrics) *Gateway {
	g := cfg.Gateway
	codec := protocol.NewCodec(logger)
	topics := protocol.NewTopics(g.TopicRoot)

	// 存储
	deviceRepo := repository.NewDeviceRepository(deps.DB, logger)
	telemetryRepo := repository.NewTelemetryRepository(deps.DB, logger)
	macroRepo := repository.NewMacroRepository(deps.DB, logger)
	events := &eventRecorder{
		repo:   repository.NewEventRepository(deps.DB, logger),
		redis:  deps.Redis,
		stream: g.EventStream,
		maxLen: g.EventStreamMaxLen,
		logger: logger,
	}

	// 连接
	connCfg := connection.DefaultConfig()
	connCfg.TopicRoot = g.TopicRoot
	connCfg.GatewayUUID = g.UUID
	connCfg.BaseDelay = g.ReconnectBaseDelay
	connCfg.MaxDelay = g.ReconnectMaxDelay
	connCfg.MaxReconnectAttempts = g.MaxReconnectAttempts
	connCfg.StatusInterval = g.StatusInterval
	connCfg.InboundBuffer = g.InboundBuffer
	connCfg.OutboundBuffer = g.OutboundBuffer
	manager := connection.NewManager(connCfg, deps.Transport, codec, logger, m)

	errs := reporter.NewReporter(manager, topics, g.UUID, logger, m)

	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.MaxRate = g.RateLimit.MaxRate
	limiterCfg.Window = g.RateLimit.Window
	limiterCfg.GlobalMaxRate = g.RateLimit.GlobalMaxRate
	limiter := ratelimit.NewLimiter(limiterCfg, logger, m)

	regCfg := registry.DefaultConfig()
	regCfg.GatewayUUID = g.UUID
	regCfg.SweepInterval = g.SweepInterval
	regCfg.OfflineTimeout = g.OfflineTimeout
	regCfg.CommandTimeout = g.CommandTimeout
	devices := registry.NewRegistry(regCfg, deviceRepo, manager, topics, errs, logger, m)

	// 遥测写入：数据库必选，Redis Streams 可选
	writers := []telemetry.BatchWriter{telemetryRepo}
	if deps.Redis != nil && g.Telemetry.Stream != "" {
		writers = append(writers, telemetry.NewStreamWriter(deps.Redis, g.Telemetry.Stream, g.Telemetry.StreamMaxLen))
	}
	pipeCfg := telemetry.DefaultConfig()
	pipeCfg.Capacity = g.Telemetry.BatchSize
	pipeCfg.MaxAge = g.Telemetry.MaxAge
	pipeCfg.FlushInterval = g.Telemetry.FlushInterval
	pipeline := telemetry.NewPipeline(pipeCfg, logger, m, writers...)

	var snapshots macro.SnapshotStore
	if deps.Redis != nil && g.Macro.SnapshotStore == "redis" {
		snapshots = macro.NewRedisSnapshotStore(deps.Redis, "", g.Macro.SnapshotTTL)
	} else {
		snapshots = macro.NewMemorySnapshotStore()
	}
	engine := macro.NewEngine(macro.Config{
		GatewayUUID:        g.UUID,
		DefaultRelayDevice: g.Macro.DefaultRelayDevice,
		RelayDelay:         g.Macro.RelayDelay,
		LoopMax:            g.Macro.LoopMax,
		HeartbeatTimeout:   g.Macro.HeartbeatTimeout,
		HeartbeatPoll:      g.Macro.HeartbeatPoll,
	}, macroRepo, manager, topics, snapshots, devices, events, logger, m)

	rt := router.NewRouter(router.Config{
		TopicRoot:             g.TopicRoot,
		GatewayUUID:           g.UUID,
		RejectVersionMismatch: g.RejectVersionMismatch,
	}, codec, telemetry.NewNormalizer(logger), devices, pipeline, engine, limiter, errs, events, logger, m)

	gw := &Gateway{
		config:   cfg,
		logger:   logger,
		metrics:  m,
		deps:     deps,
		manager:  manager,
		reporter: errs,
		limiter:  limiter,
		registry: devices,
		pipeline: pipeline,
		engine:   engine,
		router:   rt,
	}
	manager.SetStatusProvider(gw.statusFields)
	return gw
}

// Start 加载设备 → 连接并订阅 → 启动后台组件 → 开始分发
func (s *Gateway) Start(ctx context.Context) error {
	s.logger.Info("Starting accessory gateway",
		zap.String("gateway_uuid", s.config.Gateway.UUID),
		zap.String("topic_root", s.config.Gateway.TopicRoot),
	)

	loadCtx, cancelLoad := context.WithTimeout(ctx, 10*time.Second)
	if err := s.registry.Load(loadCtx); err != nil {
		s.metrics.StorageFailures.WithLabelValues("load_devices").Inc()
		s.logger.Warn("Starting with empty device registry", zap.Error(err))
	}
	cancelLoad()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.manager.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start connection manager: %w", err)
	}

	s.registry.Start(runCtx)
	s.pipeline.Start(runCtx)
	s.router.Start(runCtx)

	routerCtx, cancelRouter := context.WithCancel(runCtx)
	s.cancelRouter = cancelRouter

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.limiter.Start(runCtx)
	}()
	s.routerWG.Add(1)
	go func() {
		defer s.routerWG.Done()
		s.router.Run(routerCtx, s.manager.Messages())
	}()

	s.logger.Info("Accessory gateway started")
	return nil
}

// Fatal 连接管理器的不可恢复错误
func (s *Gateway) Fatal() <-chan error {
	return s.manager.Fatal()
}

// Registry 设备注册表（只读访问）
func (s *Gateway) Registry() *registry.Registry {
	return s.registry
}

// Engine 宏引擎
func (s *Gateway) Engine() *macro.Engine {
	return s.engine
}

// Stop 关闭顺序：停止分发 → 急停宏 → 排空遥测 → 发布离线并断开 → 关闭存储
func (s *Gateway) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping accessory gateway")

		// 先停止分发，急停之后不会再有新的运行
		if s.cancelRouter != nil {
			s.cancelRouter()
		}
		s.routerWG.Wait()
		s.engine.Close()

		if len(s.engine.Running()) > 0 {
			report := s.engine.EmergencyStop(macro.ReasonShutdown)
			s.logger.Info("Stopped running macros", zap.Int64s("macro_ids", report.Stopped))
		}
		s.engine.Wait()

		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		s.pipeline.Stop(ctx)
		s.manager.Stop(ctx)
		s.registry.Wait()
		s.router.Wait()

		if s.deps.Redis != nil {
			if err := rediscommon.Close(s.deps.Redis); err != nil {
				s.logger.Error("Error closing redis", zap.Error(err))
			}
		}
		if err := database.Close(s.deps.DB); err != nil {
			s.logger.Error("Error closing database", zap.Error(err))
		}

		s.logger.Info("Accessory gateway stopped")
	})
	return nil
}

// statusFields 自身状态心跳附带的字段
func (s *Gateway) statusFields() map[string]interface{} {
	fields := map[string]interface{}{
		"online_devices": s.registry.OnlineCount(),
		"running_macros": len(s.engine.Running()),
	}
	if mode, _ := s.router.Mode(); mode != "" {
		fields["mode"] = mode
	}
	return fields
}
