package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"accessory-gateway/common/config"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config 网关配置
type Config struct {
	Database config.DatabaseConfig `yaml:"database"`
	Redis    config.RedisConfig    `yaml:"redis"`
	MQTT     config.MQTTConfig     `yaml:"mqtt"`

	Gateway GatewayConfig `yaml:"gateway"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Metrics struct {
		Addr string `yaml:"addr"` // 为空时不启动 /metrics
	} `yaml:"metrics"`
}

// GatewayConfig 网关业务配置
type GatewayConfig struct {
	UUID                  string `yaml:"uuid"`
	TopicRoot             string `yaml:"topic_root"`
	RejectVersionMismatch bool   `yaml:"reject_version_mismatch"`

	// 连接
	StatusInterval       time.Duration `yaml:"status_interval"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	InboundBuffer        int           `yaml:"inbound_buffer"`
	OutboundBuffer       int           `yaml:"outbound_buffer"`

	// 限流
	RateLimit struct {
		MaxRate       int           `yaml:"max_rate"`
		Window        time.Duration `yaml:"window"`
		GlobalMaxRate int           `yaml:"global_max_rate"`
	} `yaml:"rate_limit"`

	// 设备注册表
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	OfflineTimeout time.Duration `yaml:"offline_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// 遥测
	Telemetry struct {
		BatchSize     int           `yaml:"batch_size"`
		MaxAge        time.Duration `yaml:"max_age"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		Stream        string        `yaml:"stream"` // 为空时不镜像到 Redis Streams
		StreamMaxLen  int64         `yaml:"stream_max_len"`
	} `yaml:"telemetry"`

	// 宏引擎
	Macro struct {
		DefaultRelayDevice string        `yaml:"default_relay_device"`
		LoopMax            int           `yaml:"loop_max"`
		RelayDelay         time.Duration `yaml:"relay_delay"`
		HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
		HeartbeatPoll      time.Duration `yaml:"heartbeat_poll"`
		SnapshotStore      string        `yaml:"snapshot_store"` // redis | memory
		SnapshotTTL        time.Duration `yaml:"snapshot_ttl"`
	} `yaml:"macro"`

	// 事件镜像流，为空时只写数据库
	EventStream       string `yaml:"event_stream"`
	EventStreamMaxLen int64  `yaml:"event_stream_max_len"`
}

// Default 默认配置
func Default() *Config {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "vehicle"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5
	cfg.Database.MaxLifetime = 30 * time.Minute

	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.KeepAlive = 30 * time.Second
	cfg.MQTT.ConnectTimeout = 10 * time.Second
	cfg.MQTT.CleanSession = true

	g := &cfg.Gateway
	g.TopicRoot = "vehicle"
	g.StatusInterval = 30 * time.Second
	g.ReconnectBaseDelay = time.Second
	g.ReconnectMaxDelay = 60 * time.Second
	g.MaxReconnectAttempts = 10
	g.InboundBuffer = 1024
	g.OutboundBuffer = 1024
	g.RateLimit.MaxRate = 100
	g.RateLimit.Window = time.Second
	g.RateLimit.GlobalMaxRate = 1000
	g.SweepInterval = 30 * time.Second
	g.OfflineTimeout = 300 * time.Second
	g.CommandTimeout = 30 * time.Second
	g.Telemetry.BatchSize = 10
	g.Telemetry.MaxAge = 5 * time.Second
	g.Telemetry.FlushInterval = 5 * time.Second
	g.Telemetry.Stream = "gateway:telemetry"
	g.Telemetry.StreamMaxLen = 100000
	g.Macro.DefaultRelayDevice = "relay-board"
	g.Macro.LoopMax = 100
	g.Macro.RelayDelay = 50 * time.Millisecond
	g.Macro.HeartbeatTimeout = 5 * time.Second
	g.Macro.HeartbeatPoll = time.Second
	g.Macro.SnapshotStore = "redis"
	g.Macro.SnapshotTTL = 24 * time.Hour
	g.EventStreamMaxLen = 10000

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Metrics.Addr = ":9100"

	return cfg
}

// Load 加载配置：默认值 → YAML 文件（可选）→ 环境变量
// path 为空时读取 CONFIG_FILE
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")
	cfg.loadGatewayEnv()

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Metrics.Addr = getEnv("METRICS_ADDR", cfg.Metrics.Addr)

	if cfg.Gateway.UUID == "" {
		cfg.Gateway.UUID = uuid.New().String()
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "accessory-gateway-" + cfg.Gateway.UUID
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadGatewayEnv() {
	g := &c.Gateway
	g.UUID = getEnv("GATEWAY_UUID", g.UUID)
	g.TopicRoot = getEnv("GATEWAY_TOPIC_ROOT", g.TopicRoot)
	g.RejectVersionMismatch = getEnvBool("GATEWAY_REJECT_VERSION_MISMATCH", g.RejectVersionMismatch)

	g.StatusInterval = getEnvDuration("GATEWAY_STATUS_INTERVAL", g.StatusInterval)
	g.ReconnectBaseDelay = getEnvDuration("GATEWAY_RECONNECT_BASE_DELAY", g.ReconnectBaseDelay)
	g.ReconnectMaxDelay = getEnvDuration("GATEWAY_RECONNECT_MAX_DELAY", g.ReconnectMaxDelay)
	g.MaxReconnectAttempts = getEnvInt("GATEWAY_MAX_RECONNECT_ATTEMPTS", g.MaxReconnectAttempts)

	g.RateLimit.MaxRate = getEnvInt("GATEWAY_RATE_LIMIT", g.RateLimit.MaxRate)
	g.RateLimit.Window = getEnvDuration("GATEWAY_RATE_WINDOW", g.RateLimit.Window)
	g.RateLimit.GlobalMaxRate = getEnvInt("GATEWAY_GLOBAL_RATE_LIMIT", g.RateLimit.GlobalMaxRate)

	g.SweepInterval = getEnvDuration("GATEWAY_SWEEP_INTERVAL", g.SweepInterval)
	g.OfflineTimeout = getEnvDuration("GATEWAY_OFFLINE_TIMEOUT", g.OfflineTimeout)
	g.CommandTimeout = getEnvDuration("GATEWAY_COMMAND_TIMEOUT", g.CommandTimeout)

	g.Telemetry.BatchSize = getEnvInt("GATEWAY_TELEMETRY_BATCH_SIZE", g.Telemetry.BatchSize)
	g.Telemetry.MaxAge = getEnvDuration("GATEWAY_TELEMETRY_MAX_AGE", g.Telemetry.MaxAge)
	g.Telemetry.FlushInterval = getEnvDuration("GATEWAY_TELEMETRY_FLUSH_INTERVAL", g.Telemetry.FlushInterval)
	g.Telemetry.Stream = getEnv("GATEWAY_TELEMETRY_STREAM", g.Telemetry.Stream)

	g.Macro.DefaultRelayDevice = getEnv("GATEWAY_RELAY_DEVICE", g.Macro.DefaultRelayDevice)
	g.Macro.LoopMax = getEnvInt("GATEWAY_MACRO_LOOP_MAX", g.Macro.LoopMax)
	g.Macro.HeartbeatTimeout = getEnvDuration("GATEWAY_HEARTBEAT_TIMEOUT", g.Macro.HeartbeatTimeout)
	g.Macro.SnapshotStore = getEnv("GATEWAY_SNAPSHOT_STORE", g.Macro.SnapshotStore)

	g.EventStream = getEnv("GATEWAY_EVENT_STREAM", g.EventStream)
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error

	root := c.Gateway.TopicRoot
	if root == "" || strings.ContainsAny(root, "/+#") {
		errs = append(errs, fmt.Errorf("invalid topic root %q", root))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt broker is required"))
	}
	if c.Gateway.OfflineTimeout <= 0 || c.Gateway.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval and offline timeout must be positive"))
	}
	if c.Gateway.Macro.LoopMax <= 0 {
		errs = append(errs, fmt.Errorf("macro loop max must be positive, got %d", c.Gateway.Macro.LoopMax))
	}
	switch c.Gateway.Macro.SnapshotStore {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown snapshot store %q", c.Gateway.Macro.SnapshotStore))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
