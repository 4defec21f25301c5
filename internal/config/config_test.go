package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearGatewayEnv 清空会影响加载结果的环境变量
func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		for _, prefix := range []string{"GATEWAY_", "DB_", "REDIS_", "MQTT_", "LOG_", "METRICS_", "CONFIG_FILE"} {
			if strings.HasPrefix(key, prefix) {
				t.Setenv(key, "")
			}
		}
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearGatewayEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)

	assert.Equal(t, "vehicle", cfg.Gateway.TopicRoot)
	assert.NotEmpty(t, cfg.Gateway.UUID)
	assert.Equal(t, "accessory-gateway-"+cfg.Gateway.UUID, cfg.MQTT.ClientID)
	assert.False(t, cfg.Gateway.RejectVersionMismatch)
	assert.Equal(t, 10, cfg.Gateway.MaxReconnectAttempts)
	assert.Equal(t, 100, cfg.Gateway.RateLimit.MaxRate)
	assert.Equal(t, 300*time.Second, cfg.Gateway.OfflineTimeout)
	assert.Equal(t, 10, cfg.Gateway.Telemetry.BatchSize)
	assert.Equal(t, 100, cfg.Gateway.Macro.LoopMax)
	assert.Equal(t, 50*time.Millisecond, cfg.Gateway.Macro.RelayDelay)
	assert.Equal(t, 5*time.Second, cfg.Gateway.Macro.HeartbeatTimeout)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("DB_HOST", "db.local")
	t.Setenv("REDIS_ADDR", "redis.local:6380")
	t.Setenv("MQTT_BROKER", "tcp://broker.local:1883")
	t.Setenv("GATEWAY_UUID", "gw-fixed")
	t.Setenv("GATEWAY_TOPIC_ROOT", "rig")
	t.Setenv("GATEWAY_REJECT_VERSION_MISMATCH", "true")
	t.Setenv("GATEWAY_MACRO_LOOP_MAX", "25")
	t.Setenv("GATEWAY_OFFLINE_TIMEOUT", "2m")
	t.Setenv("GATEWAY_RELAY_DEVICE", "board-7")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("METRICS_ADDR", ":9200")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "db.local", cfg.Database.Host)
	assert.Equal(t, "redis.local:6380", cfg.Redis.Addr)
	assert.Equal(t, "tcp://broker.local:1883", cfg.MQTT.Broker)
	assert.Equal(t, "gw-fixed", cfg.Gateway.UUID)
	assert.Equal(t, "accessory-gateway-gw-fixed", cfg.MQTT.ClientID)
	assert.Equal(t, "rig", cfg.Gateway.TopicRoot)
	assert.True(t, cfg.Gateway.RejectVersionMismatch)
	assert.Equal(t, 25, cfg.Gateway.Macro.LoopMax)
	assert.Equal(t, 2*time.Minute, cfg.Gateway.OfflineTimeout)
	assert.Equal(t, "board-7", cfg.Gateway.Macro.DefaultRelayDevice)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9200", cfg.Metrics.Addr)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearGatewayEnv(t)

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	content := `
mqtt:
  broker: tcp://file-broker:1883
gateway:
  uuid: gw-file
  topic_root: truck
  offline_timeout: 90s
  telemetry:
    batch_size: 50
  macro:
    loop_max: 10
    snapshot_store: memory
log:
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("GATEWAY_MACRO_LOOP_MAX", "12")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://file-broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "gw-file", cfg.Gateway.UUID)
	assert.Equal(t, "truck", cfg.Gateway.TopicRoot)
	assert.Equal(t, 90*time.Second, cfg.Gateway.OfflineTimeout)
	assert.Equal(t, 50, cfg.Gateway.Telemetry.BatchSize)
	assert.Equal(t, 12, cfg.Gateway.Macro.LoopMax)
	assert.Equal(t, "memory", cfg.Gateway.Macro.SnapshotStore)
	assert.Equal(t, "warn", cfg.Log.Level)
	// 文件未覆盖的字段保留默认值
	assert.Equal(t, 30*time.Second, cfg.Gateway.SweepInterval)
}

func TestLoad_ConfigFileFromEnv(t *testing.T) {
	clearGatewayEnv(t)

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  topic_root: van\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "van", cfg.Gateway.TopicRoot)
}

func TestLoad_MissingFile(t *testing.T) {
	clearGatewayEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Gateway.TopicRoot = "vehicle/+"
	cfg.MQTT.Broker = ""
	cfg.Gateway.Macro.SnapshotStore = "disk"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid topic root")
	assert.Contains(t, err.Error(), "mqtt broker is required")
	assert.Contains(t, err.Error(), "unknown snapshot store")
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "7")
	t.Setenv("TEST_BAD_INT", "seven")
	t.Setenv("TEST_BOOL", "1")
	t.Setenv("TEST_DURATION", "250ms")

	assert.Equal(t, "default-value", getEnv("TEST_UNSET_KEY", "default-value"))
	assert.Equal(t, 7, getEnvInt("TEST_INT", 1))
	assert.Equal(t, 1, getEnvInt("TEST_BAD_INT", 1))
	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.Equal(t, 250*time.Millisecond, getEnvDuration("TEST_DURATION", time.Second))
}
