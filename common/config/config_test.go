package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDatabaseConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "pg.local")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_NAME", "vehicle")
	t.Setenv("DB_MAX_CONNS", "not-a-number")

	cfg := DatabaseConfig{Port: 5432, MaxConns: 10}
	cfg.LoadFromEnv("DB")

	assert.Equal(t, "pg.local", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, "vehicle", cfg.Database)
	assert.Equal(t, 10, cfg.MaxConns)
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	cfg := DatabaseConfig{Host: "pg", Port: 5432, User: "gw", Password: "pw", Database: "vehicle", SSLMode: "disable"}
	assert.Equal(t, "host=pg port=5432 user=gw password=pw dbname=vehicle sslmode=disable", cfg.GetDSN())
}

func TestMQTTConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_USERNAME", "gateway")
	t.Setenv("MQTT_KEEP_ALIVE", "15s")

	cfg := MQTTConfig{KeepAlive: time.Minute}
	cfg.LoadFromEnv("MQTT")

	assert.Equal(t, "tcp://broker:1883", cfg.Broker)
	assert.Equal(t, "gateway", cfg.Username)
	assert.Equal(t, 15*time.Second, cfg.KeepAlive)
}

func TestRedisConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "2")

	var cfg RedisConfig
	cfg.LoadFromEnv("REDIS")

	assert.Equal(t, "redis:6380", cfg.Addr)
	assert.Equal(t, 2, cfg.DB)
}
