package telemetry

import (
	"context"
	"testing"
	"time"

	"accessory-gateway/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamWriter_MirrorsBatch(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	w := NewStreamWriter(client, "", 100)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	err := w.WriteBatch(context.Background(), []models.TelemetryPoint{
		{DeviceUUID: "can-1", SensorType: "engine_rpm", Value: 2100, Timestamp: ts},
		{DeviceUUID: "can-1", SensorType: "coolant_temp", Value: 88.5, Unit: "C", Metadata: map[string]interface{}{"source": "can"}, Timestamp: ts},
	})
	require.NoError(t, err)

	entries, err := client.XRange(context.Background(), DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "engine_rpm", entries[0].Values["sensor_type"])
	assert.Equal(t, "2100", entries[0].Values["value"])
	assert.NotContains(t, entries[0].Values, "unit")
	assert.Equal(t, "C", entries[1].Values["unit"])
	assert.Equal(t, `{"source":"can"}`, entries[1].Values["metadata"])
	assert.Equal(t, "redis_stream", w.Name())
}
