package telemetry

import (
	"context"
	"fmt"

	redisclient "accessory-gateway/common/redis"
	"accessory-gateway/internal/models"

	"github.com/go-redis/redis/v8"
)

// DefaultStream 遥测镜像流名称
const DefaultStream = "gateway:telemetry"

// StreamWriter 将遥测批次镜像到 Redis Stream，供下游实时消费
type StreamWriter struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamWriter 创建 Redis Stream 写入端
func NewStreamWriter(client *redis.Client, stream string, maxLen int64) *StreamWriter {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamWriter{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// WriteBatch 逐点 XADD（pipeline 一次往返）
func (w *StreamWriter) WriteBatch(ctx context.Context, points []models.TelemetryPoint) error {
	_, err := w.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range points {
			values := map[string]interface{}{
				"device_uuid": p.DeviceUUID,
				"sensor_type": p.SensorType,
				"value":       p.Value,
				"timestamp":   p.Timestamp.UnixMilli(),
			}
			if p.Unit != "" {
				values["unit"] = p.Unit
			}
			if len(p.Metadata) > 0 {
				values["metadata"] = p.Metadata
			}
			encoded, err := redisclient.EncodeStreamValues(values)
			if err != nil {
				return err
			}

			args := &redis.XAddArgs{Stream: w.stream, Values: encoded}
			if w.maxLen > 0 {
				args.MaxLen = w.maxLen
				args.Approx = true
			}
			pipe.XAdd(ctx, args)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mirror telemetry to stream %s: %w", w.stream, err)
	}
	return nil
}

// Name 写入端名称
func (w *StreamWriter) Name() string {
	return "redis_stream"
}
