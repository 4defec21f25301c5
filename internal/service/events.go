package service

import (
	"context"

	rediscommon "accessory-gateway/common/redis"
	"accessory-gateway/internal/macro"
	"accessory-gateway/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// eventRecorder 事件写入数据库，并可选镜像到 Redis Streams 供下游订阅
type eventRecorder struct {
	repo   *repository.EventRepository
	redis  *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

var _ macro.EventSink = (*eventRecorder)(nil)

// AppendEvent 数据库写入失败返回错误；镜像失败只记录日志
func (r *eventRecorder) AppendEvent(ctx context.Context, eventType, source, action string, payload map[string]interface{}) error {
	if err := r.repo.AppendEvent(ctx, eventType, source, action, payload); err != nil {
		return err
	}
	if r.redis == nil || r.stream == "" {
		return nil
	}

	event := map[string]interface{}{
		"event_type": eventType,
		"source":     source,
		"action":     action,
		"payload":    payload,
	}
	if _, err := rediscommon.PublishJSONToStream(ctx, r.redis, r.stream, r.maxLen, event); err != nil {
		r.logger.Warn("Failed to mirror event to stream",
			zap.String("stream", r.stream),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
	return nil
}
