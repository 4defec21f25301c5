package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// EventRepository 网关事件仓库（宏执行、模式切换、系统命令等）
type EventRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEventRepository 创建事件仓库
func NewEventRepository(db *sql.DB, logger *zap.Logger) *EventRepository {
	return &EventRepository{
		db:     db,
		logger: logger,
	}
}

// AppendEvent 追加一条事件
func (r *EventRepository) AppendEvent(ctx context.Context, eventType, source, action string, payload map[string]interface{}) error {
	var body interface{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		body = string(data)
	}

	query := `
		INSERT INTO gateway_events (
			event_type,
			source,
			action,
			payload,
			created_at
		) VALUES ($1, $2, $3, $4, NOW())
	`
	if _, err := r.db.ExecContext(ctx, query, eventType, source, action, body); err != nil {
		return fmt.Errorf("failed to append event %s/%s: %w", eventType, action, err)
	}
	return nil
}
