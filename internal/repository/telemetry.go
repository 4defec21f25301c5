package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"accessory-gateway/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// TelemetryRepository 遥测仓库
type TelemetryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTelemetryRepository 创建遥测仓库
func NewTelemetryRepository(db *sql.DB, logger *zap.Logger) *TelemetryRepository {
	return &TelemetryRepository{
		db:     db,
		logger: logger,
	}
}

// AppendTelemetryBatch 批量写入遥测点（COPY 协议，单事务）
func (r *TelemetryRepository) AppendTelemetryBatch(ctx context.Context, points []models.TelemetryPoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin telemetry transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("gateway_telemetry",
		"device_uuid", "sensor_type", "value", "unit", "metadata", "recorded_at"))
	if err != nil {
		return fmt.Errorf("failed to prepare telemetry copy: %w", err)
	}

	for _, p := range points {
		var metadata interface{}
		if len(p.Metadata) > 0 {
			data, mErr := json.Marshal(p.Metadata)
			if mErr != nil {
				r.logger.Warn("Dropping unserializable telemetry metadata",
					zap.String("device_uuid", p.DeviceUUID),
					zap.Error(mErr),
				)
			} else {
				metadata = string(data)
			}
		}
		if _, err = stmt.ExecContext(ctx, p.DeviceUUID, p.SensorType, p.Value, nullString(p.Unit), metadata, p.Timestamp); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("failed to copy telemetry point: %w", err)
		}
	}

	if _, err = stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("failed to flush telemetry copy: %w", err)
	}
	if err = stmt.Close(); err != nil {
		return fmt.Errorf("failed to close telemetry copy: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit telemetry batch: %w", err)
	}

	r.logger.Debug("Telemetry batch stored", zap.Int("points", len(points)))
	return nil
}

// WriteBatch 实现遥测管道的批量写入接口
func (r *TelemetryRepository) WriteBatch(ctx context.Context, points []models.TelemetryPoint) error {
	return r.AppendTelemetryBatch(ctx, points)
}

// Name 写入端名称
func (r *TelemetryRepository) Name() string {
	return "postgres"
}
