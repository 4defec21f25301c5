package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"accessory-gateway/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// DeviceRepository 设备仓库
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

const deviceColumns = `
			uuid,
			device_type,
			firmware_version,
			capabilities,
			status,
			last_seen,
			ip_address,
			mac_address,
			telemetry`

// UpsertDevice 插入或更新设备
func (r *DeviceRepository) UpsertDevice(ctx context.Context, device models.DeviceState) error {
	query := `
		INSERT INTO gateway_devices (` + deviceColumns + `,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (uuid) DO UPDATE SET
			device_type = EXCLUDED.device_type,
			firmware_version = EXCLUDED.firmware_version,
			capabilities = EXCLUDED.capabilities,
			status = EXCLUDED.status,
			last_seen = EXCLUDED.last_seen,
			ip_address = EXCLUDED.ip_address,
			mac_address = EXCLUDED.mac_address,
			telemetry = EXCLUDED.telemetry,
			updated_at = NOW()
	`

	var telemetry interface{}
	if device.Telemetry != nil {
		data, err := json.Marshal(device.Telemetry)
		if err != nil {
			return fmt.Errorf("failed to marshal telemetry snapshot: %w", err)
		}
		telemetry = string(data)
	}

	_, err := r.db.ExecContext(ctx, query,
		device.UUID,
		device.DeviceType,
		device.FirmwareVersion,
		pq.Array(device.Capabilities),
		string(device.Status),
		device.LastSeen,
		nullString(device.IPAddress),
		nullString(device.MACAddress),
		telemetry,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", device.UUID, err)
	}
	return nil
}

// GetDeviceByUUID 根据 uuid 获取设备
func (r *DeviceRepository) GetDeviceByUUID(ctx context.Context, uuid string) (*models.DeviceState, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM gateway_devices
		WHERE uuid = $1
		LIMIT 1
	`

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, uuid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("device %s: %w", uuid, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return device, nil
}

// ListDevices 列出全部设备
func (r *DeviceRepository) ListDevices(ctx context.Context) ([]models.DeviceState, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM gateway_devices
		ORDER BY uuid
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []models.DeviceState
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}
	return devices, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*models.DeviceState, error) {
	var (
		device       models.DeviceState
		capabilities pq.StringArray
		status       string
		lastSeen     sql.NullTime
		ip, mac      sql.NullString
		telemetry    []byte
	)

	if err := row.Scan(
		&device.UUID,
		&device.DeviceType,
		&device.FirmwareVersion,
		&capabilities,
		&status,
		&lastSeen,
		&ip,
		&mac,
		&telemetry,
	); err != nil {
		return nil, err
	}

	device.Capabilities = []string(capabilities)
	device.Status = models.DeviceStatus(status)
	if lastSeen.Valid {
		device.LastSeen = lastSeen.Time
	}
	device.IPAddress = ip.String
	device.MACAddress = mac.String
	if len(telemetry) > 0 {
		var snap models.TelemetrySnapshot
		if err := json.Unmarshal(telemetry, &snap); err == nil {
			device.Telemetry = &snap
		}
	}
	return &device, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
