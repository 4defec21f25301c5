package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"accessory-gateway/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

var deviceCols = []string{
	"uuid", "device_type", "firmware_version", "capabilities", "status",
	"last_seen", "ip_address", "mac_address", "telemetry",
}

func TestUpsertDevice_Success(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewDeviceRepository(db, zap.NewNop())

	seen := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	battery := 12.6
	device := models.DeviceState{
		UUID:            "board-1",
		DeviceType:      "relay_board",
		FirmwareVersion: "2.1.0",
		Capabilities:    []string{"relay", "telemetry"},
		Status:          models.DeviceStatusOnline,
		LastSeen:        seen,
		IPAddress:       "10.0.0.5",
		Telemetry:       &models.TelemetrySnapshot{Battery: &battery},
	}

	mock.ExpectExec(`INSERT INTO gateway_devices`).
		WithArgs("board-1", "relay_board", "2.1.0", sqlmock.AnyArg(), "online", seen, "10.0.0.5", nil, `{"battery":12.6}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpsertDevice(context.Background(), device))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDevice_DBError(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewDeviceRepository(db, zap.NewNop())

	mock.ExpectExec(`INSERT INTO gateway_devices`).WillReturnError(errors.New("connection reset"))

	err := repo.UpsertDevice(context.Background(), models.DeviceState{UUID: "board-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "board-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDeviceByUUID_Found(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewDeviceRepository(db, zap.NewNop())

	seen := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(deviceCols).
		AddRow("board-1", "relay_board", "2.1.0", "{relay,telemetry}", "offline", seen, nil, "aa:bb", []byte(`{"signal":-61}`))
	mock.ExpectQuery(`SELECT`).WithArgs("board-1").WillReturnRows(rows)

	device, err := repo.GetDeviceByUUID(context.Background(), "board-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"relay", "telemetry"}, device.Capabilities)
	assert.Equal(t, models.DeviceStatusOffline, device.Status)
	assert.Equal(t, seen, device.LastSeen)
	assert.Empty(t, device.IPAddress)
	assert.Equal(t, "aa:bb", device.MACAddress)
	require.NotNil(t, device.Telemetry)
	require.NotNil(t, device.Telemetry.Signal)
	assert.Equal(t, -61.0, *device.Telemetry.Signal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDeviceByUUID_NotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewDeviceRepository(db, zap.NewNop())

	mock.ExpectQuery(`SELECT`).WithArgs("ghost").WillReturnRows(sqlmock.NewRows(deviceCols))

	_, err := repo.GetDeviceByUUID(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDevices(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewDeviceRepository(db, zap.NewNop())

	rows := sqlmock.NewRows(deviceCols).
		AddRow("a", "display", "1.0.0", "{}", "online", time.Now(), nil, nil, nil).
		AddRow("b", "relay_board", "1.0.0", "{relay}", "offline", nil, nil, nil, nil)
	mock.ExpectQuery(`FROM gateway_devices`).WillReturnRows(rows)

	devices, err := repo.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "a", devices[0].UUID)
	assert.True(t, devices[1].LastSeen.IsZero())
	assert.Nil(t, devices[1].Telemetry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendTelemetryBatch_CopyIn(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewTelemetryRepository(db, zap.NewNop())

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	points := []models.TelemetryPoint{
		{DeviceUUID: "board-1", SensorType: "battery", Value: 12.4, Unit: "V", Timestamp: ts},
		{DeviceUUID: "board-1", SensorType: "temperature", Value: 21.5, Metadata: map[string]interface{}{"zone": "cabin"}, Timestamp: ts},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`COPY "gateway_telemetry"`)
	prep.ExpectExec().WithArgs("board-1", "battery", 12.4, "V", nil, ts).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("board-1", "temperature", 21.5, nil, `{"zone":"cabin"}`, ts).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, repo.AppendTelemetryBatch(context.Background(), points))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendTelemetryBatch_RollbackOnError(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewTelemetryRepository(db, zap.NewNop())

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`COPY "gateway_telemetry"`)
	prep.ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.WriteBatch(context.Background(), []models.TelemetryPoint{{DeviceUUID: "x", SensorType: "rpm", Value: 1}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendTelemetryBatch_EmptyIsNoop(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewTelemetryRepository(db, zap.NewNop())

	require.NoError(t, repo.AppendTelemetryBatch(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEvent(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewEventRepository(db, zap.NewNop())

	mock.ExpectExec(`INSERT INTO gateway_events`).
		WithArgs("macro", "gateway", "completed", `{"macro_id":7}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.AppendEvent(context.Background(), "macro", "gateway", "completed", map[string]interface{}{"macro_id": 7}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMacroByID(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewMacroRepository(db, zap.NewNop())

	rows := sqlmock.NewRows([]string{"id", "name", "action_sequence", "trigger_config", "execution_count", "last_executed"}).
		AddRow(int64(7), "flash lights",
			[]byte(`[{"type":"relay","target":[1,2],"action":"on"},{"type":"delay","ms":500}]`),
			[]byte(`{"requires_heartbeat":true}`),
			int64(3), nil)
	mock.ExpectQuery(`FROM macros`).WithArgs(int64(7)).WillReturnRows(rows)

	def, err := repo.GetMacroByID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "flash lights", def.Name)
	require.Len(t, def.Actions, 2)
	assert.Equal(t, models.ActionRelay, def.Actions[0].Type)
	assert.Equal(t, []int{1, 2}, def.Actions[0].Target.Channels)
	assert.True(t, def.Trigger.RequiresHeartbeat)
	assert.False(t, def.Trigger.PreserveState)
	assert.Nil(t, def.LastExecuted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMacroByID_NotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewMacroRepository(db, zap.NewNop())

	mock.ExpectQuery(`FROM macros`).WithArgs(int64(99)).WillReturnError(sql.ErrNoRows)

	_, err := repo.GetMacroByID(context.Background(), 99)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMacroCounters(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewMacroRepository(db, zap.NewNop())

	mock.ExpectExec(`UPDATE macros`).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateMacroCounters(context.Background(), 7))

	mock.ExpectExec(`UPDATE macros`).WithArgs(int64(8)).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.True(t, errors.Is(repo.UpdateMacroCounters(context.Background(), 8), ErrNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}
