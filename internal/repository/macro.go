package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"accessory-gateway/internal/models"

	"go.uber.org/zap"
)

// MacroRepository 宏定义仓库
type MacroRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMacroRepository 创建宏定义仓库
func NewMacroRepository(db *sql.DB, logger *zap.Logger) *MacroRepository {
	return &MacroRepository{
		db:     db,
		logger: logger,
	}
}

// GetMacroByID 根据 id 获取宏定义
func (r *MacroRepository) GetMacroByID(ctx context.Context, id int64) (*models.MacroDefinition, error) {
	query := `
		SELECT
			id,
			name,
			action_sequence,
			trigger_config,
			execution_count,
			last_executed
		FROM macros
		WHERE id = $1
		LIMIT 1
	`

	var (
		def          models.MacroDefinition
		actions      []byte
		trigger      []byte
		lastExecuted sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&def.ID,
		&def.Name,
		&actions,
		&trigger,
		&def.ExecutionCount,
		&lastExecuted,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("macro %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query macro: %w", err)
	}

	if err := json.Unmarshal(actions, &def.Actions); err != nil {
		return nil, fmt.Errorf("failed to decode action_sequence of macro %d: %w", id, err)
	}
	if len(trigger) > 0 {
		if err := json.Unmarshal(trigger, &def.Trigger); err != nil {
			return nil, fmt.Errorf("failed to decode trigger_config of macro %d: %w", id, err)
		}
	}
	if lastExecuted.Valid {
		t := lastExecuted.Time
		def.LastExecuted = &t
	}
	return &def, nil
}

// UpdateMacroCounters 执行次数 +1 并记录执行时间
func (r *MacroRepository) UpdateMacroCounters(ctx context.Context, id int64) error {
	query := `
		UPDATE macros
		SET execution_count = execution_count + 1,
			last_executed = NOW()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to update macro counters: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("macro %d: %w", id, ErrNotFound)
	}
	return nil
}
