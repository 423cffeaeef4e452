package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"bottlesync/internal/domain"
)

// TargetDevice returns the remembered bottle, or nil when none is stored.
func (d *DB) TargetDevice(ctx context.Context) (*domain.TargetDevice, error) {
	var t domain.TargetDevice
	err := d.sql.QueryRowContext(ctx,
		"SELECT address, name, connected_at FROM target_device WHERE id = 1",
	).Scan(&t.Address, &t.Name, &t.ConnectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveTargetDevice remembers t as the bottle to reconnect to.
func (d *DB) SaveTargetDevice(ctx context.Context, t domain.TargetDevice) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO target_device(id, address, name, connected_at) VALUES(1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET address = EXCLUDED.address, name = EXCLUDED.name, connected_at = EXCLUDED.connected_at;`,
		t.Address, t.Name, t.ConnectedAt.UTC(),
	)
	return err
}

// LoadSchedule returns the stored schedule, or nil when none is stored.
func (d *DB) LoadSchedule(ctx context.Context) (*domain.ScheduleConfig, error) {
	var (
		cfg        domain.ScheduleConfig
		start, end string
	)
	err := d.sql.QueryRowContext(ctx,
		"SELECT window_start, window_end, goal_ml, serving_ml FROM schedule WHERE id = 1",
	).Scan(&start, &end, &cfg.GoalML, &cfg.ServingML)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cfg.WindowStart, err = domain.ParseTimeOfDay(start); err != nil {
		return nil, err
	}
	if cfg.WindowEnd, err = domain.ParseTimeOfDay(end); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveSchedule stores cfg, replacing any previous schedule.
func (d *DB) SaveSchedule(ctx context.Context, cfg domain.ScheduleConfig) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO schedule(id, window_start, window_end, goal_ml, serving_ml, updated_at) VALUES(1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET window_start = EXCLUDED.window_start, window_end = EXCLUDED.window_end,
			goal_ml = EXCLUDED.goal_ml, serving_ml = EXCLUDED.serving_ml, updated_at = EXCLUDED.updated_at;`,
		cfg.WindowStart.String(), cfg.WindowEnd.String(), cfg.GoalML, cfg.ServingML, time.Now().UTC(),
	)
	return err
}
