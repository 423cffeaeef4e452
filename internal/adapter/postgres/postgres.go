package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"bottlesync/internal/domain"
)

// DB wraps a *sql.DB and implements domain repository interfaces.
type DB struct {
	sql *sql.DB
}

var (
	_ domain.DrinkRepository    = (*DB)(nil)
	_ domain.DeviceRepository   = (*DB)(nil)
	_ domain.ScheduleRepository = (*DB)(nil)
	_ domain.UserRepository     = (*DB)(nil)
	_ domain.SessionRepository  = (*SessionRepo)(nil)
)

// Open connects to PostgreSQL, pings, and runs migrations.
func Open(connStr string) (*DB, error) {
	s, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	s.SetMaxOpenConns(10)
	s.SetMaxIdleConns(5)
	s.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.PingContext(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	d := &DB{sql: s}
	if err := d.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate(ctx context.Context) error {
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS drinks (id TEXT PRIMARY KEY, month SMALLINT NOT NULL, day SMALLINT NOT NULL, hour SMALLINT NOT NULL, minute SMALLINT NOT NULL, second SMALLINT NOT NULL, volume_ml SMALLINT NOT NULL CHECK(volume_ml BETWEEN 0 AND 255), trailer BYTEA NOT NULL, local_day TEXT NOT NULL, drank_at TIMESTAMPTZ NOT NULL, received_at TIMESTAMPTZ NOT NULL);",
		"CREATE INDEX IF NOT EXISTS idx_drinks_local_day ON drinks(local_day);",
		"CREATE INDEX IF NOT EXISTS idx_drinks_drank_at ON drinks(drank_at);",
		"CREATE TABLE IF NOT EXISTS target_device (id SMALLINT PRIMARY KEY CHECK(id = 1), address TEXT NOT NULL, name TEXT NOT NULL, connected_at TIMESTAMPTZ NOT NULL);",
		"CREATE TABLE IF NOT EXISTS schedule (id SMALLINT PRIMARY KEY CHECK(id = 1), window_start TEXT NOT NULL, window_end TEXT NOT NULL, goal_ml INTEGER NOT NULL, serving_ml INTEGER NOT NULL, updated_at TIMESTAMPTZ NOT NULL);",
		"CREATE TABLE IF NOT EXISTS users (id BIGSERIAL PRIMARY KEY, username TEXT UNIQUE NOT NULL, password_hash TEXT NOT NULL, created_at TIMESTAMPTZ NOT NULL);",
		"CREATE TABLE IF NOT EXISTS sessions (token TEXT PRIMARY KEY, user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE, expires_at TIMESTAMPTZ NOT NULL, created_at TIMESTAMPTZ NOT NULL);",
		"CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);",
	}

	for _, stmt := range stmts {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Sessions are bound to the client that created them.
	alterStmts := []string{
		"ALTER TABLE sessions ADD COLUMN IF NOT EXISTS user_agent TEXT NOT NULL DEFAULT '';",
		"ALTER TABLE sessions ADD COLUMN IF NOT EXISTS ip TEXT NOT NULL DEFAULT '';",
	}
	for _, stmt := range alterStmts {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
