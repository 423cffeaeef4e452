// Package sqlite implements the domain repositories on an embedded SQLite
// database through GORM, for running on the device next to the radio.
package sqlite

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	gsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"bottlesync/internal/domain"
)

// DB wraps a *gorm.DB and implements domain repository interfaces.
type DB struct {
	gorm *gorm.DB
}

var (
	_ domain.DrinkRepository    = (*DB)(nil)
	_ domain.DeviceRepository   = (*DB)(nil)
	_ domain.ScheduleRepository = (*DB)(nil)
	_ domain.UserRepository     = (*DB)(nil)
	_ domain.SessionRepository  = (*SessionRepo)(nil)
)

// Open opens (or creates) the database at path, applies PRAGMAs, installs
// query tracing and migrates the schema. path may be a DSN such as
// "file:x?mode=memory&cache=shared".
func Open(path string) (*DB, error) {
	// Fail early if the parent directory does not exist.
	if dir := filepath.Dir(path); dir != "." && !isDSN(path) {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	g, err := gorm.Open(gsqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// PRAGMAs
	g.Exec("PRAGMA journal_mode=WAL;")
	g.Exec("PRAGMA synchronous=NORMAL;")
	g.Exec("PRAGMA foreign_keys=ON;")
	g.Exec("PRAGMA busy_timeout=5000;")

	// Pool
	if sqlDB, err := g.DB(); err == nil {
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(4)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := g.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}
	if err := AutoMigrate(g); err != nil {
		return nil, err
	}
	return &DB{gorm: g}, nil
}

// AutoMigrate creates or updates the schema.
func AutoMigrate(g *gorm.DB) error {
	return g.AutoMigrate(
		&drinkRow{},
		&targetDeviceRow{},
		&scheduleRow{},
		&userRow{},
		&sessionRow{},
	)
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDSN(path string) bool {
	return strings.HasPrefix(path, "file:") || path == ":memory:"
}
