// Package database opens the local store used for progress snapshots, saved
// profiles and scheduled checks.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"taqeem-console/internal/logger"
	"taqeem-console/internal/models"
)

// Options configures Open.
type Options struct {
	URL             string // sqlite://path, postgres://... or postgresql://...
	Debug           bool   // log every statement
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Dialector picks the gorm driver for a database URL.
func Dialector(url string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path != ":memory:" && !strings.HasPrefix(path, "file:") {
			if dir := filepath.Dir(path); dir != "." && dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("failed to create database directory: %w", err)
				}
			}
		}
		return sqlite.Open(path), nil
	case strings.HasPrefix(url, "postgresql://"), strings.HasPrefix(url, "postgres://"):
		return postgres.Open(url), nil
	}
	return nil, fmt.Errorf("unsupported database URL format: %s", url)
}

// Open connects, configures the pool and migrates the schema.
func Open(opts Options, log *logger.Logger) (*gorm.DB, error) {
	log = logger.OrDefault(log).Component("database")

	dialector, err := Dialector(opts.URL)
	if err != nil {
		return nil, err
	}

	level := gormlogger.Warn
	if opts.Debug {
		level = gormlogger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}

	log.WithField("driver", dialector.Name()).Info("Database initialized")
	return db, nil
}

// AutoMigrate creates or updates every table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.JobProgress{},
		&models.OperatorProfile{},
		&models.ScheduledCheck{},
	)
}

// Close closes the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
