package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/chatrelay/internal/chat"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, zapLogger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// A single connection serializes every transaction of the sync engine.
	sqlDB.SetMaxOpenConns(1)

	// Spans go to the global tracer provider, a no-op unless tracing is enabled.
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics(), tracing.WithoutQueryVariables())); err != nil {
		return nil, err
	}

	if err := db.Exec("PRAGMA busy_timeout=5000;").Error; err != nil {
		return nil, err
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, zapLogger); err != nil {
		return nil, err
	}

	if zapLogger != nil {
		zapLogger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// AutoMigrate creates or updates the tables of the local store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&chat.Chatroom{},
		&chat.Peer{},
		&chat.Message{},
		&chat.Watermark{},
		&chat.Identity{},
		&migrationRecord{},
	)
}
