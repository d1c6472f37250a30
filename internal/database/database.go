package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vipul43/connsync/internal/logger"
	"github.com/vipul43/connsync/internal/models"
)

// Connect opens the Postgres pool. Driver errors are translated so
// repositories can match gorm.ErrDuplicatedKey.
func Connect(databaseURL string, log *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		TranslateError: true,
		Logger:         logger.NewGormLogger(log, gormlogger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("Connected to database")
	return db, nil
}

// Close releases the underlying pool
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// activeRowIndexes enforce at most one active subscription and one active
// sync operation per (connection, resource). The statements are valid on
// both Postgres and SQLite.
var activeRowIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_subscriptions_active
		ON webhook_subscriptions (connection_id, resource_id) WHERE is_active`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_operations_active
		ON sync_operations (connection_id, resource_id) WHERE status IN ('pending', 'processing')`,
}

// AutoMigrate builds the schema from the models. It backs local SQLite
// databases where the versioned SQL migrations do not apply.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Connection{},
		&models.WatchedResource{},
		&models.WebhookSubscription{},
		&models.SyncOperation{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}

	for _, stmt := range activeRowIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
