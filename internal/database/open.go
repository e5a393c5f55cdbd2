package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/Aidin1998/walletledger/internal/config"
	"github.com/Aidin1998/walletledger/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database and applies pool settings.
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgresDB(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime)
	case "sqlite":
		log.Warn("using sqlite database, not intended for production", zap.String("dsn", cfg.DSN))
		return NewSQLiteDB(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// NewPostgresDB creates a PostgreSQL connection with pooling
func NewPostgresDB(dsn string, maxOpen, maxIdle int, connMaxLife time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if maxOpen == 0 {
		maxOpen = 50
	}
	if maxIdle == 0 {
		maxIdle = 10
	}
	if connMaxLife == 0 {
		connMaxLife = time.Hour
	}
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(connMaxLife)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	return db, nil
}

// NewSQLiteDB opens a sqlite database. SQLite allows a single writer, so the
// pool is pinned to one connection; this also keeps in-memory databases
// shared by every caller.
func NewSQLiteDB(dsn string) (*gorm.DB, error) {
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	if !strings.Contains(dsn, "_busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_busy_timeout=5000"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// RecordPoolStats publishes connection pool gauges for db under name.
func RecordPoolStats(name string, db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	stats := sqlDB.Stats()
	metrics.DBOpenConns.WithLabelValues(name).Set(float64(stats.OpenConnections))
	metrics.DBInUseConns.WithLabelValues(name).Set(float64(stats.InUse))
}
