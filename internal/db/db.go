// Package db provides the optional postgres journal of committed blocks,
// rounds, votes and elections.
package db

import (
	"fmt"
	stdlog "log"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tribft/internal/config"
	"tribft/internal/models"
)

// VoteBatchSize bounds a single vote insert.
const VoteBatchSize = 1000

// Open opens a database connection using the provided configuration. It
// returns a nil handle when persistence is not configured.
func Open(cfg config.Config) (*gorm.DB, error) {
	// Silent to avoid cluttering output; errors are returned to callers
	newLogger := logger.New(
		stdlog.New(os.Stdout, "", stdlog.LstdFlags),
		logger.Config{
			SlowThreshold:             0,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	if cfg.DBDialect == "" || cfg.DBDsn == "" {
		return nil, nil
	}

	switch cfg.DBDialect {
	case config.DatabaseSchemePostgres:
		return gorm.Open(postgres.Open(cfg.DBDsn), &gorm.Config{Logger: newLogger})
	default:
		return nil, fmt.Errorf("unsupported DB_DIALECT: %s", cfg.DBDialect)
	}
}

// AutoMigrate runs database migrations for all models.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	return db.AutoMigrate(
		&models.Block{},
		&models.Round{},
		&models.RoundVote{},
		&models.Election{},
	)
}
