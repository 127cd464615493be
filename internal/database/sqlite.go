package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/cinesync/internal/history"
	"github.com/MarcoPoloResearchLab/cinesync/internal/sources"
	"github.com/MarcoPoloResearchLab/cinesync/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// Legacy numeric source ids are rewritten with the supplied catalog.
func OpenSQLite(path string, catalog *sources.Catalog, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if catalog == nil {
		catalog = sources.DefaultCatalog()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&history.Entry{},
		&history.SourceOverride{},
		&users.Identity{},
		&users.PlaybackPreference{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, catalog, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
