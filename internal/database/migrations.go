package database

import (
	"errors"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/cinesync/internal/sources"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationCanonicalizeLegacySources = "2026-09-01_canonicalize_legacy_sources"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// sourceColumn names a column that stores playback source identifiers.
type sourceColumn struct {
	table  string
	column string
}

var legacySourceColumns = []sourceColumn{
	{table: "watch_history", column: "source"},
	{table: "title_source_overrides", column: "source"},
	{table: "user_playback_preferences", column: "last_used_source"},
}

func applyMigrations(db *gorm.DB, catalog *sources.Catalog, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationCanonicalizeLegacySources, apply: func(tx *gorm.DB) error {
			return canonicalizeLegacySources(tx, catalog)
		}},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// canonicalizeLegacySources rewrites numeric source ids stored by older
// clients to their canonical catalog names.
func canonicalizeLegacySources(db *gorm.DB, catalog *sources.Catalog) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, target := range legacySourceColumns {
			for _, entry := range catalog.Entries() {
				err := tx.Table(target.table).
					Where(target.column+" = ?", strconv.Itoa(entry.NumericID)).
					Update(target.column, entry.Name).Error
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}
