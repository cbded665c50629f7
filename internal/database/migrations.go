package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cowrite-labs/cowrite/backend/internal/documents"
)

const migrationBackfillOwnerMembership = "2026-07-14_backfill_owner_membership"

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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillOwnerMembership, apply: backfillOwnerMembership},
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

// backfillOwnerMembership inserts a membership row for document owners
// created before the member table carried them.
func backfillOwnerMembership(db *gorm.DB) error {
	const insert = `
INSERT INTO document_members (document_id, user_id, role, added_at_s)
SELECT d.document_id, d.owner_id, ?, d.created_at_s
FROM documents d
WHERE NOT EXISTS (
    SELECT 1 FROM document_members m
    WHERE m.document_id = d.document_id AND m.user_id = d.owner_id
);`
	return db.Exec(insert, string(documents.MemberRoleOwner)).Error
}
