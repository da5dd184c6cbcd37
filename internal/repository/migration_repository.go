package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"wgfleet/internal/domain"
)

const createSchemaMigrationsSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(14) NOT NULL PRIMARY KEY,
    applied_at DATETIME NOT NULL
)`

// SchemaMigrationModel はschema_migrationsテーブルのモデル。
type SchemaMigrationModel struct {
	Version   string    `gorm:"column:version;primaryKey;type:varchar(14)"`
	AppliedAt time.Time `gorm:"column:applied_at;type:datetime(6);not null;autoCreateTime"`
}

// TableName はテーブル名を指定。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository はマイグレーション履歴を管理するリポジトリ。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureTable は履歴テーブルが存在しない場合に作成する。
func (r *MigrationRepository) EnsureTable(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Exec(createSchemaMigrationsSQL).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create schema_migrations table",
			"operation", "ensure_table",
			"error", err,
		)
		return err
	}
	return nil
}

// FindAllApplied は適用済みマイグレーション一覧を取得する。
func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var models []SchemaMigrationModel
	if err := r.db.WithContext(ctx).Order("version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find all applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, err
	}

	migrations := make([]*domain.Migration, len(models))
	for i, model := range models {
		appliedAt := model.AppliedAt
		migrations[i] = &domain.Migration{
			Version:   model.Version,
			AppliedAt: &appliedAt,
			Status:    domain.MigrationStatusApplied,
		}
	}
	return migrations, nil
}

// IsMigrationApplied はマイグレーションが適用済みか確認する。
func (r *MigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&SchemaMigrationModel{}).Where("version = ?", version).Count(&count).Error; err != nil {
		slog.ErrorContext(ctx, "failed to check if migration is applied",
			"operation", "is_migration_applied",
			"version", version,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// ApplyMigration はSQLの実行と履歴の記録を単一トランザクションで行う。
func (r *MigrationRepository) ApplyMigration(ctx context.Context, version, sql string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(sql).Error; err != nil {
			slog.ErrorContext(ctx, "failed to execute migration SQL",
				"operation", "apply_migration",
				"version", version,
				"error", err,
			)
			return err
		}
		if err := tx.Create(&SchemaMigrationModel{Version: version}).Error; err != nil {
			slog.ErrorContext(ctx, "failed to record migration",
				"operation", "apply_migration",
				"version", version,
				"error", err,
			)
			return err
		}
		return nil
	})
}
