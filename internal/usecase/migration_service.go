package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"wgfleet/internal/domain"
)

// MigrationRepository はマイグレーション履歴を管理するリポジトリのインターフェース。
type MigrationRepository interface {
	EnsureTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	IsMigrationApplied(ctx context.Context, version string) (bool, error)
	ApplyMigration(ctx context.Context, version, sql string) error
}

// MigrationService はservers/peers/master_keysのスキーマ管理を提供する。
type MigrationService struct {
	repo          MigrationRepository
	migrationsDir string
}

// NewMigrationService は新しいMigrationServiceを生成する。
func NewMigrationService(repo MigrationRepository, migrationsDir string) *MigrationService {
	return &MigrationService{
		repo:          repo,
		migrationsDir: migrationsDir,
	}
}

// scanMigrationFiles はmigrationsディレクトリの.sqlファイルをバージョン順に返す。
func (s *MigrationService) scanMigrationFiles() ([]*domain.Migration, error) {
	entries, err := os.ReadDir(s.migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	seen := make(map[string]string)
	var migrations []*domain.Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("%w: %s and %s share version %s", domain.ErrInvalidMigrationFile, prev, entry.Name(), version)
		}
		seen[version] = entry.Name()

		migrations = append(migrations, &domain.Migration{
			Version:  version,
			Name:     name,
			FilePath: filepath.Join(s.migrationsDir, entry.Name()),
			Status:   domain.MigrationStatusPending,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// parseMigrationFileName はファイル名からバージョンと名前を抽出する。
// フォーマット: {version}_{name}.sql (例: 003_create_peers.sql)
func parseMigrationFileName(filename string) (version, name string, err error) {
	parts := strings.SplitN(strings.TrimSuffix(filename, ".sql"), "_", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	return parts[0], parts[1], nil
}

// ApplyMigrations は未適用マイグレーションを番号順に実行し、適用件数を返す。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return 0, fmt.Errorf("preparing schema_migrations: %w", err)
	}

	all, err := s.scanMigrationFiles()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", "apply_migrations",
			"error", err,
		)
		return 0, err
	}

	applied := 0
	for _, m := range all {
		done, err := s.repo.IsMigrationApplied(ctx, m.Version)
		if err != nil {
			return applied, fmt.Errorf("checking migration %s: %w", m.Version, err)
		}
		if done {
			continue
		}

		sql, err := os.ReadFile(m.FilePath)
		if err != nil {
			return applied, fmt.Errorf("reading migration file: %w", err)
		}
		if err := s.repo.ApplyMigration(ctx, m.Version, string(sql)); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"version", m.Version,
				"error", err,
			)
			return applied, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, m.Version, err)
		}
		slog.InfoContext(ctx, "migration applied", "version", m.Version, "name", m.Name)
		applied++
	}
	return applied, nil
}

// GetMigrationStatus は各マイグレーションの適用状況を返す。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("preparing schema_migrations: %w", err)
	}

	all, err := s.scanMigrationFiles()
	if err != nil {
		return nil, err
	}

	appliedList, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch applied migrations",
			"operation", "get_migration_status",
			"error", err,
		)
		return nil, fmt.Errorf("fetching applied migrations: %w", err)
	}

	applied := make(map[string]*domain.Migration, len(appliedList))
	for _, m := range appliedList {
		applied[m.Version] = m
	}
	for _, m := range all {
		if a, ok := applied[m.Version]; ok {
			m.Status = domain.MigrationStatusApplied
			m.AppliedAt = a.AppliedAt
		}
	}
	return all, nil
}
