package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"wgfleet/internal/domain"
)

// DesiredStateRepository はリコンシリエーションが読み取る期待状態を提供する。
type DesiredStateRepository struct {
	db *gorm.DB
}

// NewDesiredStateRepository は新しいDesiredStateRepositoryを生成する。
func NewDesiredStateRepository(db *gorm.DB) *DesiredStateRepository {
	return &DesiredStateRepository{db: db}
}

// LoadDesiredState はサーバーと全ピアを同一トランザクションで読み取る。
// 返されるVersionはサーバーの状態バージョン。
func (r *DesiredStateRepository) LoadDesiredState(ctx context.Context, serverID string) (*domain.DesiredState, error) {
	var state *domain.DesiredState
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ServerModel
		if err := tx.Where("id = ?", serverID).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrServerNotFound
			}
			return err
		}
		server, err := model.toDomain()
		if err != nil {
			return err
		}
		peers, err := listPeers(tx, serverID)
		if err != nil {
			return err
		}
		state = &domain.DesiredState{Server: server, Peers: peers, Version: server.StateVersion}
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.ErrorContext(ctx, "failed to load desired state",
				"operation", "load_desired_state",
				"server_id", serverID,
				"error", err,
			)
		}
		return nil, err
	}
	return state, nil
}

// StateVersion はサーバーの現在の状態バージョンを返す。
func (r *DesiredStateRepository) StateVersion(ctx context.Context, serverID string) (uint64, error) {
	var models []ServerModel
	if err := r.db.WithContext(ctx).Select("state_version").Where("id = ?", serverID).Limit(1).Find(&models).Error; err != nil {
		return 0, fmt.Errorf("reading state version: %w", err)
	}
	if len(models) == 0 {
		return 0, domain.ErrServerNotFound
	}
	return models[0].StateVersion, nil
}
