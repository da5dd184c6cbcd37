// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"wgfleet/internal/domain"
)

// MasterKeyModel はgorm用のモデル定義。
type MasterKeyModel struct {
	ID         string    `gorm:"type:varchar(36);primaryKey"`
	Version    uint      `gorm:"not null;uniqueIndex"`
	WrappedKey []byte    `gorm:"type:blob;not null"`
	Status     string    `gorm:"type:varchar(16);not null;default:'active'"`
	CreatedAt  time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (MasterKeyModel) TableName() string {
	return "master_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *MasterKeyModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *MasterKeyModel) toDomain() *domain.MasterKey {
	return &domain.MasterKey{
		ID:         m.ID,
		Version:    m.Version,
		WrappedKey: m.WrappedKey,
		Status:     domain.MasterKeyStatus(m.Status),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// MasterKeyRepository はマスター鍵の永続化と再暗号化を提供する。
type MasterKeyRepository struct {
	db *gorm.DB
}

// NewMasterKeyRepository は新しいMasterKeyRepositoryを生成する。
func NewMasterKeyRepository(db *gorm.DB) *MasterKeyRepository {
	return &MasterKeyRepository{db: db}
}

// FindActiveMasterKey は有効なマスター鍵を取得する。
// 存在しない場合はErrMasterKeyNotFoundを返す。
func (r *MasterKeyRepository) FindActiveMasterKey(ctx context.Context) (*domain.MasterKey, error) {
	var model MasterKeyModel
	err := r.db.WithContext(ctx).
		Where("status = ?", string(domain.MasterKeyStatusActive)).
		Order("version DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMasterKeyNotFound
		}
		slog.ErrorContext(ctx, "failed to find active master key",
			"operation", "find_active_master_key",
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// CreateMasterKey はマスター鍵を保存する。
func (r *MasterKeyRepository) CreateMasterKey(ctx context.Context, key *domain.MasterKey) error {
	model := &MasterKeyModel{
		ID:         key.ID,
		Version:    key.Version,
		WrappedKey: key.WrappedKey,
		Status:     string(key.Status),
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create master key",
			"operation", "create_master_key",
			"version", key.Version,
			"error", err,
		)
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("master key version %d: %w", key.Version, domain.ErrAlreadyExists)
		}
		return err
	}
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}

// FindAllMasterKeys はマスター鍵のメタデータをバージョン順に取得する。
func (r *MasterKeyRepository) FindAllMasterKeys(ctx context.Context) ([]*domain.MasterKeyMetadata, error) {
	var models []MasterKeyModel
	err := r.db.WithContext(ctx).
		Select("version", "status", "created_at").
		Order("version ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find all master keys",
			"operation", "find_all_master_keys",
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.MasterKeyMetadata, len(models))
	for i, m := range models {
		keys[i] = &domain.MasterKeyMetadata{
			Version:   m.Version,
			Status:    domain.MasterKeyStatus(m.Status),
			CreatedAt: m.CreatedAt,
		}
	}
	return keys, nil
}

// RotateMasterKey はサーバーとピアの全鍵ペアをresealで再暗号化し、
// 旧マスター鍵を無効化して新しいマスター鍵を保存する。すべて単一トランザクションで行う。
func (r *MasterKeyRepository) RotateMasterKey(ctx context.Context, next *domain.MasterKey, reseal func(kp *domain.KeyPair) error) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var servers []ServerModel
		if err := tx.Order("id ASC").Find(&servers).Error; err != nil {
			return fmt.Errorf("loading servers: %w", err)
		}
		for _, s := range servers {
			kp := s.keyPair()
			if err := reseal(&kp); err != nil {
				return fmt.Errorf("resealing server %s: %w", s.ID, err)
			}
			if err := tx.Model(&ServerModel{}).Where("id = ?", s.ID).UpdateColumns(map[string]any{
				"encrypted_private_key": kp.EncryptedPrivateKey,
				"key_version":           kp.KeyVersion,
			}).Error; err != nil {
				return fmt.Errorf("storing server %s: %w", s.ID, err)
			}
		}

		var peers []PeerModel
		if err := tx.Order("id ASC").Find(&peers).Error; err != nil {
			return fmt.Errorf("loading peers: %w", err)
		}
		for _, p := range peers {
			kp := p.keyPair()
			if err := reseal(&kp); err != nil {
				return fmt.Errorf("resealing peer %s: %w", p.ID, err)
			}
			if err := tx.Model(&PeerModel{}).Where("id = ?", p.ID).UpdateColumns(map[string]any{
				"encrypted_private_key": kp.EncryptedPrivateKey,
				"key_version":           kp.KeyVersion,
			}).Error; err != nil {
				return fmt.Errorf("storing peer %s: %w", p.ID, err)
			}
		}

		if err := tx.Model(&MasterKeyModel{}).
			Where("status = ?", string(domain.MasterKeyStatusActive)).
			Update("status", string(domain.MasterKeyStatusRetired)).Error; err != nil {
			return fmt.Errorf("retiring master key: %w", err)
		}

		model := &MasterKeyModel{
			Version:    next.Version,
			WrappedKey: next.WrappedKey,
			Status:     string(domain.MasterKeyStatusActive),
		}
		if err := tx.Create(model).Error; err != nil {
			return fmt.Errorf("storing master key version %d: %w", next.Version, err)
		}
		next.ID = model.ID
		next.CreatedAt = model.CreatedAt
		next.UpdatedAt = model.UpdatedAt
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to rotate master key",
			"operation", "rotate_master_key",
			"version", next.Version,
			"error", err,
		)
		return err
	}
	return nil
}
