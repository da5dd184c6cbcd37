package usecase

import (
	"context"
	"fmt"

	"wgfleet/internal/domain"
)

// MasterKeyRotator はマスター鍵をローテーションするインターフェース。
type MasterKeyRotator interface {
	RotateMasterKey(ctx context.Context, newMasterKey []byte) (uint, error)
	ActiveVersion() uint
}

// MasterKeyRepository はマスター鍵のメタデータを参照するインターフェース。
type MasterKeyRepository interface {
	FindAllMasterKeys(ctx context.Context) ([]*domain.MasterKeyMetadata, error)
}

// MasterKeyService はマスター鍵の運用操作を提供する。
type MasterKeyService struct {
	rotator MasterKeyRotator
	repo    MasterKeyRepository
}

// NewMasterKeyService は新しいMasterKeyServiceを生成する。
func NewMasterKeyService(rotator MasterKeyRotator, repo MasterKeyRepository) *MasterKeyService {
	return &MasterKeyService{rotator: rotator, repo: repo}
}

// RotateMasterKey は新しいマスター鍵を生成し、全鍵ペアを再暗号化する。
// 失敗した場合は何も変更されない。
func (s *MasterKeyService) RotateMasterKey(ctx context.Context) (*domain.MasterKeyMetadata, error) {
	from := s.rotator.ActiveVersion()
	version, err := s.rotator.RotateMasterKey(ctx, nil)
	if err != nil {
		return nil, err
	}

	keys, err := s.repo.FindAllMasterKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding master keys: %w", err)
	}
	for _, k := range keys {
		if k.Version == version {
			return k, nil
		}
	}
	return nil, fmt.Errorf("master key version %d after rotation from %d: %w", version, from, domain.ErrMasterKeyNotFound)
}

// ListMasterKeys はマスター鍵のメタデータをバージョン順に返す。
func (s *MasterKeyService) ListMasterKeys(ctx context.Context) ([]*domain.MasterKeyMetadata, error) {
	keys, err := s.repo.FindAllMasterKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding master keys: %w", err)
	}
	return keys, nil
}
