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

// PeerModel はgorm用のモデル定義。
type PeerModel struct {
	ID                  string    `gorm:"type:varchar(36);primaryKey"`
	ServerID            string    `gorm:"type:varchar(36);not null;index:idx_peers_server_id"`
	Name                string    `gorm:"type:varchar(128);not null"`
	PublicKey           string    `gorm:"type:varchar(44);not null;uniqueIndex"`
	EncryptedPrivateKey []byte    `gorm:"type:blob;not null"`
	KeyVersion          uint      `gorm:"not null"`
	AllowedIPs          string    `gorm:"column:allowed_ips;type:varchar(4096);not null;default:''"`
	Enabled             bool      `gorm:"not null;default:true"`
	Version             uint64    `gorm:"not null;default:1"`
	LastSeenEndpoint    string    `gorm:"type:varchar(255);not null;default:''"`
	CreatedAt           time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (PeerModel) TableName() string {
	return "peers"
}

// BeforeCreate はレコード作成前にUUIDv7を生成する。
// UUIDv7は時刻順に並ぶため、ID順がそのまま作成順になる。
func (p *PeerModel) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		p.ID = id.String()
	}
	return nil
}

func (p *PeerModel) keyPair() domain.KeyPair {
	return domain.KeyPair{
		PublicKey:           p.PublicKey,
		EncryptedPrivateKey: p.EncryptedPrivateKey,
		KeyVersion:          p.KeyVersion,
	}
}

func (p *PeerModel) toDomain() (*domain.Peer, error) {
	ips, err := domain.ParsePrefixes([]string{p.AllowedIPs})
	if err != nil {
		return nil, fmt.Errorf("peer %s: parsing allowed ips: %w", p.ID, err)
	}
	return &domain.Peer{
		ID:               p.ID,
		ServerID:         p.ServerID,
		Name:             p.Name,
		KeyPair:          p.keyPair(),
		AllowedIPs:       ips,
		Enabled:          p.Enabled,
		Version:          p.Version,
		LastSeenEndpoint: p.LastSeenEndpoint,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}, nil
}

// PeerRepository はピアのデータアクセスを提供する。
// ピアの変更はすべて所属サーバーの状態バージョンを同一トランザクションで進める。
type PeerRepository struct {
	db *gorm.DB
}

// NewPeerRepository は新しいPeerRepositoryを生成する。
func NewPeerRepository(db *gorm.DB) *PeerRepository {
	return &PeerRepository{db: db}
}

// CreatePeer は新しいピアを保存する。
// checkはサーバー行をロックした後に同じサーバーの既存ピアとともに呼ばれ、
// AllowedIPsの割り当てや重複検査をトランザクション内で行える。nilの場合は呼ばない。
func (r *PeerRepository) CreatePeer(ctx context.Context, peer *domain.Peer, check domain.PeerCheck) error {
	var model *PeerModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 先に状態バージョンを進めてサーバー行の書き込みロックを取り、同一サーバーへの変更を直列化する
		if _, err := bumpStateVersion(tx, peer.ServerID); err != nil {
			return err
		}
		if check != nil {
			if err := runPeerCheck(tx, peer, check); err != nil {
				return err
			}
		}
		if err := ensureNotServerKey(tx, peer.KeyPair.PublicKey); err != nil {
			return err
		}

		model = &PeerModel{
			ID:                  peer.ID,
			ServerID:            peer.ServerID,
			Name:                peer.Name,
			PublicKey:           peer.KeyPair.PublicKey,
			EncryptedPrivateKey: peer.KeyPair.EncryptedPrivateKey,
			KeyVersion:          peer.KeyPair.KeyVersion,
			AllowedIPs:          domain.FormatPrefixes(domain.NormalizePrefixes(peer.AllowedIPs)),
			Enabled:             peer.Enabled,
			Version:             1,
		}
		// gormはboolのゼロ値をデフォルト値で置き換えるため、enabledは明示的に指定する
		if err := tx.Select("*").Create(model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("peer public key: %w", domain.ErrAlreadyExists)
			}
			return err
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrValidation) {
			slog.ErrorContext(ctx, "failed to create peer",
				"operation", "create_peer",
				"server_id", peer.ServerID,
				"error", err,
			)
		}
		return err
	}
	peer.ID = model.ID
	peer.Version = model.Version
	peer.CreatedAt = model.CreatedAt
	peer.UpdatedAt = model.UpdatedAt
	return nil
}

// runPeerCheck はロック済みのサーバーと、peer以外の同じサーバーのピアを渡してcheckを呼ぶ。
func runPeerCheck(tx *gorm.DB, peer *domain.Peer, check domain.PeerCheck) error {
	var serverModel ServerModel
	if err := tx.Where("id = ?", peer.ServerID).First(&serverModel).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrServerNotFound
		}
		return err
	}
	server, err := serverModel.toDomain()
	if err != nil {
		return err
	}
	peers, err := listPeers(tx, peer.ServerID)
	if err != nil {
		return err
	}
	siblings := peers[:0]
	for _, p := range peers {
		if p.ID != peer.ID || peer.ID == "" {
			siblings = append(siblings, p)
		}
	}
	return check(server, siblings)
}

// ensureNotServerKey は公開鍵がいずれかのサーバーで使われていないことを確認する。
// テーブルごとの一意制約では両テーブルにまたがる重複を防げない。
func ensureNotServerKey(tx *gorm.DB, publicKey string) error {
	var count int64
	if err := tx.Model(&ServerModel{}).Where("public_key = ?", publicKey).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("peer public key is used by a server: %w", domain.ErrAlreadyExists)
	}
	return nil
}

// GetPeer はIDでピアを取得する。
func (r *PeerRepository) GetPeer(ctx context.Context, id string) (*domain.Peer, error) {
	var model PeerModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPeerNotFound
		}
		slog.ErrorContext(ctx, "failed to find peer",
			"operation", "get_peer",
			"peer_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// ListPeers はサーバーのピアをID順に取得する。
func (r *PeerRepository) ListPeers(ctx context.Context, serverID string) ([]*domain.Peer, error) {
	return listPeers(r.db.WithContext(ctx), serverID)
}

func listPeers(db *gorm.DB, serverID string) ([]*domain.Peer, error) {
	var models []PeerModel
	if err := db.Where("server_id = ?", serverID).Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing peers: %w", err)
	}
	peers := make([]*domain.Peer, 0, len(models))
	for _, m := range models {
		p, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// UpdatePeer はexpectedVersionが現在のバージョンと一致する場合のみピアを更新する。
// 一致しない場合はErrVersionConflictを返す。成功時はpeer.Versionを新しい値に更新する。
// checkはCreatePeerと同様にサーバー行のロック後に呼ばれる。
func (r *PeerRepository) UpdatePeer(ctx context.Context, peer *domain.Peer, expectedVersion uint64, check domain.PeerCheck) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := bumpStateVersion(tx, peer.ServerID); err != nil {
			return err
		}
		if check != nil {
			if err := runPeerCheck(tx, peer, check); err != nil {
				return err
			}
		}
		if err := ensureNotServerKey(tx, peer.KeyPair.PublicKey); err != nil {
			return err
		}

		res := tx.Model(&PeerModel{}).
			Where("id = ? AND version = ?", peer.ID, expectedVersion).
			Updates(map[string]any{
				"name":                  peer.Name,
				"allowed_ips":           domain.FormatPrefixes(domain.NormalizePrefixes(peer.AllowedIPs)),
				"enabled":               peer.Enabled,
				"public_key":            peer.KeyPair.PublicKey,
				"encrypted_private_key": peer.KeyPair.EncryptedPrivateKey,
				"key_version":           peer.KeyPair.KeyVersion,
				"version":               gorm.Expr("version + 1"),
				"updated_at":            now,
			})
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("peer public key: %w", domain.ErrAlreadyExists)
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&PeerModel{}).Where("id = ?", peer.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return domain.ErrPeerNotFound
			}
			return fmt.Errorf("peer %s at version %d: %w", peer.ID, expectedVersion, domain.ErrVersionConflict)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrVersionConflict) && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrValidation) {
			slog.ErrorContext(ctx, "failed to update peer",
				"operation", "update_peer",
				"peer_id", peer.ID,
				"error", err,
			)
		}
		return err
	}
	peer.Version = expectedVersion + 1
	peer.UpdatedAt = now
	return nil
}

// DeletePeer はピアを削除する。暗号文はゼロで上書きしてから行を削除する。
func (r *PeerRepository) DeletePeer(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model PeerModel
		if err := tx.Select("id", "server_id", "encrypted_private_key").Where("id = ?", id).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrPeerNotFound
			}
			return err
		}
		if err := tx.Model(&PeerModel{}).Where("id = ?", id).
			UpdateColumn("encrypted_private_key", make([]byte, len(model.EncryptedPrivateKey))).Error; err != nil {
			return fmt.Errorf("discarding ciphertext: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&PeerModel{}).Error; err != nil {
			return err
		}
		_, err := bumpStateVersion(tx, model.ServerID)
		return err
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.ErrorContext(ctx, "failed to delete peer",
				"operation", "delete_peer",
				"peer_id", id,
				"error", err,
			)
		}
		return err
	}
	return nil
}

// RecordLastSeen はライブ状態から得たエンドポイントを記録する。
// 参考情報のためバージョンは進めない。
func (r *PeerRepository) RecordLastSeen(ctx context.Context, serverID string, endpoints map[string]string) error {
	for publicKey, endpoint := range endpoints {
		err := r.db.WithContext(ctx).Model(&PeerModel{}).
			Where("server_id = ? AND public_key = ?", serverID, publicKey).
			UpdateColumn("last_seen_endpoint", endpoint).Error
		if err != nil {
			slog.WarnContext(ctx, "failed to record last seen endpoint",
				"operation", "record_last_seen",
				"public_key", domain.ShortKey(publicKey),
				"error", err,
			)
			return err
		}
	}
	return nil
}
