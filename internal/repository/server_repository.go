package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"wgfleet/internal/domain"
)

// ServerModel はgorm用のモデル定義。
type ServerModel struct {
	ID                  string    `gorm:"type:varchar(36);primaryKey"`
	InterfaceName       string    `gorm:"type:varchar(15);not null;uniqueIndex"`
	ListenPort          int       `gorm:"not null"`
	AddressCIDR         string    `gorm:"column:address_cidr;type:varchar(64);not null"`
	Endpoint            string    `gorm:"type:varchar(255);not null;default:''"`
	DNS                 string    `gorm:"column:dns;type:varchar(255);not null;default:''"`
	MTU                 int       `gorm:"column:mtu;not null;default:0"`
	PersistentKeepalive int       `gorm:"not null;default:0"`
	ClientAllowedIPs    string    `gorm:"column:client_allowed_ips;type:varchar(1024);not null;default:''"`
	PublicKey           string    `gorm:"type:varchar(44);not null;uniqueIndex"`
	EncryptedPrivateKey []byte    `gorm:"type:blob;not null"`
	KeyVersion          uint      `gorm:"not null"`
	StateVersion        uint64    `gorm:"not null;default:0"`
	CreatedAt           time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (ServerModel) TableName() string {
	return "servers"
}

// BeforeCreate はレコード作成前にUUIDv7を生成する。
func (s *ServerModel) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		s.ID = id.String()
	}
	return nil
}

func (s *ServerModel) keyPair() domain.KeyPair {
	return domain.KeyPair{
		PublicKey:           s.PublicKey,
		EncryptedPrivateKey: s.EncryptedPrivateKey,
		KeyVersion:          s.KeyVersion,
	}
}

func (s *ServerModel) toDomain() (*domain.Server, error) {
	addr, err := netip.ParsePrefix(s.AddressCIDR)
	if err != nil {
		return nil, fmt.Errorf("server %s: parsing address: %w", s.ID, err)
	}
	clientIPs, err := domain.ParsePrefixes([]string{s.ClientAllowedIPs})
	if err != nil {
		return nil, fmt.Errorf("server %s: parsing client allowed ips: %w", s.ID, err)
	}
	return &domain.Server{
		ID:                  s.ID,
		InterfaceName:       s.InterfaceName,
		ListenPort:          s.ListenPort,
		AddressCIDR:         addr,
		Endpoint:            s.Endpoint,
		DNS:                 splitList(s.DNS),
		MTU:                 s.MTU,
		PersistentKeepalive: s.PersistentKeepalive,
		ClientAllowedIPs:    clientIPs,
		KeyPair:             s.keyPair(),
		StateVersion:        s.StateVersion,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}, nil
}

func newServerModel(s *domain.Server) *ServerModel {
	return &ServerModel{
		ID:                  s.ID,
		InterfaceName:       s.InterfaceName,
		ListenPort:          s.ListenPort,
		AddressCIDR:         s.AddressCIDR.String(),
		Endpoint:            s.Endpoint,
		DNS:                 strings.Join(s.DNS, ","),
		MTU:                 s.MTU,
		PersistentKeepalive: s.PersistentKeepalive,
		ClientAllowedIPs:    domain.FormatPrefixes(s.ClientAllowedIPs),
		PublicKey:           s.KeyPair.PublicKey,
		EncryptedPrivateKey: s.KeyPair.EncryptedPrivateKey,
		KeyVersion:          s.KeyPair.KeyVersion,
		StateVersion:        s.StateVersion,
	}
}

// ServerRepository はサーバーのデータアクセスを提供する。
type ServerRepository struct {
	db *gorm.DB
}

// NewServerRepository は新しいServerRepositoryを生成する。
func NewServerRepository(db *gorm.DB) *ServerRepository {
	return &ServerRepository{db: db}
}

// CreateServer は新しいサーバーを保存する。
func (r *ServerRepository) CreateServer(ctx context.Context, server *domain.Server) error {
	model := newServerModel(server)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create server",
			"operation", "create_server",
			"interface", server.InterfaceName,
			"error", err,
		)
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("server for interface %s: %w", server.InterfaceName, domain.ErrAlreadyExists)
		}
		return err
	}
	server.ID = model.ID
	server.CreatedAt = model.CreatedAt
	server.UpdatedAt = model.UpdatedAt
	return nil
}

// GetServer はIDでサーバーを取得する。
func (r *ServerRepository) GetServer(ctx context.Context, id string) (*domain.Server, error) {
	return r.findOne(ctx, "get_server", "id = ?", id)
}

// GetServerByInterface はインターフェース名でサーバーを取得する。
func (r *ServerRepository) GetServerByInterface(ctx context.Context, iface string) (*domain.Server, error) {
	return r.findOne(ctx, "get_server_by_interface", "interface_name = ?", iface)
}

func (r *ServerRepository) findOne(ctx context.Context, operation, query string, arg any) (*domain.Server, error) {
	var model ServerModel
	if err := r.db.WithContext(ctx).Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrServerNotFound
		}
		slog.ErrorContext(ctx, "failed to find server",
			"operation", operation,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// ListServers は全サーバーを取得する。
func (r *ServerRepository) ListServers(ctx context.Context) ([]*domain.Server, error) {
	var models []ServerModel
	if err := r.db.WithContext(ctx).Order("interface_name ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list servers",
			"operation", "list_servers",
			"error", err,
		)
		return nil, err
	}
	servers := make([]*domain.Server, 0, len(models))
	for _, m := range models {
		s, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, nil
}

// UpdateServerKeyPair はサーバーの鍵ペアを置き換え、状態バージョンを進める。
func (r *ServerRepository) UpdateServerKeyPair(ctx context.Context, id string, kp domain.KeyPair) (uint64, error) {
	var version uint64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ServerModel
		if err := tx.Select("id", "encrypted_private_key").Where("id = ?", id).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrServerNotFound
			}
			return err
		}
		var peers int64
		if err := tx.Model(&PeerModel{}).Where("public_key = ?", kp.PublicKey).Count(&peers).Error; err != nil {
			return err
		}
		if peers > 0 {
			return fmt.Errorf("server public key is used by a peer: %w", domain.ErrAlreadyExists)
		}
		if err := tx.Model(&ServerModel{}).Where("id = ?", id).UpdateColumn("encrypted_private_key", make([]byte, len(model.EncryptedPrivateKey))).Error; err != nil {
			return err
		}
		if err := tx.Model(&ServerModel{}).Where("id = ?", id).Updates(map[string]any{
			"public_key":            kp.PublicKey,
			"encrypted_private_key": kp.EncryptedPrivateKey,
			"key_version":           kp.KeyVersion,
			"updated_at":            time.Now(),
		}).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("server public key: %w", domain.ErrAlreadyExists)
			}
			return err
		}
		v, err := bumpStateVersion(tx, id)
		version = v
		return err
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.ErrorContext(ctx, "failed to update server key pair",
				"operation", "update_server_key_pair",
				"server_id", id,
				"error", err,
			)
		}
		return 0, err
	}
	return version, nil
}

// PublicKeyInUse は公開鍵がいずれかのサーバーまたはピアで使われているかを返す。
func (r *ServerRepository) PublicKeyInUse(ctx context.Context, publicKey string) (bool, error) {
	var servers, peers int64
	if err := r.db.WithContext(ctx).Model(&ServerModel{}).Where("public_key = ?", publicKey).Count(&servers).Error; err != nil {
		return false, err
	}
	if err := r.db.WithContext(ctx).Model(&PeerModel{}).Where("public_key = ?", publicKey).Count(&peers).Error; err != nil {
		return false, err
	}
	return servers+peers > 0, nil
}

// bumpStateVersion はサーバーの状態バージョンを1つ進め、新しい値を返す。
// 呼び出し側のトランザクション内で使うこと。
func bumpStateVersion(tx *gorm.DB, serverID string) (uint64, error) {
	res := tx.Model(&ServerModel{}).Where("id = ?", serverID).UpdateColumn("state_version", gorm.Expr("state_version + 1"))
	if res.Error != nil {
		return 0, fmt.Errorf("bumping state version: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, domain.ErrServerNotFound
	}
	var version uint64
	if err := tx.Model(&ServerModel{}).Where("id = ?", serverID).Select("state_version").Scan(&version).Error; err != nil {
		return 0, fmt.Errorf("reading state version: %w", err)
	}
	return version, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
