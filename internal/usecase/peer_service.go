package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"unicode"
	"unicode/utf8"

	"wgfleet/internal/domain"
)

const maxPeerNameLen = 128

// PeerRepository はピアのデータアクセスのインターフェース。
// CreatePeerとUpdatePeerはサーバー行をロックしたトランザクション内でcheckを呼ぶ。
type PeerRepository interface {
	CreatePeer(ctx context.Context, peer *domain.Peer, check domain.PeerCheck) error
	GetPeer(ctx context.Context, id string) (*domain.Peer, error)
	ListPeers(ctx context.Context, serverID string) ([]*domain.Peer, error)
	UpdatePeer(ctx context.Context, peer *domain.Peer, expectedVersion uint64, check domain.PeerCheck) error
	DeletePeer(ctx context.Context, id string) error
}

// CreatePeerInput はピア作成の入力。AllowedIPsが空の場合はサーバーのアドレス範囲から割り当てる。
type CreatePeerInput struct {
	Name       string
	AllowedIPs []netip.Prefix
	Enabled    *bool
}

// UpdatePeerInput はピア更新の入力。nilのフィールドは変更しない。
type UpdatePeerInput struct {
	Name            *string
	AllowedIPs      []netip.Prefix
	Enabled         *bool
	ExpectedVersion uint64
}

// PeerService はピアのライフサイクルを提供する。
type PeerService struct {
	servers ServerRepository
	peers   PeerRepository
	vault   KeyVault
}

// NewPeerService は新しいPeerServiceを生成する。
func NewPeerService(servers ServerRepository, peers PeerRepository, v KeyVault) *PeerService {
	return &PeerService{servers: servers, peers: peers, vault: v}
}

// CreatePeer はピアを作成し、鍵ペアを生成する。
// アドレスの割り当てと重複検査はストアのトランザクション内で行うため、同時に作成しても重ならない。
// ライブインターフェースへの反映はリコンシリエーションで行う。
func (s *PeerService) CreatePeer(ctx context.Context, serverID string, in CreatePeerInput) (*domain.Peer, error) {
	if err := validatePeerName(in.Name); err != nil {
		return nil, err
	}
	if _, err := s.servers.GetServer(ctx, serverID); err != nil {
		return nil, err
	}
	requested := domain.NormalizePrefixes(in.AllowedIPs)

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	release := s.vault.Hold()
	defer release()

	kp, err := s.generateKey(ctx)
	if err != nil {
		return nil, err
	}

	peer := &domain.Peer{
		ServerID: serverID,
		Name:     strings.TrimSpace(in.Name),
		KeyPair:  *kp,
		Enabled:  enabled,
	}
	check := func(server *domain.Server, siblings []*domain.Peer) error {
		ips := requested
		if len(ips) == 0 {
			next, err := allocateAddress(server, siblings)
			if err != nil {
				return err
			}
			ips = []netip.Prefix{next}
		}
		if err := checkOverlap(server, ips, siblings); err != nil {
			return err
		}
		peer.AllowedIPs = ips
		return nil
	}
	if err := s.peers.CreatePeer(ctx, peer, check); err != nil {
		return nil, fmt.Errorf("creating peer: %w", err)
	}
	slog.InfoContext(ctx, "peer created",
		"operation", "create_peer",
		"server_id", serverID,
		"peer_id", peer.ID,
		"public_key", domain.ShortKey(peer.KeyPair.PublicKey),
		"allowed_ips", domain.FormatPrefixes(peer.AllowedIPs),
		"enabled", peer.Enabled,
	)
	return peer, nil
}

// generateKey は鍵ペアを生成し、公開鍵がサーバーや他のピアと重複しないことを確認する。
// 呼び出し側でHoldしておくこと。
func (s *PeerService) generateKey(ctx context.Context) (*domain.KeyPair, error) {
	kp, err := s.vault.Generate()
	if err != nil {
		return nil, fmt.Errorf("generating peer key: %w", err)
	}
	inUse, err := s.servers.PublicKeyInUse(ctx, kp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("checking public key: %w", err)
	}
	if inUse {
		return nil, fmt.Errorf("peer public key: %w", domain.ErrAlreadyExists)
	}
	return kp, nil
}

// GetPeer はピアを取得する。
func (s *PeerService) GetPeer(ctx context.Context, id string) (*domain.Peer, error) {
	return s.peers.GetPeer(ctx, id)
}

// ListPeers はサーバーのピアをID順に取得する。
func (s *PeerService) ListPeers(ctx context.Context, serverID string) ([]*domain.Peer, error) {
	if _, err := s.servers.GetServer(ctx, serverID); err != nil {
		return nil, err
	}
	return s.peers.ListPeers(ctx, serverID)
}

// UpdatePeer はピアの名前・AllowedIPs・有効状態を更新する。
// ExpectedVersionが現在のバージョンと異なる場合はErrVersionConflictを返す。
func (s *PeerService) UpdatePeer(ctx context.Context, id string, in UpdatePeerInput) (*domain.Peer, error) {
	if in.ExpectedVersion == 0 {
		return nil, domain.NewValidationError("version", "expected version is required")
	}
	if in.Name != nil {
		if err := validatePeerName(*in.Name); err != nil {
			return nil, err
		}
	}
	if in.AllowedIPs != nil && len(in.AllowedIPs) == 0 {
		return nil, domain.NewValidationError("allowed_ips", "must not be empty")
	}

	// 鍵ペア列も書き戻すため、読み込みから保存までマスター鍵ローテーションを保留する
	release := s.vault.Hold()
	defer release()

	peer, err := s.peers.GetPeer(ctx, id)
	if err != nil {
		return nil, err
	}
	if peer.Version != in.ExpectedVersion {
		return nil, fmt.Errorf("peer %s at version %d: %w", id, in.ExpectedVersion, domain.ErrVersionConflict)
	}

	if in.Name != nil {
		peer.Name = strings.TrimSpace(*in.Name)
	}
	var check domain.PeerCheck
	if in.AllowedIPs != nil {
		ips := domain.NormalizePrefixes(in.AllowedIPs)
		peer.AllowedIPs = ips
		check = func(server *domain.Server, siblings []*domain.Peer) error {
			return checkOverlap(server, ips, siblings)
		}
	}
	if in.Enabled != nil {
		peer.Enabled = *in.Enabled
	}

	if err := s.peers.UpdatePeer(ctx, peer, in.ExpectedVersion, check); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "peer updated",
		"operation", "update_peer",
		"peer_id", peer.ID,
		"version", peer.Version,
		"enabled", peer.Enabled,
	)
	return peer, nil
}

// DeletePeer はピアを削除する。暗号化された秘密鍵も破棄される。
func (s *PeerService) DeletePeer(ctx context.Context, id string) error {
	if err := s.peers.DeletePeer(ctx, id); err != nil {
		return err
	}
	slog.InfoContext(ctx, "peer deleted",
		"operation", "delete_peer",
		"peer_id", id,
	)
	return nil
}

// RotatePeerKey はピアの鍵ペアを再生成する。expectedVersionが0の場合はバージョンを検査しない。
// 旧公開鍵は次のリコンシリエーションで孤児として削除される。
func (s *PeerService) RotatePeerKey(ctx context.Context, id string, expectedVersion uint64) (*domain.Peer, error) {
	release := s.vault.Hold()
	defer release()

	peer, err := s.peers.GetPeer(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion == 0 {
		expectedVersion = peer.Version
	}
	if peer.Version != expectedVersion {
		return nil, fmt.Errorf("peer %s at version %d: %w", id, expectedVersion, domain.ErrVersionConflict)
	}

	kp, err := s.generateKey(ctx)
	if err != nil {
		return nil, err
	}
	previous := peer.KeyPair.PublicKey
	peer.KeyPair = *kp

	if err := s.peers.UpdatePeer(ctx, peer, expectedVersion, nil); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "peer key rotated",
		"operation", "rotate_peer_key",
		"peer_id", peer.ID,
		"previous_public_key", domain.ShortKey(previous),
		"public_key", domain.ShortKey(peer.KeyPair.PublicKey),
	)
	return peer, nil
}

func validatePeerName(name string) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return domain.NewValidationError("name", "must not be empty")
	case utf8.RuneCountInString(name) > maxPeerNameLen:
		return domain.NewValidationError("name", fmt.Sprintf("must be at most %d characters", maxPeerNameLen))
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return domain.NewValidationError("name", "must not contain control characters")
	}
	return nil
}

// checkOverlap はAllowedIPsがサーバーのアドレスや他のピアと重ならないことを確認する。
// 重なりがあるとカーネルは後から設定したピアに経路を移すため、収束しなくなる。
func checkOverlap(server *domain.Server, ips []netip.Prefix, siblings []*domain.Peer) error {
	serverAddr := server.AddressCIDR.Addr()
	for _, a := range ips {
		if a.Contains(serverAddr) {
			return domain.NewValidationError("allowed_ips", fmt.Sprintf("%s contains the server address %s", a, serverAddr))
		}
		for _, p := range siblings {
			for _, b := range p.AllowedIPs {
				if a.Overlaps(b) {
					return domain.NewValidationError("allowed_ips", fmt.Sprintf("%s overlaps peer %s", a, p.ID))
				}
			}
		}
	}
	return nil
}

// allocateAddress はサーバーのアドレス範囲から未使用のホストアドレスを1つ割り当てる。
func allocateAddress(server *domain.Server, peers []*domain.Peer) (netip.Prefix, error) {
	network := server.AddressCIDR.Masked()
	hostBits := network.Addr().BitLen()

	used := func(a netip.Addr) bool {
		if a == server.AddressCIDR.Addr() {
			return true
		}
		for _, p := range peers {
			for _, pr := range p.AllowedIPs {
				if pr.Contains(a) {
					return true
				}
			}
		}
		return false
	}

	for a := network.Addr().Next(); a.IsValid() && network.Contains(a); a = a.Next() {
		next := a.Next()
		if a.Is4() && (!next.IsValid() || !network.Contains(next)) {
			break // ブロードキャストアドレス
		}
		if !used(a) {
			return netip.PrefixFrom(a, hostBits), nil
		}
	}
	return netip.Prefix{}, domain.NewValidationError("allowed_ips", "no free address left in "+network.String())
}
