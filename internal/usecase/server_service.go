package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"regexp"
	"time"

	"wgfleet/internal/domain"
	"wgfleet/internal/executor"
	"wgfleet/internal/vault"
	"wgfleet/internal/wgconf"
)

const (
	defaultListenPort = 51820
	minMTU            = 1280
	maxMTU            = 9000
)

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]{0,251}[a-zA-Z0-9])?$`)

// ServerRepository はサーバーのデータアクセスのインターフェース。
type ServerRepository interface {
	CreateServer(ctx context.Context, server *domain.Server) error
	GetServer(ctx context.Context, id string) (*domain.Server, error)
	GetServerByInterface(ctx context.Context, iface string) (*domain.Server, error)
	ListServers(ctx context.Context) ([]*domain.Server, error)
	UpdateServerKeyPair(ctx context.Context, id string, kp domain.KeyPair) (uint64, error)
	PublicKeyInUse(ctx context.Context, publicKey string) (bool, error)
}

// KeyVault は鍵ペアの生成と復号のインターフェース。
type KeyVault interface {
	Generate() (*domain.KeyPair, error)
	Decrypt(kp domain.KeyPair) (*vault.Scoped, error)
	Hold() (release func())
}

// ServerLocker はリコンシリエーションと排他して処理を実行する。
type ServerLocker interface {
	WithServerLock(ctx context.Context, serverID string, fn func() error) error
}

// CreateServerInput はサーバー作成の入力。
type CreateServerInput struct {
	InterfaceName       string
	ListenPort          int
	Address             string
	Endpoint            string
	DNS                 []string
	MTU                 int
	PersistentKeepalive int
	ClientAllowedIPs    []string
}

// PeerStatus はピアの期待状態とライブ状態をまとめたもの。
type PeerStatus struct {
	ID            string
	Name          string
	PublicKey     string
	Enabled       bool
	Live          bool
	Endpoint      string
	LastHandshake time.Time
	RxBytes       int64
	TxBytes       int64
}

// ServerStatus はサーバーのライブ状態の概要。
type ServerStatus struct {
	Server        *domain.Server
	Up            bool
	ListenPort    int
	Peers         []PeerStatus
	EnabledPeers  int
	DisabledPeers int
	OrphanPeers   int
}

// ServerService はサーバーのプロビジョニングと設定反映を提供する。
type ServerService struct {
	servers ServerRepository
	state   DesiredStateStore
	peers   LastSeenRecorder
	vault   KeyVault
	invoker CommandInvoker
	locker  ServerLocker
}

// LastSeenRecorder はライブ状態から得たエンドポイントを記録する。
type LastSeenRecorder interface {
	RecordLastSeen(ctx context.Context, serverID string, endpoints map[string]string) error
}

// NewServerService は新しいServerServiceを生成する。
func NewServerService(servers ServerRepository, state DesiredStateStore, peers LastSeenRecorder, v KeyVault, invoker CommandInvoker, locker ServerLocker) *ServerService {
	return &ServerService{
		servers: servers,
		state:   state,
		peers:   peers,
		vault:   v,
		invoker: invoker,
		locker:  locker,
	}
}

// CreateServer はサーバーを作成し、鍵ペアを生成する。
func (s *ServerService) CreateServer(ctx context.Context, in CreateServerInput) (*domain.Server, error) {
	server, err := buildServer(in)
	if err != nil {
		return nil, err
	}

	release := s.vault.Hold()
	defer release()

	kp, err := s.generateKey(ctx)
	if err != nil {
		return nil, err
	}
	server.KeyPair = *kp

	if err := s.servers.CreateServer(ctx, server); err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	slog.InfoContext(ctx, "server created",
		"operation", "create_server",
		"server_id", server.ID,
		"interface", server.InterfaceName,
		"public_key", domain.ShortKey(server.KeyPair.PublicKey),
	)
	return server, nil
}

// generateKey は鍵ペアを生成し、公開鍵が他のサーバーやピアと重複しないことを確認する。
// 呼び出し側でHoldしておくこと。
func (s *ServerService) generateKey(ctx context.Context) (*domain.KeyPair, error) {
	kp, err := s.vault.Generate()
	if err != nil {
		return nil, fmt.Errorf("generating server key: %w", err)
	}
	inUse, err := s.servers.PublicKeyInUse(ctx, kp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("checking public key: %w", err)
	}
	if inUse {
		return nil, fmt.Errorf("server public key: %w", domain.ErrAlreadyExists)
	}
	return kp, nil
}

func buildServer(in CreateServerInput) (*domain.Server, error) {
	if err := executor.ValidateInterfaceName(in.InterfaceName); err != nil {
		return nil, err
	}
	port := in.ListenPort
	if port == 0 {
		port = defaultListenPort
	}
	if port < 1 || port > 65535 {
		return nil, domain.NewValidationError("listen_port", "must be between 1 and 65535")
	}
	addr, err := netip.ParsePrefix(in.Address)
	if err != nil {
		return nil, domain.NewValidationError("address", "must be an interface address with prefix length, e.g. 10.8.0.1/24")
	}
	if in.MTU != 0 && (in.MTU < minMTU || in.MTU > maxMTU) {
		return nil, domain.NewValidationError("mtu", fmt.Sprintf("must be 0 or between %d and %d", minMTU, maxMTU))
	}
	if in.PersistentKeepalive < 0 || in.PersistentKeepalive > 65535 {
		return nil, domain.NewValidationError("persistent_keepalive", "must be between 0 and 65535")
	}
	if in.Endpoint != "" {
		host := in.Endpoint
		if h, _, err := net.SplitHostPort(in.Endpoint); err == nil {
			host = h
		}
		if !validHost(host) {
			return nil, domain.NewValidationError("endpoint", "must be a host name or IP address with optional port")
		}
	}
	for _, d := range in.DNS {
		if !validHost(d) {
			return nil, domain.NewValidationError("dns", "must be IP addresses or host names")
		}
	}
	clientIPs, err := domain.ParsePrefixes(in.ClientAllowedIPs)
	if err != nil {
		return nil, err
	}
	if len(clientIPs) == 0 {
		clientIPs = []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}
	}

	return &domain.Server{
		InterfaceName:       in.InterfaceName,
		ListenPort:          port,
		AddressCIDR:         addr,
		Endpoint:            in.Endpoint,
		DNS:                 in.DNS,
		MTU:                 in.MTU,
		PersistentKeepalive: in.PersistentKeepalive,
		ClientAllowedIPs:    clientIPs,
	}, nil
}

func validHost(h string) bool {
	if _, err := netip.ParseAddr(h); err == nil {
		return true
	}
	return hostnameRegex.MatchString(h)
}

// GetServer はサーバーを取得する。
func (s *ServerService) GetServer(ctx context.Context, id string) (*domain.Server, error) {
	return s.servers.GetServer(ctx, id)
}

// GetServerByInterface はインターフェース名でサーバーを取得する。
func (s *ServerService) GetServerByInterface(ctx context.Context, iface string) (*domain.Server, error) {
	return s.servers.GetServerByInterface(ctx, iface)
}

// ListServers は全サーバーを取得する。
func (s *ServerService) ListServers(ctx context.Context) ([]*domain.Server, error) {
	return s.servers.ListServers(ctx)
}

// ApplyServerConfig はサーバー設定ファイルを書き込む。upがtrueの場合、停止中のインターフェースを起動する。
func (s *ServerService) ApplyServerConfig(ctx context.Context, serverID string, up bool) error {
	return s.locker.WithServerLock(ctx, serverID, func() error {
		server, err := s.writeConfig(ctx, serverID)
		if err != nil {
			return err
		}
		if !up {
			return nil
		}
		live, err := s.live(ctx, server.InterfaceName)
		if err != nil {
			return err
		}
		if live.Up {
			return nil
		}
		if _, err := s.invoker.Invoke(ctx, executor.InterfaceUp{Interface: server.InterfaceName}); err != nil {
			return fmt.Errorf("bringing interface up: %w", err)
		}
		return nil
	})
}

// RotateServerKey はサーバーの鍵ペアを再生成し、設定ファイルを書き直してインターフェースを再起動する。
// 新しい鍵はインターフェースで動作してから保存する。途中で失敗した場合は旧鍵の設定に戻し、保存済みの鍵は変えない。
// 既存クライアントの設定は新しい公開鍵で再発行する必要がある。
func (s *ServerService) RotateServerKey(ctx context.Context, serverID string) (*domain.Server, error) {
	var rotated *domain.Server
	err := s.locker.WithServerLock(ctx, serverID, func() error {
		release := s.vault.Hold()
		defer release()

		desired, err := s.state.LoadDesiredState(ctx, serverID)
		if err != nil {
			return err
		}
		previous := desired.Server.KeyPair
		kp, err := s.generateKey(ctx)
		if err != nil {
			return err
		}

		written, err := s.restartWithKey(ctx, desired, *kp)
		if err == nil {
			var version uint64
			version, err = s.servers.UpdateServerKeyPair(ctx, serverID, *kp)
			if err != nil {
				err = fmt.Errorf("storing server key: %w", err)
			} else {
				rotated = desired.Server
				rotated.KeyPair = *kp
				rotated.StateVersion = version
				return nil
			}
		}
		if written {
			if _, rbErr := s.restartWithKey(ctx, desired, previous); rbErr != nil {
				slog.ErrorContext(ctx, "failed to restore previous server key",
					"operation", "rotate_server_key",
					"server_id", serverID,
					"interface", desired.Server.InterfaceName,
					"error", rbErr,
				)
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "server key rotated",
		"operation", "rotate_server_key",
		"server_id", serverID,
		"public_key", domain.ShortKey(rotated.KeyPair.PublicKey),
	)
	return rotated, nil
}

// restartWithKey はkpで設定ファイルを書き込み、インターフェースを再起動する。
// writtenは設定ファイルの書き込みが成功したかどうか。
func (s *ServerService) restartWithKey(ctx context.Context, desired *domain.DesiredState, kp domain.KeyPair) (written bool, err error) {
	iface := desired.Server.InterfaceName
	content, err := s.renderConfig(desired, kp)
	if err != nil {
		return false, err
	}
	defer clear(content)

	if _, err := s.invoker.Invoke(ctx, executor.WriteConfigFile{Interface: iface, Content: content}); err != nil {
		return false, fmt.Errorf("writing config file: %w", err)
	}
	live, err := s.live(ctx, iface)
	if err != nil {
		return true, err
	}
	if live.Up {
		if _, err := s.invoker.Invoke(ctx, executor.InterfaceDown{Interface: iface}); err != nil {
			return true, fmt.Errorf("bringing interface down: %w", err)
		}
	}
	if _, err := s.invoker.Invoke(ctx, executor.InterfaceUp{Interface: iface}); err != nil {
		return true, fmt.Errorf("bringing interface up: %w", err)
	}
	return true, nil
}

// writeConfig は有効なピアを含むサーバー設定を描画し、WriteConfigFileで書き込む。
func (s *ServerService) writeConfig(ctx context.Context, serverID string) (*domain.Server, error) {
	content, server, err := s.renderServerConfig(ctx, serverID)
	if err != nil {
		return nil, err
	}
	defer clear(content)

	if _, err := s.invoker.Invoke(ctx, executor.WriteConfigFile{Interface: server.InterfaceName, Content: content}); err != nil {
		return nil, fmt.Errorf("writing config file: %w", err)
	}
	return server, nil
}

func (s *ServerService) renderServerConfig(ctx context.Context, serverID string) ([]byte, *domain.Server, error) {
	release := s.vault.Hold()
	defer release()

	desired, err := s.state.LoadDesiredState(ctx, serverID)
	if err != nil {
		return nil, nil, err
	}
	content, err := s.renderConfig(desired, desired.Server.KeyPair)
	if err != nil {
		return nil, nil, err
	}
	return content, desired.Server, nil
}

// renderConfig はkpを秘密鍵としてサーバー設定を描画する。呼び出し側でHoldしておくこと。
func (s *ServerService) renderConfig(desired *domain.DesiredState, kp domain.KeyPair) ([]byte, error) {
	server := desired.Server
	cfg := wgconf.Server{
		Address:    server.AddressCIDR,
		ListenPort: server.ListenPort,
		MTU:        server.MTU,
	}
	for _, p := range desired.Peers {
		if !p.Enabled {
			continue
		}
		cfg.Peers = append(cfg.Peers, wgconf.ServerPeer{Name: p.Name, PublicKey: p.KeyPair.PublicKey, AllowedIPs: p.AllowedIPs})
	}

	key, err := s.vault.Decrypt(kp)
	if err != nil {
		return nil, fmt.Errorf("decrypting server key: %w", err)
	}
	defer key.Release()

	return wgconf.AppendServer(make([]byte, 0, 512), key, cfg), nil
}

// Status はサーバーのライブ状態を期待状態と突き合わせて返す。
func (s *ServerService) Status(ctx context.Context, serverID string) (*ServerStatus, error) {
	desired, err := s.state.LoadDesiredState(ctx, serverID)
	if err != nil {
		return nil, err
	}
	live, err := s.live(ctx, desired.Server.InterfaceName)
	if err != nil {
		return nil, err
	}

	st := &ServerStatus{Server: desired.Server, Up: live.Up, ListenPort: live.ListenPort}
	known := make(map[string]bool, len(desired.Peers))
	endpoints := make(map[string]string)
	for _, p := range desired.Peers {
		known[p.KeyPair.PublicKey] = true
		if p.Enabled {
			st.EnabledPeers++
		} else {
			st.DisabledPeers++
		}
		ps := PeerStatus{ID: p.ID, Name: p.Name, PublicKey: p.KeyPair.PublicKey, Enabled: p.Enabled, Endpoint: p.LastSeenEndpoint}
		if lp, ok := live.Peer(p.KeyPair.PublicKey); ok {
			ps.Live = true
			ps.LastHandshake = lp.LastHandshake
			ps.RxBytes = lp.RxBytes
			ps.TxBytes = lp.TxBytes
			if lp.Endpoint != "" {
				ps.Endpoint = lp.Endpoint
				if lp.Endpoint != p.LastSeenEndpoint {
					endpoints[p.KeyPair.PublicKey] = lp.Endpoint
				}
			}
		}
		st.Peers = append(st.Peers, ps)
	}
	for _, lp := range live.Peers {
		if !known[lp.PublicKey] {
			st.OrphanPeers++
		}
	}

	if len(endpoints) > 0 {
		if err := s.peers.RecordLastSeen(ctx, serverID, endpoints); err != nil {
			slog.WarnContext(ctx, "failed to record peer endpoints", "server_id", serverID, "error", err)
		}
	}
	return st, nil
}

func (s *ServerService) live(ctx context.Context, iface string) (*domain.LiveState, error) {
	r, err := s.invoker.Invoke(ctx, executor.ShowInterface{Interface: iface})
	if err != nil {
		return nil, fmt.Errorf("reading live state: %w", err)
	}
	return r.Live, nil
}
