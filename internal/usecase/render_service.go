package usecase

import (
	"context"
	"fmt"

	"github.com/skip2/go-qrcode"

	"wgfleet/internal/domain"
	"wgfleet/internal/wgconf"
)

// ConfigFormat はクライアント設定の出力形式。
type ConfigFormat string

const (
	ConfigFormatText ConfigFormat = "text"
	ConfigFormatQR   ConfigFormat = "qr"

	qrSize = 512
)

// ParseConfigFormat は出力形式を解析する。空文字列はtextとして扱う。
func ParseConfigFormat(s string) (ConfigFormat, error) {
	switch ConfigFormat(s) {
	case "", ConfigFormatText:
		return ConfigFormatText, nil
	case ConfigFormatQR:
		return ConfigFormatQR, nil
	}
	return "", domain.NewValidationError("format", "must be text or qr")
}

// RenderService はクライアント設定を生成する。生成物はキャッシュもディスクへの書き込みもしない。
type RenderService struct {
	servers ServerRepository
	peers   PeerRepository
	vault   KeyVault
}

// NewRenderService は新しいRenderServiceを生成する。
func NewRenderService(servers ServerRepository, peers PeerRepository, v KeyVault) *RenderService {
	return &RenderService{servers: servers, peers: peers, vault: v}
}

// RenderPeerConfig はピアのクライアント設定を生成する。
// 戻り値は秘密鍵を含むため、呼び出し側は使用後にゼロ化すること。
func (s *RenderService) RenderPeerConfig(ctx context.Context, peerID string, format ConfigFormat) ([]byte, error) {
	text, err := s.renderText(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if format != ConfigFormatQR {
		return text, nil
	}
	defer clear(text)

	png, err := qrcode.Encode(string(text), qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("encoding qr code: %w", err)
	}
	return png, nil
}

func (s *RenderService) renderText(ctx context.Context, peerID string) ([]byte, error) {
	release := s.vault.Hold()
	defer release()

	peer, err := s.peers.GetPeer(ctx, peerID)
	if err != nil {
		return nil, err
	}
	server, err := s.servers.GetServer(ctx, peer.ServerID)
	if err != nil {
		return nil, err
	}

	key, err := s.vault.Decrypt(peer.KeyPair)
	if err != nil {
		return nil, fmt.Errorf("decrypting peer key: %w", err)
	}
	defer key.Release()

	return wgconf.AppendClient(make([]byte, 0, 512), key, wgconf.Client{
		Address:             peer.AllowedIPs,
		DNS:                 server.DNS,
		MTU:                 server.MTU,
		ServerPublicKey:     server.KeyPair.PublicKey,
		Endpoint:            server.EndpointWithPort(),
		AllowedIPs:          server.ClientAllowedIPs,
		PersistentKeepalive: server.PersistentKeepalive,
	}), nil
}
