package handler

import (
	"time"

	"wgfleet/internal/domain"
	"wgfleet/internal/usecase"
)

// ServerResponse はサーバーのレスポンス形式。秘密鍵は含まない。
type ServerResponse struct {
	ID                  string   `json:"id"`
	Interface           string   `json:"interface"`
	ListenPort          int      `json:"listen_port"`
	Address             string   `json:"address"`
	Endpoint            string   `json:"endpoint,omitempty"`
	DNS                 []string `json:"dns,omitempty"`
	MTU                 int      `json:"mtu,omitempty"`
	PersistentKeepalive int      `json:"persistent_keepalive"`
	ClientAllowedIPs    []string `json:"client_allowed_ips"`
	PublicKey           string   `json:"public_key"`
	KeyVersion          uint     `json:"key_version"`
	StateVersion        uint64   `json:"state_version"`
	CreatedAt           string   `json:"created_at"`
}

// ServerListResponse はサーバー一覧のレスポンス形式。
type ServerListResponse struct {
	Servers []ServerResponse `json:"servers"`
}

// PeerResponse はピアのレスポンス形式。秘密鍵は含まない。
type PeerResponse struct {
	ID               string   `json:"id"`
	ServerID         string   `json:"server_id"`
	Name             string   `json:"name"`
	PublicKey        string   `json:"public_key"`
	KeyVersion       uint     `json:"key_version"`
	AllowedIPs       []string `json:"allowed_ips"`
	Enabled          bool     `json:"enabled"`
	Version          uint64   `json:"version"`
	LastSeenEndpoint string   `json:"last_seen_endpoint,omitempty"`
	CreatedAt        string   `json:"created_at"`
}

// PeerListResponse はピア一覧のレスポンス形式。
type PeerListResponse struct {
	Peers []PeerResponse `json:"peers"`
}

// PeerChangeResponse はピア単位の是正操作。
type PeerChangeResponse struct {
	PeerID    string `json:"peer_id,omitempty"`
	PublicKey string `json:"public_key"`
	Action    string `json:"action"`
}

// PeerFailureResponse はピア単位の失敗。
type PeerFailureResponse struct {
	PeerChangeResponse
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PassResponse はリコンシリエーションパスの結果。
type PassResponse struct {
	ServerID   string                `json:"server_id"`
	State      string                `json:"state"`
	Version    uint64                `json:"version"`
	Coalesced  bool                  `json:"coalesced"`
	ToAdd      int                   `json:"to_add"`
	ToRemove   int                   `json:"to_remove"`
	ToUpdate   int                   `json:"to_update"`
	Applied    []PeerChangeResponse  `json:"applied"`
	Failures   []PeerFailureResponse `json:"failures"`
	Error      *ErrorBody            `json:"error,omitempty"`
	StartedAt  string                `json:"started_at"`
	FinishedAt string                `json:"finished_at"`
}

// ErrorBody はパス全体の失敗理由。
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PeerStatusResponse はピアのライブ状態。
type PeerStatusResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	PublicKey     string `json:"public_key"`
	Enabled       bool   `json:"enabled"`
	Live          bool   `json:"live"`
	Endpoint      string `json:"endpoint,omitempty"`
	LastHandshake string `json:"last_handshake,omitempty"`
	RxBytes       int64  `json:"rx_bytes"`
	TxBytes       int64  `json:"tx_bytes"`
}

// StatusResponse はサーバーのライブ状態の概要。
type StatusResponse struct {
	ServerID      string               `json:"server_id"`
	Interface     string               `json:"interface"`
	Up            bool                 `json:"up"`
	ListenPort    int                  `json:"listen_port,omitempty"`
	EnabledPeers  int                  `json:"enabled_peers"`
	DisabledPeers int                  `json:"disabled_peers"`
	OrphanPeers   int                  `json:"orphan_peers"`
	Peers         []PeerStatusResponse `json:"peers"`
}

// MasterKeyResponse はマスター鍵メタデータのレスポンス形式。
type MasterKeyResponse struct {
	Version   uint   `json:"version"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// MasterKeyListResponse はマスター鍵一覧のレスポンス形式。
type MasterKeyListResponse struct {
	Keys []MasterKeyResponse `json:"keys"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toServerResponse(s *domain.Server) ServerResponse {
	clientIPs := make([]string, len(s.ClientAllowedIPs))
	for i, p := range s.ClientAllowedIPs {
		clientIPs[i] = p.String()
	}
	return ServerResponse{
		ID:                  s.ID,
		Interface:           s.InterfaceName,
		ListenPort:          s.ListenPort,
		Address:             s.AddressCIDR.String(),
		Endpoint:            s.Endpoint,
		DNS:                 s.DNS,
		MTU:                 s.MTU,
		PersistentKeepalive: s.PersistentKeepalive,
		ClientAllowedIPs:    clientIPs,
		PublicKey:           s.KeyPair.PublicKey,
		KeyVersion:          s.KeyPair.KeyVersion,
		StateVersion:        s.StateVersion,
		CreatedAt:           formatTime(s.CreatedAt),
	}
}

func toPeerResponse(p *domain.Peer) PeerResponse {
	ips := make([]string, len(p.AllowedIPs))
	for i, a := range p.AllowedIPs {
		ips[i] = a.String()
	}
	return PeerResponse{
		ID:               p.ID,
		ServerID:         p.ServerID,
		Name:             p.Name,
		PublicKey:        p.KeyPair.PublicKey,
		KeyVersion:       p.KeyPair.KeyVersion,
		AllowedIPs:       ips,
		Enabled:          p.Enabled,
		Version:          p.Version,
		LastSeenEndpoint: p.LastSeenEndpoint,
		CreatedAt:        formatTime(p.CreatedAt),
	}
}

func toChangeResponse(c domain.PeerChange) PeerChangeResponse {
	return PeerChangeResponse{PeerID: c.PeerID, PublicKey: c.PublicKey, Action: string(c.Action)}
}

func toPassResponse(r *domain.PassResult) PassResponse {
	resp := PassResponse{
		ServerID:   r.ServerID,
		State:      string(r.State),
		Version:    r.Version,
		Coalesced:  r.Coalesced,
		ToAdd:      len(r.Diff.ToAdd),
		ToRemove:   len(r.Diff.ToRemove),
		ToUpdate:   len(r.Diff.ToUpdate),
		Applied:    make([]PeerChangeResponse, len(r.Applied)),
		Failures:   make([]PeerFailureResponse, len(r.Failures)),
		StartedAt:  formatTime(r.StartedAt),
		FinishedAt: formatTime(r.FinishedAt),
	}
	for i, c := range r.Applied {
		resp.Applied[i] = toChangeResponse(c)
	}
	for i, f := range r.Failures {
		resp.Failures[i] = PeerFailureResponse{
			PeerChangeResponse: PeerChangeResponse{PeerID: f.PeerID, PublicKey: f.PublicKey, Action: string(f.Action)},
			Code:               domain.Kind(f.Err),
			Message:            f.Err.Error(),
		}
	}
	// ピア単位の失敗は個別に返すため、パス全体のエラーはそれ以外の場合のみ設定する
	if r.Err != nil && len(r.Failures) == 0 {
		resp.Error = &ErrorBody{Code: domain.Kind(r.Err), Message: r.Err.Error()}
	}
	return resp
}

func toStatusResponse(st *usecase.ServerStatus) StatusResponse {
	resp := StatusResponse{
		ServerID:      st.Server.ID,
		Interface:     st.Server.InterfaceName,
		Up:            st.Up,
		ListenPort:    st.ListenPort,
		EnabledPeers:  st.EnabledPeers,
		DisabledPeers: st.DisabledPeers,
		OrphanPeers:   st.OrphanPeers,
		Peers:         make([]PeerStatusResponse, len(st.Peers)),
	}
	for i, p := range st.Peers {
		resp.Peers[i] = PeerStatusResponse{
			ID:            p.ID,
			Name:          p.Name,
			PublicKey:     p.PublicKey,
			Enabled:       p.Enabled,
			Live:          p.Live,
			Endpoint:      p.Endpoint,
			LastHandshake: formatTime(p.LastHandshake),
			RxBytes:       p.RxBytes,
			TxBytes:       p.TxBytes,
		}
	}
	return resp
}

func toMasterKeyResponse(k *domain.MasterKeyMetadata) MasterKeyResponse {
	return MasterKeyResponse{Version: k.Version, Status: string(k.Status), CreatedAt: formatTime(k.CreatedAt)}
}
