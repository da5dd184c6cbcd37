package main

// serverView はAPIのサーバーレスポンス。
type serverView struct {
	ID                  string   `json:"id"`
	Interface           string   `json:"interface"`
	ListenPort          int      `json:"listen_port"`
	Address             string   `json:"address"`
	Endpoint            string   `json:"endpoint"`
	DNS                 []string `json:"dns"`
	MTU                 int      `json:"mtu"`
	PersistentKeepalive int      `json:"persistent_keepalive"`
	ClientAllowedIPs    []string `json:"client_allowed_ips"`
	PublicKey           string   `json:"public_key"`
	KeyVersion          uint     `json:"key_version"`
	StateVersion        uint64   `json:"state_version"`
	CreatedAt           string   `json:"created_at"`
}

// peerView はAPIのピアレスポンス。
type peerView struct {
	ID               string   `json:"id"`
	ServerID         string   `json:"server_id"`
	Name             string   `json:"name"`
	PublicKey        string   `json:"public_key"`
	KeyVersion       uint     `json:"key_version"`
	AllowedIPs       []string `json:"allowed_ips"`
	Enabled          bool     `json:"enabled"`
	Version          uint64   `json:"version"`
	LastSeenEndpoint string   `json:"last_seen_endpoint"`
}

type changeView struct {
	PeerID    string `json:"peer_id"`
	PublicKey string `json:"public_key"`
	Action    string `json:"action"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// passView はリコンシリエーションパスの結果。
type passView struct {
	ServerID  string       `json:"server_id"`
	State     string       `json:"state"`
	Version   uint64       `json:"version"`
	Coalesced bool         `json:"coalesced"`
	ToAdd     int          `json:"to_add"`
	ToRemove  int          `json:"to_remove"`
	ToUpdate  int          `json:"to_update"`
	Applied   []changeView `json:"applied"`
	Failures  []changeView `json:"failures"`
	Error     *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type statusView struct {
	ServerID      string `json:"server_id"`
	Interface     string `json:"interface"`
	Up            bool   `json:"up"`
	ListenPort    int    `json:"listen_port"`
	EnabledPeers  int    `json:"enabled_peers"`
	DisabledPeers int    `json:"disabled_peers"`
	OrphanPeers   int    `json:"orphan_peers"`
	Peers         []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		PublicKey     string `json:"public_key"`
		Enabled       bool   `json:"enabled"`
		Live          bool   `json:"live"`
		Endpoint      string `json:"endpoint"`
		LastHandshake string `json:"last_handshake"`
		RxBytes       int64  `json:"rx_bytes"`
		TxBytes       int64  `json:"tx_bytes"`
	} `json:"peers"`
}

type masterKeyView struct {
	Version   uint   `json:"version"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// shortKey は表示用に公開鍵を短縮する。
func shortKey(k string) string {
	if len(k) <= 12 {
		return k
	}
	return k[:12] + "…"
}
