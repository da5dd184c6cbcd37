package domain

import (
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Server はWireGuardインターフェースを持つサーバーを表す。
// 1つのインスタンスにつき1インターフェースのみを所有する。
type Server struct {
	ID                  string
	InterfaceName       string
	ListenPort          int
	AddressCIDR         netip.Prefix
	Endpoint            string // クライアントから見たホスト名またはIP（ポートなし可）
	DNS                 []string
	MTU                 int
	PersistentKeepalive int
	ClientAllowedIPs    []netip.Prefix // クライアント設定のAllowedIPs
	KeyPair             KeyPair
	StateVersion        uint64 // ピアまたはサーバーの変更ごとに増加する
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// EndpointWithPort はクライアント設定用のEndpoint文字列を返す。
// ポートが省略されている場合はListenPortを補う。
func (s *Server) EndpointWithPort() string {
	if s.Endpoint == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(s.Endpoint); err == nil {
		return s.Endpoint
	}
	return net.JoinHostPort(s.Endpoint, strconv.Itoa(s.ListenPort))
}

// Peer はサーバーに所属するWireGuardピアを表す。
type Peer struct {
	ID               string
	ServerID         string
	Name             string
	KeyPair          KeyPair
	AllowedIPs       []netip.Prefix
	Enabled          bool
	Version          uint64
	LastSeenEndpoint string // ライブ状態から得た参考情報
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PeerCheck はピアの保存直前に、ストアがサーバー行をロックした状態で呼ばれる。
// siblingsは同じサーバーに属する他のピア。エラーを返すと保存は取り消される。
type PeerCheck func(server *Server, siblings []*Peer) error

// DesiredState はリコンシリエーションが読み取る宣言的な状態のスナップショット。
type DesiredState struct {
	Server  *Server
	Peers   []*Peer // ID順
	Version uint64
}

// LivePeer はカーネルが現在適用しているピアを表す。
type LivePeer struct {
	PublicKey     string
	Endpoint      string
	AllowedIPs    []netip.Prefix
	LastHandshake time.Time
	RxBytes       int64
	TxBytes       int64
	Keepalive     int
}

// LiveState は稼働中インターフェースの状態を表す。
type LiveState struct {
	Interface  string
	Up         bool
	PublicKey  string
	ListenPort int
	Peers      []LivePeer
}

// Peer は公開鍵に一致するライブピアを返す。
func (l *LiveState) Peer(publicKey string) (LivePeer, bool) {
	for _, p := range l.Peers {
		if p.PublicKey == publicKey {
			return p, true
		}
	}
	return LivePeer{}, false
}

// NormalizePrefixes はCIDRをマスクし、重複を除いてソートする。
func NormalizePrefixes(prefixes []netip.Prefix) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, p.Masked())
	}
	slices.SortFunc(out, func(a, b netip.Prefix) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		return a.Bits() - b.Bits()
	})
	return slices.Compact(out)
}

// SamePrefixes は2つのCIDR集合が等しいかどうかを返す。
func SamePrefixes(a, b []netip.Prefix) bool {
	return slices.Equal(NormalizePrefixes(a), NormalizePrefixes(b))
}

// ParsePrefixes はカンマ区切りまたはスライスのCIDR文字列を解析する。
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, NewValidationError("allowed_ips", "invalid CIDR "+strconv.Quote(part))
			}
			out = append(out, p)
		}
	}
	return NormalizePrefixes(out), nil
}

// FormatPrefixes はCIDR集合をカンマ区切り文字列にする。
func FormatPrefixes(prefixes []netip.Prefix) string {
	parts := make([]string, len(prefixes))
	for i, p := range prefixes {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}
