// Package wgconf はwg-quick形式の設定ファイルを生成する。
//
// 出力は呼び出し側が渡すバッファに追記される。秘密鍵を含むため、
// 呼び出し側は使用後にバッファをゼロ化すること。
package wgconf

import (
	"net/netip"
	"strconv"
	"strings"
	"unicode"

	"wgfleet/internal/domain"
)

// PrivateKey は秘密鍵のBase64表現を追記できる値。
type PrivateKey interface {
	AppendBase64(dst []byte) []byte
}

// Client はクライアント設定の内容。
type Client struct {
	Address             []netip.Prefix
	DNS                 []string
	MTU                 int
	ServerPublicKey     string
	Endpoint            string
	AllowedIPs          []netip.Prefix
	PersistentKeepalive int
}

// ServerPeer はサーバー設定に含めるピア。
type ServerPeer struct {
	Name       string
	PublicKey  string
	AllowedIPs []netip.Prefix
}

// Server はサーバー設定の内容。
type Server struct {
	Address    netip.Prefix
	ListenPort int
	MTU        int
	Peers      []ServerPeer
}

// AppendClient はクライアント設定をdstに追記する。
func AppendClient(dst []byte, key PrivateKey, c Client) []byte {
	dst = append(dst, "[Interface]\n"...)
	dst = append(dst, "PrivateKey = "...)
	dst = key.AppendBase64(dst)
	dst = append(dst, '\n')
	if len(c.Address) > 0 {
		dst = appendLine(dst, "Address", formatPrefixes(c.Address))
	}
	if len(c.DNS) > 0 {
		dns := make([]string, 0, len(c.DNS))
		for _, d := range c.DNS {
			dns = append(dns, clean(d))
		}
		dst = appendLine(dst, "DNS", strings.Join(dns, ", "))
	}
	if c.MTU > 0 {
		dst = appendLine(dst, "MTU", strconv.Itoa(c.MTU))
	}

	dst = append(dst, "\n[Peer]\n"...)
	dst = appendLine(dst, "PublicKey", c.ServerPublicKey)
	if c.Endpoint != "" {
		dst = appendLine(dst, "Endpoint", clean(c.Endpoint))
	}
	dst = appendLine(dst, "AllowedIPs", formatPrefixes(c.AllowedIPs))
	if c.PersistentKeepalive > 0 {
		dst = appendLine(dst, "PersistentKeepalive", strconv.Itoa(c.PersistentKeepalive))
	}
	return dst
}

// AppendServer はサーバー側のwg-quick設定をdstに追記する。
func AppendServer(dst []byte, key PrivateKey, s Server) []byte {
	dst = append(dst, "[Interface]\n"...)
	dst = append(dst, "PrivateKey = "...)
	dst = key.AppendBase64(dst)
	dst = append(dst, '\n')
	dst = appendLine(dst, "Address", s.Address.String())
	dst = appendLine(dst, "ListenPort", strconv.Itoa(s.ListenPort))
	if s.MTU > 0 {
		dst = appendLine(dst, "MTU", strconv.Itoa(s.MTU))
	}

	for _, p := range s.Peers {
		dst = append(dst, '\n')
		if name := clean(p.Name); name != "" {
			dst = append(dst, "# "...)
			dst = append(dst, name...)
			dst = append(dst, '\n')
		}
		dst = append(dst, "[Peer]\n"...)
		dst = appendLine(dst, "PublicKey", p.PublicKey)
		dst = appendLine(dst, "AllowedIPs", formatPrefixes(p.AllowedIPs))
	}
	return dst
}

func appendLine(dst []byte, key, value string) []byte {
	dst = append(dst, key...)
	dst = append(dst, " = "...)
	dst = append(dst, value...)
	return append(dst, '\n')
}

func formatPrefixes(prefixes []netip.Prefix) string {
	return strings.ReplaceAll(domain.FormatPrefixes(domain.NormalizePrefixes(prefixes)), ",", ", ")
}

// clean は自由記述の値から制御文字を取り除く。
func clean(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s))
}
