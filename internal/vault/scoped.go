package vault

import (
	"encoding/base64"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Scoped は復号済み秘密鍵への短命なハンドル。
// Release以降はどのメソッドもゼロ値を扱う。
type Scoped struct {
	mu       sync.Mutex
	key      wgtypes.Key
	released bool
}

// AppendBase64 は秘密鍵のBase64表現をdstに追記する。
// dstは呼び出し側が使用後にゼロ化すること。
func (s *Scoped) AppendBase64(dst []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return dst
	}
	n := base64.StdEncoding.EncodedLen(len(s.key))
	start := len(dst)
	dst = append(dst, make([]byte, n)...)
	base64.StdEncoding.Encode(dst[start:], s.key[:])
	return dst
}

// Release は平文の秘密鍵をゼロ化する。複数回呼んでもよい。
func (s *Scoped) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.key[:])
	s.released = true
}
