package domain

import (
	"net/netip"
	"time"
)

// PassState はリコンシリエーションパスの状態を表す。
type PassState string

const (
	PassStateIdle      PassState = "idle"
	PassStateReading   PassState = "reading"
	PassStateDiffing   PassState = "diffing"
	PassStateApplying  PassState = "applying"
	PassStateVerifying PassState = "verifying"
	PassStateConverged PassState = "converged"
	PassStateFailed    PassState = "failed"
)

// PeerAction はピアに対する是正操作の種類を表す。
type PeerAction string

const (
	PeerActionAdd    PeerAction = "add"
	PeerActionRemove PeerAction = "remove"
	PeerActionUpdate PeerAction = "update"
)

// PeerChange はピア単位の是正操作を表す。
// 孤児ピア（期待状態に存在しないピア）はPeerIDが空になる。
type PeerChange struct {
	PeerID     string
	PublicKey  string
	Action     PeerAction
	AllowedIPs []netip.Prefix
	Keepalive  int
}

// Diff は期待状態とライブ状態の差分を表す。
type Diff struct {
	ToAdd    []PeerChange
	ToRemove []PeerChange
	ToUpdate []PeerChange
}

// Empty は差分が存在しないかどうかを返す。
func (d Diff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0 && len(d.ToUpdate) == 0
}

// Len は差分の総数を返す。
func (d Diff) Len() int {
	return len(d.ToAdd) + len(d.ToRemove) + len(d.ToUpdate)
}

// PeerError はピア単位の失敗を表す。
type PeerError struct {
	PeerID    string
	PublicKey string
	Action    PeerAction
	Err       error
}

func (e *PeerError) Error() string {
	subject := e.PeerID
	if subject == "" {
		subject = "orphan " + ShortKey(e.PublicKey)
	}
	return string(e.Action) + " peer " + subject + ": " + e.Err.Error()
}

func (e *PeerError) Unwrap() error { return e.Err }

// PassResult はリコンシリエーションパスの結果を表す。
type PassResult struct {
	ServerID   string
	State      PassState
	Version    uint64
	Diff       Diff
	Applied    []PeerChange
	Failures   []*PeerError
	Err        error // パス全体の失敗理由（バージョン衝突など）
	Coalesced  bool  // 他のトリガーと統合されたかどうか
	StartedAt  time.Time
	FinishedAt time.Time
}

// Converged はパスが収束したかどうかを返す。
func (r *PassResult) Converged() bool {
	return r.State == PassStateConverged
}
