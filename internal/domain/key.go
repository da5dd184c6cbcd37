// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// MasterKeyStatus はマスター鍵のステータスを表す。
type MasterKeyStatus string

const (
	// MasterKeyStatusActive は現在の暗号化に使用されるマスター鍵を表す。
	MasterKeyStatusActive MasterKeyStatus = "active"
	// MasterKeyStatusRetired はローテーション済みのマスター鍵を表す。
	MasterKeyStatusRetired MasterKeyStatus = "retired"
)

// KeyPair はWireGuardの鍵ペアを表す。
// 秘密鍵は常に暗号化された状態でのみ保持される。
type KeyPair struct {
	PublicKey           string // Base64エンコードされたCurve25519公開鍵
	EncryptedPrivateKey []byte // マスター鍵バージョン付きの暗号文
	KeyVersion          uint   // 暗号化に使用したマスター鍵のバージョン
}

// IsZero は鍵ペアが未設定かどうかを返す。
func (k KeyPair) IsZero() bool {
	return k.PublicKey == "" && len(k.EncryptedPrivateKey) == 0
}

// MasterKey はラップされた状態で保存されるマスター鍵を表す。
type MasterKey struct {
	ID         string
	Version    uint
	WrappedKey []byte // KMSまたはローカルKEKで暗号化されたマスター鍵
	Status     MasterKeyStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MasterKeyMetadata はマスター鍵のメタデータを表す（鍵そのものは含まない）。
type MasterKeyMetadata struct {
	Version   uint
	Status    MasterKeyStatus
	CreatedAt time.Time
}
