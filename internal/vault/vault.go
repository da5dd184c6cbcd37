// Package vault はWireGuard秘密鍵の生成・暗号化・復号・マスター鍵ローテーションを提供する。
//
// マスター鍵はプロセス起動時にOpenで一度だけ読み込まれ、RotateMasterKey以外で
// 変更されることはない。マスター鍵そのものはKeyWrapper（Cloud KMSまたはローカルKEK）
// でラップされた状態でのみ永続化される。
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgfleet/internal/domain"
)

const (
	// MasterKeySize はマスター鍵のバイト長。
	MasterKeySize = chacha20poly1305.KeySize

	headerSize = 4
	aadPrefix  = "wgfleet/keypair/v1"
)

// KeyWrapper はマスター鍵をラップ/アンラップするインターフェース。
type KeyWrapper interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// MasterKeyRepository はマスター鍵と鍵ペアの永続化を扱うインターフェース。
type MasterKeyRepository interface {
	FindActiveMasterKey(ctx context.Context) (*domain.MasterKey, error)
	CreateMasterKey(ctx context.Context, key *domain.MasterKey) error
	// RotateMasterKey は新しいマスター鍵の保存と全鍵ペアの再暗号化を単一トランザクションで行う。
	// resealが1件でも失敗した場合は全体をロールバックする。
	RotateMasterKey(ctx context.Context, next *domain.MasterKey, reseal func(kp *domain.KeyPair) error) error
}

// keyring は特定バージョンのマスター鍵から生成したAEADを保持する。
type keyring struct {
	version uint
	aead    cipher.AEAD
}

// Vault は鍵ペアの暗号化を一手に引き受ける。
type Vault struct {
	repo    MasterKeyRepository
	wrapper KeyWrapper
	rand    io.Reader

	ring atomic.Pointer[keyring]
	// gate はローテーションと「生成して保存」「読み込んで復号」の一連の操作を排他する。
	gate sync.RWMutex
}

// Option はVaultのオプション。
type Option func(*Vault)

// WithRand は乱数源を差し替える。
func WithRand(r io.Reader) Option {
	return func(v *Vault) { v.rand = r }
}

// New は新しいVaultを生成する。使用前にOpenを呼ぶこと。
func New(repo MasterKeyRepository, wrapper KeyWrapper, opts ...Option) *Vault {
	v := &Vault{
		repo:    repo,
		wrapper: wrapper,
		rand:    rand.Reader,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Open は有効なマスター鍵を読み込む。存在しない場合はバージョン1を生成して保存する。
func (v *Vault) Open(ctx context.Context) error {
	v.gate.Lock()
	defer v.gate.Unlock()

	mk, err := v.repo.FindActiveMasterKey(ctx)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("loading master key: %w", err)
	}

	if mk == nil {
		key, err := v.randomBytes(MasterKeySize)
		if err != nil {
			return err
		}
		defer zero(key)

		wrapped, err := v.wrapper.Encrypt(ctx, key)
		if err != nil {
			return fmt.Errorf("wrapping master key: %w", err)
		}
		mk = &domain.MasterKey{
			Version:    1,
			WrappedKey: wrapped,
			Status:     domain.MasterKeyStatusActive,
		}
		if err := v.repo.CreateMasterKey(ctx, mk); err != nil {
			return fmt.Errorf("storing master key: %w", err)
		}
		ring, err := newKeyring(mk.Version, key)
		if err != nil {
			return err
		}
		v.ring.Store(ring)
		slog.InfoContext(ctx, "master key bootstrapped", "version", mk.Version)
		return nil
	}

	key, err := v.wrapper.Decrypt(ctx, mk.WrappedKey)
	if err != nil {
		return fmt.Errorf("%w: unwrapping master key version %d: %v", domain.ErrDecryption, mk.Version, err)
	}
	defer zero(key)

	ring, err := newKeyring(mk.Version, key)
	if err != nil {
		return err
	}
	v.ring.Store(ring)
	slog.InfoContext(ctx, "master key loaded", "version", mk.Version)
	return nil
}

// Hold はマスター鍵ローテーションを保留し、解除関数を返す。
// 鍵の生成から保存まで、または読み込みから復号までを同じマスター鍵で行うために使う。
// Holdを保持したままRotateMasterKeyを呼んではならない。
func (v *Vault) Hold() (release func()) {
	v.gate.RLock()
	return v.gate.RUnlock
}

// ActiveVersion は現在のマスター鍵バージョンを返す。未初期化の場合は0。
func (v *Vault) ActiveVersion() uint {
	if r := v.ring.Load(); r != nil {
		return r.version
	}
	return 0
}

// Generate は新しい鍵ペアを生成し、秘密鍵を現在のマスター鍵で暗号化する。
// 乱数源が利用できない場合はErrEntropyを返し、弱い乱数で代替することはない。
func (v *Vault) Generate() (*domain.KeyPair, error) {
	ring, err := v.current()
	if err != nil {
		return nil, err
	}

	raw, err := v.randomBytes(wgtypes.KeyLen)
	if err != nil {
		return nil, err
	}
	var priv wgtypes.Key
	copy(priv[:], raw)
	zero(raw)
	defer zero(priv[:])
	clamp(&priv)

	pub := priv.PublicKey().String()
	sealed, err := v.seal(ring, pub, priv[:])
	if err != nil {
		return nil, err
	}

	return &domain.KeyPair{
		PublicKey:           pub,
		EncryptedPrivateKey: sealed,
		KeyVersion:          ring.version,
	}, nil
}

// Decrypt は暗号化された秘密鍵をスコープ付きハンドルとして返す。
// 呼び出し側は使用後ただちにReleaseを呼ぶこと。
// 保存された暗号文は失敗時も変更されない。
func (v *Vault) Decrypt(kp domain.KeyPair) (*Scoped, error) {
	ring, err := v.current()
	if err != nil {
		return nil, err
	}
	priv, err := ring.open(kp)
	if err != nil {
		return nil, err
	}
	s := &Scoped{}
	copy(s.key[:], priv)
	zero(priv)
	return s, nil
}

// RotateMasterKey は全鍵ペアを新しいマスター鍵で再暗号化する。
// newMasterKeyがnilの場合はVaultが生成する。1件でも失敗すれば何も変更されない。
func (v *Vault) RotateMasterKey(ctx context.Context, newMasterKey []byte) (uint, error) {
	v.gate.Lock()
	defer v.gate.Unlock()

	cur, err := v.current()
	if err != nil {
		return 0, err
	}

	var key []byte
	if newMasterKey == nil {
		key, err = v.randomBytes(MasterKeySize)
		if err != nil {
			return 0, err
		}
	} else {
		if len(newMasterKey) != MasterKeySize {
			return 0, domain.NewValidationError("master_key", fmt.Sprintf("must be %d bytes", MasterKeySize))
		}
		key = append([]byte(nil), newMasterKey...)
	}
	defer zero(key)

	next, err := newKeyring(cur.version+1, key)
	if err != nil {
		return 0, err
	}
	wrapped, err := v.wrapper.Encrypt(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("wrapping master key: %w", err)
	}

	mk := &domain.MasterKey{
		Version:    next.version,
		WrappedKey: wrapped,
		Status:     domain.MasterKeyStatusActive,
	}
	resealed := 0
	err = v.repo.RotateMasterKey(ctx, mk, func(kp *domain.KeyPair) error {
		priv, err := cur.open(*kp)
		if err != nil {
			return err
		}
		defer zero(priv)
		sealed, err := v.seal(next, kp.PublicKey, priv)
		if err != nil {
			return err
		}
		kp.EncryptedPrivateKey = sealed
		kp.KeyVersion = next.version
		resealed++
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "master key rotation aborted",
			"operation", "rotate_master_key",
			"from_version", cur.version,
			"error", err,
		)
		return 0, fmt.Errorf("rotating master key: %w", err)
	}

	v.ring.Store(next)
	slog.InfoContext(ctx, "master key rotated",
		"operation", "rotate_master_key",
		"from_version", cur.version,
		"to_version", next.version,
		"resealed", resealed,
	)
	return next.version, nil
}

func (v *Vault) current() (*keyring, error) {
	ring := v.ring.Load()
	if ring == nil {
		return nil, errors.New("vault is not open")
	}
	return ring, nil
}

func (v *Vault) randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(v.rand, b); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEntropy, err)
	}
	return b, nil
}

// seal は version || nonce || ciphertext 形式で秘密鍵を暗号化する。
func (v *Vault) seal(ring *keyring, publicKey string, priv []byte) ([]byte, error) {
	nonce, err := v.randomBytes(ring.aead.NonceSize())
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize, headerSize+len(nonce)+len(priv)+ring.aead.Overhead())
	binary.BigEndian.PutUint32(out, uint32(ring.version))
	out = append(out, nonce...)
	return ring.aead.Seal(out, nonce, priv, additionalData(out[:headerSize], publicKey)), nil
}

func newKeyring(version uint, key []byte) (*keyring, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	return &keyring{version: version, aead: aead}, nil
}

func (r *keyring) open(kp domain.KeyPair) ([]byte, error) {
	blob := kp.EncryptedPrivateKey
	minLen := headerSize + r.aead.NonceSize() + r.aead.Overhead()
	if len(blob) < minLen {
		return nil, fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}
	version := uint(binary.BigEndian.Uint32(blob[:headerSize]))
	if version != r.version {
		return nil, fmt.Errorf("%w: sealed with master key version %d, active version is %d", domain.ErrDecryption, version, r.version)
	}
	if kp.KeyVersion != 0 && kp.KeyVersion != version {
		return nil, fmt.Errorf("%w: key version tag %d does not match ciphertext version %d", domain.ErrDecryption, kp.KeyVersion, version)
	}

	nonce := blob[headerSize : headerSize+r.aead.NonceSize()]
	ct := blob[headerSize+r.aead.NonceSize():]
	priv, err := r.aead.Open(nil, nonce, ct, additionalData(blob[:headerSize], kp.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", domain.ErrDecryption)
	}
	if len(priv) != wgtypes.KeyLen {
		zero(priv)
		return nil, fmt.Errorf("%w: unexpected key length", domain.ErrDecryption)
	}

	var k wgtypes.Key
	copy(k[:], priv)
	pub := k.PublicKey().String()
	zero(k[:])
	if pub != kp.PublicKey {
		zero(priv)
		return nil, fmt.Errorf("%w: public key mismatch", domain.ErrDecryption)
	}
	return priv, nil
}

func additionalData(header []byte, publicKey string) []byte {
	aad := make([]byte, 0, len(aadPrefix)+len(header)+len(publicKey))
	aad = append(aad, aadPrefix...)
	aad = append(aad, header...)
	return append(aad, publicKey...)
}

// clamp はCurve25519の秘密鍵を正規化する。
func clamp(k *wgtypes.Key) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

func zero(b []byte) {
	clear(b)
}
