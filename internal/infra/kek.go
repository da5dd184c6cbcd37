package infra

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const kekAAD = "wgfleet/master-key"

// LocalWrapper はKMSを使わない環境向けに、環境変数のKEKでマスター鍵をラップする。
type LocalWrapper struct {
	aead cipher.AEAD
}

// NewLocalWrapper はBase64エンコードされた32バイトのKEKからLocalWrapperを生成する。
func NewLocalWrapper(encodedKEK string) (*LocalWrapper, error) {
	if encodedKEK == "" {
		return nil, errors.New("MASTER_KEK or KMS_KEY_NAME is required")
	}
	kek, err := base64.StdEncoding.DecodeString(encodedKEK)
	if err != nil {
		return nil, fmt.Errorf("decoding MASTER_KEK: %w", err)
	}
	defer clear(kek)
	if len(kek) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("MASTER_KEK must be %d bytes, got %d", chacha20poly1305.KeySize, len(kek))
	}

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	return &LocalWrapper{aead: aead}, nil
}

// Encrypt はnonce || ciphertext 形式で平文をラップする。
func (w *LocalWrapper) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, w.aead.NonceSize(), w.aead.NonceSize()+len(plaintext)+w.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return w.aead.Seal(nonce, nonce, plaintext, []byte(kekAAD)), nil
}

// Decrypt はラップされた鍵を復号する。
func (w *LocalWrapper) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < w.aead.NonceSize()+w.aead.Overhead() {
		return nil, errors.New("wrapped key too short")
	}
	nonce, ct := ciphertext[:w.aead.NonceSize()], ciphertext[w.aead.NonceSize():]
	plaintext, err := w.aead.Open(nil, nonce, ct, []byte(kekAAD))
	if err != nil {
		return nil, fmt.Errorf("unwrapping key: %w", err)
	}
	return plaintext, nil
}
