package infra

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// マスター鍵以外の用途でラップされた暗号文を受け付けないようにする
var kmsAAD = []byte("wgfleet/master-key")

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// KMSWrapper はCloud KMSでマスター鍵をラップ/アンラップする。
type KMSWrapper struct {
	client  *kms.KeyManagementClient
	keyName string
	tracer  trace.Tracer
}

// NewKMSWrapper は指定されたCryptoKeyを使うKMSWrapperを生成する。
func NewKMSWrapper(ctx context.Context, keyName string) (*KMSWrapper, error) {
	if keyName == "" {
		return nil, errors.New("KMS_KEY_NAME is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSWrapper{
		client:  client,
		keyName: keyName,
		tracer:  otel.Tracer("wgfleet/infra"),
	}, nil
}

// Encrypt はマスター鍵をラップする。送受信データはCRC32Cで検証する。
func (w *KMSWrapper) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	ctx, span := w.tracer.Start(ctx, "kms.wrap", trace.WithAttributes(attribute.String("kms.key", w.keyName)))
	defer span.End()

	resp, err := w.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:                              w.keyName,
		Plaintext:                         plaintext,
		PlaintextCrc32C:                   wrapperspb.Int64(checksum(plaintext)),
		AdditionalAuthenticatedData:       kmsAAD,
		AdditionalAuthenticatedDataCrc32C: wrapperspb.Int64(checksum(kmsAAD)),
	})
	if err != nil {
		span.SetStatus(codes.Error, "encrypt failed")
		return nil, fmt.Errorf("wrapping master key: %w", err)
	}
	if !resp.VerifiedPlaintextCrc32C || !resp.VerifiedAdditionalAuthenticatedDataCrc32C {
		span.SetStatus(codes.Error, "request corrupted")
		return nil, errors.New("wrapping master key: request corrupted in transit")
	}
	if resp.CiphertextCrc32C == nil || checksum(resp.Ciphertext) != resp.CiphertextCrc32C.Value {
		span.SetStatus(codes.Error, "response corrupted")
		return nil, errors.New("wrapping master key: response corrupted in transit")
	}
	return resp.Ciphertext, nil
}

// Decrypt はラップされたマスター鍵を復号する。
func (w *KMSWrapper) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	ctx, span := w.tracer.Start(ctx, "kms.unwrap", trace.WithAttributes(attribute.String("kms.key", w.keyName)))
	defer span.End()

	resp, err := w.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:                              w.keyName,
		Ciphertext:                        ciphertext,
		CiphertextCrc32C:                  wrapperspb.Int64(checksum(ciphertext)),
		AdditionalAuthenticatedData:       kmsAAD,
		AdditionalAuthenticatedDataCrc32C: wrapperspb.Int64(checksum(kmsAAD)),
	})
	if err != nil {
		span.SetStatus(codes.Error, "decrypt failed")
		return nil, fmt.Errorf("unwrapping master key: %w", err)
	}
	if resp.PlaintextCrc32C == nil || checksum(resp.Plaintext) != resp.PlaintextCrc32C.Value {
		clear(resp.Plaintext)
		span.SetStatus(codes.Error, "response corrupted")
		return nil, errors.New("unwrapping master key: response corrupted in transit")
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (w *KMSWrapper) Close() error {
	return w.client.Close()
}

func checksum(b []byte) int64 {
	return int64(crc32.Checksum(b, crc32c))
}
