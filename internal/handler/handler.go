// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"wgfleet/internal/domain"
	"wgfleet/internal/middleware"
	"wgfleet/internal/usecase"
	"wgfleet/pkg/httputil"
)

const maxBodyBytes = 64 << 10

// ServerUsecase はサーバー操作のユースケース。
type ServerUsecase interface {
	CreateServer(ctx context.Context, in usecase.CreateServerInput) (*domain.Server, error)
	GetServer(ctx context.Context, id string) (*domain.Server, error)
	ListServers(ctx context.Context) ([]*domain.Server, error)
	ApplyServerConfig(ctx context.Context, id string, up bool) error
	RotateServerKey(ctx context.Context, id string) (*domain.Server, error)
	Status(ctx context.Context, id string) (*usecase.ServerStatus, error)
}

// Reconciler はリコンシリエーションパスを起動する。
type Reconciler interface {
	Reconcile(ctx context.Context, serverID string) (*domain.PassResult, error)
}

// PeerUsecase はピア操作のユースケース。
type PeerUsecase interface {
	CreatePeer(ctx context.Context, serverID string, in usecase.CreatePeerInput) (*domain.Peer, error)
	GetPeer(ctx context.Context, id string) (*domain.Peer, error)
	ListPeers(ctx context.Context, serverID string) ([]*domain.Peer, error)
	UpdatePeer(ctx context.Context, id string, in usecase.UpdatePeerInput) (*domain.Peer, error)
	DeletePeer(ctx context.Context, id string) error
	RotatePeerKey(ctx context.Context, id string, expectedVersion uint64) (*domain.Peer, error)
}

// ConfigRenderer はクライアント設定を生成する。
type ConfigRenderer interface {
	RenderPeerConfig(ctx context.Context, peerID string, format usecase.ConfigFormat) ([]byte, error)
}

// MasterKeyUsecase はマスター鍵操作のユースケース。
type MasterKeyUsecase interface {
	RotateMasterKey(ctx context.Context) (*domain.MasterKeyMetadata, error)
	ListMasterKeys(ctx context.Context) ([]*domain.MasterKeyMetadata, error)
}

// pathID はURLパラメータのIDを検証して返す。
func pathID(r *http.Request, name string) (string, error) {
	id := chi.URLParam(r, name)
	if _, err := uuid.Parse(id); err != nil {
		return "", domain.NewValidationError(name, "must be a UUID")
	}
	return id, nil
}

// decodeJSON はリクエストボディをvに読み込む。optionalの場合、空のボディを許可する。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return domain.NewValidationError("body", "invalid JSON request body")
	}
	return nil
}

// fail は監査ログを出力し、エラーレスポンスを返す。
func fail(w http.ResponseWriter, r *http.Request, operation, subject string, err error) {
	middleware.WriteAuditLog(r.Context(), operation, subject, "FAILED")
	httputil.WriteError(w, err)
}
