package handler

import (
	"net/http"
	"strconv"

	"wgfleet/internal/middleware"
	"wgfleet/pkg/httputil"
)

// MasterKeyHandler はマスター鍵操作のHTTPハンドラを提供する。
type MasterKeyHandler struct {
	keys MasterKeyUsecase
}

// NewMasterKeyHandler は新しいMasterKeyHandlerを生成する。
func NewMasterKeyHandler(keys MasterKeyUsecase) *MasterKeyHandler {
	return &MasterKeyHandler{keys: keys}
}

// Rotate はマスター鍵をローテーションし、全鍵ペアを再暗号化する。
func (h *MasterKeyHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	meta, err := h.keys.RotateMasterKey(r.Context())
	if err != nil {
		fail(w, r, "ROTATE_MASTER_KEY", "", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ROTATE_MASTER_KEY", strconv.FormatUint(uint64(meta.Version), 10), "SUCCESS")
	httputil.JSON(w, http.StatusCreated, toMasterKeyResponse(meta))
}

// List はマスター鍵のメタデータ一覧を取得する。
func (h *MasterKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListMasterKeys(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	resp := MasterKeyListResponse{Keys: make([]MasterKeyResponse, len(keys))}
	for i, k := range keys {
		resp.Keys[i] = toMasterKeyResponse(k)
	}
	httputil.JSON(w, http.StatusOK, resp)
}
