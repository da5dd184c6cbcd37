package handler

import (
	"net/http"
	"net/netip"

	"wgfleet/internal/domain"
	"wgfleet/internal/middleware"
	"wgfleet/internal/usecase"
	"wgfleet/pkg/httputil"
)

// PeerHandler はピア操作のHTTPハンドラを提供する。
type PeerHandler struct {
	peers  PeerUsecase
	render ConfigRenderer
}

// NewPeerHandler は新しいPeerHandlerを生成する。
func NewPeerHandler(peers PeerUsecase, render ConfigRenderer) *PeerHandler {
	return &PeerHandler{peers: peers, render: render}
}

// CreatePeerRequest はピア作成のリクエスト形式。
type CreatePeerRequest struct {
	Name       string   `json:"name"`
	AllowedIPs []string `json:"allowed_ips"`
	Enabled    *bool    `json:"enabled"`
}

// UpdatePeerRequest はピア更新のリクエスト形式。省略したフィールドは変更しない。
type UpdatePeerRequest struct {
	Name       *string   `json:"name"`
	AllowedIPs *[]string `json:"allowed_ips"`
	Enabled    *bool     `json:"enabled"`
	Version    uint64    `json:"version"`
}

// RotatePeerKeyRequest はピア鍵再生成のリクエスト形式。
type RotatePeerKeyRequest struct {
	Version uint64 `json:"version"`
}

// ListPeers はサーバーのピア一覧を取得する。
func (h *PeerHandler) ListPeers(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathID(r, "server_id")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	peers, err := h.peers.ListPeers(r.Context(), serverID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	resp := PeerListResponse{Peers: make([]PeerResponse, len(peers))}
	for i, p := range peers {
		resp.Peers[i] = toPeerResponse(p)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// CreatePeer はピアを作成する。
func (h *PeerHandler) CreatePeer(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathID(r, "server_id")
	if err != nil {
		fail(w, r, "CREATE_PEER", "", err)
		return
	}
	var req CreatePeerRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		fail(w, r, "CREATE_PEER", serverID, err)
		return
	}
	ips, err := domain.ParsePrefixes(req.AllowedIPs)
	if err != nil {
		fail(w, r, "CREATE_PEER", serverID, err)
		return
	}

	peer, err := h.peers.CreatePeer(r.Context(), serverID, usecase.CreatePeerInput{
		Name:       req.Name,
		AllowedIPs: ips,
		Enabled:    req.Enabled,
	})
	if err != nil {
		fail(w, r, "CREATE_PEER", serverID, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "CREATE_PEER", peer.ID, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, toPeerResponse(peer))
}

// GetPeer はピアを取得する。
func (h *PeerHandler) GetPeer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "peer_id")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	peer, err := h.peers.GetPeer(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toPeerResponse(peer))
}

// UpdatePeer はピアの名前・AllowedIPs・有効状態を更新する。versionは必須。
func (h *PeerHandler) UpdatePeer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "peer_id")
	if err != nil {
		fail(w, r, "UPDATE_PEER", "", err)
		return
	}
	var req UpdatePeerRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		fail(w, r, "UPDATE_PEER", id, err)
		return
	}

	in := usecase.UpdatePeerInput{Name: req.Name, Enabled: req.Enabled, ExpectedVersion: req.Version}
	if req.AllowedIPs != nil {
		ips, err := domain.ParsePrefixes(*req.AllowedIPs)
		if err != nil {
			fail(w, r, "UPDATE_PEER", id, err)
			return
		}
		in.AllowedIPs = append([]netip.Prefix{}, ips...)
	}

	peer, err := h.peers.UpdatePeer(r.Context(), id, in)
	if err != nil {
		fail(w, r, "UPDATE_PEER", id, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "UPDATE_PEER", id, "SUCCESS")
	httputil.JSON(w, http.StatusOK, toPeerResponse(peer))
}

// DeletePeer はピアを削除する。
func (h *PeerHandler) DeletePeer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "peer_id")
	if err != nil {
		fail(w, r, "DELETE_PEER", "", err)
		return
	}

	if err := h.peers.DeletePeer(r.Context(), id); err != nil {
		fail(w, r, "DELETE_PEER", id, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "DELETE_PEER", id, "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// GetConfig はピアのクライアント設定を返す。format=qrの場合はPNG画像を返す。
func (h *PeerHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "peer_id")
	if err != nil {
		fail(w, r, "RENDER_PEER_CONFIG", "", err)
		return
	}
	format, err := usecase.ParseConfigFormat(r.URL.Query().Get("format"))
	if err != nil {
		fail(w, r, "RENDER_PEER_CONFIG", id, err)
		return
	}

	out, err := h.render.RenderPeerConfig(r.Context(), id, format)
	if err != nil {
		fail(w, r, "RENDER_PEER_CONFIG", id, err)
		return
	}
	defer clear(out)

	middleware.WriteAuditLog(r.Context(), "RENDER_PEER_CONFIG", id, "SUCCESS")
	w.Header().Set("Cache-Control", "no-store")
	if format == usecase.ConfigFormatQR {
		w.Header().Set("Content-Type", "image/png")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.conf"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// RotateKey はピアの鍵ペアを再生成する。versionを省略した場合は検査しない。
func (h *PeerHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "peer_id")
	if err != nil {
		fail(w, r, "ROTATE_PEER_KEY", "", err)
		return
	}
	var req RotatePeerKeyRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		fail(w, r, "ROTATE_PEER_KEY", id, err)
		return
	}

	peer, err := h.peers.RotatePeerKey(r.Context(), id, req.Version)
	if err != nil {
		fail(w, r, "ROTATE_PEER_KEY", id, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ROTATE_PEER_KEY", id, "SUCCESS")
	httputil.JSON(w, http.StatusOK, toPeerResponse(peer))
}
