package handler

import (
	"net/http"
	"strconv"

	"wgfleet/internal/domain"
	"wgfleet/internal/middleware"
	"wgfleet/internal/usecase"
	"wgfleet/pkg/httputil"
)

// ServerHandler はサーバー操作のHTTPハンドラを提供する。
type ServerHandler struct {
	servers    ServerUsecase
	reconciler Reconciler
}

// NewServerHandler は新しいServerHandlerを生成する。
func NewServerHandler(servers ServerUsecase, reconciler Reconciler) *ServerHandler {
	return &ServerHandler{servers: servers, reconciler: reconciler}
}

// CreateServerRequest はサーバー作成のリクエスト形式。
type CreateServerRequest struct {
	Interface           string   `json:"interface"`
	ListenPort          int      `json:"listen_port"`
	Address             string   `json:"address"`
	Endpoint            string   `json:"endpoint"`
	DNS                 []string `json:"dns"`
	MTU                 int      `json:"mtu"`
	PersistentKeepalive int      `json:"persistent_keepalive"`
	ClientAllowedIPs    []string `json:"client_allowed_ips"`
}

// CreateServer はサーバーを作成する。
func (h *ServerHandler) CreateServer(w http.ResponseWriter, r *http.Request) {
	var req CreateServerRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		fail(w, r, "CREATE_SERVER", "", err)
		return
	}

	server, err := h.servers.CreateServer(r.Context(), usecase.CreateServerInput{
		InterfaceName:       req.Interface,
		ListenPort:          req.ListenPort,
		Address:             req.Address,
		Endpoint:            req.Endpoint,
		DNS:                 req.DNS,
		MTU:                 req.MTU,
		PersistentKeepalive: req.PersistentKeepalive,
		ClientAllowedIPs:    req.ClientAllowedIPs,
	})
	if err != nil {
		fail(w, r, "CREATE_SERVER", req.Interface, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "CREATE_SERVER", server.ID, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, toServerResponse(server))
}

// ListServers はサーバー一覧を取得する。
func (h *ServerHandler) ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.servers.ListServers(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	resp := ServerListResponse{Servers: make([]ServerResponse, len(servers))}
	for i, s := range servers {
		resp.Servers[i] = toServerResponse(s)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// GetServer はサーバーのメタデータを取得する。
func (h *ServerHandler) GetServer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "server_id")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	server, err := h.servers.GetServer(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toServerResponse(server))
}

// Reconcile はリコンシリエーションパスを実行し、その結果を返す。
// 収束しなかった場合もパスの結果を本文に含める。
func (h *ServerHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "server_id")
	if err != nil {
		fail(w, r, "RECONCILE", "", err)
		return
	}

	result, err := h.reconciler.Reconcile(r.Context(), id)
	if result == nil {
		fail(w, r, "RECONCILE", id, err)
		return
	}
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "RECONCILE", id, "FAILED")
		httputil.JSON(w, httputil.StatusFor(domain.Kind(err)), toPassResponse(result))
		return
	}

	middleware.WriteAuditLog(r.Context(), "RECONCILE", id, "SUCCESS")
	httputil.JSON(w, http.StatusOK, toPassResponse(result))
}

// Status はサーバーのライブ状態を取得する。
func (h *ServerHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "server_id")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	st, err := h.servers.Status(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toStatusResponse(st))
}

// Apply はサーバー設定ファイルを書き込む。?up=trueの場合はインターフェースを起動する。
func (h *ServerHandler) Apply(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "server_id")
	if err != nil {
		fail(w, r, "APPLY_SERVER_CONFIG", "", err)
		return
	}
	up := false
	if v := r.URL.Query().Get("up"); v != "" {
		up, err = strconv.ParseBool(v)
		if err != nil {
			fail(w, r, "APPLY_SERVER_CONFIG", id, domain.NewValidationError("up", "must be a boolean"))
			return
		}
	}

	if err := h.servers.ApplyServerConfig(r.Context(), id, up); err != nil {
		fail(w, r, "APPLY_SERVER_CONFIG", id, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "APPLY_SERVER_CONFIG", id, "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// RotateKey はサーバーの鍵ペアを再生成する。
func (h *ServerHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "server_id")
	if err != nil {
		fail(w, r, "ROTATE_SERVER_KEY", "", err)
		return
	}

	server, err := h.servers.RotateServerKey(r.Context(), id)
	if err != nil {
		fail(w, r, "ROTATE_SERVER_KEY", id, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ROTATE_SERVER_KEY", id, "SUCCESS")
	httputil.JSON(w, http.StatusOK, toServerResponse(server))
}
