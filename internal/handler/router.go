package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"wgfleet/internal/middleware"
)

// NewRouter はルーターを生成する。
func NewRouter(servers *ServerHandler, peers *PeerHandler, keys *MasterKeyHandler) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// ルート定義
	r.Route("/v1/servers", func(r chi.Router) {
		r.Post("/", servers.CreateServer)
		r.Get("/", servers.ListServers)
		r.Route("/{server_id}", func(r chi.Router) {
			r.Get("/", servers.GetServer)
			r.Post("/reconcile", servers.Reconcile)
			r.Get("/status", servers.Status)
			r.Post("/apply", servers.Apply)
			r.Post("/rotate-key", servers.RotateKey)
			r.Get("/peers", peers.ListPeers)
			r.Post("/peers", peers.CreatePeer)
		})
	})
	r.Route("/v1/peers/{peer_id}", func(r chi.Router) {
		r.Get("/", peers.GetPeer)
		r.Patch("/", peers.UpdatePeer)
		r.Delete("/", peers.DeletePeer)
		r.Get("/config", peers.GetConfig)
		r.Post("/rotate-key", peers.RotateKey)
	})
	r.Post("/v1/master-key/rotate", keys.Rotate)
	r.Get("/v1/master-keys", keys.List)

	return otelhttp.NewHandler(r, "wgfleet")
}
