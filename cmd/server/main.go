// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"wgfleet/config"
	"wgfleet/internal/executor"
	"wgfleet/internal/handler"
	"wgfleet/internal/infra"
	"wgfleet/internal/repository"
	"wgfleet/internal/usecase"
	"wgfleet/internal/vault"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		return err
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, os.Stdout)

	// DB初期化
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	db, err := infra.NewDB(cfg)
	if err != nil {
		return err
	}

	// マスター鍵のラップ方式
	var wrapper vault.KeyWrapper
	if cfg.KMSKeyName != "" {
		kmsWrapper, err := infra.NewKMSWrapper(ctx, cfg.KMSKeyName)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := kmsWrapper.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
		wrapper = kmsWrapper
	} else {
		local, err := infra.NewLocalWrapper(cfg.MasterKEK)
		if err != nil {
			return err
		}
		wrapper = local
	}

	// DI
	masterKeys := repository.NewMasterKeyRepository(db)
	servers := repository.NewServerRepository(db)
	peers := repository.NewPeerRepository(db)
	state := repository.NewDesiredStateRepository(db)

	keyVault := vault.New(masterKeys, wrapper)
	if err := keyVault.Open(ctx); err != nil {
		return err
	}

	exec := executor.New(executor.NewSudoRunner(cfg.SudoBinary), executor.Binaries{
		WG:        cfg.WGBinary,
		WGQuick:   cfg.WGQuickBinary,
		Install:   cfg.InstallBinary,
		ConfigDir: cfg.WGConfigDir,
	}, cfg.CommandTimeout)

	reconciler := usecase.NewReconcileService(state, exec)
	serverService := usecase.NewServerService(servers, state, peers, keyVault, exec, reconciler)
	peerService := usecase.NewPeerService(servers, peers, keyVault)
	renderService := usecase.NewRenderService(servers, peers, keyVault)
	masterKeyService := usecase.NewMasterKeyService(keyVault, masterKeys)

	router := handler.NewRouter(
		handler.NewServerHandler(serverService, reconciler),
		handler.NewPeerHandler(peerService, renderService),
		handler.NewMasterKeyHandler(masterKeyService),
	)

	if cfg.ReconcileInterval > 0 {
		go reconcileLoop(ctx, serverService, reconciler, cfg.InterfaceName, cfg.ReconcileInterval)
	}

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port, "interface", cfg.InterfaceName, "master_key_version", keyVault.ActiveVersion())
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// reconcileLoop は一定間隔でこのインスタンスが所有するインターフェースのパスを起動する。
// 失敗はログに残し、次の周期で再度試みる。
func reconcileLoop(ctx context.Context, servers *usecase.ServerService, reconciler *usecase.ReconcileService, iface string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		server, err := servers.GetServerByInterface(ctx, iface)
		if err != nil {
			slog.WarnContext(ctx, "periodic reconciliation skipped", "interface", iface, "error", err)
			continue
		}
		// 結果はパス内でログに出力される
		_, _ = reconciler.Reconcile(ctx, server.ID)
	}
}
