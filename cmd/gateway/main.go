// cmd/gateway — 工作区运行时网关主入口。
//
// 按工作区托管 codex app-server 子进程, 通过 HTTP + WebSocket 对外转发 JSON-RPC 与事件流。
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/workspace-gateway/internal/bridge"
	"github.com/multi-agent/workspace-gateway/internal/codex"
	"github.com/multi-agent/workspace-gateway/internal/config"
	"github.com/multi-agent/workspace-gateway/internal/database"
	"github.com/multi-agent/workspace-gateway/internal/runner"
	"github.com/multi-agent/workspace-gateway/internal/store"
	"github.com/multi-agent/workspace-gateway/pkg/logger"
	"github.com/multi-agent/workspace-gateway/pkg/util"
)

// shutdownTimeout 优雅退出的总时长上限。
const shutdownTimeout = 15 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	initLogger(cfg)
	defer logger.ShutdownFileHandler()

	workspaces, closeStore, err := openWorkspaces(ctx, cfg)
	if err != nil {
		logger.Fatal("workspace store init failed", logger.FieldError, err)
	}
	defer closeStore()

	factory := runner.NewCodexSessionFactory(runner.FactoryConfig{
		Command:        cfg.CodexCommand,
		Args:           cfg.Args(),
		ClientInfo:     codex.ClientInfo{Name: cfg.ClientName, Version: cfg.ClientVersion},
		StartupTimeout: cfg.StartupTimeout(),
		RequestTimeout: cfg.RequestTimeout(),
		StopTimeout:    cfg.StopTimeout(),
	})
	pool := runner.NewPool(workspaces, factory, runner.WithStderrTailBytes(cfg.StderrTailBytes))

	if idle := cfg.IdleTimeout(); idle > 0 {
		util.SafeGo(func() { pool.RunIdleReaper(ctx, idle) })
	}

	if cfg.LogEnv != "development" && cfg.LogEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	gw := bridge.NewServer(pool, workspaces, bridge.Options{
		AllowedOrigins: cfg.Origins(),
		OutboxSize:     cfg.OutboxSize,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	util.SafeGo(func() {
		logger.Info("gateway starting",
			logger.FieldListen, cfg.ListenAddr,
			logger.FieldCommand, cfg.CodexCommand,
			logger.FieldSource, cfg.WorkspaceSource,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	})

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("server failed", logger.FieldError, err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	// 先停止接收新请求, 再断开流连接, 最后停子进程
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", logger.FieldError, err)
	}
	gw.CloseAll(shutdownCtx)
	if err := pool.StopAll(shutdownCtx); err != nil {
		logger.Warn("stop runtimes", logger.FieldError, err)
	}
	logger.Info("gateway stopped")
}

func initLogger(cfg *config.Config) {
	if cfg.LogDir == "" {
		logger.InitLevel(cfg.LogEnv, cfg.LogLevel)
		return
	}
	if err := logger.InitWithFile(cfg.LogDir, cfg.LogLevel); err != nil {
		logger.InitLevel(cfg.LogEnv, cfg.LogLevel)
		logger.Warn("log file disabled", logger.FieldPath, cfg.LogDir, logger.FieldError, err)
	}
}

// openWorkspaces 按 WORKSPACE_SOURCE 打开工作区元数据; 返回的 close 函数释放底层资源。
func openWorkspaces(ctx context.Context, cfg *config.Config) (store.WorkspaceLookup, func(), error) {
	if cfg.UsePostgres() {
		pgPool, err := database.NewPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		applied, err := database.Migrate(ctx, pgPool, cfg.MigrationsDir)
		if err != nil {
			pgPool.Close()
			return nil, nil, err
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", logger.FieldCount, len(applied))
		}
		return store.NewWorkspaceStore(pgPool), pgPool.Close, nil
	}

	files, err := store.NewFileWorkspaceStore(cfg.WorkspaceFile)
	if err != nil {
		return nil, nil, err
	}
	util.SafeGo(func() {
		if err := files.Watch(ctx); err != nil {
			logger.Warn("workspace file watch disabled", logger.FieldPath, files.Path(), logger.FieldError, err)
		}
	})
	return files, func() {}, nil
}
