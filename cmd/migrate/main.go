// cmd/migrate — 独立执行数据库迁移 (工作区元数据使用 PostgreSQL 时)。
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/multi-agent/workspace-gateway/internal/config"
	"github.com/multi-agent/workspace-gateway/internal/database"
	"github.com/multi-agent/workspace-gateway/pkg/logger"
)

func main() {
	cfg := config.Load()
	dir := flag.String("dir", cfg.MigrationsDir, "migrations directory")
	flag.Parse()

	logger.InitLevel(cfg.LogEnv, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database init failed", logger.FieldError, err)
	}
	defer pool.Close()

	applied, err := database.Migrate(ctx, pool, *dir)
	if err != nil {
		pool.Close()
		logger.Fatal("migration failed", logger.FieldPath, *dir, logger.FieldError, err)
	}
	for _, name := range applied {
		logger.Info("migration applied", logger.FieldName, name)
	}
	logger.Info("migration complete", logger.FieldCount, len(applied))
}
