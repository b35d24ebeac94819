// Package database 提供 PostgreSQL 连接池与迁移。
//
// 使用 pgxpool 直接管理连接, 裸写 SQL。
package database

import (
	"context"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/workspace-gateway/internal/config"
	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
	"github.com/multi-agent/workspace-gateway/pkg/logger"
)

// NewPool 按配置创建连接池并 Ping 验证。
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	connectCtx := ctx
	if cfg.PostgresPoolTimeoutSec > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.PostgresPoolTimeoutSec)*time.Second)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, apperrors.Wrap(err, "database.NewPool", "create pool")
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(err, "database.NewPool", "ping postgres")
	}

	logger.Info("database: pool created",
		"min_conns", poolCfg.MinConns,
		logger.FieldMax, poolCfg.MaxConns,
		"schema", cfg.PostgresSchema,
	)
	return pool, nil
}

// poolConfig 解析连接串并应用池大小和 search_path。
func poolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	if cfg.PostgresConnStr == "" {
		return nil, apperrors.WithCode(apperrors.ErrInvalidInput, "database.NewPool",
			apperrors.CodeInvalidInput, "POSTGRES_CONNECTION_STRING is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnStr)
	if err != nil {
		return nil, apperrors.Wrap(err, "database.NewPool", "parse postgres config")
	}

	poolCfg.MinConns = safeInt32(cfg.PostgresPoolMinSize, "PostgresPoolMinSize")
	poolCfg.MaxConns = safeInt32(cfg.PostgresPoolMaxSize, "PostgresPoolMaxSize")
	if poolCfg.MaxConns > 0 && poolCfg.MinConns > poolCfg.MaxConns {
		poolCfg.MinConns = poolCfg.MaxConns
	}

	// search_path 用 Identifier.Sanitize 转义
	if schema := cfg.PostgresSchema; schema != "" && schema != "public" {
		stmt := "SET search_path TO " + pgx.Identifier{schema}.Sanitize()
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, stmt)
			return err
		}
	}
	return poolCfg, nil
}

// safeInt32 将 int 安全转为 int32, 越界时 clamp 并记录警告。
func safeInt32(v int, name string) int32 {
	if v > math.MaxInt32 {
		logger.Warn("database: pool config overflow, clamped", logger.FieldName, name, "value", v)
		return math.MaxInt32
	}
	if v < 0 {
		logger.Warn("database: pool config negative, clamped to 0", logger.FieldName, name, "value", v)
		return 0
	}
	return int32(v)
}
