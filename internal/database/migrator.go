package database

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
	"github.com/multi-agent/workspace-gateway/pkg/logger"
)

// migrationLockKey 迁移期间持有的 advisory lock, 防止两个进程同时迁移。
const migrationLockKey int64 = 0x6777_6d69_6772

// Migrate 按文件名顺序执行 migrationsDir 下尚未应用的 .sql 脚本。
// 已应用版本记录在 schema_version 表, 每个脚本在独立事务内执行。
// 返回本次应用的文件名。
func Migrate(ctx context.Context, pool *pgxpool.Pool, migrationsDir string) ([]string, error) {
	if pool == nil {
		return nil, apperrors.New("database.Migrate", "pool is required")
	}

	files, err := listMigrationFiles(migrationsDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		logger.Info("database: no migrations found", logger.FieldPath, migrationsDir)
		return nil, nil
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, apperrors.Wrap(err, "database.Migrate", "create schema_version table")
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, "database.Migrate", "acquire connection")
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return nil, apperrors.Wrap(err, "database.Migrate", "acquire migration lock")
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			logger.Warn("database: release migration lock failed", logger.FieldError, err)
		}
	}()

	applied, err := loadAppliedVersions(ctx, conn.Conn())
	if err != nil {
		return nil, err
	}

	pending := pendingMigrations(files, applied)
	if len(pending) > 0 {
		logger.Info("database: applying pending migrations", logger.FieldCount, len(pending))
	}
	for _, name := range pending {
		if err := applyOneMigration(ctx, conn.Conn(), migrationsDir, name); err != nil {
			return nil, err
		}
		logger.Info("database: migration applied", logger.FieldVersion, name)
	}
	return pending, nil
}

// listMigrationFiles 返回目录下排序后的 .sql 文件名; 目录不存在视为空。
func listMigrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "database.Migrate", "read migrations dir")
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// pendingMigrations 过滤掉已应用的版本, 保持原顺序。
func pendingMigrations(files []string, applied map[string]bool) []string {
	var out []string
	for _, name := range files {
		if !applied[name] {
			out = append(out, name)
		}
	}
	return out
}

func loadAppliedVersions(ctx context.Context, conn *pgx.Conn) (map[string]bool, error) {
	if conn == nil {
		return nil, apperrors.New("database.Migrate", "connection is required")
	}
	rows, err := conn.Query(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, apperrors.Wrap(err, "database.Migrate", "query schema_version")
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, apperrors.Wrap(err, "database.Migrate", "scan schema_version")
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func applyOneMigration(ctx context.Context, conn *pgx.Conn, migrationsDir, name string) error {
	if conn == nil {
		return apperrors.New("database.Migrate", "connection is required")
	}
	sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir, name))
	if err != nil {
		return apperrors.Wrapf(err, "database.Migrate", "read migration %s", name)
	}

	err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			return apperrors.Wrapf(err, "database.Migrate", "exec migration %s", name)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, name); err != nil {
			return apperrors.Wrapf(err, "database.Migrate", "record migration %s", name)
		}
		return nil
	})
	if err != nil {
		logger.Error("database: migration failed", logger.FieldVersion, name, logger.FieldError, err)
	}
	return err
}
