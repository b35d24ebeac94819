// workspace.go — PostgreSQL 工作区存储 (workspaces 表)。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
)

// WorkspaceStore PostgreSQL 工作区存储。
type WorkspaceStore struct{ BaseStore }

var _ WorkspaceLookup = (*WorkspaceStore)(nil)

// NewWorkspaceStore 创建。
func NewWorkspaceStore(pool *pgxpool.Pool) *WorkspaceStore {
	return &WorkspaceStore{NewBaseStore(pool)}
}

const workspaceCols = `workspace_id, display_name, absolute_path, created_at, updated_at`

// GetByID 按 ID 查询, 不存在返回 (nil, nil)。
func (s *WorkspaceStore) GetByID(ctx context.Context, id string) (*Workspace, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workspaceCols+` FROM workspaces WHERE workspace_id = $1`, id)
	if err != nil {
		return nil, apperrors.Wrap(err, "WorkspaceStore.GetByID", "query workspace")
	}
	ws, err := collectOne[Workspace](rows)
	if err != nil {
		return nil, apperrors.Wrap(err, "WorkspaceStore.GetByID", "scan workspace")
	}
	return ws, nil
}

// List 返回全部工作区 (按 ID 排序)。
func (s *WorkspaceStore) List(ctx context.Context) ([]Workspace, error) {
	return s.Search(ctx, "", maxListLimit)
}

// Search 按关键词 (ID / 名称 / 路径) 检索工作区。
func (s *WorkspaceStore) Search(ctx context.Context, keyword string, limit int) ([]Workspace, error) {
	sql, params := NewQueryBuilder().
		KeywordLike(keyword, "workspace_id", "display_name", "absolute_path").
		Build(`SELECT `+workspaceCols+` FROM workspaces`, "workspace_id", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, apperrors.Wrap(err, "WorkspaceStore.Search", "query workspaces")
	}
	items, err := collectRows[Workspace](rows)
	if err != nil {
		return nil, apperrors.Wrap(err, "WorkspaceStore.Search", "scan workspaces")
	}
	return items, nil
}

// Upsert 创建或更新工作区。
func (s *WorkspaceStore) Upsert(ctx context.Context, ws *Workspace) (*Workspace, error) {
	if err := ws.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		INSERT INTO workspaces (workspace_id, display_name, absolute_path, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (workspace_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			absolute_path = EXCLUDED.absolute_path,
			updated_at = NOW()
		RETURNING `+workspaceCols,
		ws.ID, ws.DisplayName, ws.AbsolutePath,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, "WorkspaceStore.Upsert", "upsert workspace")
	}
	saved, err := collectOne[Workspace](rows)
	if err != nil {
		return nil, apperrors.Wrap(err, "WorkspaceStore.Upsert", "scan workspace")
	}
	return saved, nil
}

// Delete 删除工作区, 返回是否存在。
func (s *WorkspaceStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workspaces WHERE workspace_id = $1`, id)
	if err != nil {
		return false, apperrors.Wrap(err, "WorkspaceStore.Delete", "delete workspace")
	}
	return tag.RowsAffected() > 0, nil
}
