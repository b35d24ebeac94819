// Package store 提供工作区元数据的存储与查询。
//
// Go struct 的 db tag 直接对应 PostgreSQL 列名; 同一模型也用于 YAML 注册表文件。
package store

import (
	"context"
	"path/filepath"
	"regexp"
	"time"

	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
)

// reWorkspaceID 合法工作区 ID: 字母数字开头, 可含 . _ -。
var reWorkspaceID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Workspace 一个工作区: ID 与其文件系统根目录。
type Workspace struct {
	ID           string    `db:"workspace_id" json:"workspaceId"`
	DisplayName  string    `db:"display_name" json:"displayName"`
	AbsolutePath string    `db:"absolute_path" json:"absolutePath"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// Validate 校验 ID 格式与路径是否为绝对路径。
func (w *Workspace) Validate() error {
	if !reWorkspaceID.MatchString(w.ID) {
		return apperrors.WithCode(apperrors.ErrInvalidInput, "Workspace.Validate",
			apperrors.CodeInvalidInput, "invalid workspace id: "+w.ID)
	}
	if w.AbsolutePath == "" || !filepath.IsAbs(w.AbsolutePath) {
		return apperrors.WithCode(apperrors.ErrInvalidInput, "Workspace.Validate",
			apperrors.CodeInvalidInput, "workspace path must be absolute: "+w.AbsolutePath)
	}
	return nil
}

// WorkspaceLookup 工作区查询接口。
//
// GetByID 未找到时返回 (nil, nil); 只有存储故障才返回 error。
type WorkspaceLookup interface {
	GetByID(ctx context.Context, id string) (*Workspace, error)
	List(ctx context.Context) ([]Workspace, error)
}
