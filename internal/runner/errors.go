package runner

import (
	"fmt"

	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
)

// WorkspaceNotFoundError 工作区不存在。
type WorkspaceNotFoundError struct {
	WorkspaceID string
}

func (e *WorkspaceNotFoundError) Error() string {
	return fmt.Sprintf("workspace not found: %s", e.WorkspaceID)
}

func (e *WorkspaceNotFoundError) Unwrap() error { return apperrors.ErrNotFound }

// WorkspaceRuntimeError 工作区运行时启动失败; Err 为底层原因 (codex 错误或查询错误)。
type WorkspaceRuntimeError struct {
	WorkspaceID string
	Err         error
}

func (e *WorkspaceRuntimeError) Error() string {
	return fmt.Sprintf("failed to start workspace runtime %s: %v", e.WorkspaceID, e.Err)
}

func (e *WorkspaceRuntimeError) Unwrap() error { return e.Err }
