package bridge

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/workspace-gateway/internal/codex"
	"github.com/multi-agent/workspace-gateway/internal/runner"
	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
	"github.com/multi-agent/workspace-gateway/pkg/logger"
)

// 统一响应辅助, 所有 handler 共用。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": apperrors.CodeNotFound, "message": message}})
}

func serverError(c *gin.Context, err error) {
	logger.Error("bridge: internal error", logger.FieldPath, c.FullPath(), logger.FieldError, err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": apperrors.CodeInternal, "message": "internal server error"}})
}

// failure 按错误类型映射状态码后输出。
func failure(c *gin.Context, err error) {
	status, body := describeError(err)
	if status == http.StatusInternalServerError {
		serverError(c, err)
		return
	}
	c.JSON(status, gin.H{"success": false, "error": body})
}

// errorBody 对外暴露的错误结构, HTTP 响应与 WebSocket 帧共用。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RPCCode / Data 仅在 app-server 返回结构化错误时出现
	RPCCode *int64 `json:"rpcCode,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// describeError 错误分类 → (HTTP 状态码, 对外错误体)。
func describeError(err error) (int, errorBody) {
	var (
		notFoundErr *runner.WorkspaceNotFoundError
		runtimeErr  *runner.WorkspaceRuntimeError
		protoErr    *codex.ProtocolError
		timeoutErr  *codex.TimeoutError
		rpcErr      *codex.RPCError
		procErr     *codex.ProcessError
	)
	switch {
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound, errorBody{Code: apperrors.CodeNotFound, Message: notFoundErr.Error()}
	case errors.As(err, &runtimeErr):
		return http.StatusServiceUnavailable, errorBody{Code: apperrors.CodeRuntime, Message: runtimeErr.Error()}
	case errors.As(err, &rpcErr):
		code := rpcErr.Code
		body := errorBody{Code: apperrors.CodeRPC, Message: rpcErr.Message, RPCCode: &code}
		if len(rpcErr.Data) > 0 {
			body.Data = rpcErr.Data
		}
		return http.StatusBadGateway, body
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout, errorBody{Code: apperrors.CodeTimeout, Message: timeoutErr.Error()}
	case errors.As(err, &protoErr):
		return http.StatusConflict, errorBody{Code: apperrors.CodeProtocol, Message: protoErr.Error()}
	case errors.As(err, &procErr):
		return http.StatusServiceUnavailable, errorBody{Code: apperrors.CodeProcess, Message: procErr.Error()}
	case errors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest, errorBody{Code: apperrors.CodeInvalidInput, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorBody{Code: apperrors.CodeTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return 499, errorBody{Code: "canceled", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorBody{Code: apperrors.CodeInternal, Message: "internal server error"}
	}
}
