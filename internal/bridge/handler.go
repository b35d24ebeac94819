// handler.go — REST handlers。
package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/workspace-gateway/internal/codex"
	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
)

// maxRPCTimeout 调用方可指定的最长超时。
const maxRPCTimeout = 10 * time.Minute

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.healthz)

	api := s.router.Group("/api")
	api.GET("/runtimes", s.listRuntimes)
	api.GET("/workspaces", s.listWorkspaces)

	ws := api.Group("/workspaces/:workspaceId")
	ws.GET("/events", s.streamEvents)
	ws.POST("/rpc", s.forwardRPC)
	ws.GET("/stderr", s.stderrTail)
	ws.POST("/stop", s.stopRuntime)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "runtimes": len(s.pool.List()), "connections": s.ConnCount()})
}

func (s *Server) listRuntimes(c *gin.Context) {
	success(c, s.pool.List())
}

func (s *Server) listWorkspaces(c *gin.Context) {
	items, err := s.workspaces.List(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

// rpcRequest POST /rpc 请求体。
type rpcRequest struct {
	Method    string          `json:"method" binding:"required"`
	Params    json.RawMessage `json:"params"`
	TimeoutMs int64           `json:"timeoutMs"`
}

// forwardRPC 转发白名单方法到工作区会话 (必要时启动会话)。
func (s *Server) forwardRPC(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, apperrors.CodeInvalidInput, err.Error())
		return
	}
	result, err := s.callWorkspace(c.Request.Context(), c.Param("workspaceId"), req.Method, req.Params, req.TimeoutMs)
	if err != nil {
		failure(c, err)
		return
	}
	success(c, result)
}

func (s *Server) stderrTail(c *gin.Context) {
	tail, ok := s.pool.StderrTail(c.Param("workspaceId"))
	if !ok {
		notFound(c, "no runtime for workspace")
		return
	}
	c.String(http.StatusOK, tail)
}

func (s *Server) stopRuntime(c *gin.Context) {
	id := c.Param("workspaceId")
	if err := s.pool.StopWorkspace(c.Request.Context(), id); err != nil {
		failure(c, err)
		return
	}
	success(c, gin.H{"workspaceId": id, "stopped": true})
}

// rpcTimeout 把毫秒数转为超时; 0 表示使用会话默认值, 超出上限截断。
func rpcTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	if ms >= maxRPCTimeout.Milliseconds() {
		return maxRPCTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// methodNotAllowed 非白名单方法。
func methodNotAllowed(method string) error {
	return apperrors.WithCode(apperrors.ErrInvalidInput, "bridge.forward",
		apperrors.CodeInvalidInput, "method not allowed: "+method)
}

// callWorkspace 校验方法白名单后经池转发调用。
func (s *Server) callWorkspace(ctx context.Context, workspaceID, method string, params json.RawMessage, timeoutMs int64) (json.RawMessage, error) {
	if !codex.IsForwardable(method) {
		return nil, methodNotAllowed(method)
	}
	client, err := s.pool.GetClient(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return client.Call(ctx, method, params, codex.WithTimeout(rpcTimeout(timeoutMs)))
}
