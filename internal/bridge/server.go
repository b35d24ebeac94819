// Package bridge 把运行时池暴露给瘦客户端。
//
//   - GET  /healthz
//   - GET  /api/runtimes                          运行时快照
//   - GET  /api/workspaces                        工作区列表
//   - GET  /api/workspaces/:workspaceId/events    WebSocket 事件流
//   - POST /api/workspaces/:workspaceId/rpc       转发白名单方法
//   - GET  /api/workspaces/:workspaceId/stderr    最近 stderr
//   - POST /api/workspaces/:workspaceId/stop      停止运行时
package bridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/multi-agent/workspace-gateway/internal/runner"
	"github.com/multi-agent/workspace-gateway/internal/store"
	"github.com/multi-agent/workspace-gateway/pkg/logger"
)

const (
	defaultOutboxSize = 256
	maxMessageSize    = 4 << 20 // 入站帧上限
	maxInflightRPC    = 8       // 单连接并发 rpc 帧上限
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = pongWait * 9 / 10
)

// Options Server 可选配置。
type Options struct {
	// AllowedOrigins 额外允许的 Origin 前缀 (localhost 总是允许)。
	AllowedOrigins []string
	// OutboxSize 每个 WebSocket 连接的发送队列长度, 溢出即断开。
	OutboxSize int
}

// Server 事件桥 HTTP 服务。
type Server struct {
	router     *gin.Engine
	pool       *runner.Pool
	workspaces store.WorkspaceLookup
	opts       Options
	upgrader   websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*connEntry
}

// NewServer 创建事件桥。
func NewServer(pool *runner.Pool, workspaces store.WorkspaceLookup, opts Options) *Server {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	s := &Server{
		router:     r,
		pool:       pool,
		workspaces: workspaces,
		opts:       opts,
		conns:      make(map[string]*connEntry),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: originChecker(opts.AllowedOrigins),
	}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Handler 返回 http.Handler。
func (s *Server) Handler() http.Handler { return s.router }

// ConnCount 当前 WebSocket 连接数。
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll 发送 going-away 并关闭所有 WebSocket 连接 (http.Server.Shutdown 不处理已劫持连接)。
func (s *Server) CloseAll(context.Context) {
	s.mu.Lock()
	snapshot := make([]*connEntry, 0, len(s.conns))
	for _, c := range s.conns {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()

	for _, c := range snapshot {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	if len(snapshot) > 0 {
		logger.Info("bridge: closed websocket connections", logger.FieldCount, len(snapshot))
	}
}

// requestLogger 请求日志中间件。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.Debug("bridge: request",
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, path,
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
	}
}
