// stream.go — 每工作区 WebSocket 事件流。
//
// 出站帧:
//
//	{"type":"connected","workspaceId":"...","connectionId":"..."}   总是第一帧
//	{"type":"workspace_runtime_event","event":{...}}
//	{"type":"rpc_result","requestId":...,"result":... | "error":{...}}
//	{"type":"error","error":{...}}
//	{"type":"pong"}
//
// 入站帧:
//
//	{"type":"rpc","requestId":...,"method":"turn/start","params":{...},"timeoutMs":30000}
//	{"type":"server_request_response","id":...,"result":... | "error":{...}}
//	{"type":"ping"}
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/multi-agent/workspace-gateway/internal/codex"
	"github.com/multi-agent/workspace-gateway/internal/runner"
	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
	"github.com/multi-agent/workspace-gateway/pkg/logger"
	"github.com/multi-agent/workspace-gateway/pkg/util"
)

// 帧类型。
const (
	FrameConnected             = "connected"
	FrameRuntimeEvent          = "workspace_runtime_event"
	FrameRPC                   = "rpc"
	FrameRPCResult             = "rpc_result"
	FrameServerRequestResponse = "server_request_response"
	FrameError                 = "error"
	FramePing                  = "ping"
	FramePong                  = "pong"
)

type connectedFrame struct {
	Type         string `json:"type"`
	WorkspaceID  string `json:"workspaceId"`
	ConnectionID string `json:"connectionId"`
}

type eventFrame struct {
	Type  string              `json:"type"`
	Event runner.RuntimeEvent `json:"event"`
}

type rpcResultFrame struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *errorBody      `json:"error,omitempty"`
}

type errorFrame struct {
	Type  string    `json:"type"`
	Error errorBody `json:"error"`
}

// inboundFrame 入站信封: 一次 Unmarshal 路由所有帧类型。
type inboundFrame struct {
	Type string `json:"type"`

	// rpc
	RequestID json.RawMessage `json:"requestId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	TimeoutMs int64           `json:"timeoutMs"`

	// server_request_response
	ID     json.RawMessage       `json:"id"`
	Result json.RawMessage       `json:"result"`
	Error  *codex.RPCErrorObject `json:"error"`
}

// connEntry WebSocket 连接 + 发送队列 (gorilla/websocket 不支持并发写)。
type connEntry struct {
	id          string
	workspaceID string
	ws          *websocket.Conn

	wrMu      sync.Mutex
	outbox    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
	inflight  chan struct{}

	overflowed atomic.Bool
}

func newConnEntry(id, workspaceID string, ws *websocket.Conn, outboxSize int) *connEntry {
	return &connEntry{
		id:          id,
		workspaceID: workspaceID,
		ws:          ws,
		outbox:      make(chan []byte, outboxSize),
		closeCh:     make(chan struct{}),
		inflight:    make(chan struct{}, maxInflightRPC),
	}
}

func (c *connEntry) write(msgType int, data []byte) error {
	c.wrMu.Lock()
	defer c.wrMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(msgType, data)
}

// enqueue 非阻塞入队; 已关闭或队列满返回 false。
func (c *connEntry) enqueue(data []byte) bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}
	select {
	case c.outbox <- data:
		return true
	default:
		return false
	}
}

func (c *connEntry) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("bridge: marshal frame failed", logger.FieldConn, c.id, logger.FieldError, err)
		return false
	}
	if !c.enqueue(data) {
		c.overflow()
		return false
	}
	return true
}

func (c *connEntry) sendError(code, message string) {
	c.sendJSON(errorFrame{Type: FrameError, Error: errorBody{Code: code, Message: message}})
}

// overflow 慢客户端: 队列溢出直接断开, 客户端重连后从新的序号继续。
func (c *connEntry) overflow() {
	if !c.overflowed.CompareAndSwap(false, true) {
		return
	}
	select {
	case <-c.closeCh:
		return
	default:
	}
	logger.Warn("bridge: outbox overflow, disconnecting slow client",
		logger.FieldConn, c.id,
		logger.FieldWorkspaceID, c.workspaceID,
		logger.FieldMax, cap(c.outbox),
	)
	// 可能在会话读循环上调用, 关闭帧放到后台写
	util.SafeGo(func() { c.closeWith(websocket.CloseTryAgainLater, "outbox overflow") })
}

// closeWith 发送关闭帧后关闭底层连接; 只执行一次。
func (c *connEntry) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

func (c *connEntry) closeNow() { c.closeWith(websocket.CloseNormalClosure, "") }

// writeLoop 串行写出队列并定期 ping。
func (c *connEntry) writeLoop() error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return nil
		case data := <-c.outbox:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

// streamEvents GET /api/workspaces/:workspaceId/events
//
// 未知工作区在升级前返回 404, 不会启动任何子进程; 连接本身也不启动会话。
func (s *Server) streamEvents(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	exists, err := s.pool.WorkspaceExists(c.Request.Context(), workspaceID)
	if err != nil {
		serverError(c, err)
		return
	}
	if !exists {
		notFound(c, "workspace not found: "+workspaceID)
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("bridge: upgrade failed", logger.FieldWorkspaceID, workspaceID, logger.FieldError, err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	entry := newConnEntry(uuid.NewString(), workspaceID, ws, s.opts.OutboxSize)
	s.mu.Lock()
	s.conns[entry.id] = entry
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.conns, entry.id)
		s.mu.Unlock()
		entry.closeNow()
		logger.Info("bridge: client disconnected", logger.FieldConn, entry.id, logger.FieldWorkspaceID, workspaceID)
	}()

	// connected 先入队, 之后才订阅, 保证它是第一帧
	entry.sendJSON(connectedFrame{Type: FrameConnected, WorkspaceID: workspaceID, ConnectionID: entry.id})
	unsubscribe := s.pool.Subscribe(func(ev runner.RuntimeEvent) {
		if ev.WorkspaceID != workspaceID {
			return
		}
		entry.sendJSON(eventFrame{Type: FrameRuntimeEvent, Event: ev})
	})
	defer unsubscribe()

	util.SafeGo(func() {
		if err := entry.writeLoop(); err != nil {
			logger.Warn("bridge: write loop failed", logger.FieldConn, entry.id, logger.FieldError, err)
		}
		entry.closeNow()
	})

	logger.Info("bridge: client connected",
		logger.FieldConn, entry.id,
		logger.FieldWorkspaceID, workspaceID,
		logger.FieldRemote, c.Request.RemoteAddr,
	)
	s.readLoop(ctx, entry)
}

// readLoop 读取入站帧直到连接关闭。
func (s *Server) readLoop(ctx context.Context, entry *connEntry) {
	_ = entry.ws.SetReadDeadline(time.Now().Add(pongWait))
	entry.ws.SetPongHandler(func(string) error {
		return entry.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := entry.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("bridge: read error", logger.FieldConn, entry.id, logger.FieldError, err)
			}
			return
		}
		_ = entry.ws.SetReadDeadline(time.Now().Add(pongWait))

		var in inboundFrame
		if err := json.Unmarshal(message, &in); err != nil {
			entry.sendError(apperrors.CodeInvalidInput, "parse error: "+err.Error())
			continue
		}
		switch in.Type {
		case FrameRPC:
			s.handleRPCFrame(ctx, entry, in)
		case FrameServerRequestResponse:
			s.handleServerRequestResponse(entry, in)
		case FramePing:
			entry.sendJSON(map[string]string{"type": FramePong})
		default:
			entry.sendError(apperrors.CodeInvalidInput, "unknown frame type: "+in.Type)
		}
	}
}

// handleRPCFrame 异步执行 rpc 帧, 单连接最多 maxInflightRPC 个并发调用。
func (s *Server) handleRPCFrame(ctx context.Context, entry *connEntry, in inboundFrame) {
	if len(in.RequestID) == 0 || string(in.RequestID) == "null" {
		entry.sendError(apperrors.CodeInvalidInput, "requestId is required")
		return
	}
	select {
	case entry.inflight <- struct{}{}:
	default:
		entry.sendJSON(rpcResultFrame{
			Type:      FrameRPCResult,
			RequestID: in.RequestID,
			Error:     &errorBody{Code: "overloaded", Message: "too many in-flight requests"},
		})
		return
	}

	util.SafeGo(func() {
		defer func() { <-entry.inflight }()
		frame := rpcResultFrame{Type: FrameRPCResult, RequestID: in.RequestID}
		result, err := s.callWorkspace(ctx, entry.workspaceID, in.Method, in.Params, in.TimeoutMs)
		if err != nil {
			_, body := describeError(err)
			frame.Error = &body
			logger.Debug("bridge: rpc frame failed",
				logger.FieldConn, entry.id,
				logger.FieldMethod, in.Method,
				logger.FieldError, err,
			)
		} else {
			frame.Result = result
			if len(frame.Result) == 0 {
				frame.Result = json.RawMessage("null")
			}
		}
		entry.sendJSON(frame)
	})
}

// handleServerRequestResponse 把客户端的回复写回正在运行的会话; 不会启动新会话。
func (s *Server) handleServerRequestResponse(entry *connEntry, in inboundFrame) {
	client, ok := s.pool.ActiveClient(entry.workspaceID)
	if !ok {
		entry.sendError(apperrors.CodeRuntime, "workspace runtime is not running")
		return
	}
	var reply codex.ServerReply
	if in.Error != nil {
		reply.Error = in.Error
	} else if len(in.Result) > 0 {
		reply.Result = in.Result
	}
	if err := client.Respond(in.ID, reply); err != nil {
		_, body := describeError(err)
		entry.sendJSON(errorFrame{Type: FrameError, Error: body})
	}
}
