// session.go — codex app-server stdio 会话: 握手、请求关联、超时与状态机。
//
// 一个 Session 只拥有一个子进程:
//   - Start: spawn → initialize (startup 超时) → initialized 通知 → ready
//   - Request: 分配 id → 写入一行 JSON → 等待响应/超时/ctx 取消
//   - 读循环: 逐行分类, 响应解除待决调用, 其余转为事件
//   - 子进程意外退出: 拒绝全部待决调用并进入 degraded
//   - Stop: SIGTERM → 有界等待 → SIGKILL → 无条件等待退出 → stopped
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
	"github.com/multi-agent/workspace-gateway/pkg/logger"
)

// maxIDProbes 分配请求 id 时最多跳过的占用 id 数。
const maxIDProbes = 1024

// 默认超时, SessionConfig 对应字段为 0 时使用。
const (
	DefaultStartupTimeout = 20 * time.Second
	DefaultRequestTimeout = 60 * time.Second
	DefaultStopTimeout    = 5 * time.Second
)

// ClientInfo initialize 请求中的客户端标识。
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeParams initialize 请求参数。
type InitializeParams struct {
	ClientInfo   ClientInfo `json:"clientInfo"`
	Capabilities any        `json:"capabilities,omitempty"`
}

// ServerInfo initialize 响应中的服务端标识。
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult initialize 响应。
type InitializeResult struct {
	ServerInfo   *ServerInfo     `json:"serverInfo,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	UserAgent    string          `json:"userAgent,omitempty"`
}

// SessionConfig 子进程 spawn 配置与超时。
type SessionConfig struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string // 覆盖到 os.Environ() 之上

	ClientInfo   ClientInfo
	Capabilities any

	StartupTimeout time.Duration
	RequestTimeout time.Duration
	StopTimeout    time.Duration

	// Source 日志与 stderr 归属标签, 通常为 workspace id。
	Source string
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.Source == "" {
		c.Source = "codex"
	}
	return c
}

// pendingCall 等待响应的调用。done 只关闭一次。
type pendingCall struct {
	method string
	result json.RawMessage
	err    error
	done   chan struct{}
	once   sync.Once
}

func newPendingCall(method string) *pendingCall {
	return &pendingCall{method: method, done: make(chan struct{})}
}

func (pc *pendingCall) finish(result json.RawMessage, err error) {
	pc.once.Do(func() {
		pc.result = result
		pc.err = err
		close(pc.done)
	})
}

// ========================================
// Session
// ========================================

// Session codex app-server 子进程会话。
type Session struct {
	cfg SessionConfig

	// ========================================
	// 锁职责说明
	// ========================================
	// mu:        保护 state / pending / nextID / stopping / proc / stopDone
	// writeMu:   串行化 stdin 写入, 保证整行不交错
	// handlerMu: 保护 handler
	// 获取顺序: mu 与 writeMu 不嵌套; 事件回调总在释放 mu 之后调用。
	// ========================================

	mu             sync.Mutex
	state          State
	pending        map[int64]*pendingCall
	nextID         int64
	stopping       bool
	proc           *process
	stopDone       chan struct{}
	lastStopForced bool
	startedAt      time.Time
	gen            uint64 // 每次 Start 递增, 用于识别过期的启动尝试

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handler   EventHandler
}

// NewSession 创建处于 stopped 状态的会话。
func NewSession(cfg SessionConfig) *Session {
	return &Session{
		cfg:     cfg.withDefaults(),
		state:   StateStopped,
		pending: make(map[int64]*pendingCall),
	}
}

// SetEventHandler 注册事件回调 (nil 表示丢弃事件)。
func (s *Session) SetEventHandler(h EventHandler) {
	s.handlerMu.Lock()
	s.handler = h
	s.handlerMu.Unlock()
}

// State 当前状态。
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID 当前子进程 pid, 无子进程时为 0。
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.pid()
}

// StartedAt 最近一次进入 ready 的时间。
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// LastStopForced 最近一次 Stop 是否升级到了 SIGKILL。
func (s *Session) LastStopForced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStopForced
}

// PendingCount 待决调用数。
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Session) emit(ev Event) {
	s.handlerMu.RLock()
	h := s.handler
	s.handlerMu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// transitionLocked 在持有 mu 时迁移状态, 返回待发出的 stateChanged 事件。
// 非法边返回 false 并保持原状态。
func (s *Session) transitionLocked(to State, reason string) (Event, bool) {
	from := s.state
	if from == to {
		return Event{}, false
	}
	if !CanTransition(from, to) {
		logger.Warn("codex: illegal state transition ignored",
			logger.FieldSource, s.cfg.Source,
			logger.FieldFrom, string(from),
			logger.FieldTo, string(to),
		)
		return Event{}, false
	}
	s.state = to
	logger.Info("codex: session state changed",
		logger.FieldSource, s.cfg.Source,
		logger.FieldFrom, string(from),
		logger.FieldTo, string(to),
		"reason", reason,
	)
	return Event{Kind: EventStateChanged, Payload: StateChangedPayload{From: from, To: to, Reason: reason}}, true
}

// takePendingLocked 取出并清空全部待决调用。
func (s *Session) takePendingLocked() []*pendingCall {
	if len(s.pending) == 0 {
		return nil
	}
	calls := make([]*pendingCall, 0, len(s.pending))
	for id, pc := range s.pending {
		calls = append(calls, pc)
		delete(s.pending, id)
	}
	return calls
}

// allocIDLocked 递增计数器并跳过仍被占用的 id; 回绕到 1。
func (s *Session) allocIDLocked() (int64, error) {
	for range maxIDProbes {
		if s.nextID == math.MaxInt64 {
			s.nextID = 0
		}
		s.nextID++
		if _, busy := s.pending[s.nextID]; !busy {
			return s.nextID, nil
		}
	}
	return 0, &ProtocolError{Op: "Session.Request", Message: fmt.Sprintf("no free request id after %d attempts", maxIDProbes)}
}

// dropPending 仅当 id 仍指向 pc 时移除; 返回是否由本次移除。
func (s *Session) dropPending(id int64, pc *pendingCall) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[id] != pc {
		return false
	}
	delete(s.pending, id)
	return true
}

// ========================================
// 生命周期
// ========================================

// Start 启动子进程并完成 initialize/initialized 握手。
//
// params 为 nil 时使用配置中的 ClientInfo / Capabilities。任何失败都会先 Stop 清理,
// 再返回原始错误。
func (s *Session) Start(ctx context.Context, params *InitializeParams) (*InitializeResult, error) {
	s.mu.Lock()
	if s.state != StateStopped {
		st := s.state
		s.mu.Unlock()
		return nil, &ProtocolError{Op: "Session.Start", Message: fmt.Sprintf("session already %s", st)}
	}
	s.stopping = false
	s.lastStopForced = false
	s.gen++
	gen := s.gen
	ev, changed := s.transitionLocked(StateStarting, "start")
	s.mu.Unlock()
	if changed {
		s.emit(ev)
	}

	result, err := s.handshake(ctx, gen, params)
	if err != nil {
		logger.Error("codex: session start FAILED",
			logger.FieldSource, s.cfg.Source,
			logger.FieldCommand, s.cfg.Command,
			logger.FieldError, err,
		)
		_ = s.stop(context.Background(), gen)
		return nil, err
	}
	return result, nil
}

// handshake 在 starting 状态下完成 spawn 与 initialize/initialized。
func (s *Session) handshake(ctx context.Context, gen uint64, params *InitializeParams) (*InitializeResult, error) {
	p, err := s.spawn()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.stopping || s.gen != gen {
		s.mu.Unlock()
		p.abort()
		return nil, &ProcessError{Message: "session stopped during start"}
	}
	s.proc = p
	s.mu.Unlock()
	p.run(s)

	logger.Info("codex: app-server spawned",
		logger.FieldSource, s.cfg.Source,
		logger.FieldPID, p.pid(),
		logger.FieldCommand, s.cfg.Command,
		logger.FieldCwd, s.cfg.Cwd,
	)

	if params == nil {
		params = &InitializeParams{ClientInfo: s.cfg.ClientInfo, Capabilities: s.cfg.Capabilities}
	}
	raw, err := s.call(ctx, "initialize", params, s.cfg.StartupTimeout, true)
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, &ProtocolError{Op: "Session.Start", Message: "decode initialize result: " + err.Error()}
		}
	}
	if err := s.notify("initialized", nil, true); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateStarting {
		st := s.state
		s.mu.Unlock()
		return nil, &ProcessError{Message: fmt.Sprintf("session became %s during handshake", st)}
	}
	s.startedAt = time.Now()
	ev, changed := s.transitionLocked(StateReady, "handshake complete")
	s.mu.Unlock()
	if changed {
		s.emit(ev)
	}

	name := ""
	if result.ServerInfo != nil {
		name = result.ServerInfo.Name
	}
	logger.Info("codex: initialize OK",
		logger.FieldSource, s.cfg.Source,
		logger.FieldPID, p.pid(),
		logger.FieldName, name,
	)
	return &result, nil
}

// Restart ready/degraded → restarting → Stop → Start。
func (s *Session) Restart(ctx context.Context, params *InitializeParams) (*InitializeResult, error) {
	s.mu.Lock()
	if s.state != StateReady && s.state != StateDegraded {
		st := s.state
		s.mu.Unlock()
		return nil, &ProtocolError{Op: "Session.Restart", Message: fmt.Sprintf("cannot restart from %s", st)}
	}
	ev, changed := s.transitionLocked(StateRestarting, "restart")
	s.mu.Unlock()
	if changed {
		s.emit(ev)
	}

	if err := s.Stop(ctx); err != nil {
		return nil, err
	}
	return s.Start(ctx, params)
}

// Stop 幂等停止。并发调用者等待同一次停止完成; ctx 只约束这种等待。
//
// 停止本身总会完成: SIGTERM 后等待 StopTimeout, 仍未退出则 SIGKILL 并无条件等待。
func (s *Session) Stop(ctx context.Context) error {
	return s.stop(ctx, 0)
}

// stop gen 非 0 时只停止该次 Start 对应的会话, 已被新 Start 取代则不做任何事。
func (s *Session) stop(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	if gen != 0 && s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return apperrors.Wrap(ctx.Err(), "Session.Stop", "wait for in-flight stop")
		}
	}
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	done := make(chan struct{})
	s.stopDone = done
	p := s.proc
	s.mu.Unlock()

	forced := false
	if p != nil {
		forced = escalateStop(p, s.cfg.StopTimeout)
		logger.Info("codex: app-server stopped",
			logger.FieldSource, s.cfg.Source,
			logger.FieldPID, p.pid(),
			logger.FieldForced, forced,
		)
	}

	s.mu.Lock()
	s.proc = nil
	s.lastStopForced = forced
	leftovers := s.takePendingLocked()
	ev, changed := s.transitionLocked(StateStopped, "stop")
	s.stopDone = nil
	s.mu.Unlock()
	close(done)

	for _, pc := range leftovers {
		pc.finish(nil, &ProcessError{Message: "session stopped"})
	}
	if changed {
		s.emit(ev)
	}
	return nil
}

// handleExit 子进程退出 (已排空 stdout) 后由 waitLoop 调用。
func (s *Session) handleExit(p *process, waitErr error) {
	s.mu.Lock()
	if s.proc != p {
		s.mu.Unlock()
		return
	}
	leftovers := s.takePendingLocked()
	intentional := s.stopping
	var (
		ev      Event
		changed bool
	)
	if !intentional && (s.state == StateStarting || s.state == StateReady) {
		ev, changed = s.transitionLocked(StateDegraded, "process exited: "+describeExit(waitErr))
	}
	s.mu.Unlock()

	if intentional {
		logger.Debug("codex: app-server exited after stop",
			logger.FieldSource, s.cfg.Source, logger.FieldPID, p.pid())
	} else {
		logger.Warn("codex: app-server exited unexpectedly",
			logger.FieldSource, s.cfg.Source,
			logger.FieldPID, p.pid(),
			logger.FieldExitCode, exitCode(waitErr),
			logger.FieldPending, len(leftovers),
		)
	}

	for _, pc := range leftovers {
		pc.finish(nil, &ProcessError{
			Message: fmt.Sprintf("process exited (%s) while %s was pending", describeExit(waitErr), pc.method),
			Err:     waitErr,
		})
	}
	if changed {
		s.emit(ev)
	}
}

// ========================================
// 请求 / 通知 / 响应
// ========================================

// Request 发送请求并等待响应。timeout <= 0 时使用 RequestTimeout。
//
// 只允许在 ready 状态调用; 超时或 ctx 取消会移除待决调用, 之后到达的同 id 响应
// 作为 staleResponse 事件发出。
func (s *Session) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return s.call(ctx, method, params, timeout, false)
}

func (s *Session) call(ctx context.Context, method string, params any, timeout time.Duration, handshake bool) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}

	s.mu.Lock()
	if handshake {
		if s.state != StateStarting {
			st := s.state
			s.mu.Unlock()
			return nil, &ProtocolError{Op: "Session.Request", Message: fmt.Sprintf("%s not allowed in state %s", method, st)}
		}
	} else if s.state != StateReady {
		st := s.state
		s.mu.Unlock()
		return nil, &ProtocolError{Op: "Session.Request", Message: fmt.Sprintf("%s not allowed in state %s (handshake incomplete or session not running)", method, st)}
	}
	p := s.proc
	id, err := s.allocIDLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	pc := newPendingCall(method)
	s.pending[id] = pc
	s.mu.Unlock()

	req := wireRequest{ID: id, Method: method, Params: normalizeParams(params)}
	if err := s.writeLine(p, req); err != nil {
		s.dropPending(id, pc)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-pc.done:
		return pc.result, pc.err
	case <-timer.C:
		if s.dropPending(id, pc) {
			logger.Warn("codex: request timed out",
				logger.FieldSource, s.cfg.Source,
				logger.FieldMethod, method,
				logger.FieldID, id,
				logger.FieldTimeoutMS, timeout.Milliseconds(),
			)
			return nil, &TimeoutError{Method: method, Timeout: timeout}
		}
	case <-ctx.Done():
		if s.dropPending(id, pc) {
			return nil, apperrors.Wrapf(ctx.Err(), "Session.Request", "%s cancelled", method)
		}
	}
	// 响应与超时同时到达: 已被读循环取走, 以响应为准。
	<-pc.done
	return pc.result, pc.err
}

// Notify 发送通知 (无 id, 不等待响应)。只允许在 ready 状态调用。
func (s *Session) Notify(method string, params any) error {
	return s.notify(method, params, false)
}

func (s *Session) notify(method string, params any, handshake bool) error {
	s.mu.Lock()
	st, p := s.state, s.proc
	s.mu.Unlock()
	if handshake && st != StateStarting || !handshake && st != StateReady {
		return &ProtocolError{Op: "Session.Notify", Message: fmt.Sprintf("%s not allowed in state %s", method, st)}
	}
	return s.writeLine(p, wireNotification{Method: method, Params: normalizeParams(params)})
}

// ServerReply 对 server request 的回复; Error 非空时写错误响应, 否则写 Result。
type ServerReply struct {
	Result any
	Error  *RPCErrorObject
}

// RespondToServerRequest 回复 app-server 发起的请求, 不产生新的待决调用。
func (s *Session) RespondToServerRequest(id json.RawMessage, reply ServerReply) error {
	if k := jsonKind(id); k != jsonNumber && k != jsonString {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "Session.RespondToServerRequest", "id must be a number or string")
	}
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()

	if reply.Error != nil {
		return s.writeLine(p, wireError{ID: id, Error: reply.Error})
	}
	return s.writeLine(p, wireResult{ID: id, Result: reply.Result})
}

// RespondError 以 JSON-RPC 错误回复 server request。
func (s *Session) RespondError(id json.RawMessage, code int64, message string) error {
	return s.RespondToServerRequest(id, ServerReply{Error: &RPCErrorObject{Code: code, Message: message}})
}

// ========================================
// 入站处理
// ========================================

// handleLine 处理一行 stdout。由读循环串行调用, 保证按到达顺序匹配。
func (s *Session) handleLine(line []byte) {
	msg, err := ParseLine(line)
	if err != nil || msg.Kind == KindUnrecognized {
		logger.Debug("codex: unrecognized stdout line",
			logger.FieldSource, s.cfg.Source,
			logger.FieldRaw, truncate(string(line), 512),
		)
		s.emit(Event{Kind: EventStderr, Payload: StderrPayload{Stream: "stdout", Line: string(line)}})
		return
	}

	switch msg.Kind {
	case KindSuccessResponse, KindErrorResponse:
		s.resolve(msg)
	case KindRequest:
		logger.Debug("codex: server request received",
			logger.FieldSource, s.cfg.Source,
			logger.FieldMethod, msg.Method,
			logger.FieldID, string(msg.ID),
		)
		s.emit(Event{Kind: EventServerRequest, Payload: ServerRequestPayload{ID: msg.ID, Method: msg.Method, Params: msg.Params}})
	case KindNotification:
		s.emit(Event{Kind: EventNotification, Payload: NotificationPayload{Method: msg.Method, Params: msg.Params}})
	}
}

// resolve 匹配待决调用; 匹配不到的响应发出 staleResponse。
func (s *Session) resolve(msg Message) {
	var pc *pendingCall
	if id, ok := msg.IntID(); ok {
		s.mu.Lock()
		if pc = s.pending[id]; pc != nil {
			delete(s.pending, id)
		}
		s.mu.Unlock()
	}

	if pc == nil {
		logger.Warn("codex: stale RPC response (no pending call)",
			logger.FieldSource, s.cfg.Source,
			logger.FieldID, string(msg.ID),
		)
		s.emit(Event{Kind: EventStaleResponse, Payload: StaleResponsePayload{ID: msg.ID, Result: msg.Result, Error: msg.Error}})
		return
	}

	if msg.Kind == KindErrorResponse {
		pc.finish(nil, &RPCError{Method: pc.method, Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data})
		return
	}
	pc.finish(msg.Result, nil)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
