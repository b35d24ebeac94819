// Package runner 管理工作区运行时。
//
// 每个工作区至多一个 codex 会话 (一个 app-server 子进程):
//   - GetClient 懒启动会话, 并发调用共享同一次启动
//   - 会话事件按工作区打上从 1 开始的连续序号, 同步广播给所有订阅者
//   - 启动失败或会话退出后条目被逐出, 下一次 GetClient 重新创建
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multi-agent/workspace-gateway/internal/codex"
	"github.com/multi-agent/workspace-gateway/internal/store"
	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
	"github.com/multi-agent/workspace-gateway/pkg/logger"
	"github.com/multi-agent/workspace-gateway/pkg/util"
)

// RuntimeEvent 带工作区序号的会话事件。
//
// Generation 标识产生事件的条目: 同一工作区重建会话后序号从 1 重新开始,
// 旧条目的收尾事件 (如 stateChanged → stopped) 可能晚到, 客户端按 Generation 区分。
type RuntimeEvent struct {
	WorkspaceID string          `json:"workspaceId"`
	Generation  uint64          `json:"generation"`
	Sequence    int64           `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
	Kind        codex.EventKind `json:"kind"`
	Payload     any             `json:"payload"`
}

// RuntimeInfo 运行时快照 (List 返回)。
type RuntimeInfo struct {
	WorkspaceID  string      `json:"workspaceId"`
	Generation   uint64      `json:"generation"`
	State        codex.State `json:"state"`
	PID          int         `json:"pid,omitempty"`
	LastSequence int64       `json:"lastSequence"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	LastUsedAt   time.Time   `json:"lastUsedAt"`
}

// entry 一个工作区的运行时条目。
type entry struct {
	workspaceID string
	generation  uint64

	// startDone 启动结束 (成功或失败) 时关闭; 之后 startErr 只读。
	startDone chan struct{}
	startErr  error

	// session / client 在 Pool.mu 下写入, startDone 关闭后可无锁读取。
	session Session
	client  *codex.Client

	// emitMu 串行化打序号与同步分发, 保证订阅者看到的顺序即序号顺序。
	emitMu   sync.Mutex
	seq      atomic.Int64
	detached bool

	stderr   *RingBuffer
	lastUsed atomic.Int64 // UnixNano
}

func (e *entry) touch() { e.lastUsed.Store(time.Now().UnixNano()) }

func (e *entry) lastUsedAt() time.Time { return time.Unix(0, e.lastUsed.Load()) }

func (e *entry) started() bool {
	select {
	case <-e.startDone:
		return true
	default:
		return false
	}
}

// detach 断开条目与订阅者: 之后该会话的事件全部丢弃。
func (e *entry) detach() {
	e.emitMu.Lock()
	e.detached = true
	e.emitMu.Unlock()
}

// Option Pool 可选项。
type Option func(*Pool)

// WithStderrTailBytes 每个工作区保留的 stderr 尾部字节数。
func WithStderrTailBytes(n int) Option {
	return func(p *Pool) { p.tailBytes = n }
}

// WithInitializeParams 覆盖会话 initialize 参数 (默认使用会话配置)。
func WithInitializeParams(params *codex.InitializeParams) Option {
	return func(p *Pool) { p.initParams = params }
}

// Pool 工作区运行时池。
type Pool struct {
	lookup     store.WorkspaceLookup
	factory    SessionFactory
	tailBytes  int
	initParams *codex.InitializeParams

	mu      sync.Mutex
	entries map[string]*entry
	// generations 条目代数, 池内单调递增
	generations atomic.Uint64

	listeners listenerRegistry
}

// NewPool 创建运行时池。
func NewPool(lookup store.WorkspaceLookup, factory SessionFactory, opts ...Option) *Pool {
	p := &Pool{
		lookup:    lookup,
		factory:   factory,
		tailBytes: defaultTailBytes,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkspaceExists 工作区是否存在, 不会启动任何进程。
func (p *Pool) WorkspaceExists(ctx context.Context, workspaceID string) (bool, error) {
	ws, err := p.lookup.GetByID(ctx, workspaceID)
	if err != nil {
		return false, apperrors.Wrap(err, "Pool.WorkspaceExists", "lookup workspace")
	}
	return ws != nil, nil
}

// GetClient 返回工作区会话的 Client, 必要时启动会话。
//
// 同一工作区的并发调用共享同一次启动。启动在独立 context 上进行, 调用方 ctx
// 取消只结束自己的等待。失败时条目被逐出, 返回 *WorkspaceNotFoundError 或
// *WorkspaceRuntimeError。
func (p *Pool) GetClient(ctx context.Context, workspaceID string) (*codex.Client, error) {
	for {
		p.mu.Lock()
		e, ok := p.entries[workspaceID]
		if !ok {
			e = &entry{
				workspaceID: workspaceID,
				generation:  p.generations.Add(1),
				startDone:   make(chan struct{}),
				stderr:      NewRingBuffer(p.tailBytes),
			}
			e.touch()
			p.entries[workspaceID] = e
			p.mu.Unlock()

			logger.Info("runner: creating workspace runtime", logger.FieldWorkspaceID, workspaceID)
			startCtx := context.WithoutCancel(ctx)
			util.SafeGo(func() { p.startEntry(startCtx, e) })
		} else if e.started() {
			if e.session != nil && e.session.State() == codex.StateReady {
				e.touch()
				p.mu.Unlock()
				return e.client, nil
			}
			// 会话已退出: 逐出并重建
			delete(p.entries, workspaceID)
			p.mu.Unlock()
			p.retire(e, "session not ready")
			continue
		} else {
			p.mu.Unlock()
			logger.Debug("runner: awaiting in-flight start", logger.FieldWorkspaceID, workspaceID)
		}

		select {
		case <-e.startDone:
		case <-ctx.Done():
			return nil, apperrors.Wrap(ctx.Err(), "Pool.GetClient", "wait for workspace runtime")
		}
		if e.startErr != nil {
			return nil, e.startErr
		}
		if st := e.session.State(); st != codex.StateReady {
			return nil, &WorkspaceRuntimeError{
				WorkspaceID: workspaceID,
				Err:         apperrors.Newf("Pool.GetClient", "session %s right after start", st),
			}
		}
		e.touch()
		return e.client, nil
	}
}

// ActiveClient 返回已就绪会话的 Client, 不会启动新会话。
func (p *Pool) ActiveClient(workspaceID string) (*codex.Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[workspaceID]
	if !ok || !e.started() || e.session == nil || e.session.State() != codex.StateReady {
		return nil, false
	}
	return e.client, true
}

// startEntry 执行启动并发布结果; panic 也按启动失败处理。
func (p *Pool) startEntry(ctx context.Context, e *entry) {
	var (
		sess Session
		err  error
	)
	defer func() {
		if r := recover(); r != nil {
			err = &WorkspaceRuntimeError{WorkspaceID: e.workspaceID, Err: fmt.Errorf("panic during start: %v", r)}
		}
		p.finishStart(e, sess, err)
	}()
	sess, err = p.start(ctx, e)
}

func (p *Pool) start(ctx context.Context, e *entry) (Session, error) {
	ws, err := p.lookup.GetByID(ctx, e.workspaceID)
	if err != nil {
		return nil, &WorkspaceRuntimeError{WorkspaceID: e.workspaceID, Err: err}
	}
	if ws == nil {
		return nil, &WorkspaceNotFoundError{WorkspaceID: e.workspaceID}
	}

	sess, err := p.factory(ws)
	if err != nil {
		return nil, &WorkspaceRuntimeError{WorkspaceID: e.workspaceID, Err: err}
	}
	sess.SetEventHandler(func(ev codex.Event) { p.dispatch(e, ev) })

	begin := time.Now()
	if _, err := sess.Start(ctx, p.initParams); err != nil {
		return nil, &WorkspaceRuntimeError{WorkspaceID: e.workspaceID, Err: err}
	}
	logger.Info("runner: workspace runtime ready",
		logger.FieldWorkspaceID, e.workspaceID,
		logger.FieldPID, sess.PID(),
		logger.FieldDurationMS, time.Since(begin).Milliseconds(),
	)
	return sess, nil
}

func (p *Pool) finishStart(e *entry, sess Session, err error) {
	p.mu.Lock()
	if err != nil {
		if p.entries[e.workspaceID] == e {
			delete(p.entries, e.workspaceID)
		}
	} else {
		e.session = sess
		e.client = codex.NewClient(sess)
	}
	e.startErr = err
	p.mu.Unlock()

	if err != nil {
		e.detach()
		logger.Warn("runner: workspace runtime start failed, entry evicted",
			logger.FieldWorkspaceID, e.workspaceID, logger.FieldError, err)
	}
	close(e.startDone)
}

// retire 停止已逐出条目的会话, 然后断开订阅。
func (p *Pool) retire(e *entry, reason string) {
	if e.session == nil {
		e.detach()
		return
	}
	logger.Info("runner: retiring workspace runtime",
		logger.FieldWorkspaceID, e.workspaceID,
		logger.FieldState, e.session.State(),
		"reason", reason,
	)
	if err := e.session.Stop(context.Background()); err != nil {
		logger.Warn("runner: stop retired session failed", logger.FieldWorkspaceID, e.workspaceID, logger.FieldError, err)
	}
	e.detach()
}

// dispatch 为事件打序号并按注册顺序同步分发。
func (p *Pool) dispatch(e *entry, ev codex.Event) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if e.detached {
		return
	}

	if sp, ok := ev.Payload.(codex.StderrPayload); ok {
		e.stderr.WriteLine(sp.Line)
	} else {
		e.touch()
	}

	re := RuntimeEvent{
		WorkspaceID: e.workspaceID,
		Generation:  e.generation,
		Sequence:    e.seq.Add(1),
		Timestamp:   time.Now().UTC(),
		Kind:        ev.Kind,
		Payload:     ev.Payload,
	}
	for _, l := range p.listeners.snapshot() {
		l.deliver(re)
	}
}

// Subscribe 注册全局事件监听, 返回幂等的取消函数。
func (p *Pool) Subscribe(fn Listener) (unsubscribe func()) {
	return p.listeners.add(fn)
}

// StopWorkspace 停止并逐出单个工作区的运行时; 不存在时为 no-op。
func (p *Pool) StopWorkspace(ctx context.Context, workspaceID string) error {
	p.mu.Lock()
	e, ok := p.entries[workspaceID]
	if ok {
		delete(p.entries, workspaceID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.stopEntry(ctx, e)
}

// StopAll 并发停止所有会话, 然后清空条目。
func (p *Pool) StopAll(ctx context.Context) error {
	p.mu.Lock()
	victims := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		victims = append(victims, e)
	}
	p.mu.Unlock()
	if len(victims) == 0 {
		return nil
	}
	logger.Info("runner: stopping all workspace runtimes", logger.FieldCount, len(victims))

	errs := make([]error, len(victims))
	var wg sync.WaitGroup
	for i, e := range victims {
		wg.Add(1)
		util.SafeGo(func() {
			defer wg.Done()
			errs[i] = p.stopEntry(ctx, e)
		})
	}
	wg.Wait()

	p.mu.Lock()
	for _, e := range victims {
		if p.entries[e.workspaceID] == e {
			delete(p.entries, e.workspaceID)
		}
	}
	p.mu.Unlock()
	return errors.Join(errs...)
}

// stopEntry 等待进行中的启动结束后停止会话。
func (p *Pool) stopEntry(ctx context.Context, e *entry) error {
	select {
	case <-e.startDone:
	case <-ctx.Done():
		// 启动仍在进行: 结束后在后台停止, 避免遗留进程
		util.SafeGo(func() {
			<-e.startDone
			if e.startErr == nil {
				_ = e.session.Stop(context.Background())
				e.detach()
			}
		})
		return apperrors.Wrapf(ctx.Err(), "Pool.Stop", "wait for start of %s", e.workspaceID)
	}
	if e.startErr != nil {
		return nil
	}
	err := e.session.Stop(ctx)
	e.detach()
	if err != nil {
		return apperrors.Wrapf(err, "Pool.Stop", "stop %s", e.workspaceID)
	}
	logger.Info("runner: workspace runtime stopped", logger.FieldWorkspaceID, e.workspaceID)
	return nil
}

// List 返回所有条目的快照 (按工作区 ID 排序)。
func (p *Pool) List() []RuntimeInfo {
	p.mu.Lock()
	out := make([]RuntimeInfo, 0, len(p.entries))
	for id, e := range p.entries {
		info := RuntimeInfo{
			WorkspaceID:  id,
			Generation:   e.generation,
			State:        codex.StateStarting,
			LastSequence: e.seq.Load(),
			LastUsedAt:   e.lastUsedAt().UTC(),
		}
		if e.session != nil {
			info.State = e.session.State()
			info.PID = e.session.PID()
			if t := e.session.StartedAt(); !t.IsZero() {
				t = t.UTC()
				info.StartedAt = &t
			}
		}
		out = append(out, info)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WorkspaceID < out[j].WorkspaceID })
	return out
}

// StderrTail 返回工作区最近的 stderr 输出。
func (p *Pool) StderrTail(workspaceID string) (string, bool) {
	p.mu.Lock()
	e, ok := p.entries[workspaceID]
	p.mu.Unlock()
	if !ok {
		return "", false
	}
	return e.stderr.String(), true
}
