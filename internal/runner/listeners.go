package runner

import (
	"sync"

	"github.com/google/uuid"

	"github.com/multi-agent/workspace-gateway/pkg/logger"
)

// Listener 事件回调。在事件源 goroutine 上同步调用, 不得阻塞。
type Listener func(RuntimeEvent)

type listener struct {
	id string
	fn Listener
}

// deliver 调用回调; 单个监听者 panic 不影响其他监听者。
func (l listener) deliver(ev RuntimeEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("runner: listener panicked",
				logger.FieldSubscriber, l.id,
				logger.FieldWorkspaceID, ev.WorkspaceID,
				logger.FieldSeq, ev.Sequence,
				logger.FieldError, r,
			)
		}
	}()
	l.fn(ev)
}

// listenerRegistry copy-on-write 监听者列表: 分发时只取快照, 不持锁调用回调。
type listenerRegistry struct {
	mu    sync.RWMutex
	items []listener
}

func (r *listenerRegistry) add(fn Listener) func() {
	l := listener{id: uuid.NewString(), fn: fn}

	r.mu.Lock()
	next := make([]listener, 0, len(r.items)+1)
	next = append(next, r.items...)
	r.items = append(next, l)
	r.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { r.remove(l.id) }) }
}

func (r *listenerRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]listener, 0, len(r.items))
	for _, l := range r.items {
		if l.id != id {
			next = append(next, l)
		}
	}
	r.items = next
}

func (r *listenerRegistry) snapshot() []listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.items
}

func (r *listenerRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
