package runner

import (
	"context"
	"time"

	"github.com/multi-agent/workspace-gateway/internal/codex"
	"github.com/multi-agent/workspace-gateway/pkg/logger"
)

// RunIdleReaper 定期停止并逐出超过 idle 未使用的运行时, 阻塞直到 ctx 取消。
// idle<=0 时立即返回。
func (p *Pool) RunIdleReaper(ctx context.Context, idle time.Duration) {
	if idle <= 0 {
		return
	}
	interval := min(max(idle/2, time.Second), time.Minute)
	logger.Info("runner: idle reaper started", "idle", idle.String(), "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.reapIdle(ctx, now, idle)
		}
	}
}

// reapIdle 逐出 now 时刻已空闲超过 idle 的 ready 条目, 返回被逐出的工作区 ID。
// 仍有待决调用的会话不回收。
func (p *Pool) reapIdle(ctx context.Context, now time.Time, idle time.Duration) []string {
	p.mu.Lock()
	var candidates []*entry
	for _, e := range p.entries {
		if !e.started() || e.session == nil {
			continue
		}
		if now.Sub(e.lastUsedAt()) < idle {
			continue
		}
		candidates = append(candidates, e)
	}
	p.mu.Unlock()

	var victims []*entry
	for _, e := range candidates {
		if e.session.State() != codex.StateReady || e.session.PendingCount() > 0 {
			continue
		}
		p.mu.Lock()
		// 检查期间可能已被替换或 GetClient 刚使用过
		if p.entries[e.workspaceID] == e && now.Sub(e.lastUsedAt()) >= idle {
			delete(p.entries, e.workspaceID)
			victims = append(victims, e)
		}
		p.mu.Unlock()
	}

	ids := make([]string, 0, len(victims))
	for _, e := range victims {
		logger.Info("runner: reaping idle workspace runtime",
			logger.FieldWorkspaceID, e.workspaceID,
			"idle_for", now.Sub(e.lastUsedAt()).Round(time.Second).String(),
		)
		if err := p.stopEntry(ctx, e); err != nil {
			logger.Warn("runner: reap failed", logger.FieldWorkspaceID, e.workspaceID, logger.FieldError, err)
		}
		ids = append(ids, e.workspaceID)
	}
	return ids
}
