// session_shutdown.go — 两阶段停止: 优雅信号 → 有界等待 → 强制信号 → 无条件等待。
package codex

import (
	"time"

	"github.com/multi-agent/workspace-gateway/pkg/logger"
)

// signaler 停止所需的最小进程能力, 便于脱离真实进程测试超时逻辑。
type signaler interface {
	Terminate() error
	Kill() error
	Exited() <-chan struct{}
}

// escalateStop 发送 Terminate, grace 内未退出则 Kill 并等待退出。返回是否升级到 Kill。
//
// Kill 之后的等待没有上限: SIGKILL 无法被忽略, 且 waitLoop 对 stdout 排空有独立的超时。
func escalateStop(p signaler, grace time.Duration) bool {
	select {
	case <-p.Exited():
		return false
	default:
	}

	if err := p.Terminate(); err != nil {
		logger.Debug("codex: terminate signal failed", logger.FieldError, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.Exited():
		return false
	case <-timer.C:
	}

	logger.Warn("codex: process ignored terminate, escalating to kill",
		logger.FieldTimeoutMS, grace.Milliseconds())
	if err := p.Kill(); err != nil {
		logger.Warn("codex: kill signal failed", logger.FieldError, err)
	}
	<-p.Exited()
	return true
}
