package runner

import (
	"context"
	"os"
	"time"

	"github.com/multi-agent/workspace-gateway/internal/codex"
	"github.com/multi-agent/workspace-gateway/internal/store"
	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
)

// Session 池所需的会话能力, *codex.Session 实现它。
type Session interface {
	codex.Conn
	Start(ctx context.Context, params *codex.InitializeParams) (*codex.InitializeResult, error)
	Stop(ctx context.Context) error
	State() codex.State
	PendingCount() int
	PID() int
	StartedAt() time.Time
	SetEventHandler(h codex.EventHandler)
}

var _ Session = (*codex.Session)(nil)

// SessionFactory 为工作区创建未启动的会话。
type SessionFactory func(ws *store.Workspace) (Session, error)

// FactoryConfig codex 会话工厂参数。
type FactoryConfig struct {
	Command        string
	Args           []string
	Env            map[string]string
	ClientInfo     codex.ClientInfo
	Capabilities   any
	StartupTimeout time.Duration
	RequestTimeout time.Duration
	StopTimeout    time.Duration
}

// NewCodexSessionFactory 返回把 cwd 绑定到工作区根目录的会话工厂。
// 根目录必须存在且是目录。
func NewCodexSessionFactory(cfg FactoryConfig) SessionFactory {
	return func(ws *store.Workspace) (Session, error) {
		if ws == nil {
			return nil, apperrors.New("runner.SessionFactory", "workspace is nil")
		}
		info, err := os.Stat(ws.AbsolutePath)
		if err != nil {
			return nil, apperrors.Wrapf(err, "runner.SessionFactory", "stat workspace root %s", ws.AbsolutePath)
		}
		if !info.IsDir() {
			return nil, apperrors.WithCode(apperrors.ErrInvalidInput, "runner.SessionFactory",
				apperrors.CodeInvalidInput, "workspace root is not a directory: "+ws.AbsolutePath)
		}
		return codex.NewSession(codex.SessionConfig{
			Command:        cfg.Command,
			Args:           cfg.Args,
			Cwd:            ws.AbsolutePath,
			Env:            cfg.Env,
			ClientInfo:     cfg.ClientInfo,
			Capabilities:   cfg.Capabilities,
			StartupTimeout: cfg.StartupTimeout,
			RequestTimeout: cfg.RequestTimeout,
			StopTimeout:    cfg.StopTimeout,
			Source:         ws.ID,
		}), nil
	}
}
