// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"strings"
	"time"

	"github.com/multi-agent/workspace-gateway/pkg/util"
)

// 工作区元数据来源。
const (
	WorkspaceSourceFile     = "file"
	WorkspaceSourcePostgres = "postgres"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// HTTP / WebSocket 网关
	ListenAddr     string `env:"GATEWAY_LISTEN" default:"127.0.0.1:8787"`
	AllowedOrigins string `env:"GATEWAY_ALLOWED_ORIGINS"` // 逗号分隔的额外 Origin 前缀
	IdleTimeoutSec int    `env:"GATEWAY_IDLE_TIMEOUT_SEC" default:"0" min:"0"`
	OutboxSize     int    `env:"GATEWAY_OUTBOX_SIZE" default:"256" min:"8"`

	// codex app-server 子进程
	CodexCommand      string `env:"CODEX_COMMAND" default:"codex"`
	CodexArgs         string `env:"CODEX_ARGS" default:"app-server"` // 空白分隔
	StartupTimeoutSec int    `env:"CODEX_STARTUP_TIMEOUT_SEC" default:"20" min:"1"`
	RequestTimeoutSec int    `env:"CODEX_REQUEST_TIMEOUT_SEC" default:"60" min:"1"`
	StopTimeoutSec    int    `env:"CODEX_STOP_TIMEOUT_SEC" default:"5" min:"1"`
	ClientName        string `env:"CODEX_CLIENT_NAME" default:"workspace-gateway"`
	ClientVersion     string `env:"CODEX_CLIENT_VERSION" default:"0.1.0"`
	StderrTailBytes   int    `env:"CODEX_STDERR_TAIL_BYTES" default:"65536" min:"1024"`

	// 工作区元数据
	WorkspaceSource string `env:"WORKSPACE_SOURCE" default:"file"`
	WorkspaceFile   string `env:"WORKSPACE_FILE" default:"workspaces.yaml"`

	// PostgreSQL
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`
	MigrationsDir          string `env:"MIGRATIONS_DIR" default:"migrations"`

	// 日志
	LogEnv   string `env:"LOG_ENV" default:"production"`
	LogLevel string `env:"LOG_LEVEL" default:"info"`
	LogDir   string `env:"LOG_DIR"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}

// StartupTimeout initialize 握手超时。
func (c *Config) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSec) * time.Second
}

// RequestTimeout 普通请求默认超时。
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// StopTimeout SIGTERM 后等待退出的时长, 超时升级为 SIGKILL。
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSec) * time.Second
}

// IdleTimeout 空闲回收阈值; 0 表示不启用。
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// Args 将 CodexArgs 按空白拆分。
func (c *Config) Args() []string {
	return strings.Fields(c.CodexArgs)
}

// Origins 返回 AllowedOrigins 拆分后的非空项。
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// UsePostgres 工作区元数据是否来自 PostgreSQL。
func (c *Config) UsePostgres() bool {
	return strings.EqualFold(strings.TrimSpace(c.WorkspaceSource), WorkspaceSourcePostgres)
}
