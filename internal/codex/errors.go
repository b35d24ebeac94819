// errors.go — 会话错误分类: ProtocolError / TimeoutError / RPCError / ProcessError。
package codex

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
)

// ProtocolError 调用违反握手/状态约束 (握手前调用、重复 Start、id 耗尽)。
type ProtocolError struct {
	Op      string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error: %s", e.Op, e.Message)
}

// Unwrap 归入 ErrConflict 类别。
func (e *ProtocolError) Unwrap() error { return apperrors.ErrConflict }

// TimeoutError 单个请求在截止时间前未收到响应。
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.Method, e.Timeout)
}

// Unwrap 归入 ErrTimeout 类别。
func (e *TimeoutError) Unwrap() error { return apperrors.ErrTimeout }

// RPCError app-server 返回的结构化 JSON-RPC 错误。
type RPCError struct {
	Method  string
	Code    int64
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: rpc error %d: %s", e.Method, e.Code, e.Message)
}

// ProcessError 子进程启动失败、意外退出或管道不可写。
type ProcessError struct {
	Message string
	Err     error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("process error: %s: %v", e.Message, e.Err)
	}
	return "process error: " + e.Message
}

// Unwrap 同时暴露 ErrUnavailable 与底层原因。
func (e *ProcessError) Unwrap() []error {
	if e.Err != nil {
		return []error{apperrors.ErrUnavailable, e.Err}
	}
	return []error{apperrors.ErrUnavailable}
}
