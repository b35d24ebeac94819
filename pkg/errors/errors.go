// Package errors 提供统一错误类型与哨兵错误。
//
// 两层结构:
//   - L1 哨兵错误: ErrNotFound / ErrInvalidInput / ErrTimeout / ErrUnavailable 等
//   - L2 AppError: 带 Op + Code + Message 的应用级错误
//
// 领域错误 (codex.ProtocolError、runner.WorkspaceRuntimeError 等) 通过 Unwrap
// 挂到 L1 哨兵上, 调用方可以统一使用 errors.Is 判断类别。
package errors

import (
	"errors"
	"fmt"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrNotFound 资源不存在
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput 输入参数无效
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal 内部错误
	ErrInternal = errors.New("internal error")

	// ErrTimeout 操作超时
	ErrTimeout = errors.New("timeout")

	// ErrUnavailable 下游进程/连接不可用 (已退出、管道断开)
	ErrUnavailable = errors.New("unavailable")

	// ErrConflict 状态冲突 (调用顺序不满足前置条件)
	ErrConflict = errors.New("conflict")
)

// 错误码常量, 用于 AppError.Code 与桥接层的错误帧。
const (
	CodeInvalidInput = "invalid_input"
	CodeNotFound     = "not_found"
	CodeProtocol     = "protocol_error"
	CodeTimeout      = "timeout"
	CodeRPC          = "rpc_error"
	CodeProcess      = "process_error"
	CodeRuntime      = "runtime_error"
	CodeInternal     = "internal_error"
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
type AppError struct {
	Op      string // 操作名，如 "Session.Start"
	Code    string // 错误码，如 CodeProtocol
	Message string // 人类可读消息
	Err     error  // 原始错误
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 创建带格式化消息的应用错误。
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithCode 创建带错误码的应用错误。
func WithCode(err error, op, code, message string) error {
	return &AppError{Op: op, Code: code, Message: message, Err: err}
}

// CodeOf 沿错误链查找第一个非空 Code; 未找到返回空字符串。
func CodeOf(err error) string {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return ""
		}
		if appErr.Code != "" {
			return appErr.Code
		}
		err = appErr.Err
	}
	return ""
}
