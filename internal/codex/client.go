// client.go — 面向上层的类型化请求封装。
//
// thread/turn/review 的 params 与 result 对网关是不透明的 JSON, Client 只负责转发
// (method, params, timeout)。
package codex

import (
	"context"
	"encoding/json"
	"time"
)

// app-server 方法名。
const (
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodThreadList    = "thread/list"
	MethodThreadRead    = "thread/read"
	MethodThreadArchive = "thread/archive"
	MethodTurnStart     = "turn/start"
	MethodTurnSteer     = "turn/steer"
	MethodTurnInterrupt = "turn/interrupt"
	MethodReviewStart   = "review/start"
)

// forwardable 允许从外部转发的方法。
var forwardable = map[string]bool{
	MethodThreadStart:   true,
	MethodThreadResume:  true,
	MethodThreadList:    true,
	MethodThreadRead:    true,
	MethodThreadArchive: true,
	MethodTurnStart:     true,
	MethodTurnSteer:     true,
	MethodTurnInterrupt: true,
	MethodReviewStart:   true,
}

// IsForwardable 判断 method 是否允许经 Client.Call 从外部转发。
func IsForwardable(method string) bool { return forwardable[method] }

// Conn Client 依赖的会话能力; *Session 实现它。
type Conn interface {
	Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	RespondToServerRequest(id json.RawMessage, reply ServerReply) error
}

var _ Conn = (*Session)(nil)

// CallOption 单次调用选项。
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout 覆盖本次调用的超时; <= 0 表示使用会话默认值。
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Client 会话的类型化门面。
type Client struct {
	conn Conn
}

// NewClient 包装一个会话连接。
func NewClient(conn Conn) *Client {
	return &Client{conn: conn}
}

// Call 转发任意方法。
func (c *Client) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return c.conn.Request(ctx, method, params, o.timeout)
}

// Respond 回复 server request。
func (c *Client) Respond(id json.RawMessage, reply ServerReply) error {
	return c.conn.RespondToServerRequest(id, reply)
}

// ThreadStart thread/start
func (c *Client) ThreadStart(ctx context.Context, params any, opts ...CallOption) (json.RawMessage, error) {
	return c.Call(ctx, MethodThreadStart, params, opts...)
}

// ThreadResume thread/resume
func (c *Client) ThreadResume(ctx context.Context, params any, opts ...CallOption) (json.RawMessage, error) {
	return c.Call(ctx, MethodThreadResume, params, opts...)
}

// ThreadList thread/list
func (c *Client) ThreadList(ctx context.Context, params any, opts ...CallOption) (json.RawMessage, error) {
	return c.Call(ctx, MethodThreadList, params, opts...)
}

// ThreadRead thread/read
func (c *Client) ThreadRead(ctx context.Context, params any, opts ...CallOption) (json.RawMessage, error) {
	return c.Call(ctx, MethodThreadRead, params, opts...)
}

// ThreadArchive thread/archive
func (c *Client) ThreadArchive(ctx context.Context, params any, opts ...CallOption) (json.RawMessage, error) {
	return c.Call(ctx, MethodThreadArchive, params, opts...)
}

// TurnStart turn/start
func (c *Client) TurnStart(ctx context.Context, params any, opts ...CallOption) (json.RawMessage, error) {
	return c.Call(ctx, MethodTurnStart, params, opts...)
}

// TurnSteer turn/steer
func (c *Client) TurnSteer(ctx context.Context, params any, opts ...CallOption) (json.RawMessage, error) {
	return c.Call(ctx, MethodTurnSteer, params, opts...)
}

// TurnInterrupt turn/interrupt
func (c *Client) TurnInterrupt(ctx context.Context, params any, opts ...CallOption) (json.RawMessage, error) {
	return c.Call(ctx, MethodTurnInterrupt, params, opts...)
}

// ReviewStart review/start
func (c *Client) ReviewStart(ctx context.Context, params any, opts ...CallOption) (json.RawMessage, error) {
	return c.Call(ctx, MethodReviewStart, params, opts...)
}
