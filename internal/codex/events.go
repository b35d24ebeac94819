// events.go — 会话向上层发出的事件。
package codex

import "encoding/json"

// EventKind 会话事件类型, 与 Runtime Event 的 kind 一致。
type EventKind string

const (
	EventNotification  EventKind = "notification"
	EventServerRequest EventKind = "serverRequest"
	EventStaleResponse EventKind = "staleResponse"
	EventStateChanged  EventKind = "stateChanged"
	EventStderr        EventKind = "stderr"
)

// Event 会话事件。Payload 为下列 *Payload 类型之一。
type Event struct {
	Kind    EventKind
	Payload any
}

// EventHandler 事件回调。
//
// 在读循环 goroutine 上同步调用, 回调内不得阻塞等待同一会话的请求响应。
type EventHandler func(Event)

// NotificationPayload app-server 主动通知。
type NotificationPayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ServerRequestPayload app-server 发起的请求, 需要经 RespondToServerRequest 回复。
type ServerRequestPayload struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// StaleResponsePayload 无法匹配任何待决调用的响应 (超时后迟到、重复、null id)。
type StaleResponsePayload struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCErrorObject `json:"error,omitempty"`
}

// StateChangedPayload 状态迁移。
type StateChangedPayload struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// StderrPayload 诊断输出: stderr 行, 或无法识别的 stdout 行。
type StderrPayload struct {
	Stream string `json:"stream"` // "stderr" | "stdout"
	Line   string `json:"line"`
}
