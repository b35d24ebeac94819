// message.go — app-server 行级 JSON-RPC 消息: 线格式与无状态分类。
//
// app-server 在 stdin/stdout 上逐行交换 JSON, 不携带 jsonrpc 版本字段:
//   - 通知:     {method, params?}
//   - 请求:     {id: number|string, method, params?}
//   - 成功响应: {id: number|string, result}
//   - 错误响应: {id: number|string|null, error: {code, message, data?}}
package codex

import (
	"bytes"
	"encoding/json"
	"strconv"

	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
)

// MessageKind 单行消息的分类结果。
type MessageKind int

const (
	KindUnrecognized MessageKind = iota
	KindNotification
	KindRequest
	KindSuccessResponse
	KindErrorResponse
)

// String 返回分类名, 用于日志。
func (k MessageKind) String() string {
	switch k {
	case KindNotification:
		return "notification"
	case KindRequest:
		return "request"
	case KindSuccessResponse:
		return "success_response"
	case KindErrorResponse:
		return "error_response"
	default:
		return "unrecognized"
	}
}

// RPCErrorObject JSON-RPC 错误对象。
type RPCErrorObject struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message 分类后的单条消息。ID 保留原始 JSON (数字/字符串/null), 缺失时为 nil。
type Message struct {
	Kind   MessageKind
	ID     json.RawMessage
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *RPCErrorObject
}

// IntID 将数字 id 解析为 int64; 字符串、null 或非整数返回 false。
func (m Message) IntID() (int64, bool) {
	if jsonKind(m.ID) != jsonNumber {
		return 0, false
	}
	id, err := strconv.ParseInt(string(bytes.TrimSpace(m.ID)), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ========================================
// 分类
// ========================================

// ParseLine 解析一行 stdout 并分类。
//
// 非法 JSON 返回 error; 合法 JSON 但形状不匹配时返回 KindUnrecognized 且 error 为 nil。
// 两种情况对会话都不是致命的, 由调用方作为诊断输出处理。
func ParseLine(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if !json.Valid(line) {
		return Message{}, apperrors.New("codex.ParseLine", "invalid JSON")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		// 合法 JSON 但不是对象 (数组、数字等)
		return Message{Kind: KindUnrecognized}, nil
	}
	return Classify(fields), nil
}

// Classify 按字段形状判定消息类型, 无副作用。
func Classify(fields map[string]json.RawMessage) Message {
	rawID, hasID := fields["id"]
	idKind := jsonKind(rawID)

	if rawMethod, ok := fields["method"]; ok {
		var method string
		if jsonKind(rawMethod) != jsonString || json.Unmarshal(rawMethod, &method) != nil || method == "" {
			return Message{Kind: KindUnrecognized}
		}
		msg := Message{Method: method, Params: fields["params"]}
		switch {
		case !hasID:
			msg.Kind = KindNotification
		case idKind == jsonNumber || idKind == jsonString:
			msg.Kind = KindRequest
			msg.ID = rawID
		default:
			return Message{Kind: KindUnrecognized}
		}
		return msg
	}

	if !hasID {
		return Message{Kind: KindUnrecognized}
	}

	rawErr, hasErr := fields["error"]
	if _, hasResult := fields["result"]; hasErr && hasResult && jsonKind(rawErr) == jsonNull {
		// "error": null 等同于没有 error
		hasErr = false
	}
	if hasErr {
		if idKind != jsonNumber && idKind != jsonString && idKind != jsonNull {
			return Message{Kind: KindUnrecognized}
		}
		rpcErr, ok := parseErrorObject(rawErr)
		if !ok {
			return Message{Kind: KindUnrecognized}
		}
		return Message{Kind: KindErrorResponse, ID: rawID, Error: rpcErr}
	}

	if result, ok := fields["result"]; ok {
		if idKind != jsonNumber && idKind != jsonString {
			return Message{Kind: KindUnrecognized}
		}
		return Message{Kind: KindSuccessResponse, ID: rawID, Result: result}
	}

	return Message{Kind: KindUnrecognized}
}

// parseErrorObject 要求 code 为数字、message 为字符串。
func parseErrorObject(raw json.RawMessage) (*RPCErrorObject, bool) {
	var fields map[string]json.RawMessage
	if jsonKind(raw) != jsonObject || json.Unmarshal(raw, &fields) != nil {
		return nil, false
	}
	if jsonKind(fields["code"]) != jsonNumber || jsonKind(fields["message"]) != jsonString {
		return nil, false
	}
	var obj RPCErrorObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		// code 为非整数 (如 1.5) 时落到这里
		return nil, false
	}
	return &obj, true
}

type rawJSONKind int

const (
	jsonAbsent rawJSONKind = iota
	jsonNull
	jsonNumber
	jsonString
	jsonObject
	jsonOther
)

// jsonKind 只看首字符判断原始 JSON 值的类型; 输入已由 json.Valid 校验过。
func jsonKind(raw json.RawMessage) rawJSONKind {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return jsonAbsent
	}
	switch c := raw[0]; {
	case c == 'n':
		return jsonNull
	case c == '"':
		return jsonString
	case c == '{':
		return jsonObject
	case c == '-' || (c >= '0' && c <= '9'):
		return jsonNumber
	default:
		return jsonOther
	}
}

// ========================================
// 出站线格式
// ========================================

// wireRequest 出站请求。id 由会话分配, 永远是数字。
type wireRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// wireNotification 出站通知 (无 id)。
type wireNotification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// wireResult 对 server request 的成功响应; result 为 nil 时写出 null。
type wireResult struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result"`
}

// wireError 对 server request 的错误响应。
type wireError struct {
	ID    json.RawMessage `json:"id"`
	Error *RPCErrorObject `json:"error"`
}

// normalizeParams 把空的 json.RawMessage 视为缺省参数, 避免写出 "params":null。
func normalizeParams(params any) any {
	if raw, ok := params.(json.RawMessage); ok && len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return params
}
