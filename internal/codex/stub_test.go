package codex

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"
	"time"
)

// stubModeEnv 非空时测试二进制作为桩 app-server 运行, 而不是执行测试。
const stubModeEnv = "CODEX_STUB_MODE"

func TestMain(m *testing.M) {
	if mode := os.Getenv(stubModeEnv); mode != "" {
		os.Exit(runStubAppServer(mode))
	}
	os.Exit(m.Run())
}

// stubMessage 桩进程读取的入站消息。
type stubMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// runStubAppServer 行级 JSON-RPC 桩。每条入站消息都在 stderr 记一行 "recv <method>"。
//
// 模式:
//   - default:       正常握手, 支持下方测试方法
//   - slow-init:     initialize 延迟 300ms 响应
//   - no-init-reply: 从不响应 initialize
//   - init-error:    initialize 返回错误
//   - exit-on-start: 启动即以状态 1 退出
//   - ignore-term:   忽略 SIGTERM
func runStubAppServer(mode string) int {
	switch mode {
	case "exit-on-start":
		fmt.Fprintln(os.Stderr, "fatal: stub refused to start")
		return 1
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
	}

	var outMu sync.Mutex
	writeRaw := func(line string) {
		outMu.Lock()
		defer outMu.Unlock()
		_, _ = os.Stdout.WriteString(line + "\n")
	}
	write := func(v any) {
		b, _ := json.Marshal(v)
		writeRaw(string(b))
	}
	result := func(id json.RawMessage, v any) { write(map[string]any{"id": id, "result": v}) }
	rpcErr := func(id json.RawMessage, code int, msg string, data any) {
		e := map[string]any{"code": code, "message": msg}
		if data != nil {
			e["data"] = data
		}
		write(map[string]any{"id": id, "error": e})
	}

	initialized := false
	serverReplies := make(chan string, 4)

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		var msg stubMessage
		if json.Unmarshal([]byte(line), &msg) != nil {
			continue
		}
		if msg.Method == "" {
			fmt.Fprintln(os.Stderr, "recv response")
			serverReplies <- line
			continue
		}
		fmt.Fprintf(os.Stderr, "recv %s\n", msg.Method)

		id := msg.ID
		switch msg.Method {
		case "initialize":
			switch mode {
			case "no-init-reply":
			case "init-error":
				rpcErr(id, -32603, "initialize rejected", nil)
			case "slow-init":
				time.Sleep(300 * time.Millisecond)
				result(id, map[string]any{"serverInfo": map[string]string{"name": "stub", "version": "1.0"}})
			default:
				result(id, map[string]any{"serverInfo": map[string]string{"name": "stub", "version": "1.0"}, "userAgent": "stub/1.0"})
			}
		case "initialized":
			initialized = true
		case "thread/list":
			if !initialized {
				rpcErr(id, -32002, "not initialized", nil)
				continue
			}
			result(id, map[string]any{"threads": []map[string]string{{"id": "thread-1"}}})
		case "echo":
			result(id, msg.Params)
		case "slow":
			var p struct {
				DelayMs int `json:"delayMs"`
			}
			_ = json.Unmarshal(msg.Params, &p)
			go func() {
				time.Sleep(time.Duration(p.DelayMs) * time.Millisecond)
				result(id, map[string]any{"late": true})
			}()
		case "fail":
			rpcErr(id, -32000, "boom", map[string]string{"detail": "stub failure"})
		case "dup":
			result(id, map[string]int{"n": 1})
			result(id, map[string]int{"n": 2})
		case "null-error":
			write(map[string]any{"id": nil, "error": map[string]any{"code": -32700, "message": "parse error"}})
			result(id, "ok")
		case "garbage":
			writeRaw("this is not json")
			writeRaw("[1,2]")
			write(map[string]any{"method": "turn/started", "params": map[string]string{"turnId": "t1"}})
			result(id, "ok")
		case "notify":
			for i := 1; i <= 3; i++ {
				write(map[string]any{"method": "item/agentMessage/delta", "params": map[string]int{"n": i}})
			}
			result(id, "ok")
		case "server-request":
			write(map[string]any{"id": "srv-1", "method": "item/commandExecution/requestApproval", "params": map[string]string{"command": "ls"}})
			go func() {
				reply := <-serverReplies
				result(id, map[string]json.RawMessage{"reply": json.RawMessage(reply)})
			}()
		case "hang":
		case "crash":
			fmt.Fprintln(os.Stderr, "panic: stub crashed")
			os.Exit(3)
		default:
			rpcErr(id, -32601, "method not found: "+msg.Method, nil)
		}
	}
	return 0
}
