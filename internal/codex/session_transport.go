// session_transport.go — 子进程 stdio 传输: spawn、逐行读取、写入、退出收尾。
package codex

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
	"github.com/multi-agent/workspace-gateway/pkg/logger"
	"github.com/multi-agent/workspace-gateway/pkg/util"
)

const (
	// stdoutReadBuffer 读循环初始缓冲; ReadBytes 对更长的行自动扩容。
	stdoutReadBuffer = 64 * 1024
	// stdoutDrainTimeout 进程退出后等待 stdout 读完的上限 (孙进程可能仍持有写端)。
	stdoutDrainTimeout = 2 * time.Second
	// writeTimeout 单行写入 stdin 的上限, 防止子进程不读 stdin 时永久阻塞。
	writeTimeout = 10 * time.Second
	// waitDelay exec.Cmd.WaitDelay: 进程退出后等待 stderr 复制完成的上限。
	waitDelay = 2 * time.Second
	// abortWaitTimeout abort 中 SIGKILL 后等待 Wait 返回的上限。
	abortWaitTimeout = 3 * time.Second
)

// process 一个已启动的 app-server 子进程及其管道。
type process struct {
	cmd    *exec.Cmd
	stdin  *os.File // 父进程写端
	stdout *os.File // 父进程读端
	stderr *logger.StderrCollector

	// stdinBroken 写入失败后置位 (受 Session.writeMu 保护); 管道里可能残留半行, 不再可写
	stdinBroken bool

	readerDone chan struct{} // 读循环退出
	exited     chan struct{} // Wait 返回、stdout 已排空且会话已处理退出
}

func (p *process) pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited 实现 signaler。
func (p *process) Exited() <-chan struct{} { return p.exited }

// Terminate 向进程组发送 SIGTERM。
func (p *process) Terminate() error { return p.signal(syscall.SIGTERM) }

// Kill 向进程组发送 SIGKILL。
func (p *process) Kill() error { return p.signal(syscall.SIGKILL) }

// signal 优先发给整个进程组 (Setpgid=true 时 pgid == pid), 失败回退到进程本身。
func (p *process) signal(sig syscall.Signal) error {
	pid := p.pid()
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// spawn 启动子进程。stdin/stdout 使用 os.Pipe, 避免 cmd.Wait 关闭读端导致丢失末尾输出。
func (s *Session) spawn() (*process, error) {
	if s.cfg.Command == "" {
		return nil, &ProcessError{Message: "spawn: empty command"}
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Cwd
	cmd.Env = mergeEnv(os.Environ(), s.cfg.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, &ProcessError{Message: "spawn: stdin pipe", Err: err}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return nil, &ProcessError{Message: "spawn: stdout pipe", Err: err}
	}
	collector := logger.NewStderrCollector(s.cfg.Source, func(line string) {
		s.emit(Event{Kind: EventStderr, Payload: StderrPayload{Stream: "stderr", Line: line}})
	})
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = collector

	if err := cmd.Start(); err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		_ = collector.Close()
		return nil, &ProcessError{Message: fmt.Sprintf("spawn %s", s.cfg.Command), Err: err}
	}
	// 子进程端已被继承, 父进程关闭自己持有的副本, 子进程退出后读端才能收到 EOF。
	_ = stdinR.Close()
	_ = stdoutW.Close()

	return &process{
		cmd:        cmd,
		stdin:      stdinW,
		stdout:     stdoutR,
		stderr:     collector,
		readerDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}, nil
}

// run 启动读循环与退出等待。
func (p *process) run(s *Session) {
	util.SafeGo(func() { p.readLoop(s) })
	util.SafeGo(func() { p.waitLoop(s) })
}

// readLoop 逐行读取 stdout, 严格按到达顺序交给 handleLine。
func (p *process) readLoop(s *Session) {
	defer close(p.readerDone)
	r := bufio.NewReaderSize(p.stdout, stdoutReadBuffer)
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			s.handleLine(trimmed)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logger.Warn("codex: stdout read failed",
					logger.FieldSource, s.cfg.Source,
					logger.FieldPID, p.pid(),
					logger.FieldError, err,
				)
			}
			return
		}
	}
}

// waitLoop 等待进程退出 → 排空 stdout → 关闭管道 → 通知会话 → 关闭 exited。
func (p *process) waitLoop(s *Session) {
	err := p.cmd.Wait()

	select {
	case <-p.readerDone:
	case <-time.After(stdoutDrainTimeout):
		_ = p.stdout.Close()
		<-p.readerDone
	}
	_ = p.stdout.Close()
	_ = p.stderr.Close()
	_ = p.stdin.Close()

	s.handleExit(p, err)
	close(p.exited)
}

// abort 在进程尚未交给会话时强制清理 (读写循环未启动)。
func (p *process) abort() {
	_ = p.Kill()
	_ = p.stdin.Close()
	waitDone := make(chan struct{})
	util.SafeGo(func() {
		_ = p.cmd.Wait()
		close(waitDone)
	})
	select {
	case <-waitDone:
	case <-time.After(abortWaitTimeout):
		logger.Warn("codex: aborted process did not exit in time", logger.FieldPID, p.pid())
	}
	_ = p.stdout.Close()
	_ = p.stderr.Close()
}

// writeLine 序列化 v 并作为一整行写入 stdin。writeMu 保证并发写入不交错。
func (s *Session) writeLine(p *process, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(err, "Session.writeLine", "marshal message")
	}
	data = append(data, '\n')

	if p == nil {
		return &ProcessError{Message: "no running process"}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-p.exited:
		return &ProcessError{Message: "process has exited"}
	default:
	}
	if p.stdinBroken {
		return &ProcessError{Message: "stdin unusable after failed write"}
	}
	_ = p.stdin.SetWriteDeadline(time.Now().Add(writeTimeout))
	if n, err := p.stdin.Write(data); err != nil {
		// 关闭 stdin: 子进程读到 EOF 退出, 会话随之进入 degraded
		p.stdinBroken = true
		_ = p.stdin.Close()
		logger.Warn("codex: stdin write failed, closing pipe",
			logger.FieldPID, p.pid(),
			"written", n,
			logger.FieldError, err,
		)
		return &ProcessError{Message: "write to stdin", Err: err}
	}
	return nil
}

// mergeEnv 把 overrides 覆盖到 base 上, 同名变量以 overrides 为准。
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		name := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			name = kv[:i]
		}
		if _, replaced := overrides[name]; replaced {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// describeExit 退出原因的简短描述。
func describeExit(err error) string {
	if err == nil {
		return "exit status 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return "signal " + ws.Signal().String()
		}
		return fmt.Sprintf("exit status %d", exitErr.ExitCode())
	}
	return err.Error()
}

// exitCode 进程退出码, 被信号杀死时为 -1。
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
