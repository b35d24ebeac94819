package logger

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
)

// maxStderrLine 单行 stderr 上限; 超出部分被 bufio.Scanner 视为错误并停止扫描。
const maxStderrLine = 1 << 20

// StderrCollector 将子进程的 stderr 逐行转为 slog 日志。
//
// 实现 io.Writer 接口，可直接赋给 exec.Cmd.Stderr。
// 内部使用 goroutine + bufio.Scanner 逐行读取; onLine 非空时每行额外回调一次。
type StderrCollector struct {
	pr     *io.PipeReader
	pw     *io.PipeWriter
	source string
	onLine func(string)
	done   chan struct{}
}

// NewStderrCollector 创建 StderrCollector。source 关联日志行 (通常为 workspace id)。
func NewStderrCollector(source string, onLine func(string)) *StderrCollector {
	pr, pw := io.Pipe()
	c := &StderrCollector{
		pr:     pr,
		pw:     pw,
		source: source,
		onLine: onLine,
		done:   make(chan struct{}),
	}
	go c.scan()
	return c
}

// Write 实现 io.Writer, exec.Cmd.Stderr 直接写入。
func (c *StderrCollector) Write(p []byte) (int, error) {
	return c.pw.Write(p)
}

// Close 关闭 writer 端，等待 scanner 完成。
func (c *StderrCollector) Close() error {
	_ = c.pw.Close()
	<-c.done
	return nil
}

// scan 后台逐行读取 stderr → slog。
func (c *StderrCollector) scan() {
	defer close(c.done)
	// 扫描失败后继续排空, 避免子进程阻塞在 stderr 写入上。
	defer func() {
		_, _ = io.Copy(io.Discard, c.pr)
		_ = c.pr.Close()
	}()

	scanner := bufio.NewScanner(c.pr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStderrLine)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		// 简单启发式: 含 error/panic/fatal 视为 WARN 级别
		level := slog.LevelDebug
		if containsErrorKeyword(line) {
			level = slog.LevelWarn
		}

		getLogger().Log(context.Background(), level, line,
			FieldSource, c.source,
			FieldComponent, "stderr",
			"logger", "codex.stderr",
		)
		if c.onLine != nil {
			c.onLine(line)
		}
	}

	if err := scanner.Err(); err != nil {
		getLogger().Log(context.Background(), slog.LevelError, "stderr collector scan failed",
			FieldSource, c.source,
			FieldComponent, "stderr",
			"logger", "codex.stderr",
			FieldError, err.Error(),
		)
	}
}

// containsErrorKeyword 判断 stderr 行中是否包含错误关键词 (大小写不敏感)。
func containsErrorKeyword(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "error") ||
		strings.Contains(lower, "panic") ||
		strings.Contains(lower, "fatal")
}
