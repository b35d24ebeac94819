package bridge

import (
	"net/http"
	"strings"

	"github.com/multi-agent/workspace-gateway/pkg/logger"
)

var localOrigins = []string{
	"http://localhost", "https://localhost",
	"http://127.0.0.1", "https://127.0.0.1",
	"http://[::1]", "https://[::1]",
}

// originChecker 仅允许 localhost 与配置的 Origin 前缀; 无 Origin (非浏览器客户端) 放行。
func originChecker(extra []string) func(*http.Request) bool {
	allowed := make([]string, 0, len(localOrigins)+len(extra))
	allowed = append(allowed, localOrigins...)
	for _, o := range extra {
		if o = strings.ToLower(strings.TrimSpace(o)); o != "" {
			allowed = append(allowed, o)
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		origin = strings.ToLower(origin)
		for _, prefix := range allowed {
			if matchOrigin(origin, prefix) {
				return true
			}
		}
		logger.Warn("bridge: rejected origin", logger.FieldOrigin, origin)
		return false
	}
}

// matchOrigin 前缀匹配, 且前缀之后只能是端口或结束 (防止 localhost.evil.com)。
func matchOrigin(origin, prefix string) bool {
	if !strings.HasPrefix(origin, prefix) {
		return false
	}
	rest := origin[len(prefix):]
	return rest == "" || rest[0] == ':' || rest[0] == '/'
}
