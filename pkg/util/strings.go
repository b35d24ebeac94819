package util

import "strings"

// FirstNonEmpty 返回第一个非空 (trim 后) 的字符串。
// 工作区注册表用它在 name 缺省时回落到 id。
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
