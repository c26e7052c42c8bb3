// Package util 提供通用工具函数
package util

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// GenerateUUID 生成 UUID
// 使用 Google 的 uuid 库生成 UUID v4
// 返回:
//   - string: UUID 字符串（不含连字符）
func GenerateUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsValidClientMessageID 检查客户端幂等键是否合法
// 允许标准 UUID 或 1-64 个字母、数字、'-'、'_' 组成的字符串
func IsValidClientMessageID(id string) bool {
	if _, err := uuid.Parse(id); err == nil {
		return true
	}
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// TruncateRunes 按字符（而非字节）截断字符串
// 字符数超过 maxRunes 时保留前 maxRunes 个字符并追加 suffix
// 参数:
//   - s: 原字符串
//   - maxRunes: 最大字符数
//   - suffix: 截断后追加的后缀，如 "..."
//
// 返回:
//   - string: 截断后的字符串
func TruncateRunes(s string, maxRunes int, suffix string) string {
	if maxRunes < 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + suffix
}

// StringPtr 返回字符串的指针
// 用于可选字段的赋值
func StringPtr(s string) *string {
	return &s
}
