// Package service 提供业务逻辑层的实现
package service

import (
	"unicode"
	"unicode/utf8"
)

// EstimateTokens 粗略估算文本的令牌数
// 中日韩字符按每字 1 个令牌计算，其余字符按每 4 字节 1 个令牌计算
func EstimateTokens(content string) int64 {
	if content == "" {
		return 0
	}
	var cjk, other int64
	for _, r := range content {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			cjk++
			continue
		}
		other += int64(utf8.RuneLen(r))
	}
	tokens := cjk + (other+3)/4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
