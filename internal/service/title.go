// Package service 提供业务逻辑层的实现
package service

import (
	"context"
	"strings"

	"nexusvoice-server/internal/model"
	"nexusvoice-server/pkg/util"
)

// TitleSynthesizer 根据首条用户消息生成对话标题
type TitleSynthesizer struct {
	messages     MessageStore
	defaultTitle string
	maxRunes     int
}

// NewTitleSynthesizer 创建 TitleSynthesizer 实例
func NewTitleSynthesizer(messages MessageStore, defaultTitle string, maxRunes int) *TitleSynthesizer {
	return &TitleSynthesizer{
		messages:     messages,
		defaultTitle: defaultTitle,
		maxRunes:     maxRunes,
	}
}

// GenerateTitle 读取对话历史并生成标题
func (t *TitleSynthesizer) GenerateTitle(ctx context.Context, conversationID int64) (string, error) {
	messages, err := t.messages.FindMessagesByConversationOrderedBySequence(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return SynthesizeTitle(messages, t.defaultTitle, t.maxRunes), nil
}

// SynthesizeTitle 取序号最小的非空用户消息作为标题
// 超过 maxRunes 个字符时截断并追加 "..."，没有用户消息时返回 defaultTitle
// messages 需要已按序号升序排列
func SynthesizeTitle(messages []model.ConversationMessage, defaultTitle string, maxRunes int) string {
	for i := range messages {
		if !messages[i].IsFromUser() {
			continue
		}
		content := strings.TrimSpace(messages[i].Content)
		if content == "" {
			continue
		}
		return util.TruncateRunes(content, maxRunes, "...")
	}
	return defaultTitle
}
