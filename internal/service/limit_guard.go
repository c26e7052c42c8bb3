// Package service 提供业务逻辑层的实现
package service

import (
	"context"
)

// LimitGuard 检查对话的消息数量与令牌上限
// 只读，不修改任何状态
type LimitGuard struct {
	messages MessageStore
}

// NewLimitGuard 创建 LimitGuard 实例
func NewLimitGuard(messages MessageStore) *LimitGuard {
	return &LimitGuard{messages: messages}
}

// CheckMessageCountLimit 检查消息数量
// 当前数量 >= maxMessages 时返回 LimitError，即拦截第 maxMessages+1 条消息
func (g *LimitGuard) CheckMessageCountLimit(ctx context.Context, conversationID int64, maxMessages int) error {
	count, err := g.messages.CountMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	if count >= int64(maxMessages) {
		return &LimitError{Kind: LimitMessages, Limit: int64(maxMessages), Current: count}
	}
	return nil
}

// CheckTokenLimit 检查令牌总数
// 总数严格大于 maxTokens 时返回 LimitError，等于上限仍然允许
func (g *LimitGuard) CheckTokenLimit(ctx context.Context, conversationID int64, maxTokens int64) error {
	total, err := g.CalculateTotalTokens(ctx, conversationID)
	if err != nil {
		return err
	}
	if total > maxTokens {
		return &LimitError{Kind: LimitTokens, Limit: maxTokens, Current: total}
	}
	return nil
}

// CalculateTotalTokens 计算对话的令牌总数，没有消息时为 0
func (g *LimitGuard) CalculateTotalTokens(ctx context.Context, conversationID int64) (int64, error) {
	sum, err := g.messages.SumTokenCount(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}
