// Package service 提供业务逻辑层的实现
package service

import (
	"context"
)

// AccessGuard 校验用户对对话的访问权限
type AccessGuard struct {
	conversations ConversationStore
}

// NewAccessGuard 创建 AccessGuard 实例
func NewAccessGuard(conversations ConversationStore) *AccessGuard {
	return &AccessGuard{conversations: conversations}
}

// ValidateAccess 对话存在且属于 userID 时返回 nil，否则返回 ErrNoPermission
// 不存在和不属于该用户返回同一个错误，调用方无法借此探测他人的对话
func (g *AccessGuard) ValidateAccess(ctx context.Context, conversationID, userID int64) error {
	ok, err := g.conversations.ExistsConversationForUser(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoPermission
	}
	return nil
}
