// Package service 提供业务逻辑层的实现
package service

import (
	"context"
)

// Sequencer 计算对话内下一条消息的序号
// 每次调用都从存储读取当前最大序号，不做任何缓存
type Sequencer struct {
	messages MessageStore
}

// NewSequencer 创建 Sequencer 实例
func NewSequencer(messages MessageStore) *Sequencer {
	return &Sequencer{messages: messages}
}

// NextSequence 返回已持久化最大序号 + 1，空对话返回 1
// 调用方需要持有对话锁，读取与写入之间不能有其他追加
func (s *Sequencer) NextSequence(ctx context.Context, conversationID int64) (int64, error) {
	next, err := s.messages.NextSequenceValue(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if next < 1 {
		next = 1
	}
	return next, nil
}
