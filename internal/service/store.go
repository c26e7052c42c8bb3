// Package service 提供业务逻辑层的实现
package service

import (
	"context"
	"time"

	"nexusvoice-server/internal/model"
)

// ConversationStore 对话存储
// 未找到时返回 (nil, nil)，已删除的对话对所有读方法不可见
type ConversationStore interface {
	FindConversation(ctx context.Context, id int64) (*model.Conversation, error)
	SaveConversation(ctx context.Context, conversation *model.Conversation) error
	ExistsConversation(ctx context.Context, id int64) (bool, error)
	ExistsConversationForUser(ctx context.Context, id, userID int64) (bool, error)
	TouchConversation(ctx context.Context, id int64, at time.Time) error
	UpdateTitle(ctx context.Context, id int64, title string) error
	UpdateStatus(ctx context.Context, id int64, from, to model.ConversationStatus) (bool, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]model.Conversation, error)
}

// MessageStore 消息存储
// SaveMessage 在 (conversation_id, sequence) 或幂等键冲突时返回 repository.ErrDuplicateKey
type MessageStore interface {
	SaveMessage(ctx context.Context, message *model.ConversationMessage) error
	FindMessage(ctx context.Context, id int64) (*model.ConversationMessage, error)
	FindMessagesByConversationOrderedBySequence(ctx context.Context, conversationID int64) ([]model.ConversationMessage, error)
	FindByClientMessageID(ctx context.Context, conversationID int64, clientMessageID string) (*model.ConversationMessage, error)
	FindLastMessage(ctx context.Context, conversationID int64) (*model.ConversationMessage, error)
	NextSequenceValue(ctx context.Context, conversationID int64) (int64, error)
	CountMessages(ctx context.Context, conversationID int64) (int64, error)
	SumTokenCount(ctx context.Context, conversationID int64) (*int64, error)
	UpdateDeliveryStatus(ctx context.Context, id int64, status string, errorMessage *string) error
}
