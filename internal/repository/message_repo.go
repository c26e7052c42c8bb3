// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"
	"nexusvoice-server/internal/model"
)

// MessageRepository 消息数据访问层
// 负责对话消息相关的所有数据库操作
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建 MessageRepository 实例
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// SaveMessage 保存消息
// ID 为 0 时新建；唯一索引冲突时返回 ErrDuplicateKey
// 参数:
//   - ctx: 上下文
//   - message: 消息对象，ID 和时间字段会被自动填充
//
// 返回:
//   - error: 数据库错误
func (r *MessageRepository) SaveMessage(ctx context.Context, message *model.ConversationMessage) error {
	if message.ID == 0 {
		return translateError(r.db.WithContext(ctx).Create(message).Error)
	}
	return translateError(r.db.WithContext(ctx).Save(message).Error)
}

// FindMessage 根据 ID 获取消息，未找到返回 nil
func (r *MessageRepository) FindMessage(ctx context.Context, id int64) (*model.ConversationMessage, error) {
	var message model.ConversationMessage
	err := r.db.WithContext(ctx).First(&message, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &message, nil
}

// FindMessagesByConversationOrderedBySequence 获取对话的所有消息
// 按序号正序排列，这是对话历史的权威顺序
func (r *MessageRepository) FindMessagesByConversationOrderedBySequence(ctx context.Context, conversationID int64) ([]model.ConversationMessage, error) {
	var messages []model.ConversationMessage
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sequence ASC").
		Find(&messages).Error
	return messages, err
}

// FindByClientMessageID 按幂等键查找消息，未找到返回 nil
func (r *MessageRepository) FindByClientMessageID(ctx context.Context, conversationID int64, clientMessageID string) (*model.ConversationMessage, error) {
	var message model.ConversationMessage
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND client_message_id = ?", conversationID, clientMessageID).
		First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &message, nil
}

// FindLastMessage 获取对话的最后一条消息，没有消息返回 nil
func (r *MessageRepository) FindLastMessage(ctx context.Context, conversationID int64) (*model.ConversationMessage, error) {
	var message model.ConversationMessage
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sequence DESC").
		First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &message, nil
}

// NextSequenceValue 计算下一个消息序号
// 每次都从数据库读取当前最大值，空对话返回 1
func (r *MessageRepository) NextSequenceValue(ctx context.Context, conversationID int64) (int64, error) {
	var next int64
	err := r.db.WithContext(ctx).
		Model(&model.ConversationMessage{}).
		Select("COALESCE(MAX(sequence), 0) + 1").
		Where("conversation_id = ?", conversationID).
		Row().
		Scan(&next)
	return next, err
}

// CountMessages 统计对话的消息数量
func (r *MessageRepository) CountMessages(ctx context.Context, conversationID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.ConversationMessage{}).
		Where("conversation_id = ?", conversationID).
		Count(&count).Error
	return count, err
}

// SumTokenCount 统计对话的令牌总数
// 返回:
//   - *int64: 令牌总数，对话没有消息时为 nil
//   - error: 数据库错误
func (r *MessageRepository) SumTokenCount(ctx context.Context, conversationID int64) (*int64, error) {
	var sum sql.NullInt64
	err := r.db.WithContext(ctx).
		Model(&model.ConversationMessage{}).
		Select("SUM(token_count)").
		Where("conversation_id = ?", conversationID).
		Row().
		Scan(&sum)
	if err != nil {
		return nil, err
	}
	if !sum.Valid {
		return nil, nil
	}
	return &sum.Int64, nil
}

// UpdateDeliveryStatus 更新消息投递状态
// 消息的其他字段写入后不可修改
func (r *MessageRepository) UpdateDeliveryStatus(ctx context.Context, id int64, status string, errorMessage *string) error {
	return r.db.WithContext(ctx).
		Model(&model.ConversationMessage{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"status":        status,
			"error_message": errorMessage,
			"updated_at":    time.Now(),
		}).Error
}
