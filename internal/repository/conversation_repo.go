// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"nexusvoice-server/internal/model"
)

// ConversationRepository 对话数据访问层
// 所有读路径都显式排除 DELETED 状态的对话
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建 ConversationRepository 实例
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// visible 过滤逻辑删除的对话
func (r *ConversationRepository) visible(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("status <> ?", model.ConversationStatusDeleted)
}

// FindConversation 根据 ID 获取对话
// 参数:
//   - ctx: 上下文
//   - id: 对话ID
//
// 返回:
//   - *model.Conversation: 对话对象，未找到或已删除返回 nil
//   - error: 数据库错误
func (r *ConversationRepository) FindConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	var conversation model.Conversation
	err := r.visible(ctx).Where("id = ?", id).First(&conversation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conversation, nil
}

// SaveConversation 新建或更新对话
// ID 为 0 时新建，ID 和时间字段会被自动填充
func (r *ConversationRepository) SaveConversation(ctx context.Context, conversation *model.Conversation) error {
	if conversation.ID == 0 {
		return translateError(r.db.WithContext(ctx).Create(conversation).Error)
	}
	return translateError(r.db.WithContext(ctx).Save(conversation).Error)
}

// ExistsConversation 检查对话是否存在（未删除）
func (r *ConversationRepository) ExistsConversation(ctx context.Context, id int64) (bool, error) {
	var count int64
	err := r.visible(ctx).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

// ExistsConversationForUser 检查对话是否存在且属于指定用户
func (r *ConversationRepository) ExistsConversationForUser(ctx context.Context, id, userID int64) (bool, error) {
	var count int64
	err := r.visible(ctx).Where("id = ? AND user_id = ?", id, userID).Count(&count).Error
	return count > 0, err
}

// TouchConversation 更新对话的最后活跃时间
// 只写 last_active_at 和 updated_at 两列，不会覆盖并发写入的标题
func (r *ConversationRepository) TouchConversation(ctx context.Context, id int64, at time.Time) error {
	return r.visible(ctx).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"last_active_at": at,
			"updated_at":     at,
		}).Error
}

// UpdateTitle 更新对话标题
func (r *ConversationRepository) UpdateTitle(ctx context.Context, id int64, title string) error {
	return r.visible(ctx).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"title":      title,
			"updated_at": time.Now(),
		}).Error
}

// UpdateStatus 按条件迁移对话状态
// 只有当前状态等于 from 时才会更新，用于避免并发迁移覆盖
// 返回:
//   - bool: 是否有记录被更新
//   - error: 数据库错误
func (r *ConversationRepository) UpdateStatus(ctx context.Context, id int64, from, to model.ConversationStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("id = ? AND status = ?", id, from).
		UpdateColumns(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		})
	return result.RowsAffected > 0, result.Error
}

// ListByUser 获取用户最近活跃的对话
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID
//   - limit: 最大数量
//
// 返回:
//   - []model.Conversation: 按最后活跃时间倒序
//   - error: 数据库错误
func (r *ConversationRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]model.Conversation, error) {
	var conversations []model.Conversation
	err := r.visible(ctx).
		Where("user_id = ?", userID).
		Order("last_active_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&conversations).Error
	return conversations, err
}
