// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ConversationStatus 对话状态
type ConversationStatus string

// 对话状态常量
const (
	ConversationStatusActive   ConversationStatus = "ACTIVE"   // 活跃，可以继续对话
	ConversationStatusArchived ConversationStatus = "ARCHIVED" // 已归档，保留记录
	ConversationStatusDeleted  ConversationStatus = "DELETED"  // 逻辑删除
)

// CanTransitionTo 判断状态能否迁移到 next
// ACTIVE -> ARCHIVED, ACTIVE -> DELETED, ARCHIVED -> DELETED，DELETED 是终态
func (s ConversationStatus) CanTransitionTo(next ConversationStatus) bool {
	switch s {
	case ConversationStatusActive:
		return next == ConversationStatusArchived || next == ConversationStatusDeleted
	case ConversationStatusArchived:
		return next == ConversationStatusDeleted
	default:
		return false
	}
}

// Conversation 对话模型
// 对应数据库表 conversations
// 表示用户与 AI 的一次对话，拥有其下所有消息
type Conversation struct {
	// ID 对话唯一标识，自增主键，创建后不可变
	ID int64 `gorm:"primaryKey" json:"id"`

	// UserID 所属用户ID，创建后不可变
	UserID int64 `gorm:"index:idx_conversations_user_active,priority:1;not null" json:"user_id"`

	// RoleID 绑定的角色ID，可为空
	RoleID *int64 `json:"role_id,omitempty"`

	// Title 对话标题
	Title string `gorm:"size:200" json:"title"`

	// ModelName 使用的 AI 模型名称
	ModelName string `gorm:"size:100" json:"model_name"`

	// SystemPrompt 系统提示词
	SystemPrompt string `gorm:"type:text" json:"system_prompt"`

	// ConfigParams 模型参数，如 temperature、max_tokens
	ConfigParams Params `gorm:"-" json:"config_params,omitempty"`

	// ConfigParamsJSON ConfigParams 的存储形式，只在读写数据库时使用
	ConfigParamsJSON datatypes.JSON `gorm:"column:config_params" json:"-"`

	// Status 对话状态
	Status ConversationStatus `gorm:"size:20;not null;default:ACTIVE;index" json:"status"`

	// LastActiveAt 最后活跃时间，每次追加消息时更新，用于列表排序
	LastActiveAt time.Time `gorm:"index:idx_conversations_user_active,priority:2" json:"last_active_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (Conversation) TableName() string {
	return "conversations"
}

// BelongsTo 检查对话是否属于指定用户
func (c *Conversation) BelongsTo(userID int64) bool {
	return c.UserID == userID
}

// Touch 刷新最后活跃时间
func (c *Conversation) Touch(now time.Time) {
	c.LastActiveAt = now
	c.UpdatedAt = now
}

// BeforeSave 在写库前把 ConfigParams 编码为 JSON
func (c *Conversation) BeforeSave(tx *gorm.DB) error {
	data, err := encodeParams(c.ConfigParams)
	if err != nil {
		return err
	}
	c.ConfigParamsJSON = data
	return nil
}

// AfterFind 在读库后把 JSON 解码回 ConfigParams
func (c *Conversation) AfterFind(tx *gorm.DB) error {
	p, err := decodeParams(c.ConfigParamsJSON)
	if err != nil {
		return err
	}
	c.ConfigParams = p
	return nil
}
