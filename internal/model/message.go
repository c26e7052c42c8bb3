// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MessageRole 消息角色，对应 OpenAI 接口中的 role
type MessageRole string

// 消息角色常量
const (
	MessageRoleSystem    MessageRole = "SYSTEM"    // 系统消息
	MessageRoleUser      MessageRole = "USER"      // 用户消息
	MessageRoleAssistant MessageRole = "ASSISTANT" // AI 助手回复
	MessageRoleFunction  MessageRole = "FUNCTION"  // 函数调用结果
	MessageRoleTool      MessageRole = "TOOL"      // 工具调用结果
)

// Valid 判断角色是否合法
func (r MessageRole) Valid() bool {
	switch r {
	case MessageRoleSystem, MessageRoleUser, MessageRoleAssistant, MessageRoleFunction, MessageRoleTool:
		return true
	}
	return false
}

// 消息投递状态
const (
	MessageStatusSending = "sending" // 发送中
	MessageStatusSent    = "sent"    // 已发送
	MessageStatusFailed  = "failed"  // 发送失败
)

// ConversationMessage 对话消息模型
// 对应数据库表 conversation_messages
// 消息写入后不可修改，只有 Status 和 ErrorMessage 会在投递失败时更新
type ConversationMessage struct {
	// ID 消息唯一标识，自增主键
	ID int64 `gorm:"primaryKey" json:"id"`

	// ConversationID 所属对话ID
	// (conversation_id, sequence) 唯一，作为并发追加时的最后一道防线
	ConversationID int64 `gorm:"not null;uniqueIndex:uk_messages_conversation_sequence,priority:1;uniqueIndex:uk_messages_conversation_client,priority:1" json:"conversation_id"`

	// Role 消息角色
	Role MessageRole `gorm:"size:20;not null" json:"role"`

	// Content 消息内容，只有非用户消息可以为空
	Content string `gorm:"type:text" json:"content"`

	// AudioURL AI 回复语音地址
	AudioURL *string `gorm:"size:500" json:"audio_url,omitempty"`

	// Sequence 对话内序号，从 1 开始严格递增
	Sequence int64 `gorm:"not null;uniqueIndex:uk_messages_conversation_sequence,priority:2" json:"sequence"`

	// TokenCount 估算的令牌数量
	TokenCount int64 `gorm:"not null;default:0" json:"token_count"`

	// Status 投递状态: sending / sent / failed
	Status string `gorm:"size:20;default:sent" json:"status"`

	// ErrorMessage 投递失败时的错误信息
	ErrorMessage *string `gorm:"type:text" json:"error_message,omitempty"`

	// Metadata 元数据，如 finish_reason、prompt_tokens
	Metadata Params `gorm:"-" json:"metadata,omitempty"`

	// MetadataJSON Metadata 的存储形式
	MetadataJSON datatypes.JSON `gorm:"column:metadata" json:"-"`

	// ClientMessageID 客户端提供的幂等键
	// 同一对话内相同的幂等键只会写入一次
	ClientMessageID *string `gorm:"size:64;uniqueIndex:uk_messages_conversation_client,priority:2" json:"client_message_id,omitempty"`

	// SentAt 消息发送时间
	SentAt time.Time `json:"sent_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (ConversationMessage) TableName() string {
	return "conversation_messages"
}

// IsFromUser 检查消息是否来自用户
func (m *ConversationMessage) IsFromUser() bool {
	return m.Role == MessageRoleUser
}

// IsFromAssistant 检查消息是否来自 AI 助手
func (m *ConversationMessage) IsFromAssistant() bool {
	return m.Role == MessageRoleAssistant
}

// NewUserMessage 创建用户消息
func NewUserMessage(content string) *ConversationMessage {
	return &ConversationMessage{
		Role:    MessageRoleUser,
		Content: content,
		Status:  MessageStatusSent,
		SentAt:  time.Now(),
	}
}

// NewAssistantMessage 创建 AI 回复消息，audioURL 为空表示没有语音
func NewAssistantMessage(content string, audioURL string) *ConversationMessage {
	m := &ConversationMessage{
		Role:    MessageRoleAssistant,
		Content: content,
		Status:  MessageStatusSent,
		SentAt:  time.Now(),
	}
	if audioURL != "" {
		m.AudioURL = &audioURL
	}
	return m
}

// BeforeSave 在写库前把 Metadata 编码为 JSON
func (m *ConversationMessage) BeforeSave(tx *gorm.DB) error {
	data, err := encodeParams(m.Metadata)
	if err != nil {
		return err
	}
	m.MetadataJSON = data
	return nil
}

// AfterFind 在读库后把 JSON 解码回 Metadata
func (m *ConversationMessage) AfterFind(tx *gorm.DB) error {
	p, err := decodeParams(m.MetadataJSON)
	if err != nil {
		return err
	}
	m.Metadata = p
	return nil
}
