// Package websocket 提供 WebSocket 通信功能
// 把对话事件实时推送给同一用户的所有连接
package websocket

import (
	"time"

	"nexusvoice-server/internal/model"
)

// MessageType 消息类型常量
const (
	// 客户端 → 服务端
	TypeHeartbeat = "heartbeat" // 心跳

	// 服务端 → 客户端
	TypeConversationMessage = "conversation.message" // 对话中追加了新消息
	TypeConversationUpdated = "conversation.updated" // 对话标题或状态变化

	// 通用
	TypeError = "error" // 错误消息
	TypePong  = "pong"  // 心跳响应
)

// Message WebSocket 消息结构
// 所有消息都使用这个统一的结构
type Message struct {
	Type      string      `json:"type"`                 // 消息类型
	Payload   interface{} `json:"payload"`              // 消息内容
	Timestamp int64       `json:"timestamp"`            // 时间戳（毫秒）
	MessageID string      `json:"message_id,omitempty"` // 消息ID，用于追踪
}

// NewMessage 创建新消息
func NewMessage(msgType string, payload interface{}) *Message {
	return &Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ==================== Payload 类型定义 ====================

// ConversationMessagePayload 新消息事件
type ConversationMessagePayload struct {
	ConversationID int64                      `json:"conversation_id"`
	Message        *model.ConversationMessage `json:"message"`
}

// ConversationUpdatedPayload 对话变更事件
type ConversationUpdatedPayload struct {
	ConversationID int64                    `json:"conversation_id"`
	Title          string                   `json:"title"`
	Status         model.ConversationStatus `json:"status"`
	LastActiveAt   time.Time                `json:"last_active_at"`
}

// ErrorPayload 错误消息 Payload
type ErrorPayload struct {
	Code    int    `json:"code"`    // 错误码
	Message string `json:"message"` // 错误信息
}
