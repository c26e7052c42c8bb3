// Package service 提供业务逻辑层的实现
package service

import (
	"errors"
	"fmt"
)

// 对话服务相关错误
// 服务层只返回这些错误，不做日志和面向用户的格式化
var (
	ErrConversationNotFound = errors.New("对话不存在")
	ErrMessageNotFound      = errors.New("消息不存在")
	ErrNoPermission         = errors.New("无权访问该对话")
	ErrLimitExceeded        = errors.New("超出对话限制")
	ErrValidation           = errors.New("参数校验失败")
	ErrAIUnavailable        = errors.New("AI 服务不可用")
)

// 校验类错误，均可通过 errors.Is(err, ErrValidation) 识别
var (
	ErrInvalidTransition    = fmt.Errorf("%w: 对话状态不允许该操作", ErrValidation)
	ErrConversationArchived = fmt.Errorf("%w: 对话已归档", ErrValidation)
	ErrEmptyContent         = fmt.Errorf("%w: 用户消息内容不能为空", ErrValidation)
	ErrInvalidRole          = fmt.Errorf("%w: 消息角色不合法", ErrValidation)
	ErrInvalidTokenCount    = fmt.Errorf("%w: 令牌数量不能为负数", ErrValidation)
	ErrUnsupportedModel     = fmt.Errorf("%w: 不支持的模型", ErrValidation)
)

// LimitKind 限制类型
type LimitKind string

const (
	LimitMessages LimitKind = "messages" // 消息数量
	LimitTokens   LimitKind = "tokens"   // 令牌总数
)

// LimitError 超出对话限制
// 携带配置的上限和当前值，errors.Is(err, ErrLimitExceeded) 为 true
type LimitError struct {
	Kind    LimitKind
	Limit   int64
	Current int64
}

func (e *LimitError) Error() string {
	switch e.Kind {
	case LimitMessages:
		return fmt.Sprintf("对话消息数量已达上限(%d)", e.Limit)
	case LimitTokens:
		return fmt.Sprintf("对话令牌数量已超出上限(%d)", e.Limit)
	default:
		return fmt.Sprintf("%s (%d)", ErrLimitExceeded.Error(), e.Limit)
	}
}

// Is 让 LimitError 匹配 ErrLimitExceeded
func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}
