package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"nexusvoice-server/internal/model"
)

// ChatService 处理一轮完整的对话
// 写入用户消息 -> 调用大模型 -> 写入助手回复 -> 必要时生成标题
type ChatService struct {
	conversations *ConversationService
	model         ChatModel
}

// NewChatService 创建 ChatService 实例
func NewChatService(conversations *ConversationService, chatModel ChatModel) *ChatService {
	return &ChatService{
		conversations: conversations,
		model:         chatModel,
	}
}

// ChatRequest 对话请求
// Temperature 和 MaxTokens 覆盖对话配置中的同名参数，只对本轮生效
type ChatRequest struct {
	ConversationID  *int64   `json:"conversation_id"`   // 为空时新建对话
	Message         string   `json:"message"`           // 用户消息
	ModelName       string   `json:"model_name"`        // 新建对话时使用的模型
	SystemPrompt    string   `json:"system_prompt"`     // 新建对话时使用的系统提示词
	Title           string   `json:"title"`             // 新建对话时使用的标题
	RoleID          *int64   `json:"role_id"`           // 新建对话时绑定的角色
	Temperature     *float64 `json:"temperature"`       // 采样温度 0-2
	MaxTokens       *int     `json:"max_tokens"`        // 回复最大令牌数
	ClientMessageID *string  `json:"client_message_id"` // 用户消息的幂等键
}

// ChatResponse 对话响应
type ChatResponse struct {
	ConversationID   int64                      `json:"conversation_id"`
	Title            string                     `json:"title"`
	UserMessage      *model.ConversationMessage `json:"user_message"`
	AssistantMessage *model.ConversationMessage `json:"assistant_message"`
}

// Chat 进行一轮对话
// 大模型调用失败时用户消息保留并标记为 failed，返回 ErrAIUnavailable
// 参数:
//   - ctx: 上下文
//   - userID: 已认证的用户ID
//   - req: 对话请求
//
// 返回:
//   - *ChatResponse: 本轮的用户消息与助手回复
//   - error: 访问、上限、校验或大模型错误
func (s *ChatService) Chat(ctx context.Context, userID int64, req *ChatRequest) (*ChatResponse, error) {
	if req == nil || strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyContent
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return nil, fmt.Errorf("%w: temperature 必须在 0 到 2 之间", ErrValidation)
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return nil, fmt.Errorf("%w: max_tokens 必须大于 0", ErrValidation)
	}

	conversation, err := s.getOrCreate(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	userMessage, err := s.conversations.AppendMessage(ctx, userID, conversation.ID, &AppendMessageRequest{
		Role:            model.MessageRoleUser,
		Content:         req.Message,
		ClientMessageID: req.ClientMessageID,
		status:          model.MessageStatusSending,
	})
	if err != nil {
		return nil, err
	}

	history, err := s.conversations.GetConversationHistory(ctx, conversation.ID)
	if err != nil {
		return nil, err
	}

	// 同一幂等键的重试请求，已经有回复时直接返回
	if reply := replyAfter(history, userMessage.ID); reply != nil {
		return &ChatResponse{
			ConversationID:   conversation.ID,
			Title:            conversation.Title,
			UserMessage:      userMessage,
			AssistantMessage: reply,
		}, nil
	}

	opts := s.conversations.Options()
	completion := buildCompletionRequest(conversation, history, userMessage.ID, opts.HistoryWindow)
	completion.Temperature, completion.MaxTokens = samplingParams(conversation, req, opts)

	result, err := s.model.Complete(ctx, completion)
	if err != nil {
		if markErr := s.conversations.MarkMessageFailed(ctx, userMessage.ID, err.Error()); markErr != nil {
			return nil, errors.Join(err, markErr)
		}
		if !errors.Is(err, ErrAIUnavailable) {
			err = fmt.Errorf("%w: %v", ErrAIUnavailable, err)
		}
		return nil, err
	}
	if userMessage.Status != model.MessageStatusSent {
		if err := s.conversations.MarkMessageSent(ctx, userMessage.ID); err != nil {
			return nil, err
		}
		userMessage.Status = model.MessageStatusSent
		userMessage.ErrorMessage = nil
	}

	assistant := model.NewAssistantMessage(result.Content, "")
	assistant.TokenCount = result.CompletionTokens
	if assistant.TokenCount <= 0 {
		assistant.TokenCount = EstimateTokens(result.Content)
	}
	assistant.Metadata = model.Params{
		"model":         model.String(conversation.ModelName),
		"prompt_tokens": model.Number(float64(result.PromptTokens)),
	}
	if result.FinishReason != "" {
		assistant.Metadata["finish_reason"] = model.String(result.FinishReason)
	}

	assistantMessage, err := s.conversations.appendMessage(ctx, conversation, assistant, false)
	if err != nil {
		return nil, err
	}

	resp := &ChatResponse{
		ConversationID:   conversation.ID,
		UserMessage:      userMessage,
		AssistantMessage: assistantMessage,
	}
	err = s.conversations.refreshDefaultTitle(ctx, conversation)
	resp.Title = conversation.Title
	return resp, err
}

// getOrCreate 获取已有对话或按默认值新建
func (s *ChatService) getOrCreate(ctx context.Context, userID int64, req *ChatRequest) (*model.Conversation, error) {
	if req.ConversationID != nil {
		return s.conversations.GetConversation(ctx, userID, *req.ConversationID)
	}
	return s.conversations.CreateConversationWithOptions(ctx, userID, &CreateConversationRequest{
		Title:        req.Title,
		ModelName:    req.ModelName,
		SystemPrompt: req.SystemPrompt,
		RoleID:       req.RoleID,
	})
}

// replyAfter 返回紧跟在指定用户消息之后的助手回复
func replyAfter(history []model.ConversationMessage, messageID int64) *model.ConversationMessage {
	for i := range history {
		if history[i].ID != messageID {
			continue
		}
		if i+1 < len(history) && history[i+1].IsFromAssistant() {
			reply := history[i+1]
			return &reply
		}
		return nil
	}
	return nil
}

// buildCompletionRequest 由系统提示词、最近的历史消息和本轮用户消息构建补全请求
// window 限制本轮之前的历史条数，0 表示不限制
// 函数/工具消息和发送失败的助手消息不会发给大模型
func buildCompletionRequest(conversation *model.Conversation, history []model.ConversationMessage, currentID int64, window int) *CompletionRequest {
	var current *model.ConversationMessage
	previous := make([]ChatMessage, 0, len(history))
	for i := range history {
		if history[i].ID == currentID {
			current = &history[i]
			break
		}
		if msg, ok := toChatMessage(&history[i]); ok {
			previous = append(previous, msg)
		}
	}
	if window > 0 && len(previous) > window {
		previous = previous[len(previous)-window:]
	}

	req := &CompletionRequest{
		Model:    conversation.ModelName,
		Messages: make([]ChatMessage, 0, len(previous)+2),
	}
	if prompt := strings.TrimSpace(conversation.SystemPrompt); prompt != "" {
		req.Messages = append(req.Messages, ChatMessage{Role: "system", Content: prompt})
	}
	req.Messages = append(req.Messages, previous...)
	if current != nil {
		if msg, ok := toChatMessage(current); ok {
			req.Messages = append(req.Messages, msg)
		}
	}
	return req
}

// toChatMessage 转换为大模型消息格式，不可发送的消息返回 false
func toChatMessage(m *model.ConversationMessage) (ChatMessage, bool) {
	if m.Status == model.MessageStatusFailed && !m.IsFromUser() {
		return ChatMessage{}, false
	}
	switch m.Role {
	case model.MessageRoleSystem, model.MessageRoleUser, model.MessageRoleAssistant:
		return ChatMessage{Role: strings.ToLower(string(m.Role)), Content: m.Content}, true
	}
	return ChatMessage{}, false
}

// samplingParams 依次取请求参数、对话配置、服务默认值
func samplingParams(conversation *model.Conversation, req *ChatRequest, opts Options) (*float64, *int) {
	temperature := opts.DefaultTemperature
	if v, ok := conversation.ConfigParams["temperature"].AsNumber(); ok {
		temperature = v
	}
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	maxTokens := opts.DefaultMaxTokens
	if v, ok := conversation.ConfigParams["max_tokens"].AsNumber(); ok && v > 0 {
		maxTokens = int(v)
	}
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	var maxTokensPtr *int
	if maxTokens > 0 {
		maxTokensPtr = &maxTokens
	}
	return &temperature, maxTokensPtr
}
