// Package service 提供业务逻辑层的实现
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nexusvoice-server/internal/config"
	"nexusvoice-server/internal/model"
	"nexusvoice-server/internal/repository"
	"nexusvoice-server/pkg/util"
)

// 对话列表相关常量
const (
	previewMaxRunes = 100 // 最后一条消息预览的最大字符数
	maxListLimit    = 100 // 对话列表单次最大数量
)

// ConversationNotifier 对话事件通知接口
// 实现方不能阻塞，服务层在独立的 goroutine 中调用
type ConversationNotifier interface {
	NotifyMessageAppended(userID int64, message *model.ConversationMessage)
	NotifyConversationUpdated(userID int64, conversation *model.Conversation)
}

// Options 对话服务的限制与默认值
type Options struct {
	MaxMessages         int      // 单个对话最大消息数
	MaxTokens           int64    // 单个对话最大令牌数
	DefaultTitle        string   // 默认标题
	DefaultModel        string   // 默认模型
	DefaultSystemPrompt string   // 默认系统提示词
	TitleMaxRunes       int      // 标题最大字符数
	ListLimit           int      // 对话列表默认数量
	AppendRetries       int      // 序号冲突时的重试次数
	HistoryWindow       int      // 发给大模型的历史消息条数，不含本轮用户消息
	DefaultTemperature  float64  // 默认采样温度
	DefaultMaxTokens    int      // 单次回复默认最大令牌数
	Models              []string // 允许使用的模型，为空表示不限制
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		MaxMessages:         100,
		MaxTokens:           50000,
		DefaultTitle:        "新对话",
		DefaultModel:        "gpt-4o-mini",
		DefaultSystemPrompt: "你是一个有用的AI助手",
		TitleMaxRunes:       20,
		ListLimit:           20,
		AppendRetries:       3,
		HistoryWindow:       20,
		DefaultTemperature:  0.7,
		DefaultMaxTokens:    2000,
	}
}

// OptionsFromConfig 从配置文件构建 Options，未配置的项使用默认值
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	c := cfg.Conversation
	if c.MaxMessages > 0 {
		opts.MaxMessages = c.MaxMessages
	}
	if c.MaxTokens > 0 {
		opts.MaxTokens = c.MaxTokens
	}
	if c.DefaultTitle != "" {
		opts.DefaultTitle = c.DefaultTitle
	}
	if c.DefaultModel != "" {
		opts.DefaultModel = c.DefaultModel
	}
	if c.DefaultSystemPrompt != "" {
		opts.DefaultSystemPrompt = c.DefaultSystemPrompt
	}
	if c.TitleMaxRunes > 0 {
		opts.TitleMaxRunes = c.TitleMaxRunes
	}
	if c.ListLimit > 0 {
		opts.ListLimit = c.ListLimit
	}
	if c.AppendRetries >= 0 {
		opts.AppendRetries = c.AppendRetries
	}
	if c.HistoryWindow > 0 {
		opts.HistoryWindow = c.HistoryWindow
	}
	if c.DefaultTemperature > 0 {
		opts.DefaultTemperature = c.DefaultTemperature
	}
	if c.DefaultMaxTokens > 0 {
		opts.DefaultMaxTokens = c.DefaultMaxTokens
	}
	opts.Models = cfg.AI.Models
	return opts
}

// ConversationService 对话服务
// 负责对话的创建、消息追加、历史查询、状态迁移
// 所有面向用户的方法都会先经过 AccessGuard
type ConversationService struct {
	conversations ConversationStore
	messages      MessageStore
	sequencer     *Sequencer
	limits        *LimitGuard
	titles        *TitleSynthesizer
	access        *AccessGuard
	locker        Locker
	notifier      ConversationNotifier
	opts          Options
	now           func() time.Time
}

// NewConversationService 创建 ConversationService 实例
// 参数:
//   - conversations: 对话存储
//   - messages: 消息存储
//   - locker: 对话锁，为 nil 时使用进程内锁
//   - opts: 限制与默认值
//
// 返回:
//   - *ConversationService: 对话服务实例
func NewConversationService(
	conversations ConversationStore,
	messages MessageStore,
	locker Locker,
	opts Options,
) *ConversationService {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &ConversationService{
		conversations: conversations,
		messages:      messages,
		sequencer:     NewSequencer(messages),
		limits:        NewLimitGuard(messages),
		titles:        NewTitleSynthesizer(messages, opts.DefaultTitle, opts.TitleMaxRunes),
		access:        NewAccessGuard(conversations),
		locker:        locker,
		opts:          opts,
		now:           time.Now,
	}
}

// SetNotifier 设置通知器
func (s *ConversationService) SetNotifier(n ConversationNotifier) {
	s.notifier = n
}

// Options 返回当前生效的配置
func (s *ConversationService) Options() Options {
	return s.opts
}

// CreateConversationRequest 创建对话请求
type CreateConversationRequest struct {
	Title        string       `json:"title"`         // 标题，为空使用默认标题
	ModelName    string       `json:"model_name"`    // 模型，为空使用默认模型
	SystemPrompt string       `json:"system_prompt"` // 系统提示词，为空使用默认值
	RoleID       *int64       `json:"role_id"`       // 角色ID（可选）
	ConfigParams model.Params `json:"config_params"` // 模型参数（可选）
	Greeting     string       `json:"greeting"`      // 开场白，非空时作为第一条助手消息
}

// CreateConversation 创建对话
// 空字段使用配置的默认值，新对话状态为 ACTIVE
func (s *ConversationService) CreateConversation(ctx context.Context, userID int64, title, modelName, systemPrompt string) (*model.Conversation, error) {
	return s.CreateConversationWithOptions(ctx, userID, &CreateConversationRequest{
		Title:        title,
		ModelName:    modelName,
		SystemPrompt: systemPrompt,
	})
}

// CreateConversationWithOptions 创建对话，支持角色、模型参数和开场白
// 参数:
//   - ctx: 上下文
//   - userID: 已认证的用户ID
//   - req: 创建请求
//
// 返回:
//   - *model.Conversation: 新建的对话
//   - error: 校验错误或存储错误
func (s *ConversationService) CreateConversationWithOptions(ctx context.Context, userID int64, req *CreateConversationRequest) (*model.Conversation, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: 用户ID无效", ErrValidation)
	}
	if req == nil {
		req = &CreateConversationRequest{}
	}

	modelName := strings.TrimSpace(req.ModelName)
	if modelName == "" {
		modelName = s.opts.DefaultModel
	}
	if !s.modelSupported(modelName) {
		return nil, ErrUnsupportedModel
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = s.opts.DefaultTitle
	}
	title = util.TruncateRunes(title, 200, "")

	systemPrompt := req.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = s.opts.DefaultSystemPrompt
	}

	now := s.now()
	conversation := &model.Conversation{
		UserID:       userID,
		RoleID:       req.RoleID,
		Title:        title,
		ModelName:    modelName,
		SystemPrompt: systemPrompt,
		ConfigParams: req.ConfigParams,
		Status:       model.ConversationStatusActive,
		LastActiveAt: now,
	}
	if err := s.conversations.SaveConversation(ctx, conversation); err != nil {
		return nil, err
	}

	if greeting := strings.TrimSpace(req.Greeting); greeting != "" {
		message := model.NewAssistantMessage(greeting, "")
		message.TokenCount = EstimateTokens(greeting)
		if _, err := s.appendMessage(ctx, conversation, message, false); err != nil {
			// 开场白写入失败时撤销新建的对话
			if _, derr := s.conversations.UpdateStatus(ctx, conversation.ID, model.ConversationStatusActive, model.ConversationStatusDeleted); derr != nil {
				return nil, errors.Join(err, derr)
			}
			return nil, err
		}
		conversation.Touch(s.now())
	}

	return conversation, nil
}

// AddMessageToConversation 向对话追加一条消息
// 序号分配与写入在对话锁内完成，写入后再刷新对话的最后活跃时间
// 刷新活跃时间失败时返回已写入的消息和错误，使用相同幂等键重试不会产生重复消息
// 参数:
//   - ctx: 上下文
//   - conversationID: 对话ID
//   - message: 待追加的消息，Sequence 和 ConversationID 会被覆盖
//
// 返回:
//   - *model.ConversationMessage: 已持久化的消息
//   - error: ErrConversationNotFound、校验错误或存储错误
func (s *ConversationService) AddMessageToConversation(ctx context.Context, conversationID int64, message *model.ConversationMessage) (*model.ConversationMessage, error) {
	conversation, err := s.conversations.FindConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, ErrConversationNotFound
	}
	return s.appendMessage(ctx, conversation, message, false)
}

// appendMessage 追加消息
// enforceLimits 为 true 时在对话锁内检查消息数量和令牌上限
func (s *ConversationService) appendMessage(ctx context.Context, conversation *model.Conversation, message *model.ConversationMessage, enforceLimits bool) (*model.ConversationMessage, error) {
	if err := validateMessage(message); err != nil {
		return nil, err
	}

	// 幂等键先于归档检查，归档后的重放仍返回已存储的消息
	if message.ClientMessageID != nil {
		existing, err := s.messages.FindByClientMessageID(ctx, conversation.ID, *message.ClientMessageID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if conversation.Status == model.ConversationStatusArchived {
				return existing, nil
			}
			return existing, s.touch(ctx, conversation.ID)
		}
	}
	if conversation.Status == model.ConversationStatusArchived {
		return nil, ErrConversationArchived
	}

	saved, created, err := s.insertWithRetry(ctx, conversation.ID, message, enforceLimits)
	if err != nil {
		return nil, err
	}
	if err := s.touch(ctx, conversation.ID); err != nil {
		return saved, err
	}
	if created {
		s.notifyMessage(conversation.UserID, saved)
	}
	return saved, nil
}

// insertWithRetry 写入消息，序号冲突时重新分配
// 返回的 bool 表示是否新写入，幂等键命中已有消息时为 false
func (s *ConversationService) insertWithRetry(ctx context.Context, conversationID int64, message *model.ConversationMessage, enforceLimits bool) (*model.ConversationMessage, bool, error) {
	retries := s.opts.AppendRetries
	if retries < 0 {
		retries = 0
	}
	for attempt := 0; ; attempt++ {
		err := s.insertLocked(ctx, conversationID, message, enforceLimits)
		if err == nil {
			return message, true, nil
		}
		if !errors.Is(err, repository.ErrDuplicateKey) {
			return nil, false, err
		}

		// 并发请求使用了同一个幂等键
		if message.ClientMessageID != nil {
			existing, ferr := s.messages.FindByClientMessageID(ctx, conversationID, *message.ClientMessageID)
			if ferr != nil {
				return nil, false, ferr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		if attempt >= retries {
			return nil, false, fmt.Errorf("分配消息序号失败: %w", err)
		}
	}
}

// insertLocked 在对话锁内完成: 读取下一个序号 -> 检查上限 -> 写入
func (s *ConversationService) insertLocked(ctx context.Context, conversationID int64, message *model.ConversationMessage, enforceLimits bool) error {
	unlock, err := s.locker.Lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	sequence, err := s.sequencer.NextSequence(ctx, conversationID)
	if err != nil {
		return err
	}

	if enforceLimits {
		if err := s.limits.CheckMessageCountLimit(ctx, conversationID, s.opts.MaxMessages); err != nil {
			return err
		}
		if err := s.limits.CheckTokenLimit(ctx, conversationID, s.opts.MaxTokens); err != nil {
			return err
		}
	}

	message.ID = 0
	message.ConversationID = conversationID
	message.Sequence = sequence
	if message.SentAt.IsZero() {
		message.SentAt = s.now()
	}
	if message.Status == "" {
		message.Status = model.MessageStatusSent
	}
	return s.messages.SaveMessage(ctx, message)
}

// touch 刷新对话的最后活跃时间
func (s *ConversationService) touch(ctx context.Context, conversationID int64) error {
	if err := s.conversations.TouchConversation(ctx, conversationID, s.now()); err != nil {
		return fmt.Errorf("更新对话活跃时间失败: %w", err)
	}
	return nil
}

// validateMessage 校验消息字段
func validateMessage(message *model.ConversationMessage) error {
	if message == nil {
		return fmt.Errorf("%w: 消息不能为空", ErrValidation)
	}
	if !message.Role.Valid() {
		return ErrInvalidRole
	}
	if message.IsFromUser() && strings.TrimSpace(message.Content) == "" {
		return ErrEmptyContent
	}
	if message.TokenCount < 0 {
		return ErrInvalidTokenCount
	}
	if message.ClientMessageID != nil && !util.IsValidClientMessageID(*message.ClientMessageID) {
		return fmt.Errorf("%w: 幂等键格式不正确", ErrValidation)
	}
	return nil
}

// GetConversationHistory 获取对话历史，按序号升序
func (s *ConversationService) GetConversationHistory(ctx context.Context, conversationID int64) ([]model.ConversationMessage, error) {
	exists, err := s.conversations.ExistsConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrConversationNotFound
	}
	return s.messages.FindMessagesByConversationOrderedBySequence(ctx, conversationID)
}

// ValidateConversationAccess 校验用户是否拥有该对话
func (s *ConversationService) ValidateConversationAccess(ctx context.Context, conversationID, userID int64) error {
	return s.access.ValidateAccess(ctx, conversationID, userID)
}

// CheckMessageCountLimit 检查消息数量上限
func (s *ConversationService) CheckMessageCountLimit(ctx context.Context, conversationID int64, maxMessages int) error {
	return s.limits.CheckMessageCountLimit(ctx, conversationID, maxMessages)
}

// CheckTokenLimit 检查令牌总数上限
func (s *ConversationService) CheckTokenLimit(ctx context.Context, conversationID int64, maxTokens int64) error {
	return s.limits.CheckTokenLimit(ctx, conversationID, maxTokens)
}

// CalculateTotalTokens 计算对话令牌总数
func (s *ConversationService) CalculateTotalTokens(ctx context.Context, conversationID int64) (int64, error) {
	return s.limits.CalculateTotalTokens(ctx, conversationID)
}

// GenerateConversationTitle 根据首条用户消息生成标题，不写库
func (s *ConversationService) GenerateConversationTitle(ctx context.Context, conversationID int64) (string, error) {
	return s.titles.GenerateTitle(ctx, conversationID)
}

// TransitionConversationStatus 迁移对话状态
// 只允许 ACTIVE -> ARCHIVED、ACTIVE -> DELETED、ARCHIVED -> DELETED
func (s *ConversationService) TransitionConversationStatus(ctx context.Context, conversationID int64, to model.ConversationStatus) (*model.Conversation, error) {
	conversation, err := s.conversations.FindConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, ErrConversationNotFound
	}
	if !conversation.Status.CanTransitionTo(to) {
		return nil, ErrInvalidTransition
	}

	ok, err := s.conversations.UpdateStatus(ctx, conversationID, conversation.Status, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		// 状态已被并发请求修改
		return nil, ErrInvalidTransition
	}

	conversation.Status = to
	s.notifyConversation(conversation)
	return conversation, nil
}

// ==================== 面向用户的方法 ====================

// GetConversation 获取对话详情
func (s *ConversationService) GetConversation(ctx context.Context, userID, conversationID int64) (*model.Conversation, error) {
	if err := s.access.ValidateAccess(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	conversation, err := s.conversations.FindConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, ErrConversationNotFound
	}
	if !conversation.BelongsTo(userID) {
		return nil, ErrNoPermission
	}
	return conversation, nil
}

// GetHistory 获取用户对话的历史消息
func (s *ConversationService) GetHistory(ctx context.Context, userID, conversationID int64) ([]model.ConversationMessage, error) {
	if err := s.access.ValidateAccess(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.GetConversationHistory(ctx, conversationID)
}

// AppendMessageRequest 追加消息请求
type AppendMessageRequest struct {
	Role            model.MessageRole `json:"role"`              // 角色，为空表示 USER
	Content         string            `json:"content"`           // 内容
	AudioURL        *string           `json:"audio_url"`         // 语音地址（可选）
	TokenCount      *int64            `json:"token_count"`       // 令牌数，为空时按内容估算
	ClientMessageID *string           `json:"client_message_id"` // 幂等键（可选）
	Metadata        model.Params      `json:"metadata"`          // 元数据（可选）

	status string // 初始投递状态，为空表示 sent
}

// AppendMessage 用户向对话追加消息
// 依次执行: 访问校验 -> 分配序号 -> 上限检查 -> 写入 -> 刷新活跃时间
func (s *ConversationService) AppendMessage(ctx context.Context, userID, conversationID int64, req *AppendMessageRequest) (*model.ConversationMessage, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: 请求不能为空", ErrValidation)
	}
	if err := s.access.ValidateAccess(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	conversation, err := s.conversations.FindConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, ErrConversationNotFound
	}

	role := req.Role
	if role == "" {
		role = model.MessageRoleUser
	}
	status := req.status
	if status == "" {
		status = model.MessageStatusSent
	}
	message := &model.ConversationMessage{
		Role:            role,
		Content:         req.Content,
		AudioURL:        req.AudioURL,
		Status:          status,
		Metadata:        req.Metadata,
		ClientMessageID: req.ClientMessageID,
		SentAt:          s.now(),
	}
	if req.TokenCount != nil {
		message.TokenCount = *req.TokenCount
	} else {
		message.TokenCount = EstimateTokens(req.Content)
	}

	return s.appendMessage(ctx, conversation, message, true)
}

// ArchiveConversation 归档对话
func (s *ConversationService) ArchiveConversation(ctx context.Context, userID, conversationID int64) (*model.Conversation, error) {
	if err := s.access.ValidateAccess(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.TransitionConversationStatus(ctx, conversationID, model.ConversationStatusArchived)
}

// DeleteConversation 逻辑删除对话
// 删除后对话及其消息对所有读路径不可见
func (s *ConversationService) DeleteConversation(ctx context.Context, userID, conversationID int64) error {
	if err := s.access.ValidateAccess(ctx, conversationID, userID); err != nil {
		return err
	}
	_, err := s.TransitionConversationStatus(ctx, conversationID, model.ConversationStatusDeleted)
	return err
}

// RefreshTitle 重新生成并保存对话标题
func (s *ConversationService) RefreshTitle(ctx context.Context, userID, conversationID int64) (*model.Conversation, error) {
	conversation, err := s.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	title, err := s.titles.GenerateTitle(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if title == conversation.Title {
		return conversation, nil
	}
	if err := s.conversations.UpdateTitle(ctx, conversationID, title); err != nil {
		return nil, err
	}
	conversation.Title = title
	s.notifyConversation(conversation)
	return conversation, nil
}

// refreshDefaultTitle 对话标题为空或仍是默认标题时根据历史重新生成
func (s *ConversationService) refreshDefaultTitle(ctx context.Context, conversation *model.Conversation) error {
	if conversation.Title != "" && conversation.Title != s.opts.DefaultTitle {
		return nil
	}
	title, err := s.titles.GenerateTitle(ctx, conversation.ID)
	if err != nil {
		return err
	}
	if title == conversation.Title {
		return nil
	}
	if err := s.conversations.UpdateTitle(ctx, conversation.ID, title); err != nil {
		return err
	}
	conversation.Title = title
	s.notifyConversation(conversation)
	return nil
}

// ConversationSummary 对话列表项
type ConversationSummary struct {
	ID           int64                    `json:"id"`
	Title        string                   `json:"title"`
	ModelName    string                   `json:"model_name"`
	Status       model.ConversationStatus `json:"status"`
	MessageCount int64                    `json:"message_count"`
	LastMessage  *string                  `json:"last_message,omitempty"` // 最后一条消息预览
	LastActiveAt time.Time                `json:"last_active_at"`
	CreatedAt    time.Time                `json:"created_at"`
}

// ListConversations 获取用户最近活跃的对话
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID
//   - limit: 数量，<= 0 时使用默认值，最多 100
//
// 返回:
//   - []ConversationSummary: 按最后活跃时间倒序
//   - error: 存储错误
func (s *ConversationService) ListConversations(ctx context.Context, userID int64, limit int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = s.opts.ListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	conversations, err := s.conversations.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	result := make([]ConversationSummary, 0, len(conversations))
	for _, c := range conversations {
		count, err := s.messages.CountMessages(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		summary := ConversationSummary{
			ID:           c.ID,
			Title:        c.Title,
			ModelName:    c.ModelName,
			Status:       c.Status,
			MessageCount: count,
			LastActiveAt: c.LastActiveAt,
			CreatedAt:    c.CreatedAt,
		}
		if count > 0 {
			last, err := s.messages.FindLastMessage(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			if last != nil {
				summary.LastMessage = util.StringPtr(util.TruncateRunes(last.Content, previewMaxRunes, "..."))
			}
		}
		result = append(result, summary)
	}
	return result, nil
}

// MarkMessageFailed 把消息标记为发送失败
func (s *ConversationService) MarkMessageFailed(ctx context.Context, messageID int64, errorMessage string) error {
	message, err := s.messages.FindMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if message == nil {
		return ErrMessageNotFound
	}
	return s.messages.UpdateDeliveryStatus(ctx, messageID, model.MessageStatusFailed, &errorMessage)
}

// MarkMessageSent 把消息标记为已发送，同时清除错误信息
func (s *ConversationService) MarkMessageSent(ctx context.Context, messageID int64) error {
	message, err := s.messages.FindMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if message == nil {
		return ErrMessageNotFound
	}
	return s.messages.UpdateDeliveryStatus(ctx, messageID, model.MessageStatusSent, nil)
}

// modelSupported 检查模型是否在允许列表中
func (s *ConversationService) modelSupported(name string) bool {
	if len(s.opts.Models) == 0 {
		return true
	}
	for _, m := range s.opts.Models {
		if m == name {
			return true
		}
	}
	return false
}

func (s *ConversationService) notifyMessage(userID int64, message *model.ConversationMessage) {
	if s.notifier == nil {
		return
	}
	snapshot := *message
	go s.notifier.NotifyMessageAppended(userID, &snapshot)
}

func (s *ConversationService) notifyConversation(conversation *model.Conversation) {
	if s.notifier == nil {
		return
	}
	snapshot := *conversation
	go s.notifier.NotifyConversationUpdated(conversation.UserID, &snapshot)
}
