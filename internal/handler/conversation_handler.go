// Package handler 提供 HTTP 请求处理器
package handler

import (
	"errors"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"
	"nexusvoice-server/internal/middleware"
	"nexusvoice-server/internal/service"
	"nexusvoice-server/pkg/response"
)

// ConversationHandler 对话请求处理器
type ConversationHandler struct {
	conversationService *service.ConversationService
	chatService         *service.ChatService
}

// NewConversationHandler 创建 ConversationHandler 实例
func NewConversationHandler(conversationService *service.ConversationService, chatService *service.ChatService) *ConversationHandler {
	return &ConversationHandler{
		conversationService: conversationService,
		chatService:         chatService,
	}
}

// RegisterRoutes 注册对话路由，调用方负责挂载认证中间件
func (h *ConversationHandler) RegisterRoutes(rg *gin.RouterGroup) {
	conversations := rg.Group("/conversations")
	{
		conversations.GET("/models", h.ListModels)
		conversations.POST("/chat", h.Chat)
		conversations.POST("", h.CreateConversation)
		conversations.GET("", h.ListConversations)
		conversations.GET("/:id", h.GetConversation)
		conversations.DELETE("/:id", h.DeleteConversation)
		conversations.GET("/:id/history", h.GetHistory)
		conversations.POST("/:id/messages", h.AppendMessage)
		conversations.POST("/:id/archive", h.ArchiveConversation)
		conversations.POST("/:id/title", h.RefreshTitle)
	}
}

// CreateConversation 创建对话
// @Summary 创建对话
// @Tags 对话
// @Security Bearer
// @Accept json
// @Produce json
// @Param body body service.CreateConversationRequest false "对话配置"
// @Success 201 {object} response.Response{data=model.Conversation}
// @Router /api/v1/conversations [post]
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req service.CreateConversationRequest
	// 请求体可以为空，全部使用默认值
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(c, "无效的请求参数")
		return
	}

	conversation, err := h.conversationService.CreateConversationWithOptions(c.Request.Context(), userID, &req)
	if err != nil {
		writeServiceError(c, err, "创建对话失败")
		return
	}

	response.Created(c, conversation)
}

// ListConversations 获取对话列表
// @Summary 获取对话列表
// @Description 按最后活跃时间倒序，不包含已删除的对话
// @Tags 对话
// @Security Bearer
// @Produce json
// @Param limit query int false "数量" default(20)
// @Success 200 {object} response.Response{data=[]service.ConversationSummary}
// @Router /api/v1/conversations [get]
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := middleware.GetUserID(c)

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.BadRequest(c, "无效的数量")
			return
		}
		limit = n
	}

	summaries, err := h.conversationService.ListConversations(c.Request.Context(), userID, limit)
	if err != nil {
		writeServiceError(c, err, "获取对话列表失败")
		return
	}

	response.Success(c, gin.H{
		"conversations": summaries,
		"total":         len(summaries),
	})
}

// GetConversation 获取对话详情
// @Router /api/v1/conversations/{id} [get]
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}

	conversation, err := h.conversationService.GetConversation(c.Request.Context(), middleware.GetUserID(c), conversationID)
	if err != nil {
		writeServiceError(c, err, "获取对话失败")
		return
	}

	response.Success(c, conversation)
}

// GetHistory 获取对话历史，按序号升序
// @Router /api/v1/conversations/{id}/history [get]
func (h *ConversationHandler) GetHistory(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}

	messages, err := h.conversationService.GetHistory(c.Request.Context(), middleware.GetUserID(c), conversationID)
	if err != nil {
		writeServiceError(c, err, "获取对话历史失败")
		return
	}

	response.Success(c, gin.H{
		"conversation_id": conversationID,
		"messages":        messages,
	})
}

// AppendMessage 追加消息
// @Summary 追加消息
// @Description 检查消息数与令牌上限后写入，携带 client_message_id 的重试不会重复写入
// @Tags 对话
// @Security Bearer
// @Accept json
// @Produce json
// @Param id path int true "对话ID"
// @Param body body service.AppendMessageRequest true "消息"
// @Success 201 {object} response.Response{data=model.ConversationMessage}
// @Router /api/v1/conversations/{id}/messages [post]
func (h *ConversationHandler) AppendMessage(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}

	var req service.AppendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "无效的请求参数")
		return
	}

	message, err := h.conversationService.AppendMessage(c.Request.Context(), middleware.GetUserID(c), conversationID, &req)
	if err != nil {
		writeServiceError(c, err, "发送消息失败")
		return
	}

	response.Created(c, message)
}

// ArchiveConversation 归档对话
// @Router /api/v1/conversations/{id}/archive [post]
func (h *ConversationHandler) ArchiveConversation(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}

	conversation, err := h.conversationService.ArchiveConversation(c.Request.Context(), middleware.GetUserID(c), conversationID)
	if err != nil {
		writeServiceError(c, err, "归档对话失败")
		return
	}

	response.SuccessWithMessage(c, "对话已归档", conversation)
}

// DeleteConversation 删除对话（逻辑删除）
// @Router /api/v1/conversations/{id} [delete]
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}

	if err := h.conversationService.DeleteConversation(c.Request.Context(), middleware.GetUserID(c), conversationID); err != nil {
		writeServiceError(c, err, "删除对话失败")
		return
	}

	response.SuccessWithMessage(c, "对话已删除", nil)
}

// RefreshTitle 根据第一条用户消息重新生成标题
// @Router /api/v1/conversations/{id}/title [post]
func (h *ConversationHandler) RefreshTitle(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}

	conversation, err := h.conversationService.RefreshTitle(c.Request.Context(), middleware.GetUserID(c), conversationID)
	if err != nil {
		writeServiceError(c, err, "生成标题失败")
		return
	}

	response.Success(c, conversation)
}

// Chat 发送一轮对话
// @Summary 对话
// @Description 不传 conversation_id 时新建对话；AI 调用失败时用户消息保留并标记为失败
// @Tags 对话
// @Security Bearer
// @Accept json
// @Produce json
// @Param body body service.ChatRequest true "对话请求"
// @Success 200 {object} response.Response{data=service.ChatResponse}
// @Router /api/v1/conversations/chat [post]
func (h *ConversationHandler) Chat(c *gin.Context) {
	var req service.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "无效的请求参数")
		return
	}

	result, err := h.chatService.Chat(c.Request.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		writeServiceError(c, err, "对话失败")
		return
	}

	response.Success(c, result)
}

// ListModels 获取可用模型列表
// @Router /api/v1/conversations/models [get]
func (h *ConversationHandler) ListModels(c *gin.Context) {
	opts := h.conversationService.Options()
	response.Success(c, gin.H{
		"models":        opts.Models,
		"default_model": opts.DefaultModel,
	})
}

// NoRoute 未匹配的路由返回统一的 404 响应
func NoRoute(c *gin.Context) {
	response.NotFound(c, "接口不存在")
}

// parseConversationID 解析路径中的对话ID，失败时直接写入 400 响应
func parseConversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "无效的对话ID")
		return 0, false
	}
	return id, true
}

// writeServiceError 把服务层错误映射为 HTTP 响应
// 未识别的错误记录到 gin 上下文，由日志中间件输出
func writeServiceError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrConversationNotFound):
		response.ConversationNotFound(c)
	case errors.Is(err, service.ErrMessageNotFound):
		response.MessageNotFound(c)
	case errors.Is(err, service.ErrNoPermission):
		response.Forbidden(c, "无权访问该对话")
	case errors.Is(err, service.ErrLimitExceeded):
		response.LimitExceeded(c, err.Error())
	case errors.Is(err, service.ErrConversationArchived):
		response.ConversationArchived(c)
	case errors.Is(err, service.ErrInvalidTransition):
		response.InvalidTransition(c, err.Error())
	case errors.Is(err, service.ErrValidation):
		response.BadRequest(c, err.Error())
	case errors.Is(err, service.ErrAIUnavailable):
		c.Error(err)
		response.AIUnavailable(c)
	default:
		c.Error(err)
		response.InternalError(c, fallback)
	}
}
