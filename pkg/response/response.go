// Package response 提供统一的 HTTP 响应格式
// 所有 API 都使用相同的响应结构，便于前端处理
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
// code: 业务状态码（0 表示成功）
// message: 提示信息
// data: 响应数据
type Response struct {
	Code    int         `json:"code"`           // 业务状态码
	Message string      `json:"message"`        // 提示信息
	Data    interface{} `json:"data,omitempty"` // 响应数据，可选
}

// 业务状态码定义
const (
	CodeSuccess       = 0    // 成功
	CodeBadRequest    = 1000 // 请求参数错误
	CodeUnauthorized  = 1001 // 未授权
	CodeForbidden     = 1002 // 禁止访问
	CodeNotFound      = 1003 // 资源不存在
	CodeInternalError = 1004 // 服务器内部错误

	CodeConversationNotFound = 1301 // 对话不存在
	CodeConversationArchived = 1302 // 对话已归档
	CodeInvalidTransition    = 1303 // 对话状态变更不合法
	CodeMessageNotFound      = 1304 // 消息不存在
	CodeLimitExceeded        = 1305 // 对话超出消息数或 Token 上限

	CodeAIUnavailable = 1501 // AI 服务不可用
)

// Success 返回成功响应
// 参数:
//   - c: Gin 上下文
//   - data: 响应数据，可以是任意类型
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithMessage 返回成功响应（带自定义消息）
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: message,
		Data:    data,
	})
}

// Error 返回错误响应
// 参数:
//   - c: Gin 上下文
//   - httpCode: HTTP 状态码
//   - message: 错误信息
func Error(c *gin.Context, httpCode int, message string) {
	c.JSON(httpCode, Response{
		Code:    httpCode,
		Message: message,
	})
}

// ErrorWithCode 返回错误响应（带业务状态码）
// 参数:
//   - c: Gin 上下文
//   - httpCode: HTTP 状态码
//   - bizCode: 业务状态码
//   - message: 错误信息
func ErrorWithCode(c *gin.Context, httpCode, bizCode int, message string) {
	c.JSON(httpCode, Response{
		Code:    bizCode,
		Message: message,
	})
}

// BadRequest 返回 400 错误（请求参数错误）
func BadRequest(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusBadRequest, CodeBadRequest, message)
}

// Unauthorized 返回 401 错误（未授权）
func Unauthorized(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden 返回 403 错误（禁止访问）
func Forbidden(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusForbidden, CodeForbidden, message)
}

// NotFound 返回 404 错误（资源不存在）
func NotFound(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusNotFound, CodeNotFound, message)
}

// InternalError 返回 500 错误（服务器内部错误）
func InternalError(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusInternalServerError, CodeInternalError, message)
}

// ConversationNotFound 返回对话不存在错误
func ConversationNotFound(c *gin.Context) {
	ErrorWithCode(c, http.StatusNotFound, CodeConversationNotFound, "对话不存在")
}

// MessageNotFound 返回消息不存在错误
func MessageNotFound(c *gin.Context) {
	ErrorWithCode(c, http.StatusNotFound, CodeMessageNotFound, "消息不存在")
}

// ConversationArchived 返回对话已归档错误
func ConversationArchived(c *gin.Context) {
	ErrorWithCode(c, http.StatusConflict, CodeConversationArchived, "对话已归档，不能继续发送消息")
}

// InvalidTransition 返回状态变更不合法错误
func InvalidTransition(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusConflict, CodeInvalidTransition, message)
}

// LimitExceeded 返回超出上限错误
// message 中包含具体的上限值
func LimitExceeded(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusUnprocessableEntity, CodeLimitExceeded, message)
}

// AIUnavailable 返回 AI 服务不可用错误
func AIUnavailable(c *gin.Context) {
	ErrorWithCode(c, http.StatusBadGateway, CodeAIUnavailable, "AI 服务暂时不可用，请稍后重试")
}

// Created 返回 201 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    CodeSuccess,
		Message: "创建成功",
		Data:    data,
	})
}

// NoContent 返回 204 无内容响应（用于删除操作）
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
