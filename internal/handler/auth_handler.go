// Package handler 提供 HTTP 请求处理器
package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"nexusvoice-server/internal/middleware"
	"nexusvoice-server/pkg/jwt"
	"nexusvoice-server/pkg/response"
)

// TokenRevoker 使 Token 提前失效，由 Redis 实现
type TokenRevoker interface {
	BlacklistToken(ctx context.Context, tokenHash string, expireAt time.Time) error
}

// AuthHandler 认证请求处理器
// 用户身份由上游签发，这里只处理当前 Token 的查询和登出
type AuthHandler struct {
	revoker TokenRevoker
}

// NewAuthHandler 创建 AuthHandler 实例
// revoker 为 nil 时登出只由客户端丢弃 Token
func NewAuthHandler(revoker TokenRevoker) *AuthHandler {
	return &AuthHandler{revoker: revoker}
}

// RegisterRoutes 注册认证路由，调用方负责挂载认证中间件
func (h *AuthHandler) RegisterRoutes(rg *gin.RouterGroup) {
	auth := rg.Group("/auth")
	{
		auth.GET("/me", h.Me)
		auth.POST("/logout", h.Logout)
	}
}

// Me 返回当前 Token 对应的用户
// @Router /api/v1/auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	if !middleware.RequireAuth(c) {
		return
	}
	response.Success(c, gin.H{
		"user_id":  middleware.GetUserID(c),
		"username": middleware.GetUsername(c),
	})
}

// Logout 用户登出
// 将当前 Token 加入黑名单，直到其原本的过期时间
// @Router /api/v1/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	if !middleware.RequireAuth(c) {
		return
	}
	if h.revoker == nil {
		response.SuccessWithMessage(c, "登出成功", nil)
		return
	}

	token := c.GetString("token")
	expireAt := time.Now()
	if exp, ok := c.Get("token_exp"); ok {
		if date, ok := exp.(*jwtlib.NumericDate); ok && date != nil {
			expireAt = date.Time
		}
	}

	if err := h.revoker.BlacklistToken(c.Request.Context(), jwt.HashToken(token), expireAt); err != nil {
		c.Error(err)
		response.InternalError(c, "登出失败")
		return
	}

	response.SuccessWithMessage(c, "登出成功", nil)
}
