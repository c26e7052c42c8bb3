// Package middleware 提供 HTTP 请求的中间件
// 包括 JWT 认证、CORS 跨域、日志记录等
package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"nexusvoice-server/pkg/jwt"
	"nexusvoice-server/pkg/response"
)

// TokenBlacklist Token 黑名单，由 Redis 实现
type TokenBlacklist interface {
	IsTokenBlacklisted(ctx context.Context, tokenHash string) bool
}

// AuthMiddleware 创建 JWT 认证中间件
// 验证请求头中的 Bearer Token，并将用户信息存入上下文
// 参数:
//   - jwtService: JWT 服务实例，用于解析和验证 Token
//   - blacklist: Token 黑名单，未启用 Redis 时传 nil
//
// 返回:
//   - gin.HandlerFunc: Gin 中间件函数
func AuthMiddleware(jwtService *jwt.JWTService, blacklist TokenBlacklist) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. 从请求头获取 Authorization 字段
		// 格式: "Bearer <token>"
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "请先登录")
			c.Abort()
			return
		}

		// 2. 解析 Bearer Token
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "认证格式错误")
			c.Abort()
			return
		}
		tokenString := parts[1]

		// 3. 验证签名和过期时间
		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Token 无效或已过期")
			c.Abort()
			return
		}

		// 4. 检查 Token 是否已登出
		if blacklist != nil && blacklist.IsTokenBlacklisted(c.Request.Context(), jwt.HashToken(tokenString)) {
			response.Unauthorized(c, "Token 已失效，请重新登录")
			c.Abort()
			return
		}

		// 5. 将用户信息存入上下文
		// 后续的 Handler 可以通过 GetUserID(c) 获取
		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("token", tokenString)          // 存储原始 Token，用于登出时计算哈希
		c.Set("token_exp", claims.ExpiresAt) // 存储过期时间，用于登出时设置黑名单 TTL

		c.Next()
	}
}

// GetUserID 从上下文获取用户 ID 的辅助函数
// 返回:
//   - int64: 用户 ID，如果未认证返回 0
func GetUserID(c *gin.Context) int64 {
	userID, exists := c.Get("user_id")
	if !exists {
		return 0
	}
	id, _ := userID.(int64)
	return id
}

// GetUsername 从上下文获取用户名的辅助函数
func GetUsername(c *gin.Context) string {
	username, exists := c.Get("username")
	if !exists {
		return ""
	}
	name, _ := username.(string)
	return name
}

// RequireAuth 检查用户是否已认证的辅助函数
// 如果未认证，返回 401 错误并终止请求
func RequireAuth(c *gin.Context) bool {
	if GetUserID(c) == 0 {
		response.Unauthorized(c, "请先登录")
		c.Abort()
		return false
	}
	return true
}
