// Package websocket 提供 WebSocket 通信功能
package websocket

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"nexusvoice-server/internal/middleware"
	pkgJwt "nexusvoice-server/pkg/jwt"
	"nexusvoice-server/pkg/response"
)

// Handler 处理 WebSocket 连接
type Handler struct {
	hub       *Hub
	jwtSecret string
	blacklist middleware.TokenBlacklist
	upgrader  websocket.Upgrader
}

// NewHandler 创建 WebSocket Handler
// 参数:
//   - hub: 连接管理器
//   - jwtSecret: JWT 签名密钥
//   - blacklist: Token 黑名单，未启用 Redis 时传 nil
//   - allowOrigins: 允许的来源，与 CORS 配置一致
func NewHandler(hub *Hub, jwtSecret string, blacklist middleware.TokenBlacklist, allowOrigins []string) *Handler {
	return &Handler{
		hub:       hub,
		jwtSecret: jwtSecret,
		blacklist: blacklist,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return middleware.OriginAllowed(allowOrigins, r.Header.Get("Origin"))
			},
		},
	}
}

// HandleConversationWS 处理对话事件 WebSocket 连接
// 路由: GET /ws/conversations
// 参数: token (query parameter) - JWT token
func (h *Handler) HandleConversationWS(c *gin.Context) {
	// 浏览器无法为 WebSocket 设置请求头，token 从 query 参数获取
	token := c.Query("token")
	if token == "" {
		response.Unauthorized(c, "需要认证 token")
		return
	}

	claims, err := pkgJwt.ParseUserToken(token, h.jwtSecret)
	if err != nil {
		response.Unauthorized(c, "无效的 token")
		return
	}
	if h.blacklist != nil && h.blacklist.IsTokenBlacklisted(c.Request.Context(), pkgJwt.HashToken(token)) {
		response.Unauthorized(c, "Token 已失效，请重新登录")
		return
	}

	// 升级 HTTP 连接为 WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WARN] Failed to upgrade connection: %v", err)
		return
	}

	client := NewClient(h.hub, conn, claims.UserID)
	h.hub.Register(client)

	// 启动读写协程
	go client.WritePump()
	go client.ReadPump()
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// WebSocket 路由不需要中间件（token 在 query 中验证）
	ws := r.Group("/ws")
	{
		ws.GET("/conversations", h.HandleConversationWS)
	}
}
