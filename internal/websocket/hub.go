// Package websocket 提供 WebSocket 通信功能
package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"nexusvoice-server/internal/cache"
	"nexusvoice-server/internal/model"
)

// publishTimeout 向 Redis 发布事件的超时时间
const publishTimeout = 2 * time.Second

// Hub 是 WebSocket 连接的中心管理器
// 负责：
// 1. 管理所有客户端连接
// 2. 把对话事件推送给对应用户
// 3. 多实例部署时通过 Redis 转发事件
//
// Hub 实现 service.ConversationNotifier
type Hub struct {
	// 用户连接映射：userID -> 连接集合
	// 一个用户可能同时在多个设备上打开
	clients map[int64]map[*Client]struct{}

	// 注册通道
	register chan *Client

	// 注销通道
	unregister chan *Client

	// Run 退出后关闭
	done chan struct{}

	// 互斥锁，保护并发访问
	mu sync.RWMutex

	// Redis 缓存，为 nil 时只在本实例内投递
	cache *cache.RedisCache
}

// NewHub 创建 Hub 实例
// 参数:
//   - cache: Redis 缓存，未启用 Redis 时传 nil
func NewHub(cache *cache.RedisCache) *Hub {
	return &Hub{
		clients:    make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		cache:      cache,
	}
}

// Run 启动 Hub 的主循环，直到 ctx 结束
// 应该在单独的 goroutine 中运行
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[client.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[client.userID] = set
	}
	set[client] = struct{}{}
	log.Printf("[INFO] WebSocket client registered: userID=%d, connections=%d", client.userID, len(set))
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if set, ok := h.clients[client.userID]; ok {
		delete(set, client)
		// 如果没有连接了，删除 key
		if len(set) == 0 {
			delete(h.clients, client.userID)
		}
	}
	h.mu.Unlock()

	client.Close()
	log.Printf("[INFO] WebSocket client unregistered: userID=%d", client.userID)
}

// closeAll 关闭所有连接
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, set := range h.clients {
		for client := range set {
			client.Close()
		}
		delete(h.clients, userID)
	}
}

// Register 注册客户端（供外部调用）
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

// Unregister 注销客户端（供外部调用）
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.Close()
	}
}

// ConnectionCount 返回用户在本实例上的连接数
func (h *Hub) ConnectionCount(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// NotifyMessageAppended 推送新消息事件
func (h *Hub) NotifyMessageAppended(userID int64, message *model.ConversationMessage) {
	h.dispatch(userID, NewMessage(TypeConversationMessage, &ConversationMessagePayload{
		ConversationID: message.ConversationID,
		Message:        message,
	}))
}

// NotifyConversationUpdated 推送对话变更事件
func (h *Hub) NotifyConversationUpdated(userID int64, conversation *model.Conversation) {
	h.dispatch(userID, NewMessage(TypeConversationUpdated, &ConversationUpdatedPayload{
		ConversationID: conversation.ID,
		Title:          conversation.Title,
		Status:         conversation.Status,
		LastActiveAt:   conversation.LastActiveAt,
	}))
}

// dispatch 投递事件
// 启用 Redis 时发布到用户频道，由各实例的 RunRedisRelay 投递；发布失败退回本地投递
func (h *Hub) dispatch(userID int64, msg *Message) {
	if h.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := h.cache.PublishUserEvent(ctx, userID, msg)
		cancel()
		if err == nil {
			return
		}
		log.Printf("[WARN] Failed to publish user event, delivering locally: userID=%d, err=%v", userID, err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ERROR] Failed to encode event: %v", err)
		return
	}
	h.deliverLocal(userID, data)
}

// deliverLocal 向本实例上该用户的所有连接发送数据
func (h *Hub) deliverLocal(userID int64, data []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[userID]))
	for client := range h.clients[userID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.sendRaw(data)
	}
}

// RunRedisRelay 订阅所有用户事件并投递给本实例上的连接，直到 ctx 结束
// 未启用 Redis 时立即返回
func (h *Hub) RunRedisRelay(ctx context.Context) {
	if h.cache == nil {
		return
	}

	sub := h.cache.SubscribeAllUserEvents(ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			userID, ok := cache.ParseUserEventChannel(msg.Channel)
			if !ok {
				continue
			}
			h.deliverLocal(userID, []byte(msg.Payload))
		}
	}
}
