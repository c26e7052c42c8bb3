// Package websocket 提供 WebSocket 通信功能
package websocket

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClientClosed 连接已关闭
var ErrClientClosed = errors.New("websocket client closed")

// Client 表示一个 WebSocket 客户端连接
type Client struct {
	hub       *Hub            // 所属的 Hub
	conn      *websocket.Conn // WebSocket 连接
	send      chan []byte     // 发送消息的通道
	closed    chan struct{}   // 关闭信号
	closeOnce sync.Once
	userID    int64 // 用户ID
}

// 连接配置常量
const (
	// 写超时时间
	writeWait = 10 * time.Second

	// 等待 Pong 响应的超时时间
	pongWait = 60 * time.Second

	// 发送 Ping 的间隔（必须小于 pongWait）
	pingPeriod = (pongWait * 9) / 10

	// 客户端只发送心跳，消息很小
	maxMessageSize = 4 * 1024

	// 发送缓冲区大小
	sendBufferSize = 256
)

// NewClient 创建新的客户端
func NewClient(hub *Hub, conn *websocket.Conn, userID int64) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
		userID: userID,
	}
}

// ReadPump 读取 WebSocket 消息的 goroutine
// 每个客户端连接启动一个 ReadPump
func (c *Client) ReadPump() {
	// 确保退出时清理资源
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	// 每次收到 Pong，重置读取超时
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			// 检查是否是正常关闭
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WARN] WebSocket read error: userID=%d, err=%v", c.userID, err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.SendMessage(NewMessage(TypeError, &ErrorPayload{Code: 1000, Message: "消息格式错误"}))
			continue
		}

		c.handleMessage(&msg)
	}
}

// WritePump 写入 WebSocket 消息的 goroutine
// 负责从 send 通道读取消息并写入 WebSocket，同时定时发送 Ping
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// SendMessage 向客户端发送消息
func (c *Client) SendMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

// sendRaw 非阻塞发送，缓冲区满时丢弃
func (c *Client) sendRaw(data []byte) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
	default:
		// 如果通道已满，说明客户端处理不过来
		log.Printf("[WARN] Client send buffer full, dropping message: userID=%d", c.userID)
	}
	return nil
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case TypeHeartbeat:
		c.SendMessage(NewMessage(TypePong, nil))

	default:
		c.SendMessage(NewMessage(TypeError, &ErrorPayload{Code: 1000, Message: "不支持的消息类型: " + msg.Type}))
	}
}

// Close 关闭客户端连接，可重复调用
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
