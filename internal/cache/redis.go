// Package cache 提供 Redis 缓存操作的封装
// 处理对话分布式锁、跨实例事件广播、JWT 黑名单等需要快速访问的数据
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"nexusvoice-server/internal/config"
)

// ErrLockTimeout 在 ctx 结束前没有拿到锁
var ErrLockTimeout = errors.New("acquire conversation lock timeout")

// 用户事件频道，user:{userID}:events
const (
	userEventChannelPrefix  = "user:"
	userEventChannelSuffix  = ":events"
	userEventChannelPattern = "user:*:events"
)

// releaseLockScript 只有持有者才能释放锁
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache 封装 Redis 客户端，提供业务相关的缓存操作
type RedisCache struct {
	client *redis.Client // Redis 客户端实例
}

// NewRedisCache 创建 RedisCache 实例
// 参数:
//   - cfg: 应用配置（包含 Redis 连接信息）
//
// 返回:
//   - *RedisCache: 缓存实例
//   - error: 连接错误
func NewRedisCache(cfg *config.Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Close 关闭 Redis 连接
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping 检查 Redis 连接
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// ==================== 对话锁 ====================
// SET NX PX 加锁，Lua 脚本比较 token 后删除
// 多实例部署时保证同一对话的序号分配串行执行

// conversationLockKey 对话锁的 Key
func conversationLockKey(conversationID int64) string {
	return fmt.Sprintf("conversation:%d:lock", conversationID)
}

// TryLockConversation 尝试获取对话锁，不等待
// 参数:
//   - ctx: 上下文
//   - conversationID: 对话ID
//   - ttl: 锁的过期时间，持有者崩溃后自动释放
//
// 返回:
//   - string: 锁 token，释放时需要
//   - bool: 是否获取成功
//   - error: Redis 操作错误
func (c *RedisCache) TryLockConversation(ctx context.Context, conversationID int64, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, conversationLockKey(conversationID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// UnlockConversation 释放对话锁
// token 不匹配（锁已过期并被他人获取）时不做任何事
func (c *RedisCache) UnlockConversation(ctx context.Context, conversationID int64, token string) error {
	return releaseLockScript.Run(ctx, c.client, []string{conversationLockKey(conversationID)}, token).Err()
}

// ConversationLocker 基于 Redis 的对话锁
// 实现 service.Locker
type ConversationLocker struct {
	cache *RedisCache
	ttl   time.Duration
	retry time.Duration
}

// NewConversationLocker 创建 ConversationLocker 实例
// 参数:
//   - cache: Redis 缓存
//   - ttl: 锁过期时间，应大于一次追加的耗时
func NewConversationLocker(cache *RedisCache, ttl time.Duration) *ConversationLocker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &ConversationLocker{cache: cache, ttl: ttl, retry: 20 * time.Millisecond}
}

// Lock 获取对话锁，拿不到时轮询直到 ctx 结束或等待超过 ttl
func (l *ConversationLocker) Lock(ctx context.Context, conversationID int64) (func(), error) {
	deadline := time.Now().Add(l.ttl)
	for {
		token, ok, err := l.cache.TryLockConversation(ctx, conversationID, l.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// 请求 ctx 可能已经取消，释放锁使用独立的超时
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				l.cache.UnlockConversation(releaseCtx, conversationID, token)
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

// ==================== JWT 黑名单 ====================
// 用于实现 Token 强制失效（登出）功能

// BlacklistToken 将 Token 加入黑名单
// 参数:
//   - ctx: 上下文
//   - tokenHash: Token 的哈希值（不存储原始 Token）
//   - expireAt: Token 的原始过期时间
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) BlacklistToken(ctx context.Context, tokenHash string, expireAt time.Time) error {
	ttl := time.Until(expireAt)
	if ttl <= 0 {
		// Token 已过期，无需加入黑名单
		return nil
	}
	// TTL 与 Token 剩余有效期一致，过期后自动删除
	return c.client.Set(ctx, fmt.Sprintf("jwt:blacklist:%s", tokenHash), "1", ttl).Err()
}

// IsTokenBlacklisted 检查 Token 是否在黑名单中
func (c *RedisCache) IsTokenBlacklisted(ctx context.Context, tokenHash string) bool {
	return c.client.Exists(ctx, fmt.Sprintf("jwt:blacklist:%s", tokenHash)).Val() > 0
}

// ==================== Pub/Sub ====================
// 多实例部署时，对话事件通过 Redis 广播到持有该用户连接的实例

// userEventChannel 用户事件频道名
func userEventChannel(userID int64) string {
	return userEventChannelPrefix + strconv.FormatInt(userID, 10) + userEventChannelSuffix
}

// ParseUserEventChannel 从频道名解析用户ID
func ParseUserEventChannel(channel string) (int64, bool) {
	if !strings.HasPrefix(channel, userEventChannelPrefix) || !strings.HasSuffix(channel, userEventChannelSuffix) {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(channel, userEventChannelPrefix), userEventChannelSuffix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// PublishUserEvent 发布用户事件
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID
//   - event: 事件内容（会被 JSON 序列化）
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) PublishUserEvent(ctx context.Context, userID int64, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, userEventChannel(userID), data).Err()
}

// SubscribeAllUserEvents 订阅所有用户的事件
// 每个服务实例只需要一个订阅，收到后再分发给本实例上的连接
// 返回 PubSub 对象，调用方负责关闭
func (c *RedisCache) SubscribeAllUserEvents(ctx context.Context) *redis.PubSub {
	return c.client.PSubscribe(ctx, userEventChannelPattern)
}
