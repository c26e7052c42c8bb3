package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"nexusvoice-server/internal/cache"
	"nexusvoice-server/internal/config"
	"nexusvoice-server/internal/handler"
	"nexusvoice-server/internal/middleware"
	"nexusvoice-server/internal/repository"
	"nexusvoice-server/internal/service"
	"nexusvoice-server/internal/websocket"
	"nexusvoice-server/pkg/jwt"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP 与 WebSocket 服务",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.JWT.Secret == "" {
		return errors.New("jwt.secret 未配置")
	}

	// 初始化数据库
	db, err := repository.OpenDatabase(cfg)
	if err != nil {
		return err
	}
	log.Println("[INFO] Database connected successfully")

	// 自动迁移数据库表
	if err := repository.AutoMigrate(db); err != nil {
		return err
	}

	// 初始化 Redis（可选）
	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = cache.NewRedisCache(cfg)
		if err != nil {
			return err
		}
		defer redisCache.Close()
		log.Println("[INFO] Redis connected successfully")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化 Service 层
	conversationService := service.NewConversationService(
		repository.NewConversationRepository(db),
		repository.NewMessageRepository(db),
		newLocker(cfg, redisCache),
		service.OptionsFromConfig(cfg),
	)
	chatService := service.NewChatService(conversationService, service.NewAIService(cfg))

	// 初始化 WebSocket Hub，同时作为对话事件的通知器
	wsHub := websocket.NewHub(redisCache)
	go wsHub.Run(ctx)
	go wsHub.RunRedisRelay(ctx)
	conversationService.SetNotifier(wsHub)

	// Redis 未启用时黑名单与吊销器保持 nil 接口
	var blacklist middleware.TokenBlacklist
	var revoker handler.TokenRevoker
	if redisCache != nil {
		blacklist = redisCache
		revoker = redisCache
	}

	jwtService := jwt.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpire)

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	corsConfig := middleware.DefaultCORSConfig()
	if len(cfg.Server.CORS) > 0 {
		corsConfig.AllowOrigins = cfg.Server.CORS
	}
	router.Use(middleware.RequestIDMiddleware())      // 请求ID
	router.Use(middleware.RecoveryMiddleware())       // 恢复 panic
	router.Use(middleware.LoggerMiddleware())         // 请求日志
	router.Use(middleware.CORSMiddleware(corsConfig)) // CORS

	router.GET("/health", healthHandler(db, redisCache))
	router.NoRoute(handler.NoRoute)

	v1 := router.Group("/api/v1", middleware.AuthMiddleware(jwtService, blacklist))
	handler.NewConversationHandler(conversationService, chatService).RegisterRoutes(v1)
	handler.NewAuthHandler(revoker).RegisterRoutes(v1)
	websocket.NewHandler(wsHub, cfg.JWT.Secret, blacklist, corsConfig.AllowOrigins).RegisterRoutes(router)

	// 对话接口需要等待大模型返回
	writeTimeout := 70 * time.Second
	if cfg.AI.Timeout > 0 {
		writeTimeout = cfg.AI.Timeout + 10*time.Second
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[INFO] Server starting on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 优雅关闭
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Println("[INFO] Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	log.Println("[INFO] Server exited")
	return nil
}

// newLocker 创建对话锁
// 启用 Redis 时先拿进程内锁再拿分布式锁，减少同实例内对 Redis 的轮询
func newLocker(cfg *config.Config, redisCache *cache.RedisCache) service.Locker {
	local := service.NewKeyedMutex()
	if redisCache == nil {
		return local
	}
	return service.ChainLocker{local, cache.NewConversationLocker(redisCache, cfg.Conversation.LockTTL)}
}

// healthHandler 检查数据库与 Redis 连接
func healthHandler(db *gorm.DB, redisCache *cache.RedisCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := gin.H{"status": "ok", "database": "ok"}
		code := http.StatusOK

		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			status["status"] = "degraded"
			status["database"] = "unavailable"
			code = http.StatusServiceUnavailable
		}
		if redisCache != nil {
			status["redis"] = "ok"
			if err := redisCache.Ping(c.Request.Context()); err != nil {
				status["status"] = "degraded"
				status["redis"] = "unavailable"
				code = http.StatusServiceUnavailable
			}
		}

		c.JSON(code, status)
	}
}
