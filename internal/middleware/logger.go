// Package middleware 提供 HTTP 请求的中间件
package middleware

import (
	"fmt"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader 请求ID响应头
const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware 为每个请求分配请求ID
// 客户端传入的 X-Request-ID 会被沿用
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// LoggerMiddleware 创建请求日志中间件
// 记录每个请求的方法、路径、状态码、耗时和用户
// 返回:
//   - gin.HandlerFunc: Gin 中间件函数
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		statusCode := c.Writer.Status()
		logLine := formatLogLine(
			statusCode,
			time.Since(start),
			c.ClientIP(),
			c.Request.Method,
			path,
			c.GetString("request_id"),
			GetUserID(c),
			c.Errors.ByType(gin.ErrorTypePrivate).String(),
		)

		// 根据状态码选择日志级别
		switch {
		case statusCode >= 500:
			log.Printf("[ERROR] %s", logLine)
		case statusCode >= 400:
			log.Printf("[WARN] %s", logLine)
		default:
			log.Printf("[INFO] %s", logLine)
		}
	}
}

// formatLogLine 格式化日志行
func formatLogLine(statusCode int, latency time.Duration, clientIP, method, path, requestID string, userID int64, errorMessage string) string {
	// 小于 1ms 显示微秒，小于 1s 显示毫秒，否则显示秒
	switch {
	case latency < time.Millisecond:
	case latency < time.Second:
		latency = latency.Truncate(time.Microsecond)
	default:
		latency = latency.Truncate(time.Millisecond)
	}

	logLine := fmt.Sprintf("%s | %-12s | %-15s | %-7s | %s",
		statusCodeLabel(statusCode), latency, clientIP, method, path)
	if requestID != "" {
		logLine += " | rid=" + requestID
	}
	if userID != 0 {
		logLine += fmt.Sprintf(" | uid=%d", userID)
	}
	if errorMessage != "" {
		logLine += " | " + errorMessage
	}
	return logLine
}

// statusCodeLabel 根据状态码返回带分类标记的状态码
func statusCodeLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return fmt.Sprintf("[%d OK]", code)
	case code >= 300 && code < 400:
		return fmt.Sprintf("[%d REDIRECT]", code)
	case code >= 400 && code < 500:
		return fmt.Sprintf("[%d CLIENT_ERR]", code)
	default:
		return fmt.Sprintf("[%d SERVER_ERR]", code)
	}
}

// RecoveryMiddleware 创建 panic 恢复中间件
// 捕获处理器中的 panic，防止程序崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[PANIC] %v | rid=%s", err, c.GetString("request_id"))
				c.AbortWithStatusJSON(500, gin.H{
					"code":    500,
					"message": "服务器内部错误",
				})
			}
		}()

		c.Next()
	}
}
