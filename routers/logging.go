package routers

import (
	"log/slog"
	"time"

	"StoryToComic-server/logger"

	"github.com/gin-gonic/gin"
)

// requestLogger 用 slog 记录每个请求
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l := logger.WithComponent("http")
		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= 500 {
			l.Error("request", attrs...)
			return
		}
		l.Info("request", attrs...)
	}
}
