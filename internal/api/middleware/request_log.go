package middleware

import (
	"strconv"
	"time"

	"log/slog"

	"dealradar/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// RequestLogger 记录请求日志并上报 HTTP 指标。
//
// 日志级别随状态分级：5xx 为 error，4xx 为 warn，其余 info。
// 指标按路由模板（而不是原始路径）打点，避免 /matches/:id 这类路径
// 把标签基数撑爆。
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(latency.Seconds())

		if logger == nil {
			return
		}

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		logger.LogAttrs(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.String("client_ip", c.ClientIP()),
			slog.String("latency", latency.String()),
		)
	}
}
