package logger

import (
	"log/slog"
	"os"
	"strings"
)

// NewDefault 根据日志级别字符串创建默认的 slog.Logger（文本格式，输出到 stderr）。
//
// 支持的级别: debug / info / warn / error，未知值回退为 info。
func NewDefault(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel 将配置中的级别字符串转换为 slog.Level。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
