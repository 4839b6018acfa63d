package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dealradar/internal/api"
	"dealradar/internal/config"
	"dealradar/internal/pkg/logger"
)

const defaultConfigPath = "configs/config.json"

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置（首次启动时落盘一份默认配置，方便手工调整）
// 2. 初始化日志
// 3. 初始化并启动 API 服务器
func main() {
	cfg, err := config.Load(defaultConfigPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)

	if _, statErr := os.Stat(defaultConfigPath); os.IsNotExist(statErr) {
		if saveErr := config.Save(defaultConfigPath, cfg); saveErr != nil {
			appLogger.Warn("write default config failed",
				slog.String("path", defaultConfigPath),
				slog.String("error", saveErr.Error()))
		} else {
			appLogger.Info("default config written", slog.String("path", defaultConfigPath))
		}
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := api.NewServer(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}

	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if err := srv.Close(); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
}
