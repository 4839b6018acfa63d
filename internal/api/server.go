package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"dealradar/internal/api/middleware"
	"dealradar/internal/config"
	"dealradar/internal/filter"
	"dealradar/internal/model"
	"dealradar/internal/pkg/metrics"
	"dealradar/internal/pkg/notify"
	"dealradar/internal/pkg/queue"
	"dealradar/internal/pkg/ratelimit"
	"dealradar/internal/pkg/runlock"
	"dealradar/internal/runner"
	"dealradar/internal/search"
	"dealradar/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有 Redis 客户端、持久化层、搜索执行器以及 Gin 路由引擎。
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	rdb        *redis.Client
	router     *gin.Engine
	runQueue   *queue.Queue
	dataStore  DataStore
	runner     SearchRunner
	aggregator *search.Aggregator
}

// DataStore 是 handler 依赖的持久化能力，接口化便于测试替换。
type DataStore interface {
	Ping(ctx context.Context) error
	CreateSearch(ctx context.Context, query string, maxPrice float64) (model.SavedSearch, error)
	ListSearches(ctx context.Context) ([]model.SavedSearch, error)
	DeleteSearch(ctx context.Context, id string) error
	QueryMatches(ctx context.Context, q store.MatchQuery) ([]model.Match, error)
	ToggleRead(ctx context.Context, id string) (model.Match, error)
	MarkAllRead(ctx context.Context) (int, error)
	ClearMatches(ctx context.Context) error
	GetSettings(ctx context.Context) (model.Settings, error)
	SaveSettings(ctx context.Context, settings model.Settings) error
}

// SearchRunner 触发搜索执行。
type SearchRunner interface {
	RunSearch(ctx context.Context, searchID string) (*runner.RunResult, error)
	RunAll(ctx context.Context) (int, error)
}

type platformInfo struct {
	Name model.Platform `json:"name"`
	Live bool           `json:"live"`
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 Redis
// 2. 组装平台搜索器、过滤器与执行器
// 3. 初始化 Gin 路由引擎
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	metrics.InitMetrics()

	dataStore := store.New(rdb, logger)

	var limiter *ratelimit.RateLimiter
	if cfg.App.RateLimit > 0 {
		limiter = ratelimit.NewRedisRateLimiter(rdb, logger, "dealradar:ratelimit:ebay", cfg.App.RateLimit, cfg.App.RateBurst)
	}

	searchers := []search.Searcher{
		search.NewEbaySearcher(&cfg.Ebay, limiter, logger),
		search.NewKleinanzeigenSearcher(nil, logger),
	}
	aggregator := search.NewAggregator(logger, searchers...)

	relevance := filter.NewRelevance(filter.NewAIClient(&cfg.AI, logger), logger)
	lock := runlock.New(rdb, cfg.App.RunLockTTL)
	notifier := notify.NewEmailNotifier(&cfg.Email, logger)

	runQueue := queue.New(logger, cfg.App.RunWorkers, cfg.App.RunQueueCapacity)
	runQueue.Start(ctx)

	run := runner.New(dataStore, aggregator, relevance, lock, notifier, runQueue, cfg.App.SearchTimeout, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		rdb:        rdb,
		router:     r,
		runQueue:   runQueue,
		dataStore:  dataStore,
		runner:     run,
		aggregator: aggregator,
	}
	s.registerRoutes()
	return s, nil
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Close 关闭队列与缓存连接。
func (s *Server) Close() error {
	if s.runQueue != nil {
		if err := s.runQueue.ShutdownWithTimeout(10 * time.Second); err != nil {
			s.logger.Warn("run queue shutdown", slog.String("error", err.Error()))
		}
	}
	if s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/platforms", s.handleListPlatforms)

	s.router.POST("/searches", s.handleCreateSearch)
	s.router.GET("/searches", s.handleListSearches)
	s.router.DELETE("/searches/:id", s.handleDeleteSearch)
	s.router.POST("/searches/:id/run", s.handleRunSearch)
	s.router.POST("/searches/run-all", s.handleRunAll)

	s.router.GET("/matches", s.handleListMatches)
	s.router.POST("/matches/:id/read", s.handleToggleRead)
	s.router.POST("/matches/read-all", s.handleMarkAllRead)
	s.router.DELETE("/matches", s.handleClearMatches)

	s.router.GET("/settings", s.handleGetSettings)
	s.router.PUT("/settings", s.handleUpdateSettings)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.dataStore.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListPlatforms(c *gin.Context) {
	searchers := s.aggregator.Searchers()
	platforms := make([]platformInfo, 0, len(searchers))
	for _, sr := range searchers {
		platforms = append(platforms, platformInfo{Name: sr.Platform(), Live: sr.Live()})
	}
	c.JSON(http.StatusOK, gin.H{"platforms": platforms})
}

// createSearchRequest 创建搜索的请求参数。
type createSearchRequest struct {
	Query    string  `json:"query" binding:"required"`
	MaxPrice float64 `json:"max_price"`
}

func (s *Server) handleCreateSearch(c *gin.Context) {
	var req createSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	created, err := s.dataStore.CreateSearch(c.Request.Context(), req.Query, req.MaxPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListSearches(c *gin.Context) {
	searches, err := s.dataStore.ListSearches(c.Request.Context())
	if err != nil {
		s.logger.Error("list searches failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"searches": searches})
}

func (s *Server) handleDeleteSearch(c *gin.Context) {
	err := s.dataStore.DeleteSearch(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "search not found"})
		return
	}
	if err != nil {
		s.logger.Error("delete search failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRunSearch(c *gin.Context) {
	result, err := s.runner.RunSearch(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "search not found"})
	case errors.Is(err, runner.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "run already in progress"})
	case err != nil:
		s.logger.Error("run search failed",
			slog.String("search_id", c.Param("id")),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) handleRunAll(c *gin.Context) {
	enqueued, err := s.runner.RunAll(c.Request.Context())
	if err != nil {
		s.logger.Error("run all failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"enqueued": enqueued})
}

func (s *Server) handleListMatches(c *gin.Context) {
	q := store.MatchQuery{
		Title: c.Query("q"),
		Sort:  c.Query("sort"),
	}

	if p := c.Query("platform"); p != "" {
		platform := model.Platform(p)
		if !platform.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown platform"})
			return
		}
		q.Platform = platform
	}
	switch c.Query("read") {
	case "":
	case "true":
		v := true
		q.Read = &v
	case "false":
		v := false
		q.Read = &v
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "read must be true or false"})
		return
	}

	matches, err := s.dataStore.QueryMatches(c.Request.Context(), q)
	if err != nil {
		s.logger.Error("query matches failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

func (s *Server) handleToggleRead(c *gin.Context) {
	match, err := s.dataStore.ToggleRead(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
		return
	}
	if err != nil {
		s.logger.Error("toggle read failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, match)
}

func (s *Server) handleMarkAllRead(c *gin.Context) {
	changed, err := s.dataStore.MarkAllRead(c.Request.Context())
	if err != nil {
		s.logger.Error("mark all read failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

func (s *Server) handleClearMatches(c *gin.Context) {
	if err := s.dataStore.ClearMatches(c.Request.Context()); err != nil {
		s.logger.Error("clear matches failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.dataStore.GetSettings(c.Request.Context())
	if err != nil {
		s.logger.Error("get settings failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var settings model.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings payload"})
		return
	}

	if err := s.dataStore.SaveSettings(c.Request.Context(), settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}
