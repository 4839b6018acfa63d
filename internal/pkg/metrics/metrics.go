package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 指标集合。所有指标通过 InitMetrics 注册一次，测试中可重复调用（幂等）。
var (
	// SearchRunsTotal 搜索执行总数，按结果状态分类（success / failed / locked）。
	SearchRunsTotal *prometheus.CounterVec

	// SearchRunDuration 单次搜索执行耗时。
	SearchRunDuration prometheus.Histogram

	// PlatformRequestsTotal 平台搜索请求总数，按平台与状态分类。
	PlatformRequestsTotal *prometheus.CounterVec

	// PlatformRequestDuration 平台搜索请求耗时，按平台分类。
	PlatformRequestDuration *prometheus.HistogramVec

	// FilterRequestsTotal 相关性过滤执行次数，按策略（ai / keyword）与状态分类。
	FilterRequestsTotal *prometheus.CounterVec

	// MatchesAppendedTotal 写入 Match 集合的商品总数。
	MatchesAppendedTotal prometheus.Counter

	// StoreWriteFailuresTotal 持久化写入失败次数。
	StoreWriteFailuresTotal prometheus.Counter

	// RunQueueDepth 当前 run 队列中等待执行的任务数。
	RunQueueDepth prometheus.Gauge

	// RateLimitWaitDuration 出站限流等待耗时。
	RateLimitWaitDuration prometheus.Histogram

	// RateLimitTimeoutTotal 限流等待超时次数。
	RateLimitTimeoutTotal prometheus.Counter

	// HTTPRequestsTotal HTTP 请求总数，按方法与状态码分类。
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPRequestDuration HTTP 请求耗时，按方法与路由模板分类。
	HTTPRequestDuration *prometheus.HistogramVec
)

var initOnce sync.Once

// InitMetrics 注册所有 Prometheus 指标。
//
// 多次调用是安全的（只注册一次），方便单元测试直接调用。
func InitMetrics() {
	initOnce.Do(func() {
		SearchRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dealradar_search_runs_total",
			Help: "Total search runs by status.",
		}, []string{"status"})

		SearchRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dealradar_search_run_duration_seconds",
			Help:    "Duration of a full search-and-filter run.",
			Buckets: prometheus.DefBuckets,
		})

		PlatformRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dealradar_platform_requests_total",
			Help: "Total platform search requests by platform and status.",
		}, []string{"platform", "status"})

		PlatformRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealradar_platform_request_duration_seconds",
			Help:    "Duration of platform search requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"})

		FilterRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dealradar_filter_requests_total",
			Help: "Relevance filter invocations by strategy and status.",
		}, []string{"strategy", "status"})

		MatchesAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "dealradar_matches_appended_total",
			Help: "Total matches appended to the persisted collection.",
		})

		StoreWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "dealradar_store_write_failures_total",
			Help: "Total persistence write failures.",
		})

		RunQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dealradar_run_queue_depth",
			Help: "Pending jobs in the run queue.",
		})

		RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dealradar_ratelimit_wait_duration_seconds",
			Help:    "Time spent waiting for the outbound rate limiter.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		})

		RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "dealradar_ratelimit_timeouts_total",
			Help: "Rate limit waits that were aborted by context cancellation.",
		})

		HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dealradar_http_requests_total",
			Help: "Total HTTP requests by method and status code.",
		}, []string{"method", "status"})

		HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealradar_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"})
	})
}
