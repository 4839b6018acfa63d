package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dealradar/internal/model"
	"dealradar/internal/pkg/metrics"
	"dealradar/internal/pkg/notify"
	"dealradar/internal/pkg/queue"
	"dealradar/internal/pkg/runlock"
	"dealradar/internal/search"
)

// ErrRunInProgress 表示同一条搜索已有执行在进行中。
var ErrRunInProgress = errors.New("search run already in progress")

// Store 是 Runner 依赖的持久化能力子集，接口化便于测试替换。
type Store interface {
	GetSearch(ctx context.Context, id string) (model.SavedSearch, error)
	ListSearches(ctx context.Context) ([]model.SavedSearch, error)
	GetSettings(ctx context.Context) (model.Settings, error)
	AppendMatches(ctx context.Context, searchID string, listings []model.RawListing) ([]model.Match, error)
}

// Filter 相关性过滤能力。
type Filter interface {
	Apply(ctx context.Context, query string, listings []model.RawListing) []model.RawListing
}

// RunResult 一次执行的结果摘要。
type RunResult struct {
	SearchID string        `json:"search_id"`
	Query    string        `json:"query"`
	Found    int           `json:"found"`    // 聚合到的原始结果数
	Matched  int           `json:"matched"`  // 通过过滤的数量
	Appended []model.Match `json:"appended"` // 实际写入的匹配
}

// Runner 串起一次完整的 search-and-filter 周期：
// 锁定 -> 读搜索 -> 读设置 -> 聚合 -> 过滤 -> 落盘 -> 通知。
type Runner struct {
	store      Store
	aggregator *search.Aggregator
	filter     Filter
	lock       *runlock.Lock
	notifier   notify.Notifier
	queue      *queue.Queue
	timeout    time.Duration
	logger     *slog.Logger
}

// New 创建 Runner。notifier 和 q 可以为 nil（关闭对应功能）。
func New(
	st Store,
	aggregator *search.Aggregator,
	filter Filter,
	lock *runlock.Lock,
	notifier notify.Notifier,
	q *queue.Queue,
	timeout time.Duration,
	logger *slog.Logger,
) *Runner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Runner{
		store:      st,
		aggregator: aggregator,
		filter:     filter,
		lock:       lock,
		notifier:   notifier,
		queue:      q,
		timeout:    timeout,
		logger:     logger,
	}
}

// RunSearch 手动触发一次指定搜索的执行。
//
// 同一条搜索不允许并发执行（返回 ErrRunInProgress）；不同搜索互不影响。
// 平台失败不会让整次执行失败，最坏情况是零结果。
func (r *Runner) RunSearch(ctx context.Context, searchID string) (*RunResult, error) {
	acquired, err := r.lock.Acquire(ctx, searchID)
	if err != nil {
		metrics.SearchRunsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		metrics.SearchRunsTotal.WithLabelValues("locked").Inc()
		return nil, ErrRunInProgress
	}
	defer func() {
		if err := r.lock.Release(context.WithoutCancel(ctx), searchID); err != nil {
			r.logger.Warn("release run lock failed",
				slog.String("search_id", searchID),
				slog.String("error", err.Error()))
		}
	}()

	start := time.Now()
	result, err := r.execute(ctx, searchID)
	metrics.SearchRunDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SearchRunsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.SearchRunsTotal.WithLabelValues("success").Inc()
	return result, nil
}

func (r *Runner) execute(ctx context.Context, searchID string) (*RunResult, error) {
	srch, err := r.store.GetSearch(ctx, searchID)
	if err != nil {
		return nil, err
	}

	settings, err := r.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	listings := r.aggregator.Search(searchCtx, srch.Query, srch.MaxPrice, settings.PlatformEnabled)
	matched := r.filter.Apply(ctx, srch.Query, listings)

	appended, err := r.store.AppendMatches(ctx, srch.ID, matched)
	if err != nil {
		return nil, fmt.Errorf("persist matches: %w", err)
	}

	r.logger.Info("search run completed",
		slog.String("search_id", srch.ID),
		slog.String("query", srch.Query),
		slog.Int("found", len(listings)),
		slog.Int("matched", len(matched)))

	if r.notifier != nil && len(appended) > 0 {
		if err := r.notifier.Send(ctx, srch.Query, appended); err != nil {
			r.logger.Warn("notification failed",
				slog.String("search_id", srch.ID),
				slog.String("error", err.Error()))
		}
	}

	return &RunResult{
		SearchID: srch.ID,
		Query:    srch.Query,
		Found:    len(listings),
		Matched:  len(matched),
		Appended: appended,
	}, nil
}

// RunAll 把所有保存的搜索排入 worker 队列异步执行，返回入队数量。
//
// 队列满时剩余任务被丢弃（计入队列统计），调用方通过返回值感知。
func (r *Runner) RunAll(ctx context.Context) (int, error) {
	if r.queue == nil {
		return 0, fmt.Errorf("run queue not configured")
	}

	searches, err := r.store.ListSearches(ctx)
	if err != nil {
		return 0, fmt.Errorf("list searches: %w", err)
	}

	enqueued := 0
	for _, srch := range searches {
		id := srch.ID
		ok := r.queue.Enqueue(func(jobCtx context.Context) error {
			_, err := r.RunSearch(jobCtx, id)
			if errors.Is(err, ErrRunInProgress) {
				// 已在执行中的搜索跳过即可，不算失败
				return nil
			}
			return err
		})
		if ok {
			enqueued++
		}
	}
	metrics.RunQueueDepth.Set(float64(r.queue.Len()))

	r.logger.Info("refresh-all enqueued",
		slog.Int("total", len(searches)),
		slog.Int("enqueued", enqueued))
	return enqueued, nil
}
