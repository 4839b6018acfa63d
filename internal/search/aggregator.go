package search

import (
	"context"
	"log/slog"
	"sync"

	"dealradar/internal/model"
)

// Aggregator 并发地向多个平台发起同一条搜索并合并结果。
//
// 合并顺序是确定的：按 searchers 的注册顺序拼接各平台结果，
// 平台内部保持上游返回顺序。单个平台失败不影响其他平台，
// 失败会被记录（含平台名），聚合整体不返回错误。
type Aggregator struct {
	searchers []Searcher
	logger    *slog.Logger
}

// NewAggregator 创建聚合器。
func NewAggregator(logger *slog.Logger, searchers ...Searcher) *Aggregator {
	return &Aggregator{
		searchers: searchers,
		logger:    logger,
	}
}

// Searchers 返回注册的搜索器（按注册顺序）。
func (a *Aggregator) Searchers() []Searcher {
	return a.searchers
}

// Search 对所有 enabled 返回 true 的平台并发执行搜索。
//
// enabled 为 nil 时所有平台参与。没有启用的平台时返回空切片。
func (a *Aggregator) Search(ctx context.Context, query string, maxPrice float64, enabled func(model.Platform) bool) []model.RawListing {
	type slot struct {
		listings []model.RawListing
	}

	slots := make([]slot, len(a.searchers))
	var wg sync.WaitGroup

	for i, s := range a.searchers {
		if enabled != nil && !enabled(s.Platform()) {
			continue
		}

		wg.Add(1)
		go func(i int, s Searcher) {
			defer wg.Done()

			listings, err := s.Search(ctx, query, maxPrice)
			if err != nil {
				a.logger.Error("platform search failed",
					slog.String("platform", string(s.Platform())),
					slog.String("query", query),
					slog.String("error", err.Error()))
				return
			}
			slots[i].listings = listings
		}(i, s)
	}

	wg.Wait()

	merged := make([]model.RawListing, 0)
	for _, sl := range slots {
		merged = append(merged, sl.listings...)
	}
	return merged
}
