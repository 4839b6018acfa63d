package filter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"dealradar/internal/model"
	"dealradar/internal/pkg/metrics"
)

// Relevance 对平台搜索结果做相关性过滤。
//
// 首选 AI 策略（API key 已配置时）；AI 不可用或调用失败时立即回退到
// 关键词策略，不做重试——这是一个交互式流程，用户等不起重试风暴。
// 任何一次过滤都保证产出确定的结果，失败从不向上传播。
type Relevance struct {
	ai     *AIClient
	logger *slog.Logger
}

// NewRelevance 创建过滤器。ai 可以为 nil（始终使用关键词策略）。
func NewRelevance(ai *AIClient, logger *slog.Logger) *Relevance {
	return &Relevance{
		ai:     ai,
		logger: logger,
	}
}

// Apply 过滤 listings，返回与 query 相关的子集（保持输入顺序）。
func (r *Relevance) Apply(ctx context.Context, query string, listings []model.RawListing) []model.RawListing {
	if len(listings) == 0 {
		return []model.RawListing{}
	}

	if r.ai.Configured() {
		filtered, err := r.applyAI(ctx, query, listings)
		if err == nil {
			metrics.FilterRequestsTotal.WithLabelValues("ai", "success").Inc()
			return filtered
		}
		metrics.FilterRequestsTotal.WithLabelValues("ai", "failed").Inc()
		r.logger.Warn("ai filter failed, falling back to keyword filter",
			slog.String("query", query),
			slog.String("error", err.Error()))
	}

	filtered := r.applyKeyword(query, listings)
	metrics.FilterRequestsTotal.WithLabelValues("keyword", "success").Inc()
	return filtered
}

func (r *Relevance) applyAI(ctx context.Context, query string, listings []model.RawListing) ([]model.RawListing, error) {
	titles := make([]string, len(listings))
	for i, l := range listings {
		titles[i] = fmt.Sprintf("%s (%.2f %s)", l.Title, l.Price, l.Currency)
	}

	indices, err := r.ai.RelevantIndices(ctx, query, titles)
	if err != nil {
		return nil, err
	}

	// 模型输出顺序不可信，按下标排序以保持输入顺序
	sort.Ints(indices)

	filtered := make([]model.RawListing, 0, len(indices))
	for _, idx := range indices {
		filtered = append(filtered, listings[idx])
	}

	r.logger.Debug("ai filter applied",
		slog.String("query", query),
		slog.Int("in", len(listings)),
		slog.Int("out", len(filtered)))
	return filtered, nil
}

// applyKeyword 关键词策略：标题（大小写不敏感）至少命中一半的搜索词。
//
// 阈值为 ceil(词数/2)，单词搜索即要求该词出现。
func (r *Relevance) applyKeyword(query string, listings []model.RawListing) []model.RawListing {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return listings
	}
	threshold := (len(terms) + 1) / 2

	filtered := make([]model.RawListing, 0, len(listings))
	for _, l := range listings {
		title := strings.ToLower(l.Title)
		hits := 0
		for _, term := range terms {
			if strings.Contains(title, term) {
				hits++
			}
		}
		if hits >= threshold {
			filtered = append(filtered, l)
		}
	}

	r.logger.Debug("keyword filter applied",
		slog.String("query", query),
		slog.Int("in", len(listings)),
		slog.Int("out", len(filtered)))
	return filtered
}
