package search

import (
	"context"
	"net/url"

	"dealradar/internal/model"
)

// Searcher 定义单个平台的搜索契约。
//
// 实现必须做到：
//   - 返回的所有 RawListing.Platform 等于 Platform()
//   - maxPrice > 0 时只返回 Price <= maxPrice 的结果（上游过滤不可信，
//     实现需在客户端再校验一次）
//   - 无凭证/无数据时返回空切片而不是错误，也绝不伪造"真实"数据
type Searcher interface {
	// Platform 返回该实现对应的平台标识。
	Platform() model.Platform

	// Live 表示结果是否来自真实的上游 API。
	// 占位实现（示例数据）返回 false，调用方据此向用户标注。
	Live() bool

	// Search 执行一次搜索。ctx 取消时应尽快返回。
	Search(ctx context.Context, query string, maxPrice float64) ([]model.RawListing, error)
}

// redactParams 从 URL 中抹掉凭证类查询参数，用于日志输出。
func redactParams(rawURL string, names ...string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for _, name := range names {
		if q.Has(name) {
			q.Set(name, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
