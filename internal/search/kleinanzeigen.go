package search

import (
	"context"
	"log/slog"
	"strings"

	"dealradar/internal/model"
	"dealradar/internal/pkg/metrics"
)

// KleinanzeigenSearcher 是 Kleinanzeigen 平台的占位实现。
//
// Kleinanzeigen 没有公开搜索 API，这里从内置样例目录中返回与搜索词
// 匹配的条目，Live() 返回 false 供调用方向用户标注数据来源。
// 样例数据可注入，便于测试和后续替换为真实抓取。
type KleinanzeigenSearcher struct {
	catalog []model.RawListing
	logger  *slog.Logger
}

// NewKleinanzeigenSearcher 创建占位搜索器，catalog 为 nil 时使用内置样例。
func NewKleinanzeigenSearcher(catalog []model.RawListing, logger *slog.Logger) *KleinanzeigenSearcher {
	if catalog == nil {
		catalog = defaultKleinanzeigenCatalog()
	}
	return &KleinanzeigenSearcher{
		catalog: catalog,
		logger:  logger,
	}
}

// Platform 返回平台标识。
func (s *KleinanzeigenSearcher) Platform() model.Platform {
	return model.PlatformKleinanzeigen
}

// Live 返回 false：结果是示例数据，不是真实上游。
func (s *KleinanzeigenSearcher) Live() bool {
	return false
}

// Search 在样例目录中做大小写不敏感的标题匹配，并套用价格上限。
func (s *KleinanzeigenSearcher) Search(ctx context.Context, query string, maxPrice float64) ([]model.RawListing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	terms := strings.Fields(strings.ToLower(query))
	results := make([]model.RawListing, 0)

	for _, item := range s.catalog {
		title := strings.ToLower(item.Title)
		matched := false
		for _, term := range terms {
			if strings.Contains(title, term) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if maxPrice > 0 && item.Price > maxPrice {
			continue
		}
		results = append(results, item)
	}

	metrics.PlatformRequestsTotal.WithLabelValues(string(model.PlatformKleinanzeigen), "success").Inc()
	s.logger.Debug("kleinanzeigen sample search completed",
		slog.String("query", query),
		slog.Int("results", len(results)))
	return results, nil
}

// defaultKleinanzeigenCatalog 内置样例数据，价格覆盖不同区间以便过滤演示。
func defaultKleinanzeigenCatalog() []model.RawListing {
	items := []model.RawListing{
		{ID: "ka-2301", Title: "iPhone 13 128GB Blau, guter Zustand", Price: 420, Condition: "Gebraucht", Location: "Berlin"},
		{ID: "ka-2302", Title: "iPhone 13 Pro 256GB mit Rechnung", Price: 560, Condition: "Sehr gut", Location: "Hamburg"},
		{ID: "ka-2303", Title: "Hülle für iPhone 13, neu", Price: 8, Condition: "Neu", Location: "München"},
		{ID: "ka-2304", Title: "Samsung Galaxy S22 128GB", Price: 380, Condition: "Gebraucht", Location: "Köln"},
		{ID: "ka-2305", Title: "ThinkPad X1 Carbon Gen 9, i7, 16GB RAM", Price: 650, Condition: "Gebraucht", Location: "Frankfurt"},
		{ID: "ka-2306", Title: "MacBook Air M1 2020, 256GB", Price: 580, Condition: "Sehr gut", Location: "Stuttgart"},
		{ID: "ka-2307", Title: "Nintendo Switch OLED mit 3 Spielen", Price: 240, Condition: "Gebraucht", Location: "Leipzig"},
		{ID: "ka-2308", Title: "Fahrrad 28 Zoll Trekkingrad", Price: 150, Condition: "Gebraucht", Location: "Dresden"},
		{ID: "ka-2309", Title: "Sony WH-1000XM4 Kopfhörer", Price: 160, Condition: "Sehr gut", Location: "Berlin"},
		{ID: "ka-2310", Title: "PlayStation 5 Disc Edition, OVP", Price: 400, Condition: "Gebraucht", Location: "Hannover"},
	}
	for i := range items {
		items[i].Platform = model.PlatformKleinanzeigen
		items[i].Currency = model.DefaultCurrency
		items[i].URL = "https://www.kleinanzeigen.de/s-anzeige/" + items[i].ID
	}
	return items
}
