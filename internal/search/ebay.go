package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dealradar/internal/config"
	"dealradar/internal/model"
	"dealradar/internal/pkg/metrics"
	"dealradar/internal/pkg/ratelimit"
)

// EbaySearcher 通过 eBay Finding API (findItemsByKeywords) 搜索商品。
//
// AppID 未配置时 Search 返回空结果并记录 warn 日志，不返回错误：
// 缺少凭证是一种预期的部署状态，不应让整次聚合失败。
type EbaySearcher struct {
	cfg     *config.EbayConfig
	client  *http.Client
	limiter *ratelimit.RateLimiter
	logger  *slog.Logger
}

// NewEbaySearcher 创建 eBay 搜索器。limiter 可以为 nil（不限流）。
func NewEbaySearcher(cfg *config.EbayConfig, limiter *ratelimit.RateLimiter, logger *slog.Logger) *EbaySearcher {
	return &EbaySearcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: limiter,
		logger:  logger,
	}
}

// Platform 返回平台标识。
func (s *EbaySearcher) Platform() model.Platform {
	return model.PlatformEbay
}

// Live 返回 true：结果来自真实上游。
func (s *EbaySearcher) Live() bool {
	return true
}

// findingResponse Finding API 的 JSON 响应。
// 该 API 把所有字段都包在单元素数组里，结构体按原样建模。
type findingResponse struct {
	FindItemsByKeywordsResponse []struct {
		Ack          []string       `json:"ack"`
		ErrorMessage []findingError `json:"errorMessage"`
		SearchResult []struct {
			Item []findingItem `json:"item"`
		} `json:"searchResult"`
	} `json:"findItemsByKeywordsResponse"`
}

type findingError struct {
	Error []struct {
		Message []string `json:"message"`
	} `json:"error"`
}

type findingItem struct {
	ItemID        []string `json:"itemId"`
	Title         []string `json:"title"`
	ViewItemURL   []string `json:"viewItemURL"`
	Location      []string `json:"location"`
	SellingStatus []struct {
		CurrentPrice []struct {
			CurrencyID string `json:"@currencyId"`
			Value      string `json:"__value__"`
		} `json:"currentPrice"`
	} `json:"sellingStatus"`
	Condition []struct {
		ConditionDisplayName []string `json:"conditionDisplayName"`
	} `json:"condition"`
}

// Search 执行一次 eBay 搜索。
//
// maxPrice > 0 时会同时下推 MaxPrice itemFilter 并在客户端重新校验价格，
// 上游的过滤结果不被盲目信任。
func (s *EbaySearcher) Search(ctx context.Context, query string, maxPrice float64) ([]model.RawListing, error) {
	if strings.TrimSpace(query) == "" {
		return []model.RawListing{}, nil
	}
	if s.cfg.AppID == "" {
		s.logger.Warn("ebay app id not configured, returning empty results",
			slog.String("query", query))
		return []model.RawListing{}, nil
	}

	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("ebay rate limit: %w", err)
		}
	}

	reqURL := s.buildURL(query, maxPrice)

	start := time.Now()
	listings, err := s.doRequest(ctx, reqURL, maxPrice)
	metrics.PlatformRequestDuration.WithLabelValues(string(model.PlatformEbay)).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.PlatformRequestsTotal.WithLabelValues(string(model.PlatformEbay), "failed").Inc()
		return nil, err
	}
	metrics.PlatformRequestsTotal.WithLabelValues(string(model.PlatformEbay), "success").Inc()

	s.logger.Debug("ebay search completed",
		slog.String("query", query),
		slog.Int("results", len(listings)))
	return listings, nil
}

func (s *EbaySearcher) buildURL(query string, maxPrice float64) string {
	params := url.Values{}
	params.Set("OPERATION-NAME", "findItemsByKeywords")
	params.Set("SERVICE-VERSION", "1.13.0")
	params.Set("SECURITY-APPNAME", s.cfg.AppID)
	params.Set("RESPONSE-DATA-FORMAT", "JSON")
	params.Set("REST-PAYLOAD", "true")
	params.Set("GLOBAL-ID", s.cfg.GlobalID)
	params.Set("keywords", query)
	params.Set("paginationInput.entriesPerPage", strconv.Itoa(s.cfg.MaxResults))
	if maxPrice > 0 {
		params.Set("itemFilter(0).name", "MaxPrice")
		params.Set("itemFilter(0).value", strconv.FormatFloat(maxPrice, 'f', 2, 64))
	}
	return s.cfg.BaseURL + "?" + params.Encode()
}

func (s *EbaySearcher) doRequest(ctx context.Context, reqURL string, maxPrice float64) ([]model.RawListing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ebay build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ebay request %s: %w", redactParams(reqURL, "SECURITY-APPNAME"), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("ebay read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ebay unexpected status %d", resp.StatusCode)
	}

	var parsed findingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("ebay parse response: %w", err)
	}

	if len(parsed.FindItemsByKeywordsResponse) == 0 {
		return nil, fmt.Errorf("ebay empty response envelope")
	}
	outer := parsed.FindItemsByKeywordsResponse[0]

	if len(outer.Ack) == 0 || (outer.Ack[0] != "Success" && outer.Ack[0] != "Warning") {
		return nil, fmt.Errorf("ebay api error: %s", findingErrorMessage(outer.ErrorMessage))
	}

	listings := make([]model.RawListing, 0)
	if len(outer.SearchResult) == 0 {
		return listings, nil
	}

	for _, item := range outer.SearchResult[0].Item {
		listing, ok := s.toListing(item)
		if !ok {
			continue
		}
		// 上游 MaxPrice 过滤不可信，客户端再校验一次
		if maxPrice > 0 && listing.Price > maxPrice {
			continue
		}
		listings = append(listings, listing)
	}
	return listings, nil
}

func (s *EbaySearcher) toListing(item findingItem) (model.RawListing, bool) {
	if len(item.ItemID) == 0 || len(item.Title) == 0 {
		return model.RawListing{}, false
	}

	listing := model.RawListing{
		ID:       item.ItemID[0],
		Title:    item.Title[0],
		Currency: model.DefaultCurrency,
		Platform: model.PlatformEbay,
	}
	if len(item.ViewItemURL) > 0 {
		listing.URL = item.ViewItemURL[0]
	}
	if len(item.Location) > 0 {
		listing.Location = item.Location[0]
	}
	if len(item.Condition) > 0 && len(item.Condition[0].ConditionDisplayName) > 0 {
		listing.Condition = item.Condition[0].ConditionDisplayName[0]
	}
	if len(item.SellingStatus) > 0 && len(item.SellingStatus[0].CurrentPrice) > 0 {
		cp := item.SellingStatus[0].CurrentPrice[0]
		price, err := strconv.ParseFloat(cp.Value, 64)
		if err != nil {
			s.logger.Warn("ebay item with unparsable price skipped",
				slog.String("item_id", listing.ID),
				slog.String("price", cp.Value))
			return model.RawListing{}, false
		}
		listing.Price = price
		if cp.CurrencyID != "" {
			listing.Currency = cp.CurrencyID
		}
	}

	return listing, true
}

func findingErrorMessage(em []findingError) string {
	if len(em) > 0 && len(em[0].Error) > 0 && len(em[0].Error[0].Message) > 0 {
		return em[0].Error[0].Message[0]
	}
	return "unknown"
}
