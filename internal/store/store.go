package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"dealradar/internal/model"
	"dealradar/internal/pkg/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 持久化键。每个集合是一个 JSON blob，整体读整体写。
const (
	searchesKey = "dealradar:searches"
	matchesKey  = "dealradar:matches"
	settingsKey = "dealradar:settings"
)

// ErrNotFound 表示请求的对象不存在。
var ErrNotFound = errors.New("not found")

// Store 基于 Redis 的持久化层。
//
// 所有写操作是 read-modify-write：进程内用互斥锁串行化，保证单实例下
// 不丢更新。多实例并发写同一个 Redis 时是 last-write-wins，这是已知
// 限制（本服务按单实例部署设计）。
type Store struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu sync.Mutex
}

// New 创建 Store。
func New(rdb *redis.Client, logger *slog.Logger) *Store {
	return &Store{
		rdb:    rdb,
		logger: logger,
	}
}

// Ping 检查 Redis 连通性。
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) loadBlob(ctx context.Context, key string, dst interface{}) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) saveBlob(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		metrics.StoreWriteFailuresTotal.Inc()
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// ---- SavedSearch ----

// CreateSearch 保存一条新搜索并返回它（ID 由 Store 分配）。
func (s *Store) CreateSearch(ctx context.Context, query string, maxPrice float64) (model.SavedSearch, error) {
	search := model.SavedSearch{
		ID:        uuid.NewString(),
		Query:     strings.TrimSpace(query),
		MaxPrice:  maxPrice,
		CreatedAt: time.Now().UTC(),
	}
	if search.Query == "" {
		return model.SavedSearch{}, fmt.Errorf("query must not be empty")
	}
	if maxPrice < 0 {
		return model.SavedSearch{}, fmt.Errorf("max price must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var searches []model.SavedSearch
	if err := s.loadBlob(ctx, searchesKey, &searches); err != nil {
		return model.SavedSearch{}, err
	}
	searches = append(searches, search)
	if err := s.saveBlob(ctx, searchesKey, searches); err != nil {
		return model.SavedSearch{}, err
	}

	s.logger.Info("saved search created",
		slog.String("search_id", search.ID),
		slog.String("query", search.Query))
	return search, nil
}

// ListSearches 返回所有保存的搜索，按创建顺序。
func (s *Store) ListSearches(ctx context.Context) ([]model.SavedSearch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	searches := make([]model.SavedSearch, 0)
	if err := s.loadBlob(ctx, searchesKey, &searches); err != nil {
		return nil, err
	}
	return searches, nil
}

// GetSearch 按 ID 查找搜索，不存在时返回 ErrNotFound。
func (s *Store) GetSearch(ctx context.Context, id string) (model.SavedSearch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var searches []model.SavedSearch
	if err := s.loadBlob(ctx, searchesKey, &searches); err != nil {
		return model.SavedSearch{}, err
	}
	for _, search := range searches {
		if search.ID == id {
			return search, nil
		}
	}
	return model.SavedSearch{}, ErrNotFound
}

// DeleteSearch 删除一条搜索。已产生的 Match 不受影响（弱引用）。
func (s *Store) DeleteSearch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var searches []model.SavedSearch
	if err := s.loadBlob(ctx, searchesKey, &searches); err != nil {
		return err
	}

	kept := searches[:0]
	found := false
	for _, search := range searches {
		if search.ID == id {
			found = true
			continue
		}
		kept = append(kept, search)
	}
	if !found {
		return ErrNotFound
	}

	if err := s.saveBlob(ctx, searchesKey, kept); err != nil {
		return err
	}
	s.logger.Info("saved search deleted", slog.String("search_id", id))
	return nil
}

// ---- Match ----

// AppendMatches 把过滤后的结果追加到匹配集合。
//
// 每条 Match 的 ID 为 "{platform}-{原始ID}-{随机后缀}"，后缀保证同一商品
// 被多次搜索命中时也能区分。返回实际写入的 Match。
func (s *Store) AppendMatches(ctx context.Context, searchID string, listings []model.RawListing) ([]model.Match, error) {
	if len(listings) == 0 {
		return []model.Match{}, nil
	}

	now := time.Now().UTC()
	appended := make([]model.Match, 0, len(listings))
	for _, l := range listings {
		appended = append(appended, model.Match{
			ID:        fmt.Sprintf("%s-%s-%s", l.Platform, l.ID, uuid.NewString()[:8]),
			Title:     l.Title,
			Price:     l.Price,
			Currency:  l.Currency,
			Platform:  l.Platform,
			URL:       l.URL,
			Condition: l.Condition,
			Location:  l.Location,
			SearchID:  searchID,
			FoundAt:   now,
			IsRead:    false,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []model.Match
	if err := s.loadBlob(ctx, matchesKey, &matches); err != nil {
		return nil, err
	}
	matches = append(matches, appended...)
	if err := s.saveBlob(ctx, matchesKey, matches); err != nil {
		return nil, err
	}

	metrics.MatchesAppendedTotal.Add(float64(len(appended)))
	s.logger.Info("matches appended",
		slog.String("search_id", searchID),
		slog.Int("count", len(appended)))
	return appended, nil
}

// MatchQuery 组合查询条件，零值字段不参与过滤（条件之间为 AND）。
type MatchQuery struct {
	Platform model.Platform // 为空不过滤
	Read     *bool          // nil 不过滤
	Title    string         // 标题子串，大小写不敏感
	Sort     string         // found_at_desc(默认) / found_at_asc / price_asc / price_desc / title_asc
}

// QueryMatches 按条件查询匹配集合。
func (s *Store) QueryMatches(ctx context.Context, q MatchQuery) ([]model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []model.Match
	if err := s.loadBlob(ctx, matchesKey, &matches); err != nil {
		return nil, err
	}

	title := strings.ToLower(strings.TrimSpace(q.Title))
	filtered := make([]model.Match, 0, len(matches))
	for _, m := range matches {
		if q.Platform != "" && m.Platform != q.Platform {
			continue
		}
		if q.Read != nil && m.IsRead != *q.Read {
			continue
		}
		if title != "" && !strings.Contains(strings.ToLower(m.Title), title) {
			continue
		}
		filtered = append(filtered, m)
	}

	sortMatches(filtered, q.Sort)
	return filtered, nil
}

// sortMatches 稳定排序：同键值的条目保持插入顺序。
func sortMatches(matches []model.Match, order string) {
	switch order {
	case "found_at_asc":
		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].FoundAt.Before(matches[j].FoundAt)
		})
	case "price_asc":
		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].Price < matches[j].Price
		})
	case "price_desc":
		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].Price > matches[j].Price
		})
	case "title_asc":
		sort.SliceStable(matches, func(i, j int) bool {
			return strings.ToLower(matches[i].Title) < strings.ToLower(matches[j].Title)
		})
	default: // found_at_desc
		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].FoundAt.After(matches[j].FoundAt)
		})
	}
}

// ToggleRead 翻转一条匹配的已读状态，返回更新后的 Match。
func (s *Store) ToggleRead(ctx context.Context, id string) (model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []model.Match
	if err := s.loadBlob(ctx, matchesKey, &matches); err != nil {
		return model.Match{}, err
	}

	for i := range matches {
		if matches[i].ID != id {
			continue
		}
		matches[i].IsRead = !matches[i].IsRead
		if err := s.saveBlob(ctx, matchesKey, matches); err != nil {
			return model.Match{}, err
		}
		return matches[i], nil
	}
	return model.Match{}, ErrNotFound
}

// MarkAllRead 把所有匹配标记为已读，返回状态发生变化的条数。
func (s *Store) MarkAllRead(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []model.Match
	if err := s.loadBlob(ctx, matchesKey, &matches); err != nil {
		return 0, err
	}

	changed := 0
	for i := range matches {
		if !matches[i].IsRead {
			matches[i].IsRead = true
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	if err := s.saveBlob(ctx, matchesKey, matches); err != nil {
		return 0, err
	}
	return changed, nil
}

// ClearMatches 清空匹配集合。
func (s *Store) ClearMatches(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rdb.Del(ctx, matchesKey).Err(); err != nil {
		metrics.StoreWriteFailuresTotal.Inc()
		return fmt.Errorf("clear matches: %w", err)
	}
	s.logger.Info("match collection cleared")
	return nil
}

// ---- Settings ----

// GetSettings 读取用户设置，未保存过时返回零值（所有平台启用）。
func (s *Store) GetSettings(ctx context.Context) (model.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var settings model.Settings
	if err := s.loadBlob(ctx, settingsKey, &settings); err != nil {
		return model.Settings{}, err
	}
	return settings, nil
}

// SaveSettings 覆盖保存用户设置。未知平台名视为错误。
func (s *Store) SaveSettings(ctx context.Context, settings model.Settings) error {
	for p := range settings.EnabledPlatforms {
		if !p.Valid() {
			return fmt.Errorf("unknown platform %q", p)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveBlob(ctx, settingsKey, settings)
}
