package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"dealradar/internal/model"
	"dealradar/internal/pkg/metrics"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMain(m *testing.M) {
	metrics.InitMetrics()
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return New(rdb, logger), rdb
}

func TestStore_SearchLifecycle(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	created, err := st.CreateSearch(ctx, "iphone 13", 500)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected assigned ID")
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}

	second, err := st.CreateSearch(ctx, "thinkpad x1", 0)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	list, err := st.ListSearches(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 searches, got %d", len(list))
	}
	if list[0].ID != created.ID || list[1].ID != second.ID {
		t.Fatal("expected creation order to be preserved")
	}

	got, err := st.GetSearch(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Query != "iphone 13" || got.MaxPrice != 500 {
		t.Fatalf("unexpected search: %+v", got)
	}

	if err := st.DeleteSearch(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetSearch(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := st.DeleteSearch(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestStore_CreateSearchValidation(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateSearch(ctx, "   ", 0); err == nil {
		t.Fatal("expected error for blank query")
	}
	if _, err := st.CreateSearch(ctx, "iphone", -5); err == nil {
		t.Fatal("expected error for negative max price")
	}
}

func TestStore_AppendMatches(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	listings := []model.RawListing{
		{ID: "101", Title: "iPhone 13", Price: 450, Currency: "EUR", Platform: model.PlatformEbay},
		{ID: "101", Title: "iPhone 13 Blau", Price: 420, Currency: "EUR", Platform: model.PlatformKleinanzeigen},
	}

	appended, err := st.AppendMatches(ctx, "search-1", listings)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(appended) != 2 {
		t.Fatalf("expected 2 appended, got %d", len(appended))
	}

	// 不同平台的原始 ID 相同也必须生成不同的 Match ID
	if appended[0].ID == appended[1].ID {
		t.Fatalf("expected distinct match IDs, got %s twice", appended[0].ID)
	}
	for _, m := range appended {
		if !strings.HasPrefix(m.ID, string(m.Platform)+"-101-") {
			t.Errorf("unexpected match ID format: %s", m.ID)
		}
		if m.IsRead {
			t.Errorf("new match %s must be unread", m.ID)
		}
		if m.SearchID != "search-1" {
			t.Errorf("match %s has search_id %s", m.ID, m.SearchID)
		}
	}

	// 再次命中同一商品：追加而不是去重
	if _, err := st.AppendMatches(ctx, "search-1", listings[:1]); err != nil {
		t.Fatalf("append again: %v", err)
	}
	all, err := st.QueryMatches(ctx, MatchQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 matches after second append, got %d", len(all))
	}
}

func seedMatches(t *testing.T, st *Store) []model.Match {
	t.Helper()
	ctx := context.Background()

	first, err := st.AppendMatches(ctx, "s1", []model.RawListing{
		{ID: "1", Title: "iPhone 13 128GB", Price: 450, Currency: "EUR", Platform: model.PlatformEbay},
		{ID: "2", Title: "ThinkPad X1 Carbon", Price: 650, Currency: "EUR", Platform: model.PlatformEbay},
	})
	if err != nil {
		t.Fatalf("seed first: %v", err)
	}

	second, err := st.AppendMatches(ctx, "s2", []model.RawListing{
		{ID: "3", Title: "iphone 13 mini", Price: 380, Currency: "EUR", Platform: model.PlatformKleinanzeigen},
	})
	if err != nil {
		t.Fatalf("seed second: %v", err)
	}
	return append(first, second...)
}

func TestStore_QueryMatchesFilters(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	seeded := seedMatches(t, st)

	// 平台过滤
	got, err := st.QueryMatches(ctx, MatchQuery{Platform: model.PlatformKleinanzeigen})
	if err != nil {
		t.Fatalf("query platform: %v", err)
	}
	if len(got) != 1 || got[0].Platform != model.PlatformKleinanzeigen {
		t.Fatalf("unexpected platform filter result: %+v", got)
	}

	// 标题子串，大小写不敏感
	got, err = st.QueryMatches(ctx, MatchQuery{Title: "IPHONE"})
	if err != nil {
		t.Fatalf("query title: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 iphone matches, got %d", len(got))
	}

	// 已读过滤 + 组合条件
	if _, err := st.ToggleRead(ctx, seeded[0].ID); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	unread := false
	read := true
	got, err = st.QueryMatches(ctx, MatchQuery{Read: &read})
	if err != nil {
		t.Fatalf("query read: %v", err)
	}
	if len(got) != 1 || got[0].ID != seeded[0].ID {
		t.Fatalf("unexpected read filter result: %+v", got)
	}
	got, err = st.QueryMatches(ctx, MatchQuery{Read: &unread, Platform: model.PlatformEbay})
	if err != nil {
		t.Fatalf("query combined: %v", err)
	}
	if len(got) != 1 || got[0].ID != seeded[1].ID {
		t.Fatalf("unexpected combined filter result: %+v", got)
	}
}

func TestStore_QueryMatchesSorting(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	seedMatches(t, st)

	got, err := st.QueryMatches(ctx, MatchQuery{Sort: "price_asc"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Price < got[i-1].Price {
			t.Fatalf("price_asc violated at %d: %.2f < %.2f", i, got[i].Price, got[i-1].Price)
		}
	}

	got, err = st.QueryMatches(ctx, MatchQuery{Sort: "title_asc"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for i := 1; i < len(got); i++ {
		if strings.ToLower(got[i].Title) < strings.ToLower(got[i-1].Title) {
			t.Fatalf("title_asc violated at %d", i)
		}
	}
}

func TestStore_MarkAllReadAndClear(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	seedMatches(t, st)

	changed, err := st.MarkAllRead(ctx)
	if err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if changed != 3 {
		t.Fatalf("expected 3 changed, got %d", changed)
	}

	// 幂等：第二次没有变化
	changed, err = st.MarkAllRead(ctx)
	if err != nil {
		t.Fatalf("mark all again: %v", err)
	}
	if changed != 0 {
		t.Fatalf("expected 0 changed, got %d", changed)
	}

	if err := st.ClearMatches(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err := st.QueryMatches(ctx, MatchQuery{})
	if err != nil {
		t.Fatalf("query after clear: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty collection, got %d", len(got))
	}
}

func TestStore_ToggleReadTwiceRestores(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	seeded := seedMatches(t, st)

	first, err := st.ToggleRead(ctx, seeded[0].ID)
	if err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if !first.IsRead {
		t.Fatal("expected match to be read after first toggle")
	}

	second, err := st.ToggleRead(ctx, seeded[0].ID)
	if err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if second.IsRead != seeded[0].IsRead {
		t.Fatalf("expected double toggle to restore is_read=%v, got %v", seeded[0].IsRead, second.IsRead)
	}

	// 其他条目不受影响
	all, err := st.QueryMatches(ctx, MatchQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, m := range all {
		if m.IsRead {
			t.Errorf("match %s unexpectedly read", m.ID)
		}
	}
}

func TestStore_QueryMatchesIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	seedMatches(t, st)

	q := MatchQuery{Platform: model.PlatformEbay, Title: "iphone", Sort: "price_asc"}

	first, err := st.QueryMatches(ctx, q)
	if err != nil {
		t.Fatalf("first query: %v", err)
	}
	second, err := st.QueryMatches(ctx, q)
	if err != nil {
		t.Fatalf("second query: %v", err)
	}

	// 无中间写入时，相同条件的两次查询结果必须逐项一致
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical results, got %+v vs %+v", first, second)
	}
}

func TestStore_ToggleReadNotFound(t *testing.T) {
	st, _ := newTestStore(t)

	if _, err := st.ToggleRead(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_LegacyMatchWithoutReadFlag(t *testing.T) {
	st, rdb := newTestStore(t)
	ctx := context.Background()

	// 旧版本写入的数据没有 is_read 字段，加载时必须按未读处理
	legacy := `[{"id":"ebay-9-abc","title":"iPhone 13","price":450,"currency":"EUR","platform":"ebay","url":"https://example.com","search_id":"s1","found_at":"` +
		time.Now().UTC().Format(time.RFC3339) + `"}]`
	if err := rdb.Set(ctx, matchesKey, legacy, 0).Err(); err != nil {
		t.Fatalf("seed legacy blob: %v", err)
	}

	got, err := st.QueryMatches(ctx, MatchQuery{})
	if err != nil {
		t.Fatalf("query legacy: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 match, got %d", len(got))
	}
	if got[0].IsRead {
		t.Fatal("legacy match without is_read must load as unread")
	}
}

func TestStore_Settings(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	// 未保存过时返回零值，所有平台默认启用
	settings, err := st.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	for _, p := range model.AllPlatforms() {
		if !settings.PlatformEnabled(p) {
			t.Errorf("platform %s should default to enabled", p)
		}
	}

	settings = model.Settings{EnabledPlatforms: map[model.Platform]bool{
		model.PlatformEbay: false,
	}}
	if err := st.SaveSettings(ctx, settings); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PlatformEnabled(model.PlatformEbay) {
		t.Fatal("ebay should be disabled")
	}
	if !got.PlatformEnabled(model.PlatformKleinanzeigen) {
		t.Fatal("kleinanzeigen should remain enabled")
	}

	// 未知平台名拒绝保存
	bad := model.Settings{EnabledPlatforms: map[model.Platform]bool{"craigslist": true}}
	if err := st.SaveSettings(ctx, bad); err == nil {
		t.Fatal("expected error for unknown platform")
	}
}
